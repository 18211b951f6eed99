package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Defaults for the relay server and the terminal client.
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8000
	DefaultUpstreamURL = "http://127.0.0.1:3000"

	// DefaultIdleTimeout is how long the client waits without token
	// progress before cancelling a generation.
	DefaultIdleTimeout = 90 * time.Second

	// DefaultFlushInterval bounds how often buffered tokens are applied
	// to the conversation model.
	DefaultFlushInterval = 50 * time.Millisecond

	// DefaultStoreQuota is the byte budget for the persisted conversation
	// list before the store starts truncating history.
	DefaultStoreQuota = 512 * 1024
)

// Config holds all relay configuration.
type Config struct {
	Host    string
	Port    int
	Verbose bool

	// Upstream workflow backend.
	UpstreamURL          string
	UpstreamAPIKey       string
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamTokenURL     string

	// DefaultFlowID is the upstream flow used when a mode has no explicit
	// mapping in ModeFlows.
	DefaultFlowID string
	// ModeFlows maps a conversation mode tag to an upstream flow ID.
	ModeFlows map[string]string

	// Client-side knobs.
	RelayURL      string
	IdleTimeout   time.Duration
	FlushInterval time.Duration
	StorePath     string
	StoreQuota    int
}

// DefaultFromEnv creates a Config with defaults from environment variables.
func DefaultFromEnv() *Config {
	return &Config{
		Host:                 envOrDefault("FLOWRELAY_HOST", DefaultHost),
		Port:                 envInt("FLOWRELAY_PORT", DefaultPort),
		Verbose:              envBool("FLOWRELAY_VERBOSE"),
		UpstreamURL:          envOrDefault("FLOWRELAY_UPSTREAM_URL", DefaultUpstreamURL),
		UpstreamAPIKey:       strings.TrimSpace(os.Getenv("FLOWRELAY_UPSTREAM_API_KEY")),
		UpstreamClientID:     strings.TrimSpace(os.Getenv("FLOWRELAY_UPSTREAM_CLIENT_ID")),
		UpstreamClientSecret: strings.TrimSpace(os.Getenv("FLOWRELAY_UPSTREAM_CLIENT_SECRET")),
		UpstreamTokenURL:     strings.TrimSpace(os.Getenv("FLOWRELAY_UPSTREAM_TOKEN_URL")),
		DefaultFlowID:        strings.TrimSpace(os.Getenv("FLOWRELAY_DEFAULT_FLOW_ID")),
		ModeFlows:            parseModeFlows(os.Getenv("FLOWRELAY_MODE_FLOWS")),
		RelayURL:             envOrDefault("FLOWRELAY_URL", "http://127.0.0.1:8000"),
		IdleTimeout:          envDuration("FLOWRELAY_IDLE_TIMEOUT", DefaultIdleTimeout),
		FlushInterval:        envDuration("FLOWRELAY_FLUSH_INTERVAL", DefaultFlushInterval),
		StorePath:            storePathFromEnv(),
		StoreQuota:           envInt("FLOWRELAY_STORE_QUOTA", DefaultStoreQuota),
	}
}

// FlowForMode resolves the upstream flow ID for a conversation mode.
// Unknown modes fall back to the default flow.
func (c *Config) FlowForMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if id, ok := c.ModeFlows[mode]; ok && id != "" {
		return id
	}
	return c.DefaultFlowID
}

// parseModeFlows parses "chat=abc123,research=def456" into a mode→flow map.
func parseModeFlows(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func storePathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv("FLOWRELAY_STORE_PATH")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "conversations.json"
	}
	return home + "/.flowrelay/conversations.json"
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
