package config

import (
	"testing"
	"time"
)

func TestParseModeFlows(t *testing.T) {
	got := parseModeFlows(" chat=abc123, Research = def456 ,,broken,=x,y= ")
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2: %v", len(got), got)
	}
	if got["chat"] != "abc123" {
		t.Errorf("chat: got %q", got["chat"])
	}
	if got["research"] != "def456" {
		t.Errorf("research: got %q", got["research"])
	}
}

func TestFlowForMode(t *testing.T) {
	cfg := &Config{
		DefaultFlowID: "flow-default",
		ModeFlows:     map[string]string{"research": "flow-research"},
	}

	if got := cfg.FlowForMode("research"); got != "flow-research" {
		t.Errorf("research: got %q", got)
	}
	if got := cfg.FlowForMode(" RESEARCH "); got != "flow-research" {
		t.Errorf("case/space insensitive lookup: got %q", got)
	}
	if got := cfg.FlowForMode("chat"); got != "flow-default" {
		t.Errorf("unmapped mode: got %q, want default", got)
	}
	if got := cfg.FlowForMode(""); got != "flow-default" {
		t.Errorf("empty mode: got %q, want default", got)
	}
}

func TestDefaultFromEnv(t *testing.T) {
	t.Setenv("FLOWRELAY_HOST", "0.0.0.0")
	t.Setenv("FLOWRELAY_PORT", "9100")
	t.Setenv("FLOWRELAY_VERBOSE", "true")
	t.Setenv("FLOWRELAY_MODE_FLOWS", "chat=abc")
	t.Setenv("FLOWRELAY_IDLE_TIMEOUT", "2m")

	cfg := DefaultFromEnv()
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host: got %q", cfg.Host)
	}
	if cfg.Port != 9100 {
		t.Errorf("port: got %d", cfg.Port)
	}
	if !cfg.Verbose {
		t.Error("verbose not set")
	}
	if cfg.ModeFlows["chat"] != "abc" {
		t.Errorf("mode flows: got %v", cfg.ModeFlows)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Errorf("idle timeout: got %v", cfg.IdleTimeout)
	}
}

func TestDefaultFromEnvDefaults(t *testing.T) {
	t.Setenv("FLOWRELAY_PORT", "")
	t.Setenv("FLOWRELAY_IDLE_TIMEOUT", "not a duration")

	cfg := DefaultFromEnv()
	if cfg.Port != DefaultPort {
		t.Errorf("port: got %d, want default %d", cfg.Port, DefaultPort)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("idle timeout: got %v, want default %v", cfg.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.UpstreamURL != DefaultUpstreamURL {
		t.Errorf("upstream url: got %q", cfg.UpstreamURL)
	}
}
