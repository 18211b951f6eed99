// Package models caches model capability metadata fetched from the
// upstream backend.
package models

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cacheTTL is how long a cached capability entry stays fresh before a
// background refresh is triggered.
const cacheTTL = 5 * time.Minute

// Capability describes one upstream model as exposed to clients.
type Capability struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Streaming bool   `json:"streaming"`
}

// FetchFunc retrieves the current capability list from the upstream.
type FetchFunc func(ctx context.Context) ([]Capability, error)

type entry struct {
	cap       Capability
	expiresAt time.Time
}

// Registry is a TTL cache over upstream model capabilities. The fetch
// function is constructor-injected so lifecycle and test isolation are
// explicit.
type Registry struct {
	mu      sync.RWMutex
	fetchMu sync.Mutex // prevents concurrent fetches
	fetch   FetchFunc
	ttl     time.Duration

	entries map[string]entry
	order   []string
}

// NewRegistry creates a capability registry backed by the given fetch
// function.
func NewRegistry(fetch FetchFunc) *Registry {
	return &Registry{
		fetch:   fetch,
		ttl:     cacheTTL,
		entries: make(map[string]entry),
	}
}

// List returns the cached capability list, refreshing if needed. The first
// call blocks to fetch; on stale entries it refreshes in the background and
// returns the cached values immediately. Falls back to the static catalog
// when the upstream is unreachable and nothing is cached.
func (r *Registry) List(ctx context.Context) []Capability {
	r.mu.RLock()
	cached := r.snapshot()
	stale := r.anyExpired()
	r.mu.RUnlock()

	if len(cached) == 0 {
		r.fetchMu.Lock()
		r.mu.RLock()
		cached = r.snapshot()
		r.mu.RUnlock()
		if len(cached) == 0 {
			if err := r.doFetch(ctx); err != nil {
				slog.Warn("capability fetch failed, using static fallback", "error", err)
			}
			r.mu.RLock()
			cached = r.snapshot()
			r.mu.RUnlock()
		}
		r.fetchMu.Unlock()

		if len(cached) == 0 {
			return StaticFallback()
		}
		return cached
	}

	if stale {
		go func() {
			r.fetchMu.Lock()
			defer r.fetchMu.Unlock()
			r.mu.RLock()
			stillStale := r.anyExpired()
			r.mu.RUnlock()
			if !stillStale {
				return
			}
			if err := r.doFetch(context.Background()); err != nil {
				slog.Warn("background capability refresh failed", "error", err)
			}
		}()
	}
	return cached
}

// Get returns the capability for a model ID. Unknown models report
// streaming support so the relay still attempts the richer path.
func (r *Registry) Get(ctx context.Context, modelID string) (Capability, bool) {
	for _, c := range r.List(ctx) {
		if c.ID == modelID {
			return c, true
		}
	}
	return Capability{ID: modelID, Streaming: true}, false
}

func (r *Registry) doFetch(ctx context.Context) error {
	if r.fetch == nil {
		return nil
	}
	caps, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	if len(caps) == 0 {
		return nil
	}

	expires := time.Now().Add(r.ttl)
	r.mu.Lock()
	r.entries = make(map[string]entry, len(caps))
	r.order = r.order[:0]
	for _, c := range caps {
		if _, dup := r.entries[c.ID]; dup {
			continue
		}
		r.entries[c.ID] = entry{cap: c, expiresAt: expires}
		r.order = append(r.order, c.ID)
	}
	r.mu.Unlock()
	return nil
}

// snapshot and anyExpired are called with r.mu held.
func (r *Registry) snapshot() []Capability {
	if len(r.order) == 0 {
		return nil
	}
	out := make([]Capability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].cap)
	}
	return out
}

func (r *Registry) anyExpired() bool {
	now := time.Now()
	for _, e := range r.entries {
		if now.After(e.expiresAt) {
			return true
		}
	}
	return false
}

// StaticFallback is the catalog served when the upstream model listing is
// unavailable.
func StaticFallback() []Capability {
	return []Capability{
		{ID: "default", Label: "Default", Streaming: true},
	}
}
