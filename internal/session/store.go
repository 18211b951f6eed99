package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

// quotaRetryMessages is the per-conversation history kept on the truncated
// retry after a quota failure.
const quotaRetryMessages = 5

// Store persists the conversation list to one bounded local file. Writes
// are debounced; Close flushes synchronously so the last debounce window
// is never lost. Quota pressure degrades to truncated history, and a
// second consecutive failure clears the file rather than leaving it
// unparseable.
type Store struct {
	path     string
	quota    int
	debounce time.Duration

	mu      sync.Mutex
	pending []Conversation
	dirty   bool
	timer   *time.Timer
	closed  bool
}

// NewStore creates a store writing to path with the given byte quota.
func NewStore(path string, quota int, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Store{path: path, quota: quota, debounce: debounce}
}

// Load reads the persisted conversation list. Loading is best-effort:
// a missing file, corrupt JSON, or non-array data yields an empty list.
func (s *Store) Load() []Conversation {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var convs []Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		slog.Warn("discarding unreadable conversation store", "path", s.path, "error", err)
		return nil
	}
	return convs
}

// Save snapshots the conversation list and schedules a debounced write.
// Each conversation's history is capped to the most recent entries at
// snapshot time.
func (s *Store) Save(convs []Conversation) {
	snapshot := cloneBounded(convs, maxStoredMessages)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = snapshot
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.Flush)
	}
}

// Flush writes the pending snapshot synchronously.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := s.pending
	s.dirty = false
	s.mu.Unlock()

	s.write(snapshot)
}

// Close is the store's flush guard: it stops the debounce timer and
// performs a final synchronous write. Safe to call on every exit path.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Flush()
}

// write applies the degradation ladder: full snapshot, then truncated
// per-conversation history, then clearing the file entirely.
func (s *Store) write(convs []Conversation) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		slog.Warn("conversation store directory unavailable", "error", err)
		return
	}

	if s.tryWrite(convs) {
		return
	}

	truncated := cloneBounded(convs, quotaRetryMessages)
	if s.tryWrite(truncated) {
		slog.Warn("conversation store over quota; history truncated", "messages_kept", quotaRetryMessages)
		return
	}

	// Clearing beats leaving a partially-written, unparseable file behind.
	slog.Warn("conversation store unwritable; clearing", "path", s.path)
	_ = os.Remove(s.path)
}

func (s *Store) tryWrite(convs []Conversation) bool {
	data, err := json.Marshal(convs)
	if err != nil {
		return false
	}
	if s.quota > 0 && len(data) > s.quota {
		return false
	}
	return os.WriteFile(s.path, data, 0o600) == nil
}

// cloneBounded deep-copies the conversation list with each message list
// capped to its most recent maxMessages entries, so later mutations by the
// reducer cannot race the debounced write.
func cloneBounded(convs []Conversation, maxMessages int) []Conversation {
	out := make([]Conversation, len(convs))
	for i, conv := range convs {
		out[i] = conv
		msgs := conv.Messages
		if len(msgs) > maxMessages {
			msgs = msgs[len(msgs)-maxMessages:]
		}
		copied := make([]Message, len(msgs))
		for j, m := range msgs {
			copied[j] = m
			copied[j].Activities = append([]string(nil), m.Activities...)
			copied[j].AgentSteps = append([]canonical.Step(nil), m.AgentSteps...)
		}
		out[i].Messages = copied
	}
	return out
}
