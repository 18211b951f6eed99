package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/flowrelay/flowrelay/internal/canonical"
	"github.com/flowrelay/flowrelay/internal/toolscan"
)

// Reducer applies canonical events for one generation to its assistant
// message. Token events accumulate in a buffer and reach the message in
// periodic flushes so update frequency stays bounded; everything else is
// applied immediately with dedup semantics.
type Reducer struct {
	mu         sync.Mutex
	conv       *Conversation
	messageID  string
	flushEvery time.Duration
	onUpdate   func()

	buf        strings.Builder
	flushTimer *time.Timer
	done       bool
}

// NewReducer targets all updates at the message with messageID inside conv.
// onUpdate fires after every applied state change and is invoked with the
// reducer's lock held, so snapshots taken inside the callback observe a
// consistent message state; owners persist there.
func NewReducer(conv *Conversation, messageID string, flushEvery time.Duration, onUpdate func()) *Reducer {
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}
	return &Reducer{
		conv:       conv,
		messageID:  messageID,
		flushEvery: flushEvery,
		onUpdate:   onUpdate,
	}
}

// Apply folds one canonical event into the conversation state.
func (r *Reducer) Apply(e canonical.Event) {
	switch e.Kind {
	case canonical.KindToken:
		r.bufferToken(e.Text)

	case canonical.KindActivity:
		r.withMessage(func(m *Message) bool {
			return m.addActivity(e.ActivityKey())
		})

	case canonical.KindAgentStep:
		if e.Step == nil {
			return
		}
		r.withMessage(func(m *Message) bool {
			return m.addStep(*e.Step)
		})

	case canonical.KindMetadata:
		// Metadata is not applied directly: it re-derives step and
		// activity updates through the same dedup path as agentStep.
		r.applyMetadata(e.Metadata)

	case canonical.KindError:
		r.Fail(e.Message)

	case canonical.KindDone:
		r.finish()
	}
}

func (r *Reducer) bufferToken(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.buf.WriteString(text)
	// At most one pending flush per generation.
	if r.flushTimer == nil {
		r.flushTimer = time.AfterFunc(r.flushEvery, r.Flush)
	}
}

func (r *Reducer) applyMetadata(raw json.RawMessage) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	if m := r.conv.message(r.messageID); m != nil && !r.done {
		for _, step := range toolscan.Interpret(decoded) {
			if m.addStep(step) {
				changed = true
			}
			if act, ok := toolscan.ActivityFor(step); ok {
				if m.addActivity(act.ActivityKey()) {
					changed = true
				}
			}
		}
	}
	r.notifyLocked(changed)
}

// Flush applies the buffered token text to the message content in one
// update and clears the buffer.
func (r *Reducer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	changed := false
	if r.buf.Len() > 0 {
		if m := r.conv.message(r.messageID); m != nil {
			m.Content += r.buf.String()
			changed = true
		}
		r.buf.Reset()
	}
	r.notifyLocked(changed)
}

// finish flushes residual tokens synchronously and seals the generation.
func (r *Reducer) finish() {
	r.Flush()
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}

// Fail replaces the message content with the error text and ends the
// generation. Buffered tokens are discarded: the error supersedes them.
func (r *Reducer) Fail(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	r.buf.Reset()
	if m := r.conv.message(r.messageID); m != nil {
		m.Content = message
	}
	r.done = true
	r.notifyLocked(true)
}

// Interrupt preserves already-streamed partial content and appends an
// interruption notice; a message with no content gets the notice alone.
func (r *Reducer) Interrupt(notice string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	changed := false
	if m := r.conv.message(r.messageID); m != nil {
		if r.buf.Len() > 0 {
			m.Content += r.buf.String()
		}
		if m.Content == "" {
			m.Content = notice
		} else {
			m.Content += "\n\n" + notice
		}
		changed = true
	}
	r.buf.Reset()
	r.done = true
	r.notifyLocked(changed)
}

func (r *Reducer) withMessage(apply func(*Message) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	if m := r.conv.message(r.messageID); m != nil && !r.done {
		changed = apply(m)
	}
	r.notifyLocked(changed)
}

func (r *Reducer) stopTimerLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
}

// notifyLocked runs the onUpdate callback under r.mu. The scheduled flush
// fires on a timer goroutine, so a callback running outside the lock would
// let owners read the conversation while the other goroutine mutates it.
func (r *Reducer) notifyLocked(changed bool) {
	if changed && r.onUpdate != nil {
		r.onUpdate()
	}
}
