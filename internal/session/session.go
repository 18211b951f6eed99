// Package session is the client half of the relay: it owns the
// conversation model, consumes canonical event streams, and persists
// history locally. All mutation of a conversation flows through the
// Reducer; the rest of the package treats the model as read-only.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

const (
	// maxAgentSteps bounds a message's step list; oldest entries are
	// evicted first.
	maxAgentSteps = 60

	// maxStoredMessages bounds persisted per-conversation history.
	maxStoredMessages = 20

	maxTitleLen = 64
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. Content is append-only while
// streaming and replaceable only on error or interruption.
type Message struct {
	ID         string           `json:"id"`
	Role       Role             `json:"role"`
	Content    string           `json:"content"`
	Activities []string         `json:"activities,omitempty"`
	AgentSteps []canonical.Step `json:"agentSteps,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Conversation is an ordered list of messages bound to one model. The
// model binding is locked once the conversation has any message.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	ModelID   string    `json:"modelId"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

// NewConversation creates an empty conversation for a mode.
func NewConversation(mode string) *Conversation {
	return &Conversation{
		ID:        uuid.New().String(),
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
}

func newMessage(role Role) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
}

// message returns a pointer to the message with the given ID, or nil.
func (c *Conversation) message(id string) *Message {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}
	return nil
}

// addActivity inserts an activity key with set semantics over the ordered
// list. Reports whether the key was new.
func (m *Message) addActivity(key string) bool {
	if key == "" {
		return false
	}
	for _, existing := range m.Activities {
		if existing == key {
			return false
		}
	}
	m.Activities = append(m.Activities, key)
	return true
}

// addStep appends a step unless its structural signature is already
// present, evicting the oldest entry once the cap is reached. Reports
// whether the step was new.
func (m *Message) addStep(step canonical.Step) bool {
	sig := step.Signature()
	for _, existing := range m.AgentSteps {
		if existing.Signature() == sig {
			return false
		}
	}
	if len(m.AgentSteps) >= maxAgentSteps {
		m.AgentSteps = append(m.AgentSteps[:0], m.AgentSteps[len(m.AgentSteps)-maxAgentSteps+1:]...)
	}
	m.AgentSteps = append(m.AgentSteps, step)
	return true
}

// deriveTitle builds a display title from the first user message,
// truncated at a word boundary.
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return "New conversation"
	}
	if len(title) <= maxTitleLen {
		return title
	}
	cut := title[:maxTitleLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxTitleLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
