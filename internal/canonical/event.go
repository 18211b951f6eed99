// Package canonical defines the stable event vocabulary between the relay
// server and its clients. It is the only wire contract clients may depend
// on, independent of whatever shapes the upstream backend emits.
package canonical

import (
	"encoding/json"
	"strings"
)

// Kind enumerates the six canonical event kinds.
type Kind string

const (
	KindToken     Kind = "token"
	KindMetadata  Kind = "metadata"
	KindActivity  Kind = "activity"
	KindAgentStep Kind = "agentStep"
	KindError     Kind = "error"
	KindDone      Kind = "done"
)

// Step kinds for agentStep events.
const (
	StepSearch  = "search"
	StepBrowse  = "browse"
	StepTool    = "tool"
	StepSources = "sources"
)

// SourceItem is one cited source inside a sources step.
type SourceItem struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Step is a structured record of one tool invocation or derived artifact.
// Exactly the fields matching Type are populated; a Step is immutable once
// appended to a message.
type Step struct {
	Type  string       `json:"type"`
	Query string       `json:"query,omitempty"`
	URL   string       `json:"url,omitempty"`
	Name  string       `json:"name,omitempty"`
	Items []SourceItem `json:"items,omitempty"`
}

// Signature returns a structural identity for deduplication: two steps
// describing the same invocation produce the same signature even when the
// upstream reports them through different code paths.
func (s Step) Signature() string {
	var b strings.Builder
	b.WriteString(s.Type)
	b.WriteByte('|')
	b.WriteString(s.Name)
	b.WriteByte('|')
	b.WriteString(s.Query)
	b.WriteByte('|')
	b.WriteString(s.URL)
	for _, it := range s.Items {
		b.WriteByte('|')
		b.WriteString(it.URL)
	}
	return b.String()
}

// Event is one canonical frame. Kind selects which of the remaining fields
// are meaningful.
type Event struct {
	Kind Kind

	// token
	Text string

	// metadata: the upstream payload passed through verbatim.
	Metadata json.RawMessage

	// activity: either a bare state ("writing", "searching") or a named tool.
	State string
	Tool  string

	// agentStep
	Step *Step

	// error
	Message string

	// done
	OK        bool
	Cancelled bool
}

// Token builds a token event.
func Token(text string) Event {
	return Event{Kind: KindToken, Text: text}
}

// Metadata builds a metadata event carrying the raw upstream payload.
func Metadata(raw json.RawMessage) Event {
	return Event{Kind: KindMetadata, Metadata: raw}
}

// Activity builds an activity event for a bare state.
func Activity(state string) Event {
	return Event{Kind: KindActivity, State: state}
}

// ToolActivity builds an activity event naming a tool.
func ToolActivity(tool string) Event {
	return Event{Kind: KindActivity, Tool: tool}
}

// AgentStep builds an agentStep event.
func AgentStep(step Step) Event {
	return Event{Kind: KindAgentStep, Step: &step}
}

// Error builds an error event.
func Error(message string) Event {
	return Event{Kind: KindError, Message: message}
}

// Done builds the terminal event of a generation stream.
func Done(ok, cancelled bool) Event {
	return Event{Kind: KindDone, OK: ok, Cancelled: cancelled}
}

// ActivityKey computes the deduplicated status token for an activity event:
// "tool:<name>" when a tool is named, otherwise the bare state.
func (e Event) ActivityKey() string {
	if e.Tool != "" {
		return "tool:" + e.Tool
	}
	return e.State
}
