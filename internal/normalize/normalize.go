// Package normalize converts the upstream workflow backend's heterogeneous
// SSE frames into the canonical event vocabulary. The shape-matching order
// lives in one place: named event, then envelope unwrapping, then a
// heuristic field scan, and finally raw-token degradation.
package normalize

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowrelay/flowrelay/internal/canonical"
	"github.com/flowrelay/flowrelay/internal/sse"
	"github.com/flowrelay/flowrelay/internal/toolscan"
)

// Upstream event names. Frames may carry these as the SSE event name or
// inside an {event, data} envelope in an unnamed frame.
const (
	evtToken     = "token"
	evtMetadata  = "metadata"
	evtStart     = "start"
	evtEnd       = "end"
	evtError     = "error"
	evtUsedTools = "usedTools"
	evtAgentFlow = "agentFlowEvent"
	evtTrace     = "agent_trace"
)

// Normalizer translates upstream frames for a single generation stream.
// It keeps per-stream dedup state so repeated tool reports from different
// upstream code paths collapse to one step each.
type Normalizer struct {
	seenSteps map[string]struct{}
	ended     bool
}

// New creates a normalizer for one upstream stream.
func New() *Normalizer {
	return &Normalizer{seenSteps: make(map[string]struct{})}
}

// Ended reports whether the upstream signaled end of stream.
func (n *Normalizer) Ended() bool { return n.ended }

// Apply converts one upstream frame into zero or more canonical events.
// ended is true once the upstream signaled termination (explicit end or an
// error frame); the caller stops reading at that point. Apply never fails:
// unrecognized payloads degrade to raw token text or to nothing.
func (n *Normalizer) Apply(f *sse.Frame) (events []canonical.Event, ended bool) {
	data := bytes.TrimSpace(f.Data)
	name := strings.TrimSpace(f.Event)

	if name != "" && name != "message" {
		return n.dispatch(name, data)
	}

	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		if ev := root.Get("event"); ev.Type == gjson.String && ev.Str != "" {
			inner := root.Get("data")
			var innerRaw []byte
			if inner.Exists() {
				innerRaw = []byte(inner.Raw)
			}
			return n.dispatch(ev.Str, innerRaw)
		}
		return n.scanImplicit(root)
	}

	if len(data) > 0 {
		return []canonical.Event{canonical.Token(string(data))}, false
	}
	return nil, false
}

func (n *Normalizer) dispatch(name string, data []byte) ([]canonical.Event, bool) {
	switch name {
	case evtToken:
		return []canonical.Event{canonical.Token(tokenText(data))}, false

	case evtMetadata:
		events := []canonical.Event{canonical.Metadata(append(json.RawMessage(nil), data...))}
		// Tool usage is frequently embedded in metadata frames.
		events = append(events, n.stepEvents(toolscan.Interpret(decodeAny(data)))...)
		return events, false

	case evtStart:
		return []canonical.Event{canonical.Activity("writing")}, false

	case evtEnd:
		n.ended = true
		return nil, true

	case evtError:
		n.ended = true
		return []canonical.Event{canonical.Error(errorText(data))}, true

	case evtUsedTools:
		return n.stepEvents(toolscan.Interpret(decodeAny(data))), false

	case evtAgentFlow:
		if state := flowState(data); state != "" {
			return []canonical.Event{canonical.Activity(state)}, false
		}
		return nil, false

	case evtTrace:
		return n.traceEvents(data), false

	default:
		// Unknown named event: same degradation path as unnamed frames.
		if gjson.ValidBytes(data) {
			return n.scanImplicit(gjson.ParseBytes(data))
		}
		if len(bytes.TrimSpace(data)) > 0 {
			return []canonical.Event{canonical.Token(string(data))}, false
		}
		return nil, false
	}
}

// scanImplicit handles payloads with no recognizable event name by probing
// for token/answer/error fields. Forward progress is guaranteed even when
// the upstream shape drifts.
func (n *Normalizer) scanImplicit(root gjson.Result) ([]canonical.Event, bool) {
	if root.Type == gjson.String {
		return []canonical.Event{canonical.Token(root.Str)}, false
	}
	if !root.IsObject() {
		return nil, false
	}
	if msg := root.Get("error"); msg.Exists() {
		n.ended = true
		return []canonical.Event{canonical.Error(errorString(msg))}, true
	}
	for _, field := range []string{"token", "answer", "text", "output"} {
		if v := root.Get(field); v.Type == gjson.String && v.Str != "" {
			return []canonical.Event{canonical.Token(v.Str)}, false
		}
	}
	return nil, false
}

// stepEvents filters steps through the per-stream signature set and pairs
// each new step with its activity event.
func (n *Normalizer) stepEvents(steps []canonical.Step) []canonical.Event {
	var events []canonical.Event
	for _, step := range steps {
		sig := step.Signature()
		if _, dup := n.seenSteps[sig]; dup {
			continue
		}
		n.seenSteps[sig] = struct{}{}
		events = append(events, canonical.AgentStep(step))
		if act, ok := toolscan.ActivityFor(step); ok {
			events = append(events, act)
		}
	}
	return events
}

// tokenText recovers the literal token text from a payload that may be a
// JSON string, an object with a text-like field, or raw bytes.
func tokenText(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		switch {
		case root.Type == gjson.String:
			return root.Str
		case root.IsObject():
			for _, field := range []string{"text", "token", "data", "content", "answer"} {
				if v := root.Get(field); v.Type == gjson.String {
					return v.Str
				}
			}
		}
	}
	return string(data)
}

func errorText(data []byte) string {
	if len(data) == 0 {
		return "upstream error"
	}
	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		if root.Type == gjson.String && root.Str != "" {
			return root.Str
		}
		for _, path := range []string{"message", "error.message", "error", "msg"} {
			if v := root.Get(path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	return string(data)
}

func errorString(v gjson.Result) string {
	if v.Type == gjson.String && v.Str != "" {
		return v.Str
	}
	if v.IsObject() {
		if msg := v.Get("message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
	}
	return v.Raw
}

// flowState extracts the step name from an agentFlowEvent payload.
func flowState(data []byte) string {
	if !gjson.ValidBytes(data) {
		return ""
	}
	root := gjson.ParseBytes(data)
	if root.Type == gjson.String {
		return root.Str
	}
	for _, field := range []string{"step", "state", "type", "status"} {
		if v := root.Get(field); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func decodeAny(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
