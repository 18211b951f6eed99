package normalize

import (
	"encoding/json"
	"strings"

	"github.com/flowrelay/flowrelay/internal/canonical"
	"github.com/flowrelay/flowrelay/internal/toolscan"
)

// Trace record types emitted on the agent_trace channel. tool_start is
// dropped as redundant with agent_action; the remaining records are
// deduplicated by structural signature against the usedTools/metadata path.
const (
	traceAgentAction = "agent_action"
	traceToolStart   = "tool_start"
	traceToolEnd     = "tool_end"
)

// traceEvents interprets an agent_trace payload: a single trace record or
// an array of them.
func (n *Normalizer) traceEvents(data []byte) []canonical.Event {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}

	var events []canonical.Event
	switch v := decoded.(type) {
	case []any:
		for _, el := range v {
			if m, ok := el.(map[string]any); ok {
				events = append(events, n.traceRecord(m)...)
			}
		}
	case map[string]any:
		events = n.traceRecord(v)
	}
	return events
}

func (n *Normalizer) traceRecord(m map[string]any) []canonical.Event {
	switch traceType(m) {
	case traceAgentAction:
		body := traceBody(m)
		name := traceString(body, "tool", "toolName", "tool_name", "name")
		if name == "" {
			return nil
		}
		rec := toolscan.Record{
			Tool:  name,
			Input: traceValue(body, "toolInput", "tool_input", "input", "arguments"),
		}
		return n.stepEvents([]canonical.Step{toolscan.StepFor(rec)})

	case traceToolEnd:
		output := traceValue(m, "output", "data", "observation", "result")
		items := toolscan.Sources(output)
		if len(items) == 0 {
			return nil
		}
		return n.stepEvents([]canonical.Step{{Type: canonical.StepSources, Items: items}})

	case traceToolStart:
		// Redundant with agent_action from the same upstream code path.
		return nil

	default:
		return nil
	}
}

func traceType(m map[string]any) string {
	return traceString(m, "type", "event")
}

// traceBody returns the record's payload object: a nested action or data
// object when present, otherwise the record itself.
func traceBody(m map[string]any) map[string]any {
	if action, ok := m["action"].(map[string]any); ok {
		return action
	}
	if data, ok := m["data"].(map[string]any); ok {
		return data
	}
	return m
}

func traceString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func traceValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
