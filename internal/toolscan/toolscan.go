// Package toolscan recovers tool-invocation records from the arbitrarily
// nested, string-or-object-typed payloads the upstream backend embeds in
// usedTools and metadata frames.
package toolscan

import (
	"encoding/json"
	"strings"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

// scanBudget bounds the breadth-first traversal so adversarial or
// cyclic-looking payloads always terminate.
const scanBudget = 500

// Record is a normalized tool invocation.
type Record struct {
	Tool   string
	Input  any
	Output any
}

// Signature returns a structural identity for deduplication: tool name plus
// serialized input and output. Repeated frames describing the same call
// collapse to one record.
func (r Record) Signature() string {
	return r.Tool + "|" + serialize(r.Input) + "|" + serialize(r.Output)
}

func serialize(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Scan traverses v breadth-first and returns the flat, deduplicated list of
// tool records it describes. v may be a decoded JSON value or a JSON-encoded
// string; tool records may be nested inside unrelated wrapper objects.
func Scan(v any) []Record {
	queue := []any{v}
	seen := make(map[string]struct{})
	var out []Record

	for visited := 0; len(queue) > 0 && visited < scanBudget; visited++ {
		node := queue[0]
		queue = queue[1:]

		switch n := node.(type) {
		case string:
			if parsed, ok := parseJSONish(n); ok {
				queue = append(queue, parsed)
			}
		case []any:
			queue = append(queue, n...)
		case map[string]any:
			if rec, ok := recordFromObject(n); ok {
				sig := rec.Signature()
				if _, dup := seen[sig]; !dup {
					seen[sig] = struct{}{}
					out = append(out, rec)
				}
			}
			// Tools can hide inside wrapper objects, so nested values are
			// enqueued even when this object itself was recognized.
			for _, val := range n {
				switch val.(type) {
				case map[string]any, []any:
					queue = append(queue, val)
				case string:
					if looksJSONish(val.(string)) {
						queue = append(queue, val)
					}
				}
			}
		}
	}
	return out
}

func looksJSONish(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func parseJSONish(s string) (any, bool) {
	if !looksJSONish(s) {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// recordFromObject recognizes the three tool-bearing shapes: a nested
// action object, a function.name/function.arguments pair, and a direct
// tool/toolName/name field accompanied by input or output fields.
func recordFromObject(m map[string]any) (Record, bool) {
	if action, ok := m["action"].(map[string]any); ok {
		name := stringOr(action, "tool", "toolName", "tool_name", "name")
		if name != "" {
			return Record{
				Tool:   name,
				Input:  valueOr(action, "toolInput", "tool_input", "input", "arguments", "args"),
				Output: valueOr(m, "observation", "output", "toolOutput", "result"),
			}, true
		}
	}

	if fn, ok := m["function"].(map[string]any); ok {
		name := stringOr(fn, "name")
		if name != "" {
			input := valueOr(fn, "arguments", "parameters", "input")
			if s, ok := input.(string); ok {
				if parsed, ok := parseJSONish(s); ok {
					input = parsed
				}
			}
			return Record{
				Tool:   name,
				Input:  input,
				Output: valueOr(m, "output", "result", "observation"),
			}, true
		}
	}

	name := stringOr(m, "tool", "toolName", "tool_name", "name")
	if name == "" {
		return Record{}, false
	}
	input := valueOr(m, "toolInput", "tool_input", "input", "arguments", "args", "query")
	output := valueOr(m, "toolOutput", "tool_output", "output", "result", "observation")
	if input == nil && output == nil {
		// A bare name field is not evidence of a tool invocation.
		return Record{}, false
	}
	if s, ok := input.(string); ok {
		if parsed, ok := parseJSONish(s); ok {
			input = parsed
		}
	}
	return Record{Tool: name, Input: input, Output: output}, true
}

// stringOr returns the first non-empty string value for the given keys.
func stringOr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func valueOr(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// Interpret scans an arbitrary payload and returns the canonical steps it
// yields: one classified step per recovered record, followed by a sources
// step when a record's output carries extractable sources.
func Interpret(v any) []canonical.Step {
	var steps []canonical.Step
	for _, rec := range Scan(v) {
		steps = append(steps, StepFor(rec))
		if items := Sources(rec.Output); len(items) > 0 {
			steps = append(steps, canonical.Step{Type: canonical.StepSources, Items: items})
		}
	}
	return steps
}

// ActivityFor derives the activity event paired with a step: the bare state
// for classified search/browse steps, the tool name for generic ones.
// Sources steps carry no activity.
func ActivityFor(step canonical.Step) (canonical.Event, bool) {
	switch step.Type {
	case canonical.StepSearch:
		return canonical.Activity("searching"), true
	case canonical.StepBrowse:
		return canonical.Activity("browsing"), true
	case canonical.StepTool:
		return canonical.ToolActivity(step.Name), true
	default:
		return canonical.Event{}, false
	}
}
