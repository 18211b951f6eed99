package toolscan

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func TestScanDirectShape(t *testing.T) {
	recs := Scan(decode(t, `{"tool":"calculator","input":{"expr":"1+1"},"output":"2"}`))
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
	if recs[0].Tool != "calculator" {
		t.Errorf("tool: got %q, want %q", recs[0].Tool, "calculator")
	}
	if recs[0].Output != "2" {
		t.Errorf("output: got %v, want %q", recs[0].Output, "2")
	}
}

func TestScanActionShape(t *testing.T) {
	recs := Scan(decode(t, `{
		"action": {"tool": "web_search", "toolInput": {"query": "go 1.24"}},
		"observation": "results here"
	}`))
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
	if recs[0].Tool != "web_search" {
		t.Errorf("tool: got %q", recs[0].Tool)
	}
	if recs[0].Output != "results here" {
		t.Errorf("output: got %v", recs[0].Output)
	}
}

// TestScanFunctionShape verifies function.arguments carried as an encoded
// JSON string are decoded into the input.
func TestScanFunctionShape(t *testing.T) {
	recs := Scan(decode(t, `{
		"function": {"name": "fetch_page", "arguments": "{\"url\":\"https://example.com\"}"},
		"output": "<html/>"
	}`))
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
	in, ok := recs[0].Input.(map[string]any)
	if !ok {
		t.Fatalf("input not decoded: %T", recs[0].Input)
	}
	if in["url"] != "https://example.com" {
		t.Errorf("input url: got %v", in["url"])
	}
}

// TestScanBareNameIsNotATool verifies a lone name field does not produce a
// record: input or output evidence is required.
func TestScanBareNameIsNotATool(t *testing.T) {
	recs := Scan(decode(t, `{"name":"irrelevant label"}`))
	if len(recs) != 0 {
		t.Fatalf("records: got %d, want 0", len(recs))
	}
}

func TestScanNestedInWrappers(t *testing.T) {
	recs := Scan(decode(t, `{
		"meta": {"runs": [{"tool": "web_search", "input": {"query": "deep"}}]}
	}`))
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
	if recs[0].Tool != "web_search" {
		t.Errorf("tool: got %q", recs[0].Tool)
	}
}

func TestScanJSONEncodedString(t *testing.T) {
	recs := Scan(`[{"tool":"calculator","input":"1+1"}]`)
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
}

// TestScanDeduplicates verifies repeated reports of the same invocation
// collapse to one record.
func TestScanDeduplicates(t *testing.T) {
	recs := Scan(decode(t, `[
		{"tool":"calculator","input":"1+1","output":"2"},
		{"tool":"calculator","input":"1+1","output":"2"}
	]`))
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
}

// TestScanBudgetTerminates verifies huge payloads terminate without
// exhausting the traversal.
func TestScanBudgetTerminates(t *testing.T) {
	arr := make([]any, 0, scanBudget*2)
	for i := 0; i < scanBudget*2; i++ {
		arr = append(arr, map[string]any{"tool": fmt.Sprintf("t%d", i), "input": "x"})
	}
	recs := Scan(arr)
	if len(recs) == 0 {
		t.Fatal("expected at least some records before budget exhaustion")
	}
	if len(recs) >= scanBudget {
		t.Errorf("budget did not bound traversal: %d records", len(recs))
	}
}

func TestStepForSearchByName(t *testing.T) {
	step := StepFor(Record{Tool: "tavily_search", Input: map[string]any{"query": "weather"}})
	if step.Type != canonical.StepSearch {
		t.Fatalf("type: got %q, want search", step.Type)
	}
	if step.Query != "weather" {
		t.Errorf("query: got %q", step.Query)
	}
}

func TestStepForBrowseByName(t *testing.T) {
	step := StepFor(Record{Tool: "fetch_page", Input: map[string]any{"url": "https://example.com"}})
	if step.Type != canonical.StepBrowse {
		t.Fatalf("type: got %q, want browse", step.Type)
	}
	if step.URL != "https://example.com" {
		t.Errorf("url: got %q", step.URL)
	}
}

// TestStepForFieldHeuristics verifies classification by input shape when the
// tool name carries no signal.
func TestStepForFieldHeuristics(t *testing.T) {
	search := StepFor(Record{Tool: "helper", Input: map[string]any{"query": "go"}})
	if search.Type != canonical.StepSearch {
		t.Errorf("query-only input: got %q, want search", search.Type)
	}

	browse := StepFor(Record{Tool: "helper", Input: map[string]any{"url": "https://go.dev"}})
	if browse.Type != canonical.StepBrowse {
		t.Errorf("url-only input: got %q, want browse", browse.Type)
	}

	generic := StepFor(Record{Tool: "helper", Input: map[string]any{"query": "go", "url": "https://go.dev"}})
	if generic.Type != canonical.StepTool {
		t.Errorf("ambiguous input: got %q, want tool", generic.Type)
	}
	if generic.Name != "helper" {
		t.Errorf("name: got %q", generic.Name)
	}
}

func TestStepForBareStringInput(t *testing.T) {
	step := StepFor(Record{Tool: "wikipedia", Input: "golang history"})
	if step.Type != canonical.StepSearch {
		t.Fatalf("type: got %q, want search", step.Type)
	}
	if step.Query != "golang history" {
		t.Errorf("query: got %q", step.Query)
	}
}

func TestSourcesFromDocumentArray(t *testing.T) {
	items := Sources(decode(t, `{
		"sourceDocuments": [
			{"pageContent": "...", "metadata": {"source": "https://a.example/one"}},
			{"url": "https://b.example/two", "title": "Two"}
		]
	}`))
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	if items[0].URL != "https://a.example/one" {
		t.Errorf("first url: got %q", items[0].URL)
	}
	if items[1].Title != "Two" {
		t.Errorf("second title: got %q", items[1].Title)
	}
}

// TestSourcesFromText verifies URL extraction from prose with trailing
// punctuation trimmed.
func TestSourcesFromText(t *testing.T) {
	items := Sources("See https://example.com/page. Also (https://other.example/x).")
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	if items[0].URL != "https://example.com/page" {
		t.Errorf("first url: got %q", items[0].URL)
	}
	if items[1].URL != "https://other.example/x" {
		t.Errorf("second url: got %q", items[1].URL)
	}
}

func TestSourcesDedupAndCap(t *testing.T) {
	arr := make([]any, 0, maxSources*2)
	for i := 0; i < maxSources*2; i++ {
		arr = append(arr, fmt.Sprintf("https://example.com/%d", i))
	}
	arr = append(arr, "https://example.com/0")
	items := Sources(arr)
	if len(items) != maxSources {
		t.Fatalf("items: got %d, want %d", len(items), maxSources)
	}
}

func TestSourcesRejectsNonHTTP(t *testing.T) {
	items := Sources([]any{"ftp://example.com/file", "mailto:a@b.c"})
	if len(items) != 0 {
		t.Fatalf("items: got %d, want 0", len(items))
	}
}

// TestInterpretEmitsSourcesAfterStep verifies the sources step follows the
// tool step it was derived from.
func TestInterpretEmitsSourcesAfterStep(t *testing.T) {
	steps := Interpret(decode(t, `{
		"tool": "web_search",
		"input": {"query": "go"},
		"output": {"sources": [{"url": "https://go.dev"}]}
	}`))
	if len(steps) != 2 {
		t.Fatalf("steps: got %d, want 2", len(steps))
	}
	if steps[0].Type != canonical.StepSearch {
		t.Errorf("first step: got %q, want search", steps[0].Type)
	}
	if steps[1].Type != canonical.StepSources || len(steps[1].Items) != 1 {
		t.Errorf("second step: got %+v", steps[1])
	}
}

func TestActivityFor(t *testing.T) {
	cases := []struct {
		step    canonical.Step
		wantKey string
		wantOK  bool
	}{
		{canonical.Step{Type: canonical.StepSearch, Query: "x"}, "searching", true},
		{canonical.Step{Type: canonical.StepBrowse, URL: "https://x"}, "browsing", true},
		{canonical.Step{Type: canonical.StepTool, Name: "calc"}, "tool:calc", true},
		{canonical.Step{Type: canonical.StepSources}, "", false},
	}
	for _, tc := range cases {
		act, ok := ActivityFor(tc.step)
		if ok != tc.wantOK {
			t.Errorf("%s: ok=%v, want %v", tc.step.Type, ok, tc.wantOK)
			continue
		}
		if ok && act.ActivityKey() != tc.wantKey {
			t.Errorf("%s: key=%q, want %q", tc.step.Type, act.ActivityKey(), tc.wantKey)
		}
	}
}
