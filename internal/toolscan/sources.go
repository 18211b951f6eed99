package toolscan

import (
	"regexp"
	"strings"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

// maxSources caps how many source items a single tool output can yield.
const maxSources = 8

// Container field names commonly holding source arrays in tool outputs.
var sourceContainers = []string{"sourceDocuments", "sources", "citations", "documents", "results", "items", "urls"}

var urlRe = regexp.MustCompile(`https?://[^\s<>"'\)\]\}]+`)

// Sources extracts {url,title}-shaped items from a tool output. When no
// array-shaped container is found, URLs are pulled via regex from any
// string-typed output. Results are capped and deduplicated by URL.
func Sources(output any) []canonical.SourceItem {
	if output == nil {
		return nil
	}
	if s, ok := output.(string); ok {
		if parsed, ok := parseJSONish(s); ok {
			output = parsed
		} else {
			return fromText(s)
		}
	}

	var items []canonical.SourceItem
	switch v := output.(type) {
	case []any:
		items = fromArray(v)
	case map[string]any:
		for _, key := range sourceContainers {
			if arr, ok := v[key].([]any); ok {
				items = fromArray(arr)
				if len(items) > 0 {
					break
				}
			}
		}
		if len(items) == 0 {
			// Fall back to scanning string fields for bare URLs.
			for _, val := range v {
				if s, ok := val.(string); ok {
					items = append(items, fromText(s)...)
				}
			}
		}
	}
	return dedupe(items)
}

func fromArray(arr []any) []canonical.SourceItem {
	var items []canonical.SourceItem
	for _, el := range arr {
		switch it := el.(type) {
		case string:
			if u := cleanURL(it); u != "" {
				items = append(items, canonical.SourceItem{URL: u})
			}
		case map[string]any:
			url := stringOr(it, "url", "link", "href", "source")
			if url == "" {
				if meta, ok := it["metadata"].(map[string]any); ok {
					url = stringOr(meta, "source", "url", "link")
				}
			}
			if u := cleanURL(url); u != "" {
				items = append(items, canonical.SourceItem{
					URL:   u,
					Title: stringOr(it, "title", "name", "pageTitle"),
				})
			}
		}
	}
	return items
}

func fromText(s string) []canonical.SourceItem {
	var items []canonical.SourceItem
	for _, match := range urlRe.FindAllString(s, maxSources*2) {
		if u := cleanURL(match); u != "" {
			items = append(items, canonical.SourceItem{URL: u})
		}
	}
	return items
}

// cleanURL validates the scheme and trims trailing punctuation that URL
// regexes routinely swallow from prose.
func cleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return ""
	}
	return strings.TrimRight(raw, ".,;:!?)]}\"'")
}

func dedupe(items []canonical.SourceItem) []canonical.SourceItem {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, dup := seen[it.URL]; dup {
			continue
		}
		seen[it.URL] = struct{}{}
		out = append(out, it)
		if len(out) == maxSources {
			break
		}
	}
	return out
}
