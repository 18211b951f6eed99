package toolscan

import (
	"regexp"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

var (
	searchNameRe = regexp.MustCompile(`(?i)(search|serp|tavily|duckduck|wikipedia|retriev)`)
	browseNameRe = regexp.MustCompile(`(?i)(browse|fetch|crawl|scrape|visit|navigate|read[_-]?url|request)`)
)

// Ordered candidate field names for query- and URL-like inputs. The first
// non-empty string wins.
var (
	queryKeys = []string{"query", "q", "question", "searchQuery", "search_query", "input", "text"}
	urlKeys   = []string{"url", "link", "href", "uri", "website"}
)

// StepFor classifies a record into a search, browse, or generic tool step.
// A query-like input with no URL-like field means search; a URL-like field
// with no query means browse; otherwise the step stays generic.
func StepFor(r Record) canonical.Step {
	query := inputString(r.Input, queryKeys)
	url := inputString(r.Input, urlKeys)

	switch {
	case searchNameRe.MatchString(r.Tool) && url == "":
		return canonical.Step{Type: canonical.StepSearch, Query: queryOrInput(query, r.Input)}
	case browseNameRe.MatchString(r.Tool) && query == "":
		return canonical.Step{Type: canonical.StepBrowse, URL: urlOrInput(url, r.Input)}
	case query != "" && url == "":
		return canonical.Step{Type: canonical.StepSearch, Query: query}
	case url != "" && query == "":
		return canonical.Step{Type: canonical.StepBrowse, URL: url}
	default:
		return canonical.Step{Type: canonical.StepTool, Name: r.Tool}
	}
}

// inputString recovers the first non-empty string among the candidate keys.
// A bare string input matches the first candidate list it is checked against.
func inputString(input any, keys []string) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	return stringOr(m, keys...)
}

func queryOrInput(query string, input any) string {
	if query != "" {
		return query
	}
	if s, ok := input.(string); ok {
		return s
	}
	return ""
}

func urlOrInput(url string, input any) string {
	if url != "" {
		return url
	}
	if s, ok := input.(string); ok {
		return s
	}
	return ""
}
