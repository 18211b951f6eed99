package canonical

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits on the generation request boundary.
const (
	MaxMessageLen   = 10000
	MaxSessionIDLen = 128
)

// Upload is an attachment forwarded verbatim to the upstream backend.
type Upload struct {
	Name string `json:"name"`
	Data string `json:"data"`
	Mime string `json:"mime"`
}

// GenerateRequest is the request body for one generation, shared by the
// streaming surface and the non-streaming fallback surface.
type GenerateRequest struct {
	Message   string   `json:"message"`
	ModelID   string   `json:"modelId"`
	Mode      string   `json:"mode"`
	SessionID string   `json:"sessionId"`
	Uploads   []Upload `json:"uploads,omitempty"`
}

// Validate enforces the request limits. Limits are in characters, not
// bytes, so multibyte text near the boundary is not rejected early.
func (r *GenerateRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message must not be empty")
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLen)
	}
	if utf8.RuneCountInString(r.SessionID) > MaxSessionIDLen {
		return fmt.Errorf("sessionId exceeds %d characters", MaxSessionIDLen)
	}
	return nil
}

// PredictResponse is the single JSON object returned by the non-streaming
// fallback surface, carrying the same semantic payload as the event stream.
type PredictResponse struct {
	Text       string   `json:"text"`
	AgentSteps []Step   `json:"agentSteps,omitempty"`
	Activities []string `json:"activities,omitempty"`
}
