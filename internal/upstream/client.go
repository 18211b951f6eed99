// Package upstream talks to the conversational-workflow backend: streaming
// predictions, the non-streaming prediction surface, and model metadata.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flowrelay/flowrelay/internal/canonical"
	"github.com/flowrelay/flowrelay/internal/config"
	"github.com/flowrelay/flowrelay/internal/models"
)

// upstreamHTTPTimeout is the maximum time allowed for an upstream request.
// SSE streams can be long-lived, so the timeout is generous.
const upstreamHTTPTimeout = 5 * time.Minute

// Error represents a failed upstream request with the final error details.
type Error struct {
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, msg)
}

// Request holds the parameters for one upstream prediction.
type Request struct {
	FlowID    string
	Message   string
	SessionID string
	ModelID   string
	Uploads   []canonical.Upload
}

// predictionPayload is the upstream prediction request body.
type predictionPayload struct {
	Question       string             `json:"question"`
	Streaming      bool               `json:"streaming"`
	Uploads        []canonical.Upload `json:"uploads,omitempty"`
	OverrideConfig map[string]any     `json:"overrideConfig,omitempty"`
}

// PredictResult is the decoded non-streaming prediction response.
type PredictResult struct {
	Text string
	Raw  json.RawMessage
}

// Client makes requests to the workflow backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	verbose bool
}

// NewClient creates an upstream client. Auth preference order: OAuth2
// client credentials when configured, then a static API key, then none.
func NewClient(cfg *config.Config) *Client {
	var ts oauth2.TokenSource
	switch {
	case cfg.UpstreamClientID != "" && cfg.UpstreamClientSecret != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.UpstreamClientID,
			ClientSecret: cfg.UpstreamClientSecret,
			TokenURL:     cfg.UpstreamTokenURL,
		}
		ts = cc.TokenSource(context.Background())
	case cfg.UpstreamAPIKey != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.UpstreamAPIKey})
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.UpstreamURL, "/"),
		http:    &http.Client{Timeout: upstreamHTTPTimeout},
		tokens:  ts,
		verbose: cfg.Verbose,
	}
}

// Stream opens a streaming prediction. The returned body is the raw
// upstream SSE stream; the caller owns closing it.
func (c *Client) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	resp, err := c.predict(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Predict issues a non-streaming prediction and decodes the single JSON
// response object.
func (c *Client) Predict(ctx context.Context, req *Request) (*PredictResult, error) {
	resp, err := c.predict(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	out := &PredictResult{Raw: raw}
	if gjson.ValidBytes(raw) {
		root := gjson.ParseBytes(raw)
		if root.Type == gjson.String {
			out.Text = root.Str
		} else {
			for _, field := range []string{"text", "answer", "output", "response"} {
				if v := root.Get(field); v.Type == gjson.String && v.Str != "" {
					out.Text = v.Str
					break
				}
			}
		}
	}
	if out.Text == "" {
		out.Text = strings.TrimSpace(string(raw))
	}
	return out, nil
}

func (c *Client) predict(ctx context.Context, req *Request, streaming bool) (*http.Response, error) {
	override := make(map[string]any)
	if req.SessionID != "" {
		override["sessionId"] = req.SessionID
	}
	if req.ModelID != "" {
		override["model"] = req.ModelID
	}
	payload := predictionPayload{
		Question:  req.Message,
		Streaming: streaming,
		Uploads:   req.Uploads,
	}
	if len(override) > 0 {
		payload.OverrideConfig = override
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.baseURL + "/api/v1/prediction/" + req.FlowID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if err := c.authorize(httpReq); err != nil {
		return nil, err
	}

	if c.verbose {
		slog.Info("upstream.request",
			"flow", req.FlowID,
			"streaming", streaming,
			"session_id", req.SessionID,
			"model", req.ModelID,
			"message_chars", len(req.Message),
			"uploads", len(req.Uploads),
		)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if c.verbose {
		slog.Info("upstream.response", "status", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &Error{StatusCode: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("upstream auth failed: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

// FetchModels retrieves model metadata from the upstream. Used as the
// capability registry's fetch function.
func (c *Client) FetchModels(ctx context.Context) ([]models.Capability, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if err := c.authorize(httpReq); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream models request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &Error{StatusCode: resp.StatusCode, Body: errBody}
	}

	var caps []models.Capability
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}
	return caps, nil
}
