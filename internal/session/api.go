package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

// API is the relay client used by the stream controller. No global HTTP
// timeout is set: event streams are long-lived and cancellation flows
// through the request context.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAPI creates a relay client for the given base URL.
func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
	}
}

// Generate opens the canonical event stream for one generation. The caller
// owns closing the returned body.
func (a *API) Generate(ctx context.Context, req *canonical.GenerateRequest) (io.ReadCloser, error) {
	resp, err := a.post(ctx, "/api/v1/generate", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Predict calls the non-streaming fallback surface.
func (a *API) Predict(ctx context.Context, req *canonical.GenerateRequest) (*canonical.PredictResponse, error) {
	resp, err := a.post(ctx, "/api/v1/predict", req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out canonical.PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode prediction response: %w", err)
	}
	return &out, nil
}

func (a *API) post(ctx context.Context, path string, req *canonical.GenerateRequest, accept string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	resp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		resp.Body.Close()
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, relayErrorMessage(errBody))
	}
	return resp, nil
}

func relayErrorMessage(body []byte) string {
	var decoded struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "unknown error"
	}
	return msg
}
