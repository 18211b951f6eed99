package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowrelay/flowrelay/internal/config"
)

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.Config{UpstreamURL: srv.URL})
}

func TestPredictTextProbing(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"text":"from text"}`, "from text"},
		{`{"answer":"from answer"}`, "from answer"},
		{`"a bare string"`, "a bare string"},
		{`plain response`, "plain response"},
	}
	for _, tc := range cases {
		c := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tc.body)
		})
		res, err := c.Predict(context.Background(), &Request{FlowID: "f", Message: "hi"})
		if err != nil {
			t.Fatalf("Predict(%q): %v", tc.body, err)
		}
		if res.Text != tc.want {
			t.Errorf("body %q: got %q, want %q", tc.body, res.Text, tc.want)
		}
	}
}

// TestPredictPayload verifies the prediction request shape: question,
// streaming flag, and the override config carrying session and model.
func TestPredictPayload(t *testing.T) {
	c := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/prediction/flow-9" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["question"] != "hello" {
			t.Errorf("question: got %v", payload["question"])
		}
		if payload["streaming"] != false {
			t.Errorf("streaming: got %v", payload["streaming"])
		}
		override, _ := payload["overrideConfig"].(map[string]any)
		if override["sessionId"] != "sess-1" || override["model"] != "gpt-4o" {
			t.Errorf("overrideConfig: got %v", override)
		}
		fmt.Fprint(w, `{"text":"ok"}`)
	})

	_, err := c.Predict(context.Background(), &Request{
		FlowID:    "flow-9",
		Message:   "hello",
		SessionID: "sess-1",
		ModelID:   "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
}

func TestStreamSetsAcceptHeader(t *testing.T) {
	c := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept: got %q", got)
		}
		fmt.Fprint(w, "event: end\ndata: {}\n\n")
	})

	body, err := c.Stream(context.Background(), &Request{FlowID: "f", Message: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer body.Close()
	if _, err := io.ReadAll(body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
}

// TestAPIKeyAuthorization verifies a configured API key is sent as a bearer
// token.
func TestAPIKeyAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("authorization: got %q", got)
		}
		fmt.Fprint(w, `{"text":"ok"}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&config.Config{UpstreamURL: srv.URL, UpstreamAPIKey: "secret-key"})
	if _, err := c.Predict(context.Background(), &Request{FlowID: "f", Message: "hi"}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	c := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "flow not found", http.StatusNotFound)
	})

	_, err := c.Predict(context.Background(), &Request{FlowID: "missing", Message: "hi"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if ue.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d", ue.StatusCode)
	}
	if !strings.Contains(ue.Error(), "flow not found") {
		t.Errorf("message: got %q", ue.Error())
	}
}

func TestFetchModels(t *testing.T) {
	c := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/models" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		fmt.Fprint(w, `[{"id":"gpt-4o","label":"GPT-4o","streaming":true},{"id":"legacy","streaming":false}]`)
	})

	caps, err := c.FetchModels(context.Background())
	if err != nil {
		t.Fatalf("FetchModels: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("capabilities: got %d, want 2", len(caps))
	}
	if caps[0].ID != "gpt-4o" || !caps[0].Streaming {
		t.Errorf("first capability: got %+v", caps[0])
	}
	if caps[1].Streaming {
		t.Errorf("legacy should not stream: %+v", caps[1])
	}
}
