package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/flowrelay/flowrelay/internal/canonical"
	"github.com/flowrelay/flowrelay/internal/config"
	"github.com/flowrelay/flowrelay/internal/normalize"
	"github.com/flowrelay/flowrelay/internal/sse"
	"github.com/flowrelay/flowrelay/internal/toolscan"
	"github.com/flowrelay/flowrelay/internal/upstream"
)

// handleGenerate serves POST /api/v1/generate: one canonical event stream
// per generation. Models without streaming support are answered through
// the sync upstream path but still as a canonical stream.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ureq, ok := s.decodeGeneration(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	capability, _ := s.Registry.Get(ctx, req.ModelID)
	if !capability.Streaming {
		s.generateSync(ctx, w, ureq)
		return
	}

	// Connect upstream before committing to SSE so connection failures
	// surface as a proper HTTP error.
	body, err := s.Upstream.Stream(ctx, ureq)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer body.Close()

	out, ok := startEventStream(w)
	if !ok {
		return
	}

	n := normalize.New()
	frames := sse.NewReader(body)
	failed := false

	for {
		if ctx.Err() != nil {
			out.write(canonical.Done(false, true))
			return
		}
		frame, err := frames.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("upstream stream read failed", "error", err)
				out.write(canonical.Error("upstream stream interrupted"))
				failed = true
			}
			break
		}
		events, ended := n.Apply(frame)
		for _, e := range events {
			if e.Kind == canonical.KindError {
				failed = true
			}
			out.write(e)
		}
		if ended {
			break
		}
	}

	out.write(canonical.Done(!failed, false))
}

// generateSync answers a generation through the non-streaming upstream
// path, re-encoded as a canonical stream.
func (s *Server) generateSync(ctx context.Context, w http.ResponseWriter, ureq *upstream.Request) {
	res, err := s.Upstream.Predict(ctx, ureq)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	out, ok := startEventStream(w)
	if !ok {
		return
	}
	for _, step := range toolscan.Interpret(decodeRaw(res.Raw)) {
		out.write(canonical.AgentStep(step))
		if act, ok := toolscan.ActivityFor(step); ok {
			out.write(act)
		}
	}
	out.write(canonical.Token(res.Text))
	out.write(canonical.Done(true, false))
}

// handlePredict serves POST /api/v1/predict: the non-streaming fallback
// surface, a single JSON object with the same semantic payload.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	_, ureq, ok := s.decodeGeneration(w, r)
	if !ok {
		return
	}

	res, err := s.Upstream.Predict(r.Context(), ureq)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	out := canonical.PredictResponse{Text: res.Text}
	seen := make(map[string]struct{})
	for _, step := range toolscan.Interpret(decodeRaw(res.Raw)) {
		out.AgentSteps = append(out.AgentSteps, step)
		if act, ok := toolscan.ActivityFor(step); ok {
			key := act.ActivityKey()
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				out.Activities = append(out.Activities, key)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.Registry.List(r.Context()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

// decodeGeneration reads, validates, and maps a generation request onto
// the upstream request shape.
func (s *Server) decodeGeneration(w http.ResponseWriter, r *http.Request) (*canonical.GenerateRequest, *upstream.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, nil, false
	}
	var req canonical.GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, nil, false
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	flowID := s.Config.FlowForMode(req.Mode)
	if flowID == "" {
		writeError(w, http.StatusBadRequest, "no upstream flow configured for mode "+req.Mode)
		return nil, nil, false
	}
	return &req, &upstream.Request{
		FlowID:    flowID,
		Message:   req.Message,
		SessionID: req.SessionID,
		ModelID:   req.ModelID,
		Uploads:   req.Uploads,
	}, true
}

// eventStream writes canonical frames and flushes after each one so tokens
// reach the client as they are derived.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

func (es *eventStream) write(e canonical.Event) {
	if err := canonical.WriteFrame(es.w, e); err != nil {
		return
	}
	es.flusher.Flush()
}

func decodeRaw(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		writeError(w, http.StatusBadGateway, ue.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
}
