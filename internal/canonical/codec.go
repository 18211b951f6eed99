package canonical

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/flowrelay/flowrelay/internal/sse"
)

type tokenPayload struct {
	Text string `json:"text"`
}

type activityPayload struct {
	State string `json:"state,omitempty"`
	Tool  string `json:"tool,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type donePayload struct {
	OK        bool `json:"ok"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// MarshalData encodes the data payload of a canonical event.
func MarshalData(e Event) ([]byte, error) {
	switch e.Kind {
	case KindToken:
		return json.Marshal(tokenPayload{Text: e.Text})
	case KindMetadata:
		if len(e.Metadata) == 0 {
			return []byte("{}"), nil
		}
		return e.Metadata, nil
	case KindActivity:
		return json.Marshal(activityPayload{State: e.State, Tool: e.Tool})
	case KindAgentStep:
		if e.Step == nil {
			return nil, fmt.Errorf("agentStep event without step")
		}
		return json.Marshal(e.Step)
	case KindError:
		return json.Marshal(errorPayload{Message: e.Message})
	case KindDone:
		return json.Marshal(donePayload{OK: e.OK, Cancelled: e.Cancelled})
	default:
		return nil, fmt.Errorf("unknown canonical event kind %q", e.Kind)
	}
}

// WriteFrame writes one canonical event as a named SSE frame.
func WriteFrame(w io.Writer, e Event) error {
	data, err := MarshalData(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
	return err
}

// DecodeFrame parses one named SSE frame back into a canonical event.
// Frames with unknown names are rejected: clients depend on the canonical
// vocabulary only.
func DecodeFrame(f *sse.Frame) (Event, error) {
	switch Kind(f.Event) {
	case KindToken:
		var p tokenPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Event{}, fmt.Errorf("bad token frame: %w", err)
		}
		return Token(p.Text), nil
	case KindMetadata:
		return Metadata(append(json.RawMessage(nil), f.Data...)), nil
	case KindActivity:
		var p activityPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Event{}, fmt.Errorf("bad activity frame: %w", err)
		}
		return Event{Kind: KindActivity, State: p.State, Tool: p.Tool}, nil
	case KindAgentStep:
		var s Step
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return Event{}, fmt.Errorf("bad agentStep frame: %w", err)
		}
		return AgentStep(s), nil
	case KindError:
		var p errorPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Event{}, fmt.Errorf("bad error frame: %w", err)
		}
		return Error(p.Message), nil
	case KindDone:
		var p donePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Event{}, fmt.Errorf("bad done frame: %w", err)
		}
		return Done(p.OK, p.Cancelled), nil
	default:
		return Event{}, fmt.Errorf("unknown canonical frame %q", f.Event)
	}
}

// Reader decodes a canonical event stream from an SSE byte stream,
// skipping frames outside the canonical vocabulary.
type Reader struct {
	frames *sse.Reader
}

// NewReader wraps an SSE byte stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{frames: sse.NewReader(r)}
}

// Next returns the next canonical event, or io.EOF at end of stream.
func (r *Reader) Next() (Event, error) {
	for {
		f, err := r.frames.Next()
		if err != nil {
			return Event{}, err
		}
		e, err := DecodeFrame(f)
		if err != nil {
			// Non-canonical frame; ignore and keep reading.
			continue
		}
		return e, nil
	}
}
