package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, input string) []*Frame {
	t.Helper()
	r := NewReader(strings.NewReader(input))
	var frames []*Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestReaderNamedFrame(t *testing.T) {
	frames := readAll(t, "event: token\ndata: {\"text\":\"hi\"}\n\n")
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if frames[0].Event != "token" {
		t.Errorf("event: got %q, want %q", frames[0].Event, "token")
	}
	if string(frames[0].Data) != `{"text":"hi"}` {
		t.Errorf("data: got %q", frames[0].Data)
	}
}

func TestReaderUnnamedFrame(t *testing.T) {
	frames := readAll(t, "data: hello\n\n")
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if frames[0].Event != "" {
		t.Errorf("event: got %q, want empty", frames[0].Event)
	}
	if string(frames[0].Data) != "hello" {
		t.Errorf("data: got %q, want %q", frames[0].Data, "hello")
	}
}

// TestReaderMultiLineData verifies data lines are joined with newlines.
func TestReaderMultiLineData(t *testing.T) {
	frames := readAll(t, "data: line one\ndata: line two\n\n")
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if string(frames[0].Data) != "line one\nline two" {
		t.Errorf("data: got %q", frames[0].Data)
	}
}

func TestReaderSkipsCommentsAndBlankPadding(t *testing.T) {
	input := ": heartbeat\n\n\nevent: end\ndata: {}\n\n: bye\n"
	frames := readAll(t, input)
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if frames[0].Event != "end" {
		t.Errorf("event: got %q, want %q", frames[0].Event, "end")
	}
}

func TestReaderMultipleFrames(t *testing.T) {
	input := "event: token\ndata: a\n\nevent: token\ndata: b\n\nevent: end\ndata: {}\n\n"
	frames := readAll(t, input)
	if len(frames) != 3 {
		t.Fatalf("frames: got %d, want 3", len(frames))
	}
	if string(frames[0].Data) != "a" || string(frames[1].Data) != "b" {
		t.Errorf("tokens: got %q, %q", frames[0].Data, frames[1].Data)
	}
}

// TestReaderTrailingPartialFrame verifies a stream ending mid-frame still
// delivers the partial frame before EOF.
func TestReaderTrailingPartialFrame(t *testing.T) {
	frames := readAll(t, "event: token\ndata: tail")
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if string(frames[0].Data) != "tail" {
		t.Errorf("data: got %q, want %q", frames[0].Data, "tail")
	}
}

func TestReaderEmptyStream(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReaderDataWithoutLeadingSpace(t *testing.T) {
	frames := readAll(t, "data:compact\n\n")
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if string(frames[0].Data) != "compact" {
		t.Errorf("data: got %q, want %q", frames[0].Data, "compact")
	}
}
