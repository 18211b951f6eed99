// Package sse provides a pull-based reader for server-sent event streams.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Frame is a single server-sent event: an optional event name plus the
// joined data payload.
type Frame struct {
	Event string
	Data  []byte
}

// Reader reads SSE frames from an io.Reader. It is a lazy, finite,
// non-restartable sequence: Next returns io.EOF once the stream ends.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a new SSE frame reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next SSE frame. A frame ends at a blank line; data lines
// are joined with newlines per the SSE spec. Returns nil, io.EOF when the
// stream is exhausted.
func (r *Reader) Next() (*Frame, error) {
	var (
		event string
		data  []string
		open  bool
	)

	flush := func() *Frame {
		return &Frame{Event: event, Data: []byte(strings.Join(data, "\n"))}
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if open {
				return flush(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment/heartbeat line.
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(v)
			open = true
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
			open = true
			continue
		}
		// id:, retry: and unknown fields do not affect dispatch but do
		// mark the frame as non-empty.
		open = true
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if open {
		// Stream ended mid-frame; deliver what we have.
		return flush(), nil
	}
	return nil, io.EOF
}
