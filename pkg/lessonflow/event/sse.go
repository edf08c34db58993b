package event

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
)

// HeartbeatFrame is the SSE comment written to keep idle connections open.
const HeartbeatFrame = ": heartbeat\n\n"

// FormatSSE renders evt as one SSE frame: "event: <type>\ndata: <json>\n\n".
// The data line carries the whole event so clients can check seq.
func FormatSSE(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode sse frame: %w", err)
	}
	frame := make([]byte, 0, len(data)+len(evt.Type)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, evt.Type...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// SSEWriter writes frames to an underlying writer. Writes and heartbeats
// are serialized, so a heartbeat never interleaves with an event frame.
type SSEWriter struct {
	mu    sync.Mutex
	w     io.Writer
	flush func()
}

// NewSSEWriter wraps w. flush, when non-nil, runs after every frame.
func NewSSEWriter(w io.Writer, flush func()) *SSEWriter {
	return &SSEWriter{w: w, flush: flush}
}

// Write implements StreamWriter.
func (s *SSEWriter) Write(_ context.Context, evt Event) error {
	frame, err := FormatSSE(evt)
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// Heartbeat writes a heartbeat comment.
func (s *SSEWriter) Heartbeat() error {
	return s.writeFrame([]byte(HeartbeatFrame))
}

func (s *SSEWriter) writeFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}
