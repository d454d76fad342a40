// Package sse writes and reads Server-Sent Events streams.
package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// Event represents a single SSE event.
type Event struct {
	ID   string
	Type string
	Data string
}

// Writer sends events on an HTTP response.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for streaming and sends the response headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event and flushes it. Multi-line data is split over
// several data fields.
func (w *Writer) Send(ev Event) error {
	var b strings.Builder
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", oneLine(ev.ID))
	}
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", oneLine(ev.Type))
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimSuffix(line, "\r"))
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Comment writes a comment line, which clients ignore. Used as keepalive.
func (w *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", oneLine(text)); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}
