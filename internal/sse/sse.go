// Package sse relays pipeline events to an HTTP client as server-sent
// events. Every event is one `data: <json>` frame flushed immediately.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/internal/pipeline"
)

// DefaultWriteTimeout bounds how long one frame may block on a slow client.
const DefaultWriteTimeout = 30 * time.Second

var ErrClosed = errors.New("stream already ended")

// Writer serialises events onto an event stream. It is safe for concurrent
// use, although a pipeline session emits from a single goroutine.
type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration

	mu     sync.Mutex
	seq    int
	closed bool
}

// NewWriter writes the event stream headers. A zero timeout selects
// DefaultWriteTimeout.
func NewWriter(w http.ResponseWriter, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	return &Writer{w: w, rc: http.NewResponseController(w), timeout: timeout}
}

// Emit writes ev and flushes it. It satisfies pipeline.Emitter.
func (sw *Writer) Emit(ev pipeline.Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return ErrClosed
	}
	if ev.Terminal() {
		sw.closed = true
	}
	sw.seq++
	msg := Encode(ev)
	msg["seq"] = sw.seq

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := sw.rc.SetWriteDeadline(time.Now().Add(sw.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		sw.closed = true
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		sw.closed = true
		return err
	}
	if err := sw.rc.Flush(); err != nil {
		sw.closed = true
		return err
	}
	log.Trace().Int("seq", sw.seq).Str("status", msg["status"].(string)).Msg("sse event written")
	return nil
}

// Closed reports whether a terminal event was written or a write failed.
func (sw *Writer) Closed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.closed
}

// Encode maps ev to its wire message, without the sequence number.
func Encode(ev pipeline.Event) map[string]any {
	switch e := ev.(type) {
	case pipeline.Started:
		return map[string]any{"status": "started", "message": e.Message, "session_id": e.SessionID}
	case pipeline.Status:
		return map[string]any{"status": e.Stage, "message": e.Message}
	case pipeline.Chunk:
		return map[string]any{"status": e.Phase + "_chunk", "chunk": e.Text}
	case pipeline.Retrieved:
		return map[string]any{"status": "retrieved", "message": e.Summary, "sections": e.Sections, "tokens": e.Tokens}
	case pipeline.Complete:
		msg := map[string]any{}
		if e.Result != nil {
			for k, v := range e.Result.Fields() {
				msg[k] = v
			}
		}
		msg["status"] = "complete"
		return msg
	case pipeline.Error:
		return map[string]any{"status": "error", "error": e.Message}
	}
	return map[string]any{"status": fmt.Sprintf("%T", ev)}
}
