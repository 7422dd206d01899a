package relay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// HTTPSink writes fragments to a plain-text chunked response body. Headers
// are committed on the first write, so a relay that fails before producing
// anything leaves the response untouched for a regular error reply.
type HTTPSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

// NewHTTPSink wraps a response writer.
func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	return &HTTPSink{w: w, rc: http.NewResponseController(w)}
}

// Write sends one fragment and flushes it to the client.
func (s *HTTPSink) Write(_ context.Context, fragment string) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Content-Type-Options", "nosniff")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := io.WriteString(s.w, fragment); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close is a no-op: the body ends when the handler returns.
func (s *HTTPSink) Close() error { return nil }

// Started reports whether the response headers were committed.
func (s *HTTPSink) Started() bool { return s.started }

// WebSocketSink sends each fragment as one text message.
type WebSocketSink struct {
	conn *websocket.Conn
}

// NewWebSocketSink wraps an accepted connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Write sends one text message.
func (s *WebSocketSink) Write(ctx context.Context, fragment string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(fragment))
}

// Close ends the stream with a normal closure frame.
func (s *WebSocketSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "reply complete")
}
