package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/dndgpt/internal/api"
	"github.com/ashureev/dndgpt/internal/identity"
	"github.com/ashureev/dndgpt/internal/relay"
	"github.com/ashureev/dndgpt/internal/telemetry"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxRequestBodySize = 1 << 20

	streamErrorMessage  = "An error occurred while streaming."
	resetMessage        = "Conversation reset."
	monsterErrorMessage = "Failed to fetch a random monster."

	channelHTTP      = "chat_http"
	channelWebSocket = "chat_ws"
)

// Handler serves the chat routes.
type Handler struct {
	svc           *Service
	log           ConversationLogger
	metrics       *telemetry.Metrics
	limiter       func(http.Handler) http.Handler
	maxBodySize   int64
	allowedOrigin string
	isDev         bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithConversationLogger records every question and reply.
func WithConversationLogger(l ConversationLogger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics records question and monster outcomes.
func WithMetrics(m *telemetry.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithRateLimit wraps the question routes in an admission middleware.
func WithRateLimit(mw func(http.Handler) http.Handler) HandlerOption {
	return func(h *Handler) { h.limiter = mw }
}

// WithMaxBodySize caps the request body of /question and the first WebSocket message.
func WithMaxBodySize(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodySize = n
		}
	}
}

// WithAllowedOrigin restricts WebSocket upgrades to one origin outside development.
func WithAllowedOrigin(origin string, isDev bool) HandlerOption {
	return func(h *Handler) {
		h.allowedOrigin = origin
		h.isDev = isDev
	}
}

// NewHandler creates a chat handler around svc.
func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:         svc,
		log:         noopConversationLogger{},
		maxBodySize: defaultMaxRequestBodySize,
		isDev:       true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the chat routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter)
		}
		r.Post("/question", h.HandleQuestion)
		r.Get("/ws/question", h.HandleWebSocket)
	})
	r.Post("/reset", h.HandleReset)
	r.Post("/new-monster", h.HandleNewMonster)
}

// Close flushes the conversation log.
func (h *Handler) Close() {
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// HandleQuestion handles POST /question. The reply is streamed as plain text.
// A failure before the first fragment becomes a 500; a failure after it
// aborts the connection so the client sees a truncated body.
func (h *Handler) HandleQuestion(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	reqID := chiMiddleware.GetReqID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	q, err := DecodeQuestion(r.Body)
	if err != nil {
		h.metrics.ObserveQuestion(telemetry.OutcomeBadRequest, 0, 0)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large.", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Info("Rejected question", "user_id", id.UserID, "error", err)
		http.Error(w, "Invalid request body.", http.StatusBadRequest)
		return
	}

	slog.Info("Question received",
		"user_id", id.UserID,
		"session_id", id.SessionID,
		"messages", len(q.History),
	)
	h.logUserMessage(id, channelHTTP, q, reqID)

	httpSink := relay.NewHTTPSink(w)
	sink := &recordingSink{Sink: httpSink}
	stats, err := h.svc.Answer(r.Context(), id.UserID, id.SessionID, q, sink)
	h.metrics.ObserveQuestion(outcomeFor(err), stats.Fragments, stats.Duration)
	h.logAssistantMessage(id, channelHTTP, sink.content.String(), stats, err, reqID)

	if err == nil {
		return
	}
	// A committed 200 header can no longer carry an error reply, even when
	// the first body write failed.
	if !relay.IsStarted(err) && !httpSink.Started() {
		slog.Error("Question failed before streaming", "user_id", id.UserID, "error", err)
		http.Error(w, streamErrorMessage, http.StatusInternalServerError)
		return
	}
	slog.Error("Question stream aborted", "user_id", id.UserID, "bytes", stats.Bytes, "error", err)
	panic(http.ErrAbortHandler)
}

// HandleWebSocket handles GET /ws/question. The first text message carries
// the same body as /question; each fragment is sent as one text message.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	reqID := chiMiddleware.GetReqID(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", id.UserID)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.maxBodySize)

	ctx := r.Context()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		slog.Debug("WebSocket closed before question", "user_id", id.UserID, "error", err)
		return
	}
	if typ != websocket.MessageText {
		h.metrics.ObserveQuestion(telemetry.OutcomeBadRequest, 0, 0)
		_ = conn.Close(websocket.StatusUnsupportedData, "expected a text message")
		return
	}
	q, err := DecodeQuestion(strings.NewReader(string(data)))
	if err != nil {
		h.metrics.ObserveQuestion(telemetry.OutcomeBadRequest, 0, 0)
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request body")
		return
	}

	h.logUserMessage(id, channelWebSocket, q, reqID)
	// Nothing more is read; CloseRead cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)

	sink := &recordingSink{Sink: relay.NewWebSocketSink(conn)}
	stats, err := h.svc.Answer(ctx, id.UserID, id.SessionID, q, sink)
	h.metrics.ObserveQuestion(outcomeFor(err), stats.Fragments, stats.Duration)
	h.logAssistantMessage(id, channelWebSocket, sink.content.String(), stats, err, reqID)

	if err != nil {
		slog.Error("WebSocket question failed", "user_id", id.UserID, "bytes", stats.Bytes, "error", err)
		_ = conn.Close(websocket.StatusInternalError, streamErrorMessage)
	}
}

// HandleReset handles POST /reset by clearing the session's monster slot.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if err := h.svc.Reset(r.Context(), id.UserID, id.SessionID); err != nil {
		slog.Error("Reset failed", "user_id", id.UserID, "session_id", id.SessionID, "error", err)
		http.Error(w, "Failed to reset conversation.", http.StatusInternalServerError)
		return
	}
	h.log.Log(ConversationLogEvent{
		UserID:    id.UserID,
		SessionID: id.SessionID,
		Channel:   channelHTTP,
		Direction: "outbound",
		EventType: "chat_reset",
		Meta:      map[string]any{"request_id": chiMiddleware.GetReqID(r.Context())},
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(resetMessage))
}

// HandleNewMonster handles POST /new-monster.
func (h *Handler) HandleNewMonster(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	m, err := h.svc.NewMonster(r.Context(), id.UserID, id.SessionID)
	h.metrics.ObserveMonsterFetch(err)
	if err != nil {
		slog.Error("Monster fetch failed", "user_id", id.UserID, "session_id", id.SessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, monsterErrorMessage)
		return
	}

	slog.Info("Monster rolled", "user_id", id.UserID, "session_id", id.SessionID, "monster", m.Name)
	h.log.Log(ConversationLogEvent{
		UserID:     id.UserID,
		SessionID:  id.SessionID,
		Channel:    channelHTTP,
		Direction:  "inbound",
		EventType:  "chat_monster",
		ContentRaw: m.Summary(),
		Meta:       map[string]any{"monster": m.Index},
	})
	api.JSON(w, http.StatusOK, m)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) logUserMessage(id identity.Identity, channel string, q Question, requestID string) {
	last, _ := q.History.Last()
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     id.UserID,
		SessionID:  id.SessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: last.Content,
		Content:    cleanForReadability(last.Content),
		Meta: map[string]any{
			"request_id":       requestID,
			"history_messages": len(q.History),
		},
	})
}

func (h *Handler) logAssistantMessage(id identity.Identity, channel, content string, stats relay.Stats, streamErr error, requestID string) {
	errMsg := ""
	if streamErr != nil {
		errMsg = streamErr.Error()
	}
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     id.UserID,
		SessionID:  id.SessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"stream_chunks": stats.Fragments,
			"partial":       streamErr != nil,
			"stream_error":  errMsg,
			"duration_ms":   stats.Duration.Milliseconds(),
			"request_id":    requestID,
		},
	})
}

// recordingSink keeps a copy of everything written so the reply can be logged.
type recordingSink struct {
	relay.Sink
	content strings.Builder
}

func (s *recordingSink) Write(ctx context.Context, fragment string) error {
	if err := s.Sink.Write(ctx, fragment); err != nil {
		return err
	}
	s.content.WriteString(fragment)
	return nil
}

func outcomeFor(err error) string {
	if err == nil {
		return telemetry.OutcomeOK
	}
	var relayErr *relay.Error
	if errors.As(err, &relayErr) && relayErr.Stage == relay.StageContext {
		return telemetry.OutcomeAborted
	}
	return telemetry.OutcomeFailed
}
