package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/tutor"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is a learner message sent over the socket.
type wsInbound struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	Speculative bool   `json:"speculative,omitempty"`
}

// wsOutbound is a server frame. Exactly one payload field is set per Type.
type wsOutbound struct {
	Type    string        `json:"type"`
	Delta   *DeltaEvent   `json:"delta,omitempty"`
	Discard *DiscardEvent `json:"discard,omitempty"`
	Result  *tutor.Result `json:"result,omitempty"`
	Error   *ErrorBody    `json:"error,omitempty"`
}

// ServeWebSocket runs turns for one session over a WebSocket. Turns on a
// connection are processed one at a time in arrival order.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownedSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logger := h.logger.With("session_id", sess.ID, "learner_id", sess.LearnerID)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger.Info("WebSocket connected")
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "turn" || strings.TrimSpace(in.Message) == "" {
			if !h.writeFrame(ctx, ws, logger, wsOutbound{Type: "error", Error: &ErrorBody{Error: "expected a turn message", Code: "invalid_input"}}) {
				return
			}
			continue
		}

		if !h.wsTurn(ctx, ws, logger, sess, in) {
			return
		}
	}
}

// wsTurn handles one turn and reports whether the connection is still usable.
// Deltas are forwarded only when the frame opted into speculative output.
func (h *Handler) wsTurn(ctx context.Context, ws *websocket.Conn, logger *slog.Logger, sess *domain.Session, msg wsInbound) bool {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	alive := true
	forward := func(frame wsOutbound) {
		if !alive {
			return
		}
		if !h.writeFrame(turnCtx, ws, logger, frame) {
			alive = false
			cancel()
		}
	}

	in := tutor.TurnInput{
		Message: msg.Message,
		Stream:  true,
		Channel: "websocket",
	}
	if msg.Speculative {
		in.Hooks = &tutor.Hooks{
			OnDelta: func(attempt int, delta string) {
				forward(wsOutbound{Type: "delta", Delta: &DeltaEvent{Attempt: attempt, Delta: delta}})
			},
			OnDiscard: func(attempt int, reason string) {
				forward(wsOutbound{Type: "discard", Discard: &DiscardEvent{Attempt: attempt, Reason: reason}})
			},
		}
	}
	res, err := h.orch.HandleTurn(turnCtx, sess.ID, in)
	if !alive || ctx.Err() != nil {
		return false
	}
	if err != nil {
		_, body := classify(err)
		return h.writeFrame(ctx, ws, logger, wsOutbound{Type: "error", Error: &body})
	}
	return h.writeFrame(ctx, ws, logger, wsOutbound{Type: "result", Result: res})
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, logger *slog.Logger, frame wsOutbound) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Warn("Failed to marshal WebSocket frame", "type", frame.Type, "error", err)
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			logger.Debug("WebSocket write error", "error", err)
		}
		return false
	}
	return true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	for _, allowed := range strings.Split(h.cfg.AllowedOrigin, ",") {
		if origin == strings.TrimRight(strings.TrimSpace(allowed), "/") {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
