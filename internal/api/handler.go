// Package api provides HTTP handlers for the tutor API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/identity"
	"github.com/ashureev/shsh-tutor/internal/tutor"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxRequestBodySize = 64 * 1024
	defaultKeepaliveInterval  = 10 * time.Second
	defaultHistoryLimit       = 50
)

// Config tunes the HTTP boundary.
type Config struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	AllowedOrigin      string
	IsDev              bool
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves sessions and turns over HTTP, SSE and WebSocket.
type Handler struct {
	orch   *tutor.Orchestrator
	store  Pinger
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(orch *tutor.Orchestrator, store Pinger, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, store: store, cfg: cfg, logger: logger}
}

// RegisterRoutes mounts the learner-facing routes. The caller installs
// identity and rate limiting middleware around them.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/sessions", h.CreateSession)
	r.Get("/api/sessions/{id}", h.GetSession)
	r.Get("/api/sessions/{id}/turns", h.ListTurns)
	r.Post("/api/sessions/{id}/turns", h.SubmitTurn)
	r.Get("/api/learner", h.GetLearner)
	r.Get("/ws/sessions/{id}", h.ServeWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorBody is the JSON shape of every error response and error event.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// classify maps an orchestrator error to a status and a learner-safe body.
// Raw error text never leaves the process.
func classify(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, ErrorBody{Error: "session not found", Code: domain.Kind(err)}
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict, ErrorBody{Error: "a turn is already in progress for this session", Code: domain.Kind(err)}
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, ErrorBody{Error: "session does not accept turns in its current state", Code: domain.Kind(err)}
	case errors.Is(err, domain.ErrTemplateMissing):
		return http.StatusBadRequest, ErrorBody{Error: "unknown lesson or profile", Code: domain.Kind(err)}
	case errors.Is(err, tutor.ErrInvalidInput):
		return http.StatusBadRequest, ErrorBody{Error: "invalid request", Code: "invalid_input"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorBody{Error: "request timed out", Code: "timeout"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: domain.Kind(err)}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.logger.Debug("Client went away", "path", r.URL.Path)
		return
	}
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	JSON(w, status, body)
}

// decodeBody reads a size-bounded JSON body into v. An empty body is
// accepted only when allowEmpty is set.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			if allowEmpty {
				return true
			}
			Error(w, http.StatusBadRequest, "request body is required")
		default:
			Error(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// ownedSession loads a session and hides sessions of other learners.
func (h *Handler) ownedSession(r *http.Request) (*domain.Session, error) {
	id := chi.URLParam(r, "id")
	sess, err := h.orch.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.LearnerID != identity.LearnerIDFromContext(r.Context()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return sess, nil
}

// Health reports storage reachability and the generation backend in use.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, storage := http.StatusOK, "ok"
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check: storage unreachable", "error", err)
		status, storage = http.StatusServiceUnavailable, "unavailable"
	}
	JSON(w, status, map[string]string{
		"status":     http.StatusText(status),
		"storage":    storage,
		"generation": h.orch.Backend(),
	})
}
