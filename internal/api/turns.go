package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/tutor"
)

// TurnRequest is the body of POST /api/sessions/{id}/turns.
type TurnRequest struct {
	Message string `json:"message"`
	// Stream asks the backend for incremental output. SSE clients always
	// stream.
	Stream bool `json:"stream"`
	// Speculative forwards unvalidated deltas as they arrive. Without it the
	// stream carries only keepalives and the final result.
	Speculative bool `json:"speculative"`
}

// DeltaEvent carries speculative, unvalidated text of one attempt.
type DeltaEvent struct {
	Attempt int    `json:"attempt"`
	Delta   string `json:"delta"`
}

// DiscardEvent tells the client to drop everything forwarded for an attempt.
type DiscardEvent struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// SubmitTurn runs one learner turn. Clients that accept text/event-stream get
// an SSE stream ending in the final result, with deltas only when they opted
// into speculative output; others get the result as plain JSON.
func (h *Handler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownedSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req TurnRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamTurn(w, r, sess, req)
		return
	}

	res, err := h.orch.HandleTurn(r.Context(), sess.ID, tutor.TurnInput{
		Message: req.Message,
		Stream:  req.Stream,
		Channel: "http",
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, sess *domain.Session, req TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := h.logger.With("session_id", sess.ID, "learner_id", sess.LearnerID)

	// A failed write means the client is gone; cancelling aborts generation
	// and nothing is persisted.
	var mu sync.Mutex
	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			logger.Warn("Failed to marshal SSE event", "event", event, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := writeSSE(w, event, string(data)); err != nil {
			logger.Warn("Failed to write SSE event", "event", event, "error", err)
			cancel()
			return
		}
		flusher.Flush()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-keepalive.C:
				send("ping", map[string]string{"status": "alive"})
			}
		}
	}()

	in := tutor.TurnInput{
		Message: req.Message,
		Stream:  true,
		Channel: "sse",
	}
	if req.Speculative {
		in.Hooks = &tutor.Hooks{
			OnDelta: func(attempt int, delta string) {
				send("delta", DeltaEvent{Attempt: attempt, Delta: delta})
			},
			OnDiscard: func(attempt int, reason string) {
				send("discard", DiscardEvent{Attempt: attempt, Reason: reason})
			},
		}
	}
	res, err := h.orch.HandleTurn(ctx, sess.ID, in)
	close(done)
	wg.Wait()

	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Turn stream aborted", "error", err)
			return
		}
		_, body := classify(err)
		send("error", body)
		return
	}
	send("result", res)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
