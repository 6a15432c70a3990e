package api

import (
	"net/http"
	"strconv"

	"github.com/ashureev/shsh-tutor/internal/identity"
	"github.com/ashureev/shsh-tutor/internal/tutor"
)

// CreateSessionRequest is the body of POST /api/sessions. All fields are
// optional; the server defaults fill the gaps.
type CreateSessionRequest struct {
	LessonID   string `json:"lesson_id"`
	ProfileID  string `json:"profile_id"`
	Assessment *bool  `json:"assessment,omitempty"`
}

// CreateSession starts a session for the calling learner.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}

	sess, err := h.orch.CreateSession(r.Context(), tutor.CreateInput{
		LearnerID:  identity.LearnerIDFromContext(r.Context()),
		LessonID:   req.LessonID,
		ProfileID:  req.ProfileID,
		Assessment: req.Assessment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// GetSession returns one of the learner's sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownedSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// ListTurns returns the audit trail of a session, oldest first.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownedSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.orch.TurnHistory(r.Context(), sess.ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "turns": records})
}

// GetLearner returns the calling learner's accumulated context.
func (h *Handler) GetLearner(w http.ResponseWriter, r *http.Request) {
	lc, err := h.orch.GetLearnerContext(r.Context(), identity.LearnerIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, lc)
}
