// Package identity provides anonymous per-device learner identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

const (
	LearnerCookieName   = "tutor_learner_id"
	LearnerHeaderName   = "X-Learner-ID"
	learnerCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const learnerIDKey contextKey = iota

var (
	generatedIDPattern = regexp.MustCompile(`^learner_[a-f0-9]{32}$`)
	headerIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Learners creates learner records on first sight.
type Learners interface {
	EnsureLearner(ctx context.Context, learnerID string) (*domain.LearnerContext, error)
}

// LearnerIDFromContext extracts the learner ID from the request context.
func LearnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(learnerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLearnerID returns ctx carrying learnerID.
func WithLearnerID(ctx context.Context, learnerID string) context.Context {
	return context.WithValue(ctx, learnerIDKey, learnerID)
}

func generateLearnerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate learner id: %w", err)
	}
	return "learner_" + hex.EncodeToString(buf), nil
}

func setLearnerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     LearnerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(learnerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(learnerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// learnerIDFromRequest resolves the learner: an explicit header wins (for
// API clients), then the cookie, then a freshly generated id.
func learnerIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if h := strings.TrimSpace(r.Header.Get(LearnerHeaderName)); h != "" && headerIDPattern.MatchString(h) {
		return h, nil
	}
	if c, err := r.Cookie(LearnerCookieName); err == nil && generatedIDPattern.MatchString(c.Value) {
		setLearnerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateLearnerID()
	if err != nil {
		return "", err
	}
	setLearnerCookie(w, id, isDev)
	return id, nil
}

// Middleware injects an anonymous learner identity and makes sure the
// learner has a context record.
func Middleware(learners Learners, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			learnerID, err := learnerIDFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish learner identity"}`, http.StatusInternalServerError)
				return
			}

			if _, err := learners.EnsureLearner(r.Context(), learnerID); err != nil {
				slog.Error("Failed to initialize learner", "learner_id", learnerID, "error", err)
				http.Error(w, `{"error":"failed to initialize learner"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithLearnerID(r.Context(), learnerID)))
		})
	}
}
