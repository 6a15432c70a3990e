package domain

import "time"

// TurnRecord is the audit entry written for every handled turn, whether it
// committed, fell back, or was aborted after loading the session.
type TurnRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	LearnerID      string    `json:"learner_id"`
	ScreenID       string    `json:"screen_id"`
	Attempts       int       `json:"attempts"`
	Action         string    `json:"action"`
	Violations     []string  `json:"violations,omitempty"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Committed      bool      `json:"committed"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
