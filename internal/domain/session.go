// Package domain contains core domain types for the tutoring engine.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a tutoring session.
type State string

const (
	// StateIdle means the session has no active content yet.
	StateIdle State = "IDLE"
	// StateAssessingLevel means the learner is in optional placement.
	StateAssessingLevel State = "ASSESSING_LEVEL"
	// StateInLesson means screen-by-screen guided practice.
	StateInLesson State = "IN_LESSON"
	// StateCompleted is terminal.
	StateCompleted State = "COMPLETED"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAssessingLevel, StateInLesson, StateCompleted:
		return true
	}
	return false
}

const screenPrefix = "screen_"

// ScreenID renders a 1-based screen ordinal as screen_001, screen_002, ...
// Ordinal 0 means no screen is active and renders as the empty string.
func ScreenID(index int) string {
	if index <= 0 {
		return ""
	}
	return fmt.Sprintf("%s%03d", screenPrefix, index)
}

// ParseScreenID returns the ordinal position encoded in a screen identifier.
func ParseScreenID(id string) (int, error) {
	if !strings.HasPrefix(id, screenPrefix) {
		return 0, fmt.Errorf("screen id %q: missing %q prefix", id, screenPrefix)
	}
	digits := strings.TrimPrefix(id, screenPrefix)
	if len(digits) < 3 {
		return 0, fmt.Errorf("screen id %q: ordinal must have at least 3 digits", id)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("screen id %q: invalid ordinal", id)
	}
	return n, nil
}

// Session is one continuous learner interaction with its own state and progress.
type Session struct {
	ID              string    `json:"id"`
	LearnerID       string    `json:"learner_id"`
	LessonID        string    `json:"lesson_id"`
	ProfileID       string    `json:"profile_id"`
	State           State     `json:"state"`
	ScreenIndex     int       `json:"screen_index"`
	TotalScreens    int       `json:"total_screens"`
	AssessmentTurns int       `json:"assessment_turns"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CurrentScreen returns the active screen identifier, or "" outside a lesson.
func (s *Session) CurrentScreen() string {
	return ScreenID(s.ScreenIndex)
}

// Consistent checks the State/ScreenIndex invariant.
func (s *Session) Consistent() error {
	switch s.State {
	case StateIdle, StateAssessingLevel:
		if s.ScreenIndex != 0 {
			return fmt.Errorf("state %s requires screen index 0, got %d", s.State, s.ScreenIndex)
		}
	case StateInLesson:
		if s.ScreenIndex < 1 || s.ScreenIndex > s.TotalScreens {
			return fmt.Errorf("state %s requires screen index in [1,%d], got %d", s.State, s.TotalScreens, s.ScreenIndex)
		}
	case StateCompleted:
		if s.ScreenIndex != s.TotalScreens {
			return fmt.Errorf("state %s requires terminal screen %d, got %d", s.State, s.TotalScreens, s.ScreenIndex)
		}
	default:
		return fmt.Errorf("unknown state %q", s.State)
	}
	return nil
}

// Clone returns a copy safe to mutate.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
