// Package session implements the tutoring session lifecycle state machine.
//
// The machine is pure: it never touches storage and never mutates its input.
// Screen advance happens only through explicit events, which the orchestrator
// emits after a PASS verdict.
package session

import (
	"fmt"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	// EventStart begins a freshly created session.
	EventStart EventKind = "start"
	// EventSubmitAnswer is a learner turn. It never changes state by itself.
	EventSubmitAnswer EventKind = "submit_answer"
	// EventAssessmentComplete ends placement and opens the first screen.
	EventAssessmentComplete EventKind = "assessment_complete"
	// EventAdvanceScreen moves to the next screen.
	EventAdvanceScreen EventKind = "advance_screen"
	// EventFinishLesson completes the session from the last screen.
	EventFinishLesson EventKind = "finish_lesson"
)

// Event is an input to the machine.
type Event struct {
	Kind EventKind
	// WithAssessment selects ASSESSING_LEVEL on EventStart.
	WithAssessment bool
}

// Snapshot is the part of a session the machine reasons about.
type Snapshot struct {
	State        domain.State
	ScreenIndex  int
	TotalScreens int
}

// SnapshotOf extracts the machine view of a session.
func SnapshotOf(s *domain.Session) Snapshot {
	return Snapshot{State: s.State, ScreenIndex: s.ScreenIndex, TotalScreens: s.TotalScreens}
}

// Consistent checks that State and ScreenIndex agree.
func (s Snapshot) Consistent() error {
	return (&domain.Session{State: s.State, ScreenIndex: s.ScreenIndex, TotalScreens: s.TotalScreens}).Consistent()
}

// SideEffect describes what an applied transition means for the caller.
type SideEffect string

const (
	EffectAssessmentStarted SideEffect = "assessment_started"
	EffectLessonStarted     SideEffect = "lesson_started"
	EffectScreenAdvanced    SideEffect = "screen_advanced"
	EffectLessonCompleted   SideEffect = "lesson_completed"
)

// CanTransition reports whether ev is legal from snap. It is total and never panics.
func CanTransition(snap Snapshot, ev Event) bool {
	_, _, err := next(snap, ev)
	return err == nil
}

// Apply returns the snapshot after ev, or an error wrapping
// domain.ErrInvalidTransition when ev is illegal in the current state.
func Apply(snap Snapshot, ev Event) (Snapshot, []SideEffect, error) {
	out, effects, err := next(snap, ev)
	if err != nil {
		return snap, nil, err
	}
	return out, effects, nil
}

func next(snap Snapshot, ev Event) (Snapshot, []SideEffect, error) {
	invalid := func(reason string) (Snapshot, []SideEffect, error) {
		return snap, nil, fmt.Errorf("%w: %s in state %s: %s", domain.ErrInvalidTransition, ev.Kind, snap.State, reason)
	}
	if err := snap.Consistent(); err != nil {
		return invalid(err.Error())
	}

	switch ev.Kind {
	case EventStart:
		if snap.State != domain.StateIdle {
			return invalid("session already started")
		}
		if snap.TotalScreens < 1 {
			return invalid("lesson has no screens")
		}
		if ev.WithAssessment {
			return Snapshot{State: domain.StateAssessingLevel, TotalScreens: snap.TotalScreens},
				[]SideEffect{EffectAssessmentStarted}, nil
		}
		return Snapshot{State: domain.StateInLesson, ScreenIndex: 1, TotalScreens: snap.TotalScreens},
			[]SideEffect{EffectLessonStarted}, nil

	case EventSubmitAnswer:
		if snap.State != domain.StateAssessingLevel && snap.State != domain.StateInLesson {
			return invalid("no active content")
		}
		return snap, nil, nil

	case EventAssessmentComplete:
		if snap.State != domain.StateAssessingLevel {
			return invalid("not assessing")
		}
		return Snapshot{State: domain.StateInLesson, ScreenIndex: 1, TotalScreens: snap.TotalScreens},
			[]SideEffect{EffectLessonStarted}, nil

	case EventAdvanceScreen:
		if snap.State != domain.StateInLesson {
			return invalid("not in lesson")
		}
		if snap.ScreenIndex >= snap.TotalScreens {
			return invalid("already on the last screen")
		}
		out := snap
		out.ScreenIndex++
		return out, []SideEffect{EffectScreenAdvanced}, nil

	case EventFinishLesson:
		if snap.State != domain.StateInLesson {
			return invalid("not in lesson")
		}
		if snap.ScreenIndex != snap.TotalScreens {
			return invalid("last screen not reached")
		}
		out := snap
		out.State = domain.StateCompleted
		return out, []SideEffect{EffectLessonCompleted}, nil
	}

	return invalid("unknown event")
}

// CompletionEvent returns the event that finishing the current unit of content
// triggers: assessment completion, advancing a screen, or finishing the lesson.
// ok is false when no completion event applies to the state.
func CompletionEvent(snap Snapshot) (Event, bool) {
	switch snap.State {
	case domain.StateAssessingLevel:
		return Event{Kind: EventAssessmentComplete}, true
	case domain.StateInLesson:
		if snap.ScreenIndex >= snap.TotalScreens {
			return Event{Kind: EventFinishLesson}, true
		}
		return Event{Kind: EventAdvanceScreen}, true
	}
	return Event{}, false
}

// ApplyTo writes snap back onto a session copy.
func ApplyTo(s *domain.Session, snap Snapshot) {
	s.State = snap.State
	s.ScreenIndex = snap.ScreenIndex
	s.TotalScreens = snap.TotalScreens
}
