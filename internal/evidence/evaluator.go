// Package evidence derives learner-context deltas from a validated turn.
//
// The Evaluator contract: given the learner message and the validated tutor
// response for the session's active content, return the structured changes
// to apply. Evaluators are pure; the orchestrator applies the deltas.
package evidence

import (
	"sort"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/validate"
)

// Input is everything an evaluator may look at.
type Input struct {
	Session  *domain.Session
	Lesson   *domain.Lesson
	Learner  *domain.LearnerContext
	Message  string
	Response string
}

// Evaluator extracts deltas from one validated turn.
type Evaluator interface {
	Evaluate(in Input) domain.Deltas
}

// Func adapts a function to Evaluator.
type Func func(in Input) domain.Deltas

// Evaluate calls f.
func (f Func) Evaluate(in Input) domain.Deltas { return f(in) }

// KeywordEvaluator is the default evaluator. A screen is complete when the
// learner states one of its accepted answers; a known wrong answer records the
// matching misconception against the screen's first concept. Placement ends
// after AssessmentTurns learner turns.
type KeywordEvaluator struct {
	AssessmentTurns int
}

// NewKeywordEvaluator returns a KeywordEvaluator. assessmentTurns below one
// is treated as one.
func NewKeywordEvaluator(assessmentTurns int) *KeywordEvaluator {
	return &KeywordEvaluator{AssessmentTurns: max(assessmentTurns, 1)}
}

// Evaluate implements Evaluator.
func (e *KeywordEvaluator) Evaluate(in Input) domain.Deltas {
	if in.Session == nil || in.Lesson == nil {
		return domain.Deltas{}
	}
	switch in.Session.State {
	case domain.StateAssessingLevel:
		return e.assess(in)
	case domain.StateInLesson:
		return e.practice(in)
	}
	return domain.Deltas{}
}

func (e *KeywordEvaluator) assess(in Input) domain.Deltas {
	var d domain.Deltas
	if in.Session.AssessmentTurns+1 >= max(e.AssessmentTurns, 1) {
		d.AssessmentComplete = true
	}
	msg := strings.ToLower(in.Message)
	for _, kw := range in.Lesson.Keywords {
		if kw != "" && strings.Contains(msg, strings.ToLower(kw)) {
			d.Strengths = []string{"vocabulary:" + in.Lesson.ID}
			break
		}
	}
	return d
}

func (e *KeywordEvaluator) practice(in Input) domain.Deltas {
	screen := in.Lesson.Screen(in.Session.ScreenIndex)
	if screen == nil {
		return domain.Deltas{}
	}

	for _, ans := range screen.Answers() {
		if !validate.ContainsAnswer(in.Message, ans) {
			continue
		}
		d := domain.Deltas{
			Progressed:     append([]string(nil), screen.Concepts...),
			ScreenComplete: true,
		}
		if in.Learner != nil {
			for _, c := range screen.Concepts {
				if m, ok := in.Learner.Misconceptions[c]; ok && !m.Resolved {
					d.ResolvedConcepts = append(d.ResolvedConcepts, c)
				}
			}
		}
		return d
	}

	if len(screen.Concepts) == 0 {
		return domain.Deltas{}
	}
	concept := screen.Concepts[0]
	for _, wrong := range sortedKeys(screen.Misconceptions) {
		if validate.ContainsAnswer(in.Message, wrong) {
			return domain.Deltas{
				NewMisconceptions: map[string]string{concept: screen.Misconceptions[wrong]},
				Weaknesses:        []string{concept},
			}
		}
	}
	return domain.Deltas{}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
