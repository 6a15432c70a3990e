package evidence

import (
	"testing"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fractions(t *testing.T) *domain.Lesson {
	t.Helper()
	set, err := templates.Default()
	require.NoError(t, err)
	l, err := set.Lesson("fractions")
	require.NoError(t, err)
	return l
}

func TestCorrectAnswerCompletesScreen(t *testing.T) {
	lesson := fractions(t)
	learner := domain.NewLearnerContext("l1")
	learner.Misconceptions["unlike-denominators"] = domain.Misconception{Description: "adds straight across"}

	d := NewKeywordEvaluator(1).Evaluate(Input{
		Session: &domain.Session{State: domain.StateInLesson, ScreenIndex: 3, TotalScreens: 4},
		Lesson:  lesson,
		Learner: learner,
		Message: "I think it's 5/12",
	})
	assert.True(t, d.ScreenComplete)
	assert.Equal(t, []string{"unlike-denominators", "common-denominator"}, d.Progressed)
	assert.Equal(t, []string{"unlike-denominators"}, d.ResolvedConcepts)
}

func TestKnownWrongAnswerRecordsMisconception(t *testing.T) {
	d := NewKeywordEvaluator(1).Evaluate(Input{
		Session: &domain.Session{State: domain.StateInLesson, ScreenIndex: 2, TotalScreens: 4},
		Lesson:  fractions(t),
		Message: "24?",
	})
	assert.False(t, d.ScreenComplete)
	assert.Equal(t, map[string]string{
		"common-denominator": "multiplies the denominators instead of finding the least common multiple",
	}, d.NewMisconceptions)
	assert.Equal(t, []string{"common-denominator"}, d.Weaknesses)
}

func TestUnrelatedMessageHasNoDeltas(t *testing.T) {
	d := NewKeywordEvaluator(1).Evaluate(Input{
		Session: &domain.Session{State: domain.StateInLesson, ScreenIndex: 2, TotalScreens: 4},
		Lesson:  fractions(t),
		Message: "I'm not sure where to start",
	})
	assert.True(t, d.Empty())
	assert.False(t, d.ScreenComplete)
}

func TestAssessmentCompletesAfterConfiguredTurns(t *testing.T) {
	e := NewKeywordEvaluator(2)
	lesson := fractions(t)

	d := e.Evaluate(Input{
		Session: &domain.Session{State: domain.StateAssessingLevel, TotalScreens: 4},
		Lesson:  lesson,
		Message: "a fraction is part of a whole",
	})
	assert.False(t, d.AssessmentComplete)
	assert.Equal(t, []string{"vocabulary:fractions"}, d.Strengths)

	d = e.Evaluate(Input{
		Session: &domain.Session{State: domain.StateAssessingLevel, AssessmentTurns: 1, TotalScreens: 4},
		Lesson:  lesson,
		Message: "no idea",
	})
	assert.True(t, d.AssessmentComplete)
	assert.Empty(t, d.Strengths)
}

func TestFuncAdapter(t *testing.T) {
	var e Evaluator = Func(func(Input) domain.Deltas { return domain.Deltas{ScreenComplete: true} })
	assert.True(t, e.Evaluate(Input{}).ScreenComplete)
}
