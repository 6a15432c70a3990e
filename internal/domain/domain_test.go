package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenIDRoundTrip(t *testing.T) {
	assert.Equal(t, "", ScreenID(0))
	assert.Equal(t, "screen_001", ScreenID(1))
	assert.Equal(t, "screen_004", ScreenID(4))
	assert.Equal(t, "screen_1200", ScreenID(1200))

	n, err := ParseScreenID("screen_003")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, bad := range []string{"", "screen_", "screen_01", "screen_000", "step_001", "screen_abc"} {
		_, err := ParseScreenID(bad)
		assert.Error(t, err, bad)
	}
}

func TestSessionConsistent(t *testing.T) {
	cases := []struct {
		name  string
		s     Session
		valid bool
	}{
		{"idle", Session{State: StateIdle, TotalScreens: 3}, true},
		{"idle with screen", Session{State: StateIdle, ScreenIndex: 1, TotalScreens: 3}, false},
		{"assessing", Session{State: StateAssessingLevel, TotalScreens: 3}, true},
		{"lesson", Session{State: StateInLesson, ScreenIndex: 2, TotalScreens: 3}, true},
		{"lesson past end", Session{State: StateInLesson, ScreenIndex: 4, TotalScreens: 3}, false},
		{"completed terminal", Session{State: StateCompleted, ScreenIndex: 3, TotalScreens: 3}, true},
		{"completed early", Session{State: StateCompleted, ScreenIndex: 2, TotalScreens: 3}, false},
		{"unknown", Session{State: "PAUSED"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Consistent()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLearnerContextApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lc := NewLearnerContext("learner-1")
	lc.Concepts["fractions"] = MasteryInProgress
	lc.Misconceptions["fractions"] = Misconception{Description: "adds denominators", RecordedAt: now.Add(-time.Hour)}

	lc.Apply(Deltas{
		Progressed:        []string{"fractions", "ratios"},
		NewMisconceptions: map[string]string{"decimals": "treats 0.5 as 5"},
		ResolvedConcepts:  []string{"fractions"},
		Strengths:         []string{"persistence", "arithmetic"},
		Weaknesses:        []string{"notation"},
	}, now)

	assert.Equal(t, MasteryMastered, lc.Concepts["fractions"])
	assert.Equal(t, MasteryInProgress, lc.Concepts["ratios"])
	assert.Equal(t, MasteryUnmastered, lc.Concepts["decimals"])

	frac := lc.Misconceptions["fractions"]
	assert.True(t, frac.Resolved)
	require.NotNil(t, frac.ResolvedAt)
	assert.Equal(t, now, *frac.ResolvedAt)

	assert.False(t, lc.Misconceptions["decimals"].Resolved)
	assert.Equal(t, []string{"decimals"}, lc.UnresolvedMisconceptions())
	assert.Equal(t, []string{"arithmetic", "persistence"}, lc.Strengths)

	lc.Apply(Deltas{Strengths: []string{"arithmetic"}}, now)
	assert.Equal(t, []string{"arithmetic", "persistence"}, lc.Strengths, "tags stay unique")
}

func TestLearnerContextMasteredWithUnresolvedMisconception(t *testing.T) {
	lc := NewLearnerContext("l")
	lc.Concepts["x"] = MasteryMastered
	lc.Apply(Deltas{NewMisconceptions: map[string]string{"x": "sign error"}}, time.Now())

	assert.Equal(t, MasteryMastered, lc.Concepts["x"], "mastery is not downgraded implicitly")
	assert.False(t, lc.Misconceptions["x"].Resolved)
}

func TestLearnerContextCloneIsDeep(t *testing.T) {
	lc := NewLearnerContext("l")
	lc.Concepts["a"] = MasteryInProgress
	lc.Strengths = []string{"s"}

	c := lc.Clone()
	c.Concepts["a"] = MasteryMastered
	c.Strengths[0] = "changed"

	assert.Equal(t, MasteryInProgress, lc.Concepts["a"])
	assert.Equal(t, "s", lc.Strengths[0])
}

func TestAppendSummaryKeepsNewest(t *testing.T) {
	lc := NewLearnerContext("l")
	for i := 1; i <= 5; i++ {
		lc.AppendSummary(SessionSummary{SessionID: fmt.Sprintf("s%d", i)}, 3)
	}
	require.Len(t, lc.Summaries, 3)
	assert.Equal(t, "s3", lc.Summaries[0].SessionID)
	assert.Equal(t, "s5", lc.Summaries[2].SessionID)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "session_busy", Kind(fmt.Errorf("turn: %w", ErrSessionBusy)))
	assert.Equal(t, "generation_timeout", Kind(ErrGenerationTimeout))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Equal(t, "", Kind(nil))
}
