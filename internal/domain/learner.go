package domain

import (
	"slices"
	"sort"
	"time"
)

// Mastery is the knowledge state of one concept.
type Mastery string

const (
	MasteryUnmastered Mastery = "unmastered"
	MasteryInProgress Mastery = "in_progress"
	MasteryMastered   Mastery = "mastered"
)

// Next returns the mastery one step further along.
func (m Mastery) Next() Mastery {
	switch m {
	case MasteryInProgress, MasteryMastered:
		return MasteryMastered
	default:
		return MasteryInProgress
	}
}

// Misconception is an active or resolved misunderstanding about a concept.
// Resolution is always recorded explicitly.
type Misconception struct {
	Description string     `json:"description"`
	Resolved    bool       `json:"resolved"`
	RecordedAt  time.Time  `json:"recorded_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// SessionSummary is a short record of a finished session.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	LessonID    string    `json:"lesson_id"`
	Summary     string    `json:"summary"`
	CompletedAt time.Time `json:"completed_at"`
}

// LearnerContext is the accumulated knowledge-state record for a learner.
type LearnerContext struct {
	LearnerID      string                   `json:"learner_id"`
	Concepts       map[string]Mastery       `json:"concepts"`
	Misconceptions map[string]Misconception `json:"misconceptions"`
	Strengths      []string                 `json:"strengths"`
	Weaknesses     []string                 `json:"weaknesses"`
	Summaries      []SessionSummary         `json:"summaries"`
	Version        int64                    `json:"version"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// NewLearnerContext returns an empty context for a learner.
func NewLearnerContext(learnerID string) *LearnerContext {
	return &LearnerContext{
		LearnerID:      learnerID,
		Concepts:       make(map[string]Mastery),
		Misconceptions: make(map[string]Misconception),
	}
}

// MasteryOf returns the mastery of a concept, defaulting to unmastered.
func (l *LearnerContext) MasteryOf(concept string) Mastery {
	if m, ok := l.Concepts[concept]; ok {
		return m
	}
	return MasteryUnmastered
}

// UnresolvedMisconceptions returns unresolved concept keys in sorted order.
func (l *LearnerContext) UnresolvedMisconceptions() []string {
	var keys []string
	for concept, m := range l.Misconceptions {
		if !m.Resolved {
			keys = append(keys, concept)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy safe to mutate.
func (l *LearnerContext) Clone() *LearnerContext {
	if l == nil {
		return nil
	}
	c := *l
	c.Concepts = make(map[string]Mastery, len(l.Concepts))
	for k, v := range l.Concepts {
		c.Concepts[k] = v
	}
	c.Misconceptions = make(map[string]Misconception, len(l.Misconceptions))
	for k, v := range l.Misconceptions {
		if v.ResolvedAt != nil {
			ts := *v.ResolvedAt
			v.ResolvedAt = &ts
		}
		c.Misconceptions[k] = v
	}
	c.Strengths = slices.Clone(l.Strengths)
	c.Weaknesses = slices.Clone(l.Weaknesses)
	c.Summaries = slices.Clone(l.Summaries)
	return &c
}

// Deltas is the structured set of changes an evaluator derives from one turn.
type Deltas struct {
	Progressed         []string          `json:"progressed,omitempty"`
	NewMisconceptions  map[string]string `json:"new_misconceptions,omitempty"`
	ResolvedConcepts   []string          `json:"resolved_concepts,omitempty"`
	Strengths          []string          `json:"strengths,omitempty"`
	Weaknesses         []string          `json:"weaknesses,omitempty"`
	ScreenComplete     bool              `json:"screen_complete"`
	AssessmentComplete bool              `json:"assessment_complete"`
}

// Empty reports whether the deltas carry no learner changes.
func (d Deltas) Empty() bool {
	return len(d.Progressed) == 0 && len(d.NewMisconceptions) == 0 &&
		len(d.ResolvedConcepts) == 0 && len(d.Strengths) == 0 && len(d.Weaknesses) == 0
}

// Apply folds deltas into the context. Concepts are progressed one step,
// new misconceptions are recorded unresolved, and resolutions are explicit.
func (l *LearnerContext) Apply(d Deltas, now time.Time) {
	if l.Concepts == nil {
		l.Concepts = make(map[string]Mastery)
	}
	if l.Misconceptions == nil {
		l.Misconceptions = make(map[string]Misconception)
	}
	for _, concept := range d.Progressed {
		l.Concepts[concept] = l.MasteryOf(concept).Next()
	}
	concepts := make([]string, 0, len(d.NewMisconceptions))
	for concept := range d.NewMisconceptions {
		concepts = append(concepts, concept)
	}
	sort.Strings(concepts)
	for _, concept := range concepts {
		l.Misconceptions[concept] = Misconception{
			Description: d.NewMisconceptions[concept],
			RecordedAt:  now,
		}
		if _, ok := l.Concepts[concept]; !ok {
			l.Concepts[concept] = MasteryUnmastered
		}
	}
	for _, concept := range d.ResolvedConcepts {
		m, ok := l.Misconceptions[concept]
		if !ok || m.Resolved {
			continue
		}
		ts := now
		m.Resolved = true
		m.ResolvedAt = &ts
		l.Misconceptions[concept] = m
	}
	l.Strengths = mergeTags(l.Strengths, d.Strengths)
	l.Weaknesses = mergeTags(l.Weaknesses, d.Weaknesses)
}

// AppendSummary records a finished session, keeping at most max entries.
func (l *LearnerContext) AppendSummary(s SessionSummary, max int) {
	l.Summaries = append(l.Summaries, s)
	if max > 0 && len(l.Summaries) > max {
		l.Summaries = slices.Clone(l.Summaries[len(l.Summaries)-max:])
	}
}

func mergeTags(existing, add []string) []string {
	if len(add) == 0 {
		return existing
	}
	out := append(slices.Clone(existing), add...)
	sort.Strings(out)
	return slices.Compact(out)
}
