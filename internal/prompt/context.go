package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

func writeSession(b *strings.Builder, sess *domain.Session, lesson *domain.Lesson, screen *domain.Screen) {
	b.WriteString("## Session\n")
	fmt.Fprintf(b, "Lesson: %s\n", lesson.Title)
	fmt.Fprintf(b, "Objective: %s\n", lesson.Objective)
	fmt.Fprintf(b, "State: %s\n", sess.State)

	switch sess.State {
	case domain.StateAssessingLevel:
		if len(lesson.Assessment) > 0 {
			q := lesson.Assessment[sess.AssessmentTurns%len(lesson.Assessment)]
			fmt.Fprintf(b, "Placement question: %s\n", q)
		}
	case domain.StateInLesson:
		fmt.Fprintf(b, "Screen: %s of %d\n", sess.CurrentScreen(), sess.TotalScreens)
		if screen.Title != "" {
			fmt.Fprintf(b, "Screen title: %s\n", screen.Title)
		}
		fmt.Fprintf(b, "Current problem: %s\n", screen.Prompt)
		fmt.Fprintf(b, "Expected answer (never reveal it): %s\n", screen.Answer)
		if len(screen.Concepts) > 0 {
			fmt.Fprintf(b, "Concepts: %s\n", strings.Join(screen.Concepts, ", "))
		}
	}
	b.WriteString("\n")
}

// writeLearner renders the learner context with the oldest drop summaries
// removed. Map-backed fields are rendered in sorted key order.
func writeLearner(b *strings.Builder, lc *domain.LearnerContext, drop int) {
	b.WriteString("## Learner\n")
	if lc == nil {
		b.WriteString("No prior context.\n")
		return
	}

	if len(lc.Concepts) > 0 {
		b.WriteString("Concepts:\n")
		for _, c := range sortedKeys(lc.Concepts) {
			fmt.Fprintf(b, "- %s: %s\n", c, lc.Concepts[c])
		}
	}
	if open := lc.UnresolvedMisconceptions(); len(open) > 0 {
		b.WriteString("Unresolved misconceptions:\n")
		for _, c := range open {
			fmt.Fprintf(b, "- %s: %s\n", c, lc.Misconceptions[c].Description)
		}
	}
	if len(lc.Strengths) > 0 {
		fmt.Fprintf(b, "Strengths: %s\n", strings.Join(lc.Strengths, ", "))
	}
	if len(lc.Weaknesses) > 0 {
		fmt.Fprintf(b, "Weaknesses: %s\n", strings.Join(lc.Weaknesses, ", "))
	}

	if drop < len(lc.Summaries) {
		b.WriteString("Prior sessions (oldest first):\n")
		for _, s := range lc.Summaries[drop:] {
			fmt.Fprintf(b, "- %s: %s\n", s.LessonID, s.Summary)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
