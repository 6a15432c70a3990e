// Package validate classifies candidate tutor responses before they reach a
// learner. Validation is read-only: it never mutates sessions or learner
// context.
package validate

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/templates"
)

// Kind is a violation category.
type Kind string

const (
	KindDirectAnswer   Kind = "DIRECT_ANSWER"
	KindCharacterBreak Kind = "CHARACTER_BREAK"
	KindSafety         Kind = "SAFETY"
	KindScope          Kind = "SCOPE"
)

// Action is the verdict for a candidate.
type Action string

const (
	ActionPass       Action = "PASS"
	ActionRetry      Action = "RETRY"
	ActionRegenerate Action = "REGENERATE"
	ActionReject     Action = "REJECT"
)

// ActionFor maps a violation kind to the action it selects.
func ActionFor(k Kind) Action {
	switch k {
	case KindDirectAnswer, KindCharacterBreak:
		return ActionRegenerate
	case KindSafety:
		return ActionReject
	case KindScope:
		return ActionRetry
	}
	return ActionReject
}

// Violation is one detected breach with a short evidence excerpt.
type Violation struct {
	Kind     Kind   `json:"kind"`
	Evidence string `json:"evidence"`
}

// Result is the outcome of validating one candidate. Valid is true exactly
// when Violations is empty, and Action is PASS exactly when Valid is true.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
	Action     Action      `json:"action"`
}

// Kinds returns the violation kinds in recorded order.
func (r Result) Kinds() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = string(v.Kind)
	}
	return out
}

func newResult(violations []Violation) Result {
	if len(violations) == 0 {
		return Result{Valid: true, Action: ActionPass}
	}
	return Result{Violations: violations, Action: ActionFor(violations[0].Kind)}
}

var builtinCharacterBreak = []string{
	`(?i)\bas an? (ai|artificial intelligence|language model|llm)\b`,
	`(?i)\blanguage model\b`,
	`(?i)\bi(?:'m| am) (?:just )?an? (?:ai|bot|chatbot|program)\b`,
	`(?i)\bmy (?:training data|knowledge cutoff|system prompt|instructions)\b`,
}

var builtinSafety = []string{
	`(?i)\b(kill|hurt|harm)\s+(yourself|myself)\b`,
	`(?i)\bsuicide\b`,
}

// builtinGuiding phrases hand the work back only when they open a sentence.
var builtinGuiding = []string{
	"what do you think", "how would you", "can you", "could you", "what happens if", "why do you",
}

// revealMarker flags explicit answer statements even when a question follows.
var revealMarker = regexp.MustCompile(`(?i)(?:\b(?:the (?:final |correct |right )?answer is|the solution is|the result is|answer\s*:|simplifies to|reduces to|gives|equals)\b|=)`)

var sentenceEnd = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

const defaultScopeMinWords = 8

// Validator applies the four checks in priority order.
type Validator struct {
	set            *templates.Set
	characterBreak []*regexp.Regexp
	safety         []*regexp.Regexp
	guiding        []string
	scopeMinWords  int
}

// New compiles the policy of set into a Validator.
func New(set *templates.Set) (*Validator, error) {
	policy := set.Policy()
	v := &Validator{set: set, scopeMinWords: policy.ScopeMinWords}
	if v.scopeMinWords <= 0 {
		v.scopeMinWords = defaultScopeMinWords
	}

	var err error
	if v.characterBreak, err = compileAll(builtinCharacterBreak, policy.CharacterBreakPatterns); err != nil {
		return nil, fmt.Errorf("character break policy: %w", err)
	}
	if v.safety, err = compileAll(builtinSafety, policy.SafetyPatterns); err != nil {
		return nil, fmt.Errorf("safety policy: %w", err)
	}
	for _, p := range slices.Concat(builtinGuiding, policy.GuidingPhrases) {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			v.guiding = append(v.guiding, p)
		}
	}
	return v, nil
}

func compileAll(groups ...[]string) ([]*regexp.Regexp, error) {
	seen := make(map[string]bool)
	var out []*regexp.Regexp
	for _, group := range groups {
		for _, p := range group {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compile %q: %w", p, err)
			}
			out = append(out, re)
		}
	}
	return out, nil
}

// Validate classifies candidate for the session's active content. All
// violations are recorded; the first one in priority order selects Action.
func (v *Validator) Validate(candidate string, sess *domain.Session, profile *domain.InstructorProfile, learnerMessage string) Result {
	var lesson *domain.Lesson
	var screen *domain.Screen
	if sess != nil {
		if l, err := v.set.Lesson(sess.LessonID); err == nil {
			lesson = l
			if sess.State == domain.StateInLesson {
				screen = l.Screen(sess.ScreenIndex)
			}
		}
	}

	text := strings.TrimSpace(candidate)
	if text == "" {
		return newResult([]Violation{{Kind: KindScope, Evidence: "empty response"}})
	}

	var violations []Violation
	if ev, ok := v.directAnswer(text, screen, profile); ok {
		violations = append(violations, Violation{Kind: KindDirectAnswer, Evidence: ev})
	}
	if ev, ok := v.characterBreakIn(text, profile); ok {
		violations = append(violations, Violation{Kind: KindCharacterBreak, Evidence: ev})
	}
	if ev, ok := firstMatch(v.safety, text); ok {
		violations = append(violations, Violation{Kind: KindSafety, Evidence: ev})
	}
	if ev, ok := v.offScope(text, lesson, screen, learnerMessage); ok {
		violations = append(violations, Violation{Kind: KindScope, Evidence: ev})
	}
	return newResult(violations)
}

func (v *Validator) directAnswer(text string, screen *domain.Screen, profile *domain.InstructorProfile) (string, bool) {
	if screen == nil {
		return "", false
	}
	for _, ans := range screen.Answers() {
		if strings.TrimSpace(ans) == "" {
			continue
		}
		loc := answerPattern(ans).FindStringIndex(text)
		if loc == nil {
			continue
		}
		if revealMarker.MatchString(text) || !v.hasGuidingFraming(text, profile) {
			return excerpt(text, loc[0], loc[1]), true
		}
	}
	return "", false
}

// hasGuidingFraming reports whether text hands the work back to the learner:
// it ends in a question, or a sentence opens with a guiding phrase or one of
// the profile's question stems.
func (v *Validator) hasGuidingFraming(text string, profile *domain.InstructorProfile) bool {
	if strings.HasSuffix(strings.TrimRight(text, " \t\n\"')\u201d"), "?") {
		return true
	}
	openers := slices.Clone(v.guiding)
	if profile != nil {
		for _, qp := range profile.QuestionPatterns {
			stem := strings.ToLower(strings.TrimSpace(strings.Split(qp, "...")[0]))
			if stem = strings.TrimRight(stem, "?"); stem != "" {
				openers = append(openers, stem)
			}
		}
	}
	for _, sentence := range sentenceEnd.Split(strings.ToLower(text), -1) {
		sentence = strings.TrimLeft(sentence, " \t\n\"'(\u201c")
		for _, p := range openers {
			if strings.HasPrefix(sentence, p) && boundaryAfter(sentence, len(p)) {
				return true
			}
		}
	}
	return false
}

func (v *Validator) characterBreakIn(text string, profile *domain.InstructorProfile) (string, bool) {
	if ev, ok := firstMatch(v.characterBreak, text); ok {
		return ev, true
	}
	if profile == nil {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, phrase := range profile.ForbiddenPhrases {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" {
			continue
		}
		if i := strings.Index(lower, p); i >= 0 {
			return excerpt(text, i, i+len(p)), true
		}
	}
	return "", false
}

func (v *Validator) offScope(text string, lesson *domain.Lesson, screen *domain.Screen, learnerMessage string) (string, bool) {
	words := tokenize(text)
	if len(words) < v.scopeMinWords {
		return "", false
	}
	vocab := make(map[string]bool)
	add := func(s string) {
		for _, w := range tokenize(s) {
			vocab[w] = true
		}
	}
	if lesson != nil {
		add(lesson.Title)
		add(lesson.Objective)
		for _, k := range lesson.Keywords {
			add(k)
		}
	}
	if screen != nil {
		add(screen.Prompt)
		for _, k := range screen.Keywords {
			add(k)
		}
		for _, c := range screen.Concepts {
			add(c)
		}
	}
	add(learnerMessage)
	if len(vocab) == 0 {
		return "", false
	}
	for _, w := range words {
		if vocab[w] {
			return "", false
		}
	}
	return excerpt(text, 0, len(text)), true
}

func firstMatch(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, re := range patterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return excerpt(text, loc[0], loc[1]), true
		}
	}
	return "", false
}
