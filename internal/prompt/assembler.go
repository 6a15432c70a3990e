// Package prompt builds the layered generation prompt for one tutoring turn.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/templates"
)

// LayerKind identifies a prompt layer. Layers always appear in Order.
type LayerKind string

const (
	LayerIdentity LayerKind = "identity"
	LayerRules    LayerKind = "rules"
	LayerContext  LayerKind = "context"
	LayerFallback LayerKind = "fallback"
	LayerReminder LayerKind = "reminder"
	LayerTurn     LayerKind = "turn"
)

// Order is the fixed layer order.
var Order = []LayerKind{LayerIdentity, LayerRules, LayerContext, LayerFallback, LayerReminder, LayerTurn}

// Layer is one rendered section of the prompt.
type Layer struct {
	Kind    LayerKind `json:"kind"`
	Content string    `json:"content"`
}

// ReminderKind selects the retry augmentation.
type ReminderKind string

const (
	// ReminderScope nudges the model back to the lesson after a RETRY verdict.
	ReminderScope ReminderKind = "scope"
	// ReminderStrict restates the rules after a REGENERATE verdict.
	ReminderStrict ReminderKind = "strict"
)

// Reminder is an extra instruction added on a retry attempt.
type Reminder struct {
	Kind       ReminderKind
	Violations []string
}

// Turn is the learner input for the turn being assembled.
type Turn struct {
	Message   string
	Attempt   int
	Reminders []Reminder
}

// Prompt is the assembled, ordered set of layers.
type Prompt struct {
	Layers []Layer `json:"layers"`
	// Tokens is the estimated size of Text.
	Tokens int `json:"tokens"`
	// DroppedSummaries counts prior-session summaries cut to fit the budget.
	DroppedSummaries int `json:"dropped_summaries"`
}

// System joins every layer except the turn layer.
func (p *Prompt) System() string {
	parts := make([]string, 0, len(p.Layers))
	for _, l := range p.Layers {
		if l.Kind != LayerTurn {
			parts = append(parts, l.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// User returns the turn layer.
func (p *Prompt) User() string {
	for _, l := range p.Layers {
		if l.Kind == LayerTurn {
			return l.Content
		}
	}
	return ""
}

// Text is the full prompt as a single string.
func (p *Prompt) Text() string {
	parts := make([]string, len(p.Layers))
	for i, l := range p.Layers {
		parts[i] = l.Content
	}
	return strings.Join(parts, "\n\n")
}

// Layer returns the content of a layer kind.
func (p *Prompt) Layer(kind LayerKind) (string, bool) {
	for _, l := range p.Layers {
		if l.Kind == kind {
			return l.Content, true
		}
	}
	return "", false
}

// Estimator returns the token estimate of a text.
type Estimator func(string) int

// EstimateTokens is the default estimator: one token per four bytes, rounded up.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Assembler renders prompts from a template set.
type Assembler struct {
	set      *templates.Set
	budget   int
	estimate Estimator
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTokenBudget bounds the estimated prompt size. Zero disables the bound.
func WithTokenBudget(tokens int) Option {
	return func(a *Assembler) { a.budget = tokens }
}

// WithEstimator overrides the token estimator.
func WithEstimator(fn Estimator) Option {
	return func(a *Assembler) {
		if fn != nil {
			a.estimate = fn
		}
	}
}

// NewAssembler creates an Assembler over set.
func NewAssembler(set *templates.Set, opts ...Option) *Assembler {
	a := &Assembler{set: set, estimate: EstimateTokens}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type layerData struct {
	Profile    *domain.InstructorProfile
	Lesson     *domain.Lesson
	Screen     *domain.Screen
	Session    *domain.Session
	Violations []string
}

// Assemble builds the prompt for a turn. It reads its inputs only and returns
// byte-identical output for identical inputs. Missing templates, lessons or
// screens fail with domain.ErrTemplateMissing; a prompt that still exceeds the
// budget after dropping every prior-session summary fails with
// domain.ErrContextTooLarge.
func (a *Assembler) Assemble(sess *domain.Session, learner *domain.LearnerContext, profile *domain.InstructorProfile, turn Turn) (*Prompt, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: no instructor profile for session %s", domain.ErrTemplateMissing, sess.ID)
	}
	lesson, err := a.set.Lesson(sess.LessonID)
	if err != nil {
		return nil, err
	}
	var screen *domain.Screen
	if sess.State == domain.StateInLesson {
		if screen = lesson.Screen(sess.ScreenIndex); screen == nil {
			return nil, fmt.Errorf("%w: lesson %s has no %s", domain.ErrTemplateMissing, lesson.ID, sess.CurrentScreen())
		}
	}
	data := layerData{Profile: profile, Lesson: lesson, Screen: screen, Session: sess}

	identity, err := a.render(templates.LayerIdentity, data)
	if err != nil {
		return nil, err
	}
	rules, err := a.render(templates.LayerRules, data)
	if err != nil {
		return nil, err
	}
	usage, err := a.render(templates.LayerContextUsage, data)
	if err != nil {
		return nil, err
	}
	fallback, err := a.render(templates.LayerFallback, data)
	if err != nil {
		return nil, err
	}
	reminder, err := a.renderReminders(turn.Reminders, data)
	if err != nil {
		return nil, err
	}
	turnText := renderTurn(turn)

	summaries := 0
	if learner != nil {
		summaries = len(learner.Summaries)
	}
	for drop := 0; drop <= summaries; drop++ {
		var b strings.Builder
		b.WriteString(usage)
		b.WriteString("\n\n")
		writeSession(&b, sess, lesson, screen)
		writeLearner(&b, learner, drop)

		p := &Prompt{DroppedSummaries: drop}
		p.Layers = append(p.Layers,
			Layer{Kind: LayerIdentity, Content: identity},
			Layer{Kind: LayerRules, Content: rules},
			Layer{Kind: LayerContext, Content: strings.TrimRight(b.String(), "\n")},
			Layer{Kind: LayerFallback, Content: fallback},
		)
		if reminder != "" {
			p.Layers = append(p.Layers, Layer{Kind: LayerReminder, Content: reminder})
		}
		p.Layers = append(p.Layers, Layer{Kind: LayerTurn, Content: turnText})

		p.Tokens = a.estimate(p.Text())
		if a.budget <= 0 || p.Tokens <= a.budget {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: prompt exceeds %d tokens with no summaries left to drop", domain.ErrContextTooLarge, a.budget)
}

func (a *Assembler) render(l templates.Layer, data layerData) (string, error) {
	tmpl, ok := a.set.Layer(l)
	if !ok {
		return "", fmt.Errorf("%w: layer %s", domain.ErrTemplateMissing, l)
	}
	return execute(tmpl, data)
}

func execute(tmpl *template.Template, data layerData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

const (
	defaultScopeReminder  = "Reminder: keep the reply about the current lesson and problem, and end with a guiding question."
	defaultStrictReminder = "Strict instruction: your previous draft was rejected. Do not reveal the answer, stay in character, and end with a guiding question."
)

func (a *Assembler) renderReminders(reminders []Reminder, data layerData) (string, error) {
	parts := make([]string, 0, len(reminders))
	for _, r := range reminders {
		layer, fallback := templates.LayerScopeReminder, defaultScopeReminder
		if r.Kind == ReminderStrict {
			layer, fallback = templates.LayerStrictReminder, defaultStrictReminder
		}
		tmpl, ok := a.set.Layer(layer)
		if !ok {
			parts = append(parts, fallback)
			continue
		}
		d := data
		d.Violations = r.Violations
		text, err := execute(tmpl, d)
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n"), nil
}

func renderTurn(turn Turn) string {
	msg := strings.TrimSpace(turn.Message)
	if msg == "" {
		msg = "(no message)"
	}
	return "Learner: " + msg
}
