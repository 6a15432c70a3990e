package domain

// Screen is one discrete unit of lesson content.
type Screen struct {
	// ID is optional. When set it must encode the screen's 1-based position.
	ID              string            `json:"id,omitempty" yaml:"id"`
	Title           string            `json:"title" yaml:"title"`
	Prompt          string            `json:"prompt" yaml:"prompt"`
	Answer          string            `json:"answer" yaml:"answer"`
	AcceptedAnswers []string          `json:"accepted_answers,omitempty" yaml:"accepted_answers"`
	Concepts        []string          `json:"concepts" yaml:"concepts"`
	Keywords        []string          `json:"keywords,omitempty" yaml:"keywords"`
	Misconceptions  map[string]string `json:"misconceptions,omitempty" yaml:"misconceptions"`
}

// Answers returns the canonical answer followed by accepted alternatives.
func (s *Screen) Answers() []string {
	out := make([]string, 0, 1+len(s.AcceptedAnswers))
	if s.Answer != "" {
		out = append(out, s.Answer)
	}
	return append(out, s.AcceptedAnswers...)
}

// Lesson is an ordered sequence of screens with a single learning objective.
type Lesson struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title" yaml:"title"`
	Objective string   `json:"objective" yaml:"objective"`
	Keywords  []string `json:"keywords,omitempty" yaml:"keywords"`
	// Assessment prompts are asked while the session is ASSESSING_LEVEL.
	Assessment []string `json:"assessment,omitempty" yaml:"assessment"`
	Screens    []Screen `json:"screens" yaml:"screens"`
}

// Screen returns the 1-based screen, or nil when out of range.
func (l *Lesson) Screen(index int) *Screen {
	if index < 1 || index > len(l.Screens) {
		return nil
	}
	return &l.Screens[index-1]
}

// GuidanceLevel controls how much scaffolding the instructor offers.
type GuidanceLevel string

const (
	GuidanceLow    GuidanceLevel = "low"
	GuidanceMedium GuidanceLevel = "medium"
	GuidanceHigh   GuidanceLevel = "high"
)

// InstructorProfile describes teaching style. Immutable for a session.
type InstructorProfile struct {
	ID               string        `json:"id" yaml:"id"`
	Name             string        `json:"name" yaml:"name"`
	Persona          string        `json:"persona" yaml:"persona"`
	QuestionPatterns []string      `json:"question_patterns" yaml:"question_patterns"`
	CorrectionStyle  string        `json:"correction_style" yaml:"correction_style"`
	GuidanceLevel    GuidanceLevel `json:"guidance_level" yaml:"guidance_level"`
	ForbiddenPhrases []string      `json:"forbidden_phrases,omitempty" yaml:"forbidden_phrases"`
}
