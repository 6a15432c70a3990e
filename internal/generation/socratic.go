package generation

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Socratic is a local deterministic backend for development and tests. It
// never states answers: it reflects the learner's message back and asks a
// guiding question about the active problem.
type Socratic struct{}

// NewSocratic returns the local backend.
func NewSocratic() *Socratic { return &Socratic{} }

// Name implements Port.
func (s *Socratic) Name() string { return "socratic" }

// Generate implements Port.
func (s *Socratic) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(ctx, s.Name(), err)
	}
	return &Response{Text: s.reply(req), Model: s.Name()}, nil
}

// GenerateStream implements Port. The reply is streamed word by word.
func (s *Socratic) GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		words := strings.SplitAfter(s.reply(req), " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, Classify(ctx, s.Name(), err))
				return
			}
			if !yield(Chunk{Delta: w}, nil) {
				return
			}
		}
		yield(Chunk{Done: true}, nil)
	}
}

func (s *Socratic) reply(req Request) string {
	problem := field(req.System, "Current problem:")
	placement := field(req.System, "Placement question:")
	msg := strings.TrimSpace(strings.TrimPrefix(req.User, "Learner:"))
	if msg == "(no message)" {
		msg = ""
	}

	var b strings.Builder
	if msg != "" {
		fmt.Fprintf(&b, "You said %q. ", msg)
	}
	switch {
	case problem != "":
		fmt.Fprintf(&b, "Let's look at the problem together: %s How did you get there, and how could you check it?", problem)
	case placement != "":
		fmt.Fprintf(&b, "Before we begin: %s", placement)
	default:
		b.WriteString("What would you like to explore next?")
	}
	return b.String()
}

func field(text, label string) string {
	for _, line := range strings.Split(text, "\n") {
		if v, ok := strings.CutPrefix(line, label); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
