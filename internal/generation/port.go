// Package generation defines the language-model port and its adapters.
//
// Every adapter returns complete text from Generate and a finite chunk
// sequence from GenerateStream. A well-formed stream ends with a chunk whose
// Done flag is set; a stream that stops without it is a failed generation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// Params are per-request generation parameters.
type Params struct {
	MaxTokens int `json:"max_tokens"`
	// Temperature is nil to leave the provider default. Zero is sent as zero.
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream"`
}

// Temperature returns v as a Params temperature.
func Temperature(v float64) *float64 { return &v }

// Request is a fully assembled prompt.
type Request struct {
	System string `json:"system"`
	User   string `json:"user"`
	Params Params `json:"params"`
}

// Response is a complete generation.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Chunk is one increment of a streamed generation.
type Chunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// Port executes prompts against a model.
type Port interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
	GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}

// Error classification for adapters.
var (
	errStreamIncomplete = errors.New("stream ended without completion marker")
	errStreamTooLarge   = errors.New("stream exceeded size limit")
	errEmptyResponse    = errors.New("empty response")
)

// Classify maps an adapter failure onto the error taxonomy. Caller
// cancellation is returned as the context error; deadline expiry becomes
// domain.ErrGenerationTimeout; everything else is
// domain.ErrGenerationUnavailable.
func Classify(ctx context.Context, backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrGenerationTimeout) || errors.Is(err, domain.ErrGenerationUnavailable) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", domain.ErrGenerationTimeout, backend, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrGenerationUnavailable, backend, err)
}

// Collect drains a stream into its full text. onDelta, when set, sees every
// non-empty delta as it arrives. Streams larger than maxBytes (when positive)
// or ending without a Done chunk fail with domain.ErrGenerationUnavailable.
func Collect(ctx context.Context, backend string, seq iter.Seq2[Chunk, error], maxBytes int, onDelta func(string)) (string, error) {
	var buf strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return "", Classify(ctx, backend, err)
		}
		if chunk.Delta != "" {
			if maxBytes > 0 && buf.Len()+len(chunk.Delta) > maxBytes {
				return "", Classify(ctx, backend, fmt.Errorf("%w: %d bytes", errStreamTooLarge, maxBytes))
			}
			buf.WriteString(chunk.Delta)
			if onDelta != nil {
				onDelta(chunk.Delta)
			}
		}
		if chunk.Done {
			return buf.String(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", Classify(ctx, backend, err)
	}
	return "", Classify(ctx, backend, errStreamIncomplete)
}

// single turns a complete response into a one-chunk stream.
func single(resp *Response, err error) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		if !yield(Chunk{Delta: resp.Text}, nil) {
			return
		}
		yield(Chunk{Done: true}, nil)
	}
}
