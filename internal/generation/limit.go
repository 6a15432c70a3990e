package generation

import (
	"context"
	"iter"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of concurrent generations across all sessions.
type Limited struct {
	next Port
	sem  *semaphore.Weighted
}

// NewLimited wraps next so at most n generations run at once. n <= 0 returns
// next unchanged.
func NewLimited(next Port, n int) Port {
	if n <= 0 {
		return next
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(int64(n))}
}

// Name implements Port.
func (l *Limited) Name() string { return l.next.Name() }

// Generate implements Port. Waiting for a slot honours ctx.
func (l *Limited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, Classify(ctx, l.Name(), err)
	}
	defer l.sem.Release(1)
	return l.next.Generate(ctx, req)
}

// GenerateStream implements Port. The slot is held until the consumer stops.
func (l *Limited) GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			yield(Chunk{}, Classify(ctx, l.Name(), err))
			return
		}
		defer l.sem.Release(1)
		for chunk, err := range l.next.GenerateStream(ctx, req) {
			if !yield(chunk, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}
