// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// Repository is the persistence port for sessions, learner context and turn
// audit records. Lookups of absent records return nil, nil. Failures wrap
// domain.ErrStorage; optimistic lock failures wrap domain.ErrVersionConflict.
type Repository interface {
	// CreateSession inserts a new session and sets its Version to 1.
	CreateSession(ctx context.Context, s *domain.Session) error

	// LoadSession retrieves a session by id.
	LoadSession(ctx context.Context, id string) (*domain.Session, error)

	// SaveSession writes a session if its Version still matches the stored
	// one, then increments Version.
	SaveSession(ctx context.Context, s *domain.Session) error

	// EnsureLearner returns the learner context, creating an empty one first
	// if none exists.
	EnsureLearner(ctx context.Context, learnerID string) (*domain.LearnerContext, error)

	// LoadLearnerContext retrieves a learner context by learner id.
	LoadLearnerContext(ctx context.Context, learnerID string) (*domain.LearnerContext, error)

	// SaveLearnerContext writes a learner context under the same optimistic
	// rule as SaveSession. Version 0 means the record must not exist yet.
	SaveLearnerContext(ctx context.Context, lc *domain.LearnerContext) error

	// CommitTurn writes a session and its learner context in one transaction.
	// Either both are stored and both versions advance, or neither is.
	CommitTurn(ctx context.Context, s *domain.Session, lc *domain.LearnerContext) error

	// AppendTurnRecord stores an audit record and sets its ID.
	AppendTurnRecord(ctx context.Context, r *domain.TurnRecord) error

	// ListTurnRecords returns the newest limit records of a session, oldest first.
	ListTurnRecords(ctx context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error)

	// PruneTurnRecords deletes records created before cutoff.
	PruneTurnRecords(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
