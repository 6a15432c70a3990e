package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// Memory is an in-process Repository used by tests and the ephemeral
// "memory" storage driver. It stores clones, never caller pointers.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	learners map[string]*domain.LearnerContext
	records  []*domain.TurnRecord
	nextID   int64

	// FailCommit, when set, is returned by CommitTurn without writing.
	FailCommit error
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*domain.Session),
		learners: make(map[string]*domain.LearnerContext),
	}
}

func (m *Memory) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", domain.ErrStorage, s.ID)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone(), nil
}

func (m *Memory) checkSession(s *domain.Session) error {
	cur, ok := m.sessions[s.ID]
	if !ok || cur.Version != s.Version {
		return fmt.Errorf("%w: session %s at version %d", domain.ErrVersionConflict, s.ID, s.Version)
	}
	return nil
}

func (m *Memory) checkLearner(lc *domain.LearnerContext) error {
	cur, ok := m.learners[lc.LearnerID]
	switch {
	case lc.Version == 0 && !ok:
		return nil
	case ok && cur.Version == lc.Version:
		return nil
	}
	return fmt.Errorf("%w: learner %s at version %d", domain.ErrVersionConflict, lc.LearnerID, lc.Version)
}

func (m *Memory) SaveSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkSession(s); err != nil {
		return err
	}
	s.Version++
	s.UpdatedAt = time.Now()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) EnsureLearner(_ context.Context, learnerID string) (*domain.LearnerContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lc, ok := m.learners[learnerID]
	if !ok {
		lc = domain.NewLearnerContext(learnerID)
		lc.Version = 1
		lc.UpdatedAt = time.Now()
		m.learners[learnerID] = lc
	}
	return lc.Clone(), nil
}

func (m *Memory) LoadLearnerContext(_ context.Context, learnerID string) (*domain.LearnerContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.learners[learnerID].Clone(), nil
}

func (m *Memory) SaveLearnerContext(_ context.Context, lc *domain.LearnerContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLearner(lc); err != nil {
		return err
	}
	lc.Version++
	lc.UpdatedAt = time.Now()
	m.learners[lc.LearnerID] = lc.Clone()
	return nil
}

func (m *Memory) CommitTurn(_ context.Context, s *domain.Session, lc *domain.LearnerContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCommit != nil {
		return m.FailCommit
	}
	if err := m.checkSession(s); err != nil {
		return err
	}
	if err := m.checkLearner(lc); err != nil {
		return err
	}
	now := time.Now()
	s.Version++
	s.UpdatedAt = now
	lc.Version++
	lc.UpdatedAt = now
	m.sessions[s.ID] = s.Clone()
	m.learners[lc.LearnerID] = lc.Clone()
	return nil
}

func (m *Memory) AppendTurnRecord(_ context.Context, r *domain.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	r.ID = m.nextID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	c := *r
	c.Violations = slices.Clone(r.Violations)
	m.records = append(m.records, &c)
	return nil
}

func (m *Memory) ListTurnRecords(_ context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = defaultTurnRecordLimit
	}
	var out []*domain.TurnRecord
	for _, r := range m.records {
		if r.SessionID != sessionID {
			continue
		}
		c := *r
		c.Violations = slices.Clone(r.Violations)
		out = append(out, &c)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) PruneTurnRecords(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.records)
	m.records = slices.DeleteFunc(m.records, func(r *domain.TurnRecord) bool {
		return r.CreatedAt.Before(cutoff)
	})
	return int64(before - len(m.records)), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
