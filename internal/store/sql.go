package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/shared"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect selects the SQL engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultTurnRecordLimit = 100

// SQLStore implements Repository on SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	retry   shared.RetryConfig
	// writeMu serializes SQLite writers to avoid SQLITE_BUSY.
	writeMu sync.Mutex
}

var _ Repository = (*SQLStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(db, DialectSQLite)
}

// NewPostgres creates a new Postgres-backed repository.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(db, DialectPostgres)
}

func open(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, retry: shared.DefaultRetryConfig}, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	sub, err := fs.Sub(migrationsFS, path.Join("migrations", string(dialect)))
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	gooseDialect := goose.DialectSQLite3
	if dialect == DialectPostgres {
		gooseDialect = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(gooseDialect, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("applied migration", "dialect", dialect, "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) lockWrites() func() {
	if s.dialect != DialectSQLite {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

func storageErr(op string, err error) error {
	if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, learner_id, lesson_id, profile_id, state, screen_index,
	total_screens, assessment_turns, version, created_at, updated_at`

// CreateSession inserts a new session.
func (s *SQLStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	query := s.rebind(`INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	unlock := s.lockWrites()
	defer unlock()
	err := shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.LearnerID, sess.LessonID, sess.ProfileID, string(sess.State),
			sess.ScreenIndex, sess.TotalScreens, sess.AssessmentTurns, 1,
			sess.CreatedAt.UnixMilli(), now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return storageErr("create session", err)
	}
	sess.Version = 1
	sess.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

// LoadSession retrieves a session by id.
func (s *SQLStore) LoadSession(ctx context.Context, id string) (*domain.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)

	var sess domain.Session
	var state string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.LearnerID, &sess.LessonID, &sess.ProfileID, &state, &sess.ScreenIndex,
		&sess.TotalScreens, &sess.AssessmentTurns, &sess.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan session row", err)
	}
	sess.State = domain.State(state)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

func (s *SQLStore) updateSession(ctx context.Context, q querier, sess *domain.Session, now time.Time) error {
	query := s.rebind(`
		UPDATE sessions SET
			learner_id = ?, lesson_id = ?, profile_id = ?, state = ?, screen_index = ?,
			total_screens = ?, assessment_turns = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`)

	result, err := q.ExecContext(ctx, query,
		sess.LearnerID, sess.LessonID, sess.ProfileID, string(sess.State), sess.ScreenIndex,
		sess.TotalScreens, sess.AssessmentTurns, now.UnixMilli(),
		sess.ID, sess.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: session %s at version %d", domain.ErrVersionConflict, sess.ID, sess.Version)
	}
	return nil
}

// SaveSession writes a session under optimistic locking.
func (s *SQLStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now()
	unlock := s.lockWrites()
	defer unlock()
	err := shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		return s.updateSession(ctx, s.db, sess, now)
	})
	if err != nil {
		return storageErr("save session", err)
	}
	sess.Version++
	sess.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

// EnsureLearner returns the learner context, creating it if needed.
func (s *SQLStore) EnsureLearner(ctx context.Context, learnerID string) (*domain.LearnerContext, error) {
	data, err := json.Marshal(domain.NewLearnerContext(learnerID))
	if err != nil {
		return nil, fmt.Errorf("marshal learner context: %w", err)
	}
	now := time.Now().UnixMilli()
	query := s.rebind(`
		INSERT INTO learner_contexts (learner_id, context_json, version, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (learner_id) DO NOTHING`)

	unlock := s.lockWrites()
	err = shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, learnerID, string(data), now, now)
		return err
	})
	unlock()
	if err != nil {
		return nil, storageErr("ensure learner", err)
	}

	lc, err := s.LoadLearnerContext(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	if lc == nil {
		return nil, storageErr("ensure learner", fmt.Errorf("learner %s missing after insert", learnerID))
	}
	return lc, nil
}

// LoadLearnerContext retrieves a learner context by learner id.
func (s *SQLStore) LoadLearnerContext(ctx context.Context, learnerID string) (*domain.LearnerContext, error) {
	query := s.rebind(`SELECT context_json, version, updated_at FROM learner_contexts WHERE learner_id = ?`)

	var data string
	var version, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, learnerID).Scan(&data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan learner context", err)
	}

	lc := domain.NewLearnerContext(learnerID)
	if err := json.Unmarshal([]byte(data), lc); err != nil {
		return nil, storageErr("decode learner context", err)
	}
	if lc.Concepts == nil {
		lc.Concepts = make(map[string]domain.Mastery)
	}
	if lc.Misconceptions == nil {
		lc.Misconceptions = make(map[string]domain.Misconception)
	}
	lc.LearnerID = learnerID
	lc.Version = version
	lc.UpdatedAt = time.UnixMilli(updatedAt)
	return lc, nil
}

func (s *SQLStore) writeLearner(ctx context.Context, q querier, lc *domain.LearnerContext, now time.Time) error {
	data, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("marshal learner context: %w", err)
	}

	var result sql.Result
	if lc.Version == 0 {
		result, err = q.ExecContext(ctx, s.rebind(`
			INSERT INTO learner_contexts (learner_id, context_json, version, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (learner_id) DO NOTHING`),
			lc.LearnerID, string(data), now.UnixMilli(), now.UnixMilli())
	} else {
		result, err = q.ExecContext(ctx, s.rebind(`
			UPDATE learner_contexts SET context_json = ?, version = version + 1, updated_at = ?
			WHERE learner_id = ? AND version = ?`),
			string(data), now.UnixMilli(), lc.LearnerID, lc.Version)
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: learner %s at version %d", domain.ErrVersionConflict, lc.LearnerID, lc.Version)
	}
	return nil
}

// SaveLearnerContext writes a learner context under optimistic locking.
func (s *SQLStore) SaveLearnerContext(ctx context.Context, lc *domain.LearnerContext) error {
	now := time.Now()
	unlock := s.lockWrites()
	defer unlock()
	err := shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		return s.writeLearner(ctx, s.db, lc, now)
	})
	if err != nil {
		return storageErr("save learner context", err)
	}
	lc.Version++
	lc.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

// CommitTurn writes session and learner context atomically.
func (s *SQLStore) CommitTurn(ctx context.Context, sess *domain.Session, lc *domain.LearnerContext) error {
	now := time.Now()
	unlock := s.lockWrites()
	defer unlock()
	err := shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.updateSession(ctx, tx, sess, now); err != nil {
			return err
		}
		if err := s.writeLearner(ctx, tx, lc, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return storageErr("commit turn", err)
	}
	stamp := time.UnixMilli(now.UnixMilli())
	sess.Version++
	sess.UpdatedAt = stamp
	lc.Version++
	lc.UpdatedAt = stamp
	return nil
}

const turnRecordColumns = `session_id, learner_id, screen_id, attempts, action, violations,
	fallback, fallback_reason, committed, duration_ms, created_at`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendTurnRecord stores an audit record.
func (s *SQLStore) AppendTurnRecord(ctx context.Context, r *domain.TurnRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	violations, err := json.Marshal(r.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}
	query := s.rebind(`INSERT INTO turn_records (` + turnRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	unlock := s.lockWrites()
	defer unlock()
	err = shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query,
			r.SessionID, r.LearnerID, r.ScreenID, r.Attempts, r.Action, string(violations),
			boolToInt(r.Fallback), r.FallbackReason, boolToInt(r.Committed), r.DurationMs,
			r.CreatedAt.UnixMilli(),
		).Scan(&r.ID)
	})
	if err != nil {
		return storageErr("append turn record", err)
	}
	return nil
}

// ListTurnRecords returns the newest limit records of a session, oldest first.
func (s *SQLStore) ListTurnRecords(ctx context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error) {
	if limit <= 0 {
		limit = defaultTurnRecordLimit
	}
	query := s.rebind(`SELECT id, ` + turnRecordColumns + ` FROM turn_records
		WHERE session_id = ? ORDER BY id DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, storageErr("query turn records", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn record rows", "error", closeErr)
		}
	}()

	var out []*domain.TurnRecord
	for rows.Next() {
		var r domain.TurnRecord
		var violations string
		var fallback, committed int
		var createdAt int64
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.LearnerID, &r.ScreenID, &r.Attempts, &r.Action, &violations,
			&fallback, &r.FallbackReason, &committed, &r.DurationMs, &createdAt,
		); err != nil {
			return nil, storageErr("scan turn record", err)
		}
		if err := json.Unmarshal([]byte(violations), &r.Violations); err != nil {
			return nil, storageErr("decode violations", err)
		}
		r.Fallback = fallback != 0
		r.Committed = committed != 0
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate turn records", err)
	}
	slices.Reverse(out)
	return out, nil
}

// PruneTurnRecords deletes records created before cutoff.
func (s *SQLStore) PruneTurnRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM turn_records WHERE created_at < ?`)

	unlock := s.lockWrites()
	defer unlock()
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("prune turn records", err)
	}
	return deleted, nil
}
