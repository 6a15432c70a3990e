// Package tutor coordinates one learner turn end to end: load, check the
// lifecycle, assemble, generate, validate, and commit or fall back.
package tutor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/evidence"
	"github.com/ashureev/shsh-tutor/internal/generation"
	"github.com/ashureev/shsh-tutor/internal/prompt"
	"github.com/ashureev/shsh-tutor/internal/session"
	"github.com/ashureev/shsh-tutor/internal/store"
	"github.com/ashureev/shsh-tutor/internal/templates"
	"github.com/ashureev/shsh-tutor/internal/transcript"
	"github.com/ashureev/shsh-tutor/internal/validate"
	"github.com/google/uuid"
)

// ErrInvalidInput reports a malformed request to the orchestrator.
var ErrInvalidInput = errors.New("invalid input")

// Fallback reasons. Each maps to a pre-authored message in the template set.
const (
	ReasonSafety                = "safety"
	ReasonGenerationTimeout     = "generation_timeout"
	ReasonGenerationUnavailable = "generation_unavailable"
	ReasonRetriesExhausted      = "retries_exhausted"
)

const recordWriteTimeout = 5 * time.Second

// Config holds turn limits and generation parameters.
type Config struct {
	// MaxRetries bounds RETRY/REGENERATE re-attempts after the first attempt.
	MaxRetries int
	// TurnTimeout bounds a whole HandleTurn call across all attempts.
	TurnTimeout time.Duration
	// AttemptTimeout bounds a single generation call. An attempt that times
	// out is retried once while the turn ceiling allows it.
	AttemptTimeout time.Duration
	// MaxStreamBytes bounds a streamed generation.
	MaxStreamBytes int
	// TokenBudget is the prompt budget in estimated tokens.
	TokenBudget int
	Params      generation.Params

	AssessmentEnabled bool
	// AssessmentTurns is how many placement turns the default evaluator asks.
	AssessmentTurns int

	DefaultLesson  string
	DefaultProfile string

	// MaxSummaries caps the prior-session summaries kept per learner.
	MaxSummaries int
}

// DefaultConfig returns the default turn limits.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		TurnTimeout:       60 * time.Second,
		AttemptTimeout:    30 * time.Second,
		MaxStreamBytes:    64 << 10,
		TokenBudget:       6000,
		Params:            generation.Params{MaxTokens: 512, Temperature: generation.Temperature(0.4)},
		AssessmentEnabled: true,
		AssessmentTurns:   2,
		MaxSummaries:      20,
	}
}

// Hooks let a caller observe an attempt while it is generated. Forwarded text
// is speculative: it has not been validated yet.
type Hooks struct {
	// OnDelta receives each streamed delta of an attempt.
	OnDelta func(attempt int, delta string)
	// OnDiscard is called when a forwarded attempt will not be released.
	OnDiscard func(attempt int, reason string)
}

// TurnInput is one learner turn.
type TurnInput struct {
	Message string
	// Stream consumes the backend incrementally. The response is still
	// validated in full before it is released.
	Stream bool
	// Channel labels the transport in the transcript.
	Channel string
	Hooks   *Hooks
}

// Result is the outcome of a turn. Response is either validated model output
// or a designed fallback message, never raw model output that failed checks.
type Result struct {
	SessionID      string          `json:"session_id"`
	Response       string          `json:"response"`
	State          domain.State    `json:"state"`
	ScreenID       string          `json:"screen_id,omitempty"`
	Attempts       int             `json:"attempts"`
	Action         validate.Action `json:"action"`
	Violations     []string        `json:"violations,omitempty"`
	Fallback       bool            `json:"fallback"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	Committed      bool            `json:"committed"`
	Advanced       bool            `json:"advanced"`
	Completed      bool            `json:"completed"`
	Session        *domain.Session `json:"session"`
	Deltas         *domain.Deltas  `json:"deltas,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvaluator replaces the default evidence evaluator.
func WithEvaluator(e evidence.Evaluator) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.evaluator = e
		}
	}
}

// WithTranscript sets the transcript sink.
func WithTranscript(t transcript.Logger) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.transcript = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator is the single entry point for learner turns. It is safe for
// concurrent use; turns for the same session are serialized by a fail-fast
// gate.
type Orchestrator struct {
	cfg        Config
	repo       store.Repository
	set        *templates.Set
	port       generation.Port
	assembler  *prompt.Assembler
	validator  *validate.Validator
	evaluator  evidence.Evaluator
	transcript transcript.Logger
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	busy map[string]struct{}
}

// New wires an Orchestrator.
func New(cfg Config, repo store.Repository, set *templates.Set, port generation.Port, opts ...Option) (*Orchestrator, error) {
	if repo == nil || set == nil || port == nil {
		return nil, fmt.Errorf("%w: repository, template set and generation port are required", ErrInvalidInput)
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = def.TurnTimeout
	}
	if cfg.MaxSummaries <= 0 {
		cfg.MaxSummaries = def.MaxSummaries
	}

	v, err := validate.New(set)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		repo:       repo,
		set:        set,
		port:       port,
		assembler:  prompt.NewAssembler(set, prompt.WithTokenBudget(cfg.TokenBudget)),
		validator:  v,
		evaluator:  evidence.NewKeywordEvaluator(cfg.AssessmentTurns),
		transcript: transcript.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
		busy:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Backend names the generation port.
func (o *Orchestrator) Backend() string { return o.port.Name() }

// Templates returns the shared template set.
func (o *Orchestrator) Templates() *templates.Set { return o.set }

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.busy[sessionID]; ok {
		return false
	}
	o.busy[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.busy, sessionID)
	o.mu.Unlock()
}

// CreateInput selects what a new session teaches.
type CreateInput struct {
	LearnerID string `json:"learner_id"`
	LessonID  string `json:"lesson_id"`
	ProfileID string `json:"profile_id"`
	// Assessment overrides the configured placement setting when set.
	Assessment *bool `json:"assessment,omitempty"`
}

// CreateSession starts a new session for a learner. Placement runs first when
// enabled and the lesson has assessment prompts.
func (o *Orchestrator) CreateSession(ctx context.Context, in CreateInput) (*domain.Session, error) {
	if strings.TrimSpace(in.LearnerID) == "" {
		return nil, fmt.Errorf("%w: learner id is required", ErrInvalidInput)
	}
	lessonID := cmp.Or(in.LessonID, o.cfg.DefaultLesson, firstOf(o.set.LessonIDs()))
	profileID := cmp.Or(in.ProfileID, o.cfg.DefaultProfile, firstOf(o.set.ProfileIDs()))

	lesson, err := o.set.Lesson(lessonID)
	if err != nil {
		return nil, err
	}
	if _, err := o.set.Profile(profileID); err != nil {
		return nil, err
	}
	if _, err := o.repo.EnsureLearner(ctx, in.LearnerID); err != nil {
		return nil, err
	}

	withAssessment := o.cfg.AssessmentEnabled
	if in.Assessment != nil {
		withAssessment = *in.Assessment
	}
	withAssessment = withAssessment && len(lesson.Assessment) > 0

	sess := &domain.Session{
		ID:           uuid.NewString(),
		LearnerID:    in.LearnerID,
		LessonID:     lesson.ID,
		ProfileID:    profileID,
		State:        domain.StateIdle,
		TotalScreens: len(lesson.Screens),
	}
	snap, _, err := session.Apply(session.SnapshotOf(sess), session.Event{Kind: session.EventStart, WithAssessment: withAssessment})
	if err != nil {
		return nil, err
	}
	session.ApplyTo(sess, snap)
	sess.CreatedAt = o.now()

	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	o.logger.Info("Session created",
		"session_id", sess.ID,
		"learner_id", sess.LearnerID,
		"lesson_id", sess.LessonID,
		"profile_id", sess.ProfileID,
		"state", sess.State)
	o.transcript.Log(transcript.Event{
		LearnerID: sess.LearnerID,
		SessionID: sess.ID,
		Channel:   "api",
		Direction: "internal",
		EventType: "session_created",
		Meta: map[string]any{
			"lesson_id":  sess.LessonID,
			"profile_id": sess.ProfileID,
			"state":      sess.State,
		},
	})
	return sess, nil
}

// GetSession returns a session or domain.ErrSessionNotFound.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := o.repo.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return sess, nil
}

// GetLearnerContext returns the learner's context, or an empty one for a
// learner that has never been seen.
func (o *Orchestrator) GetLearnerContext(ctx context.Context, learnerID string) (*domain.LearnerContext, error) {
	lc, err := o.repo.LoadLearnerContext(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	if lc == nil {
		lc = domain.NewLearnerContext(learnerID)
	}
	return lc, nil
}

// TurnHistory returns the newest audit records of a session, oldest first.
func (o *Orchestrator) TurnHistory(ctx context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error) {
	if _, err := o.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.repo.ListTurnRecords(ctx, sessionID, limit)
}

// turn carries the state of one HandleTurn call.
type turn struct {
	in         TurnInput
	sess       *domain.Session
	learner    *domain.LearnerContext
	profile    *domain.InstructorProfile
	lesson     *domain.Lesson
	started    time.Time
	attempts   int
	violations []string
	forwarded  bool
}

func (t *turn) discard(attempt int, reason string) {
	if t.forwarded && t.in.Hooks != nil && t.in.Hooks.OnDiscard != nil {
		t.in.Hooks.OnDiscard(attempt, reason)
	}
	t.forwarded = false
}

// HandleTurn runs one learner turn. Only domain.ErrSessionNotFound,
// domain.ErrSessionBusy, domain.ErrInvalidTransition and caller cancellation
// are returned as errors; every other failure becomes a fallback Result.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID string, in TurnInput) (*Result, error) {
	if !o.acquire(sessionID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionBusy, sessionID)
	}
	defer o.release(sessionID)

	t := &turn{in: in, started: o.now()}

	sess, err := o.repo.LoadSession(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		return o.fallbackResult(sessionID, nil, domain.Kind(err), "", nil), nil
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if _, _, err := session.Apply(session.SnapshotOf(sess), session.Event{Kind: session.EventSubmitAnswer}); err != nil {
		return nil, err
	}
	t.sess = sess

	logger := o.logger.With("session_id", sess.ID, "learner_id", sess.LearnerID)
	o.logTranscript(t, "inbound", "learner_message", in.Message, nil)

	t.learner, err = o.repo.LoadLearnerContext(ctx, sess.LearnerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("Failed to load learner context", "error", err)
		return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, domain.Kind(err), "", nil)), nil
	}
	if t.learner == nil {
		t.learner = domain.NewLearnerContext(sess.LearnerID)
	}
	if t.profile, err = o.set.Profile(sess.ProfileID); err == nil {
		t.lesson, err = o.set.Lesson(sess.LessonID)
	}
	if err != nil {
		logger.Error("Failed to resolve session templates", "error", err)
		return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, domain.Kind(err), "", nil)), nil
	}

	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	var reminders []prompt.Reminder
	retries := 0
	timeoutRetried := false
	for {
		t.attempts++
		attempt := t.attempts

		p, err := o.assembler.Assemble(sess, t.learner, t.profile, prompt.Turn{Message: in.Message, Attempt: attempt, Reminders: reminders})
		if err != nil {
			logger.Error("Failed to assemble prompt", "attempt", attempt, "error", err)
			return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, domain.Kind(err), "", nil)), nil
		}

		text, err := o.generate(turnCtx, t, attempt, generation.Request{System: p.System(), User: p.User(), Params: o.params(in)})
		if err != nil {
			if ctx.Err() != nil {
				t.discard(attempt, "canceled")
				logger.Info("Turn canceled by caller", "attempt", attempt)
				return nil, ctx.Err()
			}
			t.discard(attempt, domain.Kind(err))
			if errors.Is(err, domain.ErrGenerationTimeout) {
				if turnCtx.Err() == nil && !timeoutRetried {
					timeoutRetried = true
					logger.Warn("Generation attempt timed out, retrying", "attempt", attempt, "error", err)
					continue
				}
				logger.Warn("Generation timed out", "attempt", attempt, "error", err)
				return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, ReasonGenerationTimeout, "", nil)), nil
			}
			logger.Warn("Generation unavailable", "attempt", attempt, "backend", o.port.Name(), "error", err)
			return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, ReasonGenerationUnavailable, "", nil)), nil
		}

		verdict := o.validator.Validate(text, sess, t.profile, in.Message)
		kinds := verdict.Kinds()
		t.violations = append(t.violations, kinds...)
		logger.Debug("Response validated", "attempt", attempt, "action", verdict.Action, "violations", kinds)

		switch verdict.Action {
		case validate.ActionPass:
			return o.commit(ctx, t, text)

		case validate.ActionReject:
			t.discard(attempt, string(verdict.Action))
			logger.Warn("Response rejected by safety policy", "attempt", attempt, "violations", kinds)
			return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, ReasonSafety, verdict.Action, kinds)), nil

		case validate.ActionRetry, validate.ActionRegenerate:
			t.discard(attempt, string(verdict.Action))
			if retries >= o.cfg.MaxRetries {
				logger.Warn("Retries exhausted", "attempt", attempt, "action", verdict.Action, "violations", kinds)
				return o.finish(ctx, t, o.fallbackResult(sess.ID, sess, ReasonRetriesExhausted, verdict.Action, kinds)), nil
			}
			retries++
			kind := prompt.ReminderScope
			if verdict.Action == validate.ActionRegenerate {
				kind = prompt.ReminderStrict
			}
			reminders = []prompt.Reminder{{Kind: kind, Violations: kinds}}
			logger.Info("Retrying generation", "attempt", attempt, "action", verdict.Action, "violations", kinds)
		}
	}
}

func (o *Orchestrator) params(in TurnInput) generation.Params {
	p := o.cfg.Params
	p.Stream = in.Stream
	return p
}

func (o *Orchestrator) generate(ctx context.Context, t *turn, attempt int, req generation.Request) (string, error) {
	if o.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
	}
	if !t.in.Stream {
		resp, err := o.port.Generate(ctx, req)
		if err != nil {
			return "", generation.Classify(ctx, o.port.Name(), err)
		}
		return resp.Text, nil
	}

	var onDelta func(string)
	if h := t.in.Hooks; h != nil && h.OnDelta != nil {
		onDelta = func(d string) {
			t.forwarded = true
			h.OnDelta(attempt, d)
		}
	}
	return generation.Collect(ctx, o.port.Name(), o.port.GenerateStream(ctx, req), o.cfg.MaxStreamBytes, onDelta)
}

// commit applies the turn's evidence and advances the lifecycle, then writes
// session and learner context in one unit.
func (o *Orchestrator) commit(ctx context.Context, t *turn, text string) (*Result, error) {
	now := o.now()
	next := t.sess.Clone()
	learner := t.learner.Clone()

	deltas := o.evaluator.Evaluate(evidence.Input{
		Session:  t.sess,
		Lesson:   t.lesson,
		Learner:  t.learner,
		Message:  t.in.Message,
		Response: text,
	})
	learner.Apply(deltas, now)

	complete := false
	switch t.sess.State {
	case domain.StateAssessingLevel:
		next.AssessmentTurns++
		complete = deltas.AssessmentComplete
	case domain.StateInLesson:
		complete = deltas.ScreenComplete
	}

	var effects []session.SideEffect
	if complete {
		snap := session.SnapshotOf(next)
		ev, ok := session.CompletionEvent(snap)
		if ok {
			var err error
			snap, effects, err = session.Apply(snap, ev)
			if err != nil {
				o.logger.Error("Completion transition failed", "session_id", t.sess.ID, "error", err)
				return o.finish(ctx, t, o.fallbackResult(t.sess.ID, t.sess, domain.Kind(err), "", nil)), nil
			}
			session.ApplyTo(next, snap)
		}
	}
	completed := slices.Contains(effects, session.EffectLessonCompleted)
	if completed {
		learner.AppendSummary(domain.SessionSummary{
			SessionID:   next.ID,
			LessonID:    next.LessonID,
			Summary:     summarize(t.lesson, learner),
			CompletedAt: now,
		}, o.cfg.MaxSummaries)
	}

	if err := next.Consistent(); err != nil {
		o.logger.Error("Refusing to commit inconsistent session", "session_id", t.sess.ID, "error", err)
		err = fmt.Errorf("%w: %v", domain.ErrInvalidTransition, err)
		return o.finish(ctx, t, o.fallbackResult(t.sess.ID, t.sess, domain.Kind(err), "", nil)), nil
	}
	if err := o.repo.CommitTurn(ctx, next, learner); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Error("Failed to commit turn", "session_id", t.sess.ID, "error", err)
		return o.finish(ctx, t, o.fallbackResult(t.sess.ID, t.sess, domain.Kind(err), "", nil)), nil
	}

	res := &Result{
		SessionID: next.ID,
		Response:  text,
		State:     next.State,
		ScreenID:  next.CurrentScreen(),
		Attempts:  t.attempts,
		Action:    validate.ActionPass,
		Committed: true,
		Advanced:  len(effects) > 0,
		Completed: completed,
		Session:   next,
		Deltas:    &deltas,
	}
	return o.finish(ctx, t, res), nil
}

func summarize(lesson *domain.Lesson, learner *domain.LearnerContext) string {
	var mastered []string
	for _, screen := range lesson.Screens {
		for _, c := range screen.Concepts {
			if learner.MasteryOf(c) != domain.MasteryUnmastered && !slices.Contains(mastered, c) {
				mastered = append(mastered, c)
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %q (%d screens).", lesson.Title, len(lesson.Screens))
	if len(mastered) > 0 {
		fmt.Fprintf(&b, " Practiced: %s.", strings.Join(mastered, ", "))
	}
	if open := learner.UnresolvedMisconceptions(); len(open) > 0 {
		fmt.Fprintf(&b, " Open misconceptions: %s.", strings.Join(open, ", "))
	}
	return b.String()
}

func (o *Orchestrator) fallbackResult(sessionID string, sess *domain.Session, reason string, action validate.Action, violations []string) *Result {
	res := &Result{
		SessionID:      sessionID,
		Response:       o.set.Fallback(reason),
		Action:         action,
		Violations:     violations,
		Fallback:       true,
		FallbackReason: reason,
	}
	if sess != nil {
		res.State = sess.State
		res.ScreenID = sess.CurrentScreen()
		res.Session = sess
	}
	return res
}

// finish stamps the attempt count and writes the audit record and transcript.
// Both are best-effort and outside the turn's commit unit.
func (o *Orchestrator) finish(ctx context.Context, t *turn, res *Result) *Result {
	res.Attempts = t.attempts
	if !res.Fallback {
		res.Violations = nil
	}
	elapsed := o.now().Sub(t.started)

	if t.sess != nil {
		rec := &domain.TurnRecord{
			SessionID:      t.sess.ID,
			LearnerID:      t.sess.LearnerID,
			ScreenID:       t.sess.CurrentScreen(),
			Attempts:       t.attempts,
			Action:         string(res.Action),
			Violations:     slices.Clone(t.violations),
			Fallback:       res.Fallback,
			FallbackReason: res.FallbackReason,
			Committed:      res.Committed,
			DurationMs:     elapsed.Milliseconds(),
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordWriteTimeout)
		if err := o.repo.AppendTurnRecord(writeCtx, rec); err != nil {
			o.logger.Warn("Failed to append turn record", "session_id", t.sess.ID, "error", err)
		}
		cancel()

		eventType := "tutor_response"
		if res.Fallback {
			eventType = "tutor_fallback"
		}
		o.logTranscript(t, "outbound", eventType, res.Response, map[string]any{
			"attempts":        t.attempts,
			"action":          res.Action,
			"violations":      t.violations,
			"fallback_reason": res.FallbackReason,
			"screen_id":       res.ScreenID,
			"state":           res.State,
		})
	}

	o.logger.Info("Turn handled",
		"session_id", res.SessionID,
		"attempts", t.attempts,
		"action", res.Action,
		"fallback", res.Fallback,
		"fallback_reason", res.FallbackReason,
		"committed", res.Committed,
		"duration", elapsed)
	return res
}

func (o *Orchestrator) logTranscript(t *turn, direction, eventType, content string, meta map[string]any) {
	if t.sess == nil {
		return
	}
	o.transcript.Log(transcript.Event{
		LearnerID:  t.sess.LearnerID,
		SessionID:  t.sess.ID,
		Channel:    cmp.Or(t.in.Channel, "api"),
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
