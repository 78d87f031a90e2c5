package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status is the session-level state. Terminated is final.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Reason records which path ended the session.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonSubmitted Reason = "submitted"
	ReasonExpired   Reason = "expired"
)

// DefaultEvaluationTimeout bounds a single pipeline call.
const DefaultEvaluationTimeout = 30 * time.Second

const sweepConcurrency = 4

// ErrSessionActive is returned by Summary before the session terminates.
var ErrSessionActive = errors.New("session still active")

// Config describes a session at start.
type Config struct {
	ID                string
	Items             []ItemDefinition
	DurationSeconds   int
	MaxTestRuns       int
	EvaluationTimeout time.Duration
	Scoring           ScoringPolicy
	// Clock overrides the default countdown of DurationSeconds.
	Clock Clock
	// Listener receives a snapshot after every state change. It runs with
	// the session lock held and must not call back into the Session.
	Listener func(Snapshot)
}

// Session is the timed assessment state machine. All mutations are
// serialised; pipeline calls run without the lock so the timer keeps
// advancing while evaluations are pending.
type Session struct {
	id       string
	total    int
	pipeline Pipeline
	logger   zerolog.Logger
	timeout  time.Duration
	scoring  ScoringPolicy
	listener func(Snapshot)

	mu          sync.Mutex
	clock       Clock
	store       *Store
	reserved    []int
	submitting  []chan struct{}
	status      Status
	terminating bool
	reason      Reason
	version     uint64
	done        chan struct{}
}

// StartSession validates cfg and returns an active session with every item
// unlocked and zero run counters.
func StartSession(cfg Config, pipeline Pipeline, logger zerolog.Logger) (*Session, error) {
	if len(cfg.Items) == 0 {
		return nil, fmt.Errorf("%w: session needs at least one item", ErrInvalidConfig)
	}
	if cfg.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidConfig, cfg.DurationSeconds)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: evaluation pipeline is required", ErrInvalidConfig)
	}
	for i, def := range cfg.Items {
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidConfig, i, err)
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = NewCountdown(cfg.DurationSeconds)
	}
	timeout := cfg.EvaluationTimeout
	if timeout <= 0 {
		timeout = DefaultEvaluationTimeout
	}

	store := NewStore(cfg.Items, cfg.MaxTestRuns)
	s := &Session{
		id:         cfg.ID,
		total:      cfg.DurationSeconds,
		pipeline:   pipeline,
		logger:     logger.With().Str("component", "assessment_session").Str("session_id", cfg.ID).Logger(),
		timeout:    timeout,
		scoring:    cfg.Scoring,
		listener:   cfg.Listener,
		clock:      clock,
		store:      store,
		reserved:   make([]int, store.Len()),
		submitting: make([]chan struct{}, store.Len()),
		status:     StatusActive,
		done:       make(chan struct{}),
	}

	s.logger.Info().Int("items", store.Len()).Int("duration_seconds", cfg.DurationSeconds).Msg("session started")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Write autosaves part of an answer before submission.
func (s *Session) Write(id ItemID, patch AnswerPatch) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActiveLocked(); err != nil {
		return s.snapshotLocked(), err
	}
	if err := s.checkMutableLocked(id); err != nil {
		return s.snapshotLocked(), err
	}
	if patch.Language != nil && *patch.Language != "" {
		item, _ := s.store.Get(id)
		if !item.Definition.allows(*patch.Language) {
			return s.snapshotLocked(), itemError(ErrValidation, id, "language %q is not allowed", *patch.Language)
		}
	}
	if err := s.store.Write(id, patch); err != nil {
		return s.snapshotLocked(), err
	}
	s.changedLocked()
	return s.snapshotLocked(), nil
}

// Evaluate runs a dry run or test run of the item's current answer. Test
// runs are counted against the quota only once the pipeline responds; the
// quota check happens before the pipeline is invoked.
func (s *Session) Evaluate(ctx context.Context, id ItemID, mode Mode, input *string) (Result, error) {
	s.mu.Lock()
	req, err := s.prepareEvaluationLocked(id, mode, input)
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	if mode == ModeTestRun {
		s.reserved[id]++
	}
	s.mu.Unlock()

	res, runErr := s.run(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == ModeTestRun {
		s.reserved[id]--
	}
	if runErr != nil {
		s.logger.Warn().Err(runErr).Int("item", int(id)).Str("mode", string(mode)).Msg("evaluation failed")
		return Result{}, runErr
	}
	if s.terminating || s.status == StatusTerminated {
		return Result{}, itemError(ErrSessionTerminated, id, "result discarded")
	}
	if err := s.checkMutableLocked(id); err != nil {
		return Result{}, err
	}
	if err := s.store.IncrementRunCounter(id, mode); err != nil {
		return Result{}, err
	}
	if err := s.store.SetResult(id, res); err != nil {
		return Result{}, err
	}
	s.changedLocked()

	if res.TimedOut {
		return res, itemError(ErrTimeout, id, "after %s", s.timeout)
	}
	return res, nil
}

func (s *Session) prepareEvaluationLocked(id ItemID, mode Mode, input *string) (Request, error) {
	if err := s.checkActiveLocked(); err != nil {
		return Request{}, err
	}
	if mode != ModeDryRun && mode != ModeTestRun {
		return Request{}, itemError(ErrValidation, id, "mode %q cannot be evaluated directly", mode)
	}
	if err := s.checkMutableLocked(id); err != nil {
		return Request{}, err
	}
	item, _ := s.store.Get(id)
	if item.Definition.Kind != KindCoding {
		return Request{}, itemError(ErrValidation, id, "only coding items can be run")
	}
	if mode == ModeDryRun && input == nil {
		return Request{}, itemError(ErrValidation, id, "dry run requires a custom input")
	}
	if err := validateAnswer(item, item.Answer); err != nil {
		return Request{}, err
	}
	if err := s.store.CheckQuota(id, mode, s.reserved[id]); err != nil {
		return Request{}, err
	}

	req := newRequest(item, mode, item.Answer)
	if input != nil {
		req.Input = *input
	}
	return req, nil
}

// SubmitItem writes the final answer, evaluates it against the full battery
// and locks the item. Submitting a locked item returns the recorded state
// without re-evaluating.
func (s *Session) SubmitItem(ctx context.Context, id ItemID, answer Answer) (ItemState, error) {
	for {
		s.mu.Lock()
		item, err := s.store.Get(id)
		if err != nil {
			s.mu.Unlock()
			return ItemState{}, err
		}
		if item.Locked {
			s.mu.Unlock()
			return item, nil
		}
		if s.terminating {
			s.mu.Unlock()
			final, err := s.awaitFinal(ctx, id)
			if err != nil {
				return final, err
			}
			return final, itemError(ErrSessionTerminated, id, "answer not accepted")
		}
		if s.status == StatusTerminated {
			s.mu.Unlock()
			return item, itemError(ErrSessionTerminated, id, "")
		}
		if inflight := s.submitting[id]; inflight != nil {
			s.mu.Unlock()
			select {
			case <-inflight:
				continue
			case <-ctx.Done():
				return ItemState{}, ctx.Err()
			}
		}

		if err := validateAnswer(item, answer); err != nil {
			s.mu.Unlock()
			return item, err
		}
		if err := s.store.Write(id, PatchFrom(answer)); err != nil {
			s.mu.Unlock()
			return item, err
		}
		item, _ = s.store.Get(id)
		marker := make(chan struct{})
		s.submitting[id] = marker
		s.changedLocked()
		s.mu.Unlock()

		return s.finishSubmit(ctx, item, marker)
	}
}

func (s *Session) finishSubmit(ctx context.Context, item ItemState, marker chan struct{}) (ItemState, error) {
	id := item.ID
	res, runErr := s.run(ctx, newRequest(item, ModeSubmit, item.Answer))

	s.mu.Lock()
	s.submitting[id] = nil
	close(marker)

	if s.terminating {
		// The sweep owns this item now and evaluates the same answer.
		s.mu.Unlock()
		final, err := s.awaitFinal(ctx, id)
		if err != nil {
			return final, err
		}
		return final, itemError(ErrSessionTerminated, id, "finalised by termination")
	}
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		final, _ := s.store.Get(id)
		return final, itemError(ErrSessionTerminated, id, "finalised by termination")
	}

	if runErr != nil {
		s.logger.Warn().Err(runErr).Int("item", int(id)).Msg("submit evaluation failed")
		s.changedLocked()
		current, _ := s.store.Get(id)
		return current, runErr
	}
	if res.TimedOut {
		if err := s.store.SetResult(id, res); err == nil {
			s.changedLocked()
		}
		current, _ := s.store.Get(id)
		return current, itemError(ErrTimeout, id, "submit may be retried")
	}

	score := s.scoring.ItemScore(item.Definition, res)
	if err := s.store.Finalize(id, res, score); err != nil {
		current, _ := s.store.Get(id)
		return current, err
	}
	s.changedLocked()
	s.logger.Info().Int("item", int(id)).Float64("score", score).Float64("max_score", item.Definition.MaxScore).Msg("item submitted")

	final, _ := s.store.Get(id)
	return final, nil
}

func (s *Session) awaitFinal(ctx context.Context, id ItemID) (ItemState, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ItemState{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

// Tick advances the countdown by one unit. The tick that reaches zero
// auto-submits every unlocked item and terminates the session.
func (s *Session) Tick(ctx context.Context) Snapshot {
	s.mu.Lock()
	if s.terminating || s.status == StatusTerminated {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}

	_, expired := s.clock.Tick()
	if !expired {
		s.changedLocked()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}

	plan := s.beginTerminationLocked(ReasonExpired)
	s.mu.Unlock()
	return s.sweep(ctx, plan)
}

// Terminate ends the session on the student's request. Terminating an
// already terminated session returns its final snapshot. A caller that
// arrives during the sweep waits for it unless ctx ends first, in which
// case it gets the current, still terminating, snapshot.
func (s *Session) Terminate(ctx context.Context) Snapshot {
	s.mu.Lock()
	if s.status == StatusTerminated {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	if s.terminating {
		s.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		return s.Snapshot()
	}

	plan := s.beginTerminationLocked(ReasonSubmitted)
	s.mu.Unlock()
	return s.sweep(ctx, plan)
}

type sweepEntry struct {
	item ItemState
	req  Request
}

// beginTerminationLocked freezes the session: from here on every new
// action observes termination and late results are discarded.
func (s *Session) beginTerminationLocked(reason Reason) []sweepEntry {
	s.terminating = true
	s.reason = reason

	var plan []sweepEntry
	for _, item := range s.store.All() {
		if item.Locked {
			continue
		}
		plan = append(plan, sweepEntry{item: item, req: newRequest(item, ModeSubmit, item.Answer)})
	}
	s.logger.Info().Str("reason", string(reason)).Int("pending_items", len(plan)).Msg("session terminating")
	return plan
}

// sweep finalises every planned item and marks the session terminated in
// a single step, so no caller sees a partially finalised session.
func (s *Session) sweep(ctx context.Context, plan []sweepEntry) Snapshot {
	ctx = context.WithoutCancel(ctx)
	results := make([]Result, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, entry := range plan {
		if entry.item.Answer.Empty(entry.item.Definition.Kind) {
			results[i] = Result{Mode: ModeSubmit, Total: unansweredTotal(entry.req), Error: "unanswered"}
			continue
		}
		if err := validateAnswer(entry.item, entry.item.Answer); err != nil {
			results[i] = Result{Mode: ModeSubmit, Total: unansweredTotal(entry.req), Error: err.Error()}
			continue
		}
		g.Go(func() error {
			res, err := s.run(gctx, entry.req)
			if err != nil {
				res = Result{Mode: ModeSubmit, Total: unansweredTotal(entry.req), Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range plan {
		score := s.scoring.ItemScore(entry.item.Definition, results[i])
		if err := s.store.Finalize(entry.item.ID, results[i], score); err != nil {
			s.logger.Error().Err(err).Int("item", int(entry.item.ID)).Msg("failed to finalise item")
			_ = s.store.Lock(entry.item.ID)
		}
	}
	s.status = StatusTerminated
	s.terminating = false
	close(s.done)
	s.changedLocked()
	s.logger.Info().Str("reason", string(s.reason)).Int("remaining_seconds", s.clock.Remaining()).Msg("session terminated")
	return s.snapshotLocked()
}

func unansweredTotal(req Request) int {
	if req.Kind == KindMCQ {
		return 1
	}
	return len(req.Cases)
}

// run calls the pipeline with a bounded deadline. Deadline expiry becomes
// a timed out result rather than an error.
func (s *Session) run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	start := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.pipeline.Evaluate(ctx, req)
		ch <- outcome{res: res, err: err}
	}()

	timedOut := func() Result {
		return Result{Mode: req.Mode, TimedOut: true, Error: ErrTimeout.Error(), TimingMs: time.Since(start).Milliseconds()}
	}

	select {
	case out := <-ch:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, ErrTimeout) {
				return timedOut(), nil
			}
			return Result{}, out.err
		}
		out.res.Mode = req.Mode
		if out.res.TimingMs == 0 {
			out.res.TimingMs = time.Since(start).Milliseconds()
		}
		return out.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut(), nil
		}
		return Result{}, ctx.Err()
	}
}

// Snapshot returns the current immutable view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Summary scores the terminated session. Repeated calls return identical
// values.
func (s *Session) Summary() (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusTerminated {
		return Summary{}, ErrSessionActive
	}
	return Score(s.store.All(), s.scoring), nil
}

// Item returns a copy of one item's state.
func (s *Session) Item(id ItemID) (ItemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

func (s *Session) checkActiveLocked() error {
	if s.terminating || s.status == StatusTerminated {
		return fmt.Errorf("session %s: %w", s.id, ErrSessionTerminated)
	}
	return nil
}

func (s *Session) checkMutableLocked(id ItemID) error {
	item, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if item.Locked {
		return itemError(ErrItemLocked, id, "item already submitted")
	}
	if s.submitting[id] != nil {
		return itemError(ErrItemLocked, id, "submission in progress")
	}
	return nil
}

func (s *Session) changedLocked() {
	s.version++
	if s.listener != nil {
		s.listener(s.snapshotLocked())
	}
}

func validateAnswer(item ItemState, answer Answer) error {
	kind := item.Definition.Kind
	if answer.Empty(kind) {
		if kind == KindMCQ {
			return itemError(ErrValidation, item.ID, "an option must be selected")
		}
		return itemError(ErrValidation, item.ID, "code must not be empty")
	}
	if kind == KindCoding && !item.Definition.allows(answer.Language) {
		return itemError(ErrValidation, item.ID, "language %q is not allowed", answer.Language)
	}
	return nil
}

func newRequest(item ItemState, mode Mode, answer Answer) Request {
	def := item.Definition
	return Request{
		Item:      item.ID,
		Kind:      def.Kind,
		Mode:      mode,
		Answer:    answer,
		Cases:     def.cases(mode),
		Correct:   def.CorrectOption,
		Tolerance: def.Tolerance,
	}
}
