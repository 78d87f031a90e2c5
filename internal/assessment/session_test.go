package assessment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	"github.com/noah-isme/gema-assessment/internal/evaluation"
)

const (
	halfRight = "print(half)"
	allRight  = "print(all)"
)

func mcqItem() assessment.ItemDefinition {
	return assessment.ItemDefinition{
		Kind:          assessment.KindMCQ,
		MaxScore:      1,
		Options:       []string{"A", "B", "C", "D"},
		CorrectOption: "B",
	}
}

func codingItem() assessment.ItemDefinition {
	return assessment.ItemDefinition{
		Kind:     assessment.KindCoding,
		MaxScore: 1,
		SampleCases: []assessment.TestCase{
			{Input: "1 2", Expected: "3"},
			{Input: "2 2", Expected: "4"},
		},
	}
}

func scriptedBackend() *evaluation.ScriptedBackend {
	return evaluation.NewScriptedBackend().
		On(halfRight, "1 2", "3\n").
		On(halfRight, "2 2", "5\n").
		On(allRight, "1 2", "3\n").
		On(allRight, "2 2", "4\n").
		On(allRight, "custom", "echo\n")
}

func startSession(t *testing.T, backend evaluation.Backend, cfg assessment.Config) *assessment.Session {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "session-1"
	}
	if cfg.Items == nil {
		cfg.Items = []assessment.ItemDefinition{mcqItem(), codingItem()}
	}
	if cfg.DurationSeconds == 0 {
		cfg.DurationSeconds = 10
	}
	session, err := assessment.StartSession(cfg, evaluation.NewCasePipeline(backend, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	return session
}

func writeCode(t *testing.T, s *assessment.Session, id assessment.ItemID, code string) {
	t.Helper()
	lang := assessment.LanguagePython
	_, err := s.Write(id, assessment.AnswerPatch{Code: &code, Language: &lang})
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

func TestStartSessionRejectsInvalidConfig(t *testing.T) {
	pipeline := evaluation.NewCasePipeline(scriptedBackend(), zerolog.Nop())

	_, err := assessment.StartSession(assessment.Config{DurationSeconds: 10}, pipeline, zerolog.Nop())
	require.True(t, errors.Is(err, assessment.ErrInvalidConfig))

	_, err = assessment.StartSession(assessment.Config{Items: []assessment.ItemDefinition{mcqItem()}}, pipeline, zerolog.Nop())
	require.True(t, errors.Is(err, assessment.ErrInvalidConfig))

	_, err = assessment.StartSession(assessment.Config{Items: []assessment.ItemDefinition{mcqItem()}, DurationSeconds: -1}, pipeline, zerolog.Nop())
	require.True(t, errors.Is(err, assessment.ErrInvalidConfig))

	bad := mcqItem()
	bad.CorrectOption = "Z"
	_, err = assessment.StartSession(assessment.Config{Items: []assessment.ItemDefinition{bad}, DurationSeconds: 10}, pipeline, zerolog.Nop())
	require.True(t, errors.Is(err, assessment.ErrInvalidConfig))
}

func TestStartSessionSeedsUnlockedItems(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{})

	snap := s.Snapshot()
	require.Equal(t, assessment.StatusActive, snap.Status)
	require.Equal(t, 10, snap.RemainingSeconds)
	require.Len(t, snap.Items, 2)
	for _, item := range snap.Items {
		require.False(t, item.Locked)
		require.Zero(t, item.RunsUsed)
		require.Equal(t, assessment.MaxTestRuns, item.RunsLeft)
		require.Nil(t, item.Score)
	}
}

func TestQuotaCapsTestRunsButNotDryRuns(t *testing.T) {
	backend := scriptedBackend()
	s := startSession(t, backend, assessment.Config{})
	writeCode(t, s, 1, allRight)
	ctx := context.Background()

	for i := 0; i < assessment.MaxTestRuns; i++ {
		res, err := s.Evaluate(ctx, 1, assessment.ModeTestRun, nil)
		require.NoError(t, err)
		require.Equal(t, 2, res.Passed)
		require.Equal(t, 2, res.Total)
	}
	item, err := s.Item(1)
	require.NoError(t, err)
	require.Equal(t, assessment.MaxTestRuns, item.RunsUsed)

	calls := backend.Calls()
	_, err = s.Evaluate(ctx, 1, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrQuotaExceeded))
	require.Equal(t, calls, backend.Calls(), "quota check precedes execution")

	res, err := s.Evaluate(ctx, 1, assessment.ModeDryRun, ptr("custom"))
	require.NoError(t, err)
	require.Equal(t, "echo\n", res.Outputs[0].Actual)
	require.Zero(t, res.Total, "dry runs report no pass/fail")

	item, _ = s.Item(1)
	require.Equal(t, assessment.MaxTestRuns, item.RunsUsed)
	require.Equal(t, 0, s.Snapshot().Items[1].RunsLeft)
}

func TestEvaluateValidation(t *testing.T) {
	backend := scriptedBackend()
	s := startSession(t, backend, assessment.Config{})
	ctx := context.Background()

	_, err := s.Evaluate(ctx, 1, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrValidation), "empty code")

	writeCode(t, s, 1, allRight)
	_, err = s.Evaluate(ctx, 1, assessment.ModeDryRun, nil)
	require.True(t, errors.Is(err, assessment.ErrValidation), "dry run needs input")

	_, err = s.Evaluate(ctx, 0, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrValidation), "mcq items cannot be run")

	_, err = s.Evaluate(ctx, 1, assessment.ModeSubmit, nil)
	require.True(t, errors.Is(err, assessment.ErrValidation))

	_, err = s.Evaluate(ctx, 7, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrUnknownItem))

	require.Zero(t, backend.Calls())
	item, _ := s.Item(1)
	require.Zero(t, item.RunsUsed)
}

func TestWriteRejectsDisallowedLanguage(t *testing.T) {
	def := codingItem()
	def.Languages = []assessment.Language{assessment.LanguageGo}
	s := startSession(t, scriptedBackend(), assessment.Config{Items: []assessment.ItemDefinition{def}})

	lang := assessment.LanguagePython
	_, err := s.Write(0, assessment.AnswerPatch{Language: &lang})
	require.True(t, errors.Is(err, assessment.ErrValidation))
}

func TestSubmitLocksItemAndIsIdempotent(t *testing.T) {
	backend := scriptedBackend()
	s := startSession(t, backend, assessment.Config{})
	ctx := context.Background()

	item, err := s.SubmitItem(ctx, 0, assessment.Answer{Option: "B"})
	require.NoError(t, err)
	require.True(t, item.Locked)
	require.Equal(t, 1.0, item.Score)
	require.Equal(t, 1.0, item.MaxScore)

	again, err := s.SubmitItem(ctx, 0, assessment.Answer{Option: "C"})
	require.NoError(t, err)
	require.Equal(t, item, again, "resubmission returns the recorded result")

	opt := "D"
	_, err = s.Write(0, assessment.AnswerPatch{Option: &opt})
	require.True(t, errors.Is(err, assessment.ErrItemLocked))

	final, _ := s.Item(0)
	require.Equal(t, "B", final.Answer.Option)
	require.Equal(t, 1.0, final.Score)
}

func TestLockedCodingItemRejectsEvaluation(t *testing.T) {
	backend := scriptedBackend()
	s := startSession(t, backend, assessment.Config{})
	ctx := context.Background()

	item, err := s.SubmitItem(ctx, 1, assessment.Answer{Code: halfRight, Language: assessment.LanguagePython})
	require.NoError(t, err)
	require.True(t, item.Locked)
	require.Equal(t, 1, item.LastResult.Passed)
	require.Equal(t, 0.0, item.Score, "half credit floors to zero")

	calls := backend.Calls()
	_, err = s.Evaluate(ctx, 1, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrItemLocked))
	_, err = s.Evaluate(ctx, 1, assessment.ModeDryRun, ptr("1 2"))
	require.True(t, errors.Is(err, assessment.ErrItemLocked))
	require.Equal(t, calls, backend.Calls())

	after, _ := s.Item(1)
	require.Equal(t, item, after)
}

func TestSubmitRejectsEmptyAnswerWithoutStateChange(t *testing.T) {
	backend := scriptedBackend()
	s := startSession(t, backend, assessment.Config{})

	_, err := s.SubmitItem(context.Background(), 1, assessment.Answer{Language: assessment.LanguagePython})
	require.True(t, errors.Is(err, assessment.ErrValidation))
	require.Zero(t, backend.Calls())

	item, _ := s.Item(1)
	require.False(t, item.Locked)
}

func TestExpiryAutoSubmitsEveryItem(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{
		Items:           []assessment.ItemDefinition{mcqItem(), codingItem(), codingItem()},
		DurationSeconds: 3,
	})
	writeCode(t, s, 1, allRight)
	ctx := context.Background()

	require.Equal(t, 2, s.Tick(ctx).RemainingSeconds)
	require.Equal(t, 1, s.Tick(ctx).RemainingSeconds)
	snap := s.Tick(ctx)

	require.Equal(t, assessment.StatusTerminated, snap.Status)
	require.Equal(t, assessment.ReasonExpired, snap.Reason)
	require.Zero(t, snap.RemainingSeconds)
	for _, item := range snap.Items {
		require.True(t, item.Locked, "item %d", item.ID)
		require.NotNil(t, item.Score)
	}
	require.Equal(t, 1.0, *snap.Items[1].Score)
	require.Equal(t, 0.0, *snap.Items[0].Score, "unanswered mcq scores zero")

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestTerminationHappensExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	terminal := 0
	s := startSession(t, scriptedBackend(), assessment.Config{
		DurationSeconds: 2,
		Listener: func(snap assessment.Snapshot) {
			if snap.Terminated() {
				mu.Lock()
				terminal++
				mu.Unlock()
			}
		},
	})
	ctx := context.Background()

	first := s.Terminate(ctx)
	require.Equal(t, assessment.ReasonSubmitted, first.Reason)

	require.Equal(t, first, s.Terminate(ctx))
	require.Equal(t, first, s.Tick(ctx))
	require.Equal(t, first, s.Tick(ctx))
	require.Equal(t, first, s.Tick(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, terminal)
}

func TestActionsAfterTerminationAreRejected(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{})
	writeCode(t, s, 1, allRight)
	ctx := context.Background()
	s.Terminate(ctx)

	_, err := s.Evaluate(ctx, 1, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrSessionTerminated))

	code := "other"
	_, err = s.Write(1, assessment.AnswerPatch{Code: &code})
	require.True(t, errors.Is(err, assessment.ErrSessionTerminated))

	item, err := s.SubmitItem(ctx, 1, assessment.Answer{Code: halfRight, Language: assessment.LanguagePython})
	require.NoError(t, err, "locked items return their recorded state")
	require.Equal(t, allRight, item.Answer.Code)
	require.Equal(t, 1.0, item.Score)
}

func TestMixedSessionFloorScoring(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{DurationSeconds: 10})
	ctx := context.Background()

	mcq, err := s.SubmitItem(ctx, 0, assessment.Answer{Option: "B"})
	require.NoError(t, err)
	require.Equal(t, 1.0, mcq.Score)

	writeCode(t, s, 1, halfRight)
	_, err = s.Summary()
	require.True(t, errors.Is(err, assessment.ErrSessionActive))

	var snap assessment.Snapshot
	for i := 0; i < 10; i++ {
		snap = s.Tick(ctx)
	}
	require.True(t, snap.Terminated())

	summary, err := s.Summary()
	require.NoError(t, err)
	require.Equal(t, 1.0, summary.TotalScore)
	require.Equal(t, 2.0, summary.MaxScore)
	require.Equal(t, 50, summary.Percentage)
	require.Equal(t, "C", summary.Grade)
	require.Equal(t, 1, summary.Items[1].Passed)
	require.Equal(t, 2, summary.Items[1].Total)

	again, err := s.Summary()
	require.NoError(t, err)
	require.Equal(t, summary, again)
}

func TestMixedSessionFractionalScoring(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{
		DurationSeconds: 10,
		Scoring:         assessment.ScoringPolicy{Fractional: true},
	})
	ctx := context.Background()

	_, err := s.SubmitItem(ctx, 0, assessment.Answer{Option: "B"})
	require.NoError(t, err)
	writeCode(t, s, 1, halfRight)
	for i := 0; i < 10; i++ {
		s.Tick(ctx)
	}

	summary, err := s.Summary()
	require.NoError(t, err)
	require.Equal(t, 1.5, summary.TotalScore)
	require.Equal(t, 75, summary.Percentage)
	require.Equal(t, "B+", summary.Grade)
}

func TestTimeoutCountsSingleAttempt(t *testing.T) {
	backend := scriptedBackend().WithDelay(500 * time.Millisecond)
	s := startSession(t, backend, assessment.Config{EvaluationTimeout: 20 * time.Millisecond})
	writeCode(t, s, 1, allRight)

	res, err := s.Evaluate(context.Background(), 1, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrTimeout))
	require.True(t, res.TimedOut)

	item, _ := s.Item(1)
	require.Equal(t, 1, item.RunsUsed)
	require.True(t, item.LastResult.TimedOut)
	require.Equal(t, assessment.StatusActive, s.Snapshot().Status, "timeouts never end the session")
}

func TestTimerAdvancesWhileEvaluationPending(t *testing.T) {
	backend := scriptedBackend().WithDelay(200 * time.Millisecond)
	s := startSession(t, backend, assessment.Config{EvaluationTimeout: time.Second})
	writeCode(t, s, 1, allRight)

	done := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(context.Background(), 1, assessment.ModeTestRun, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return backend.Calls() > 0 }, time.Second, time.Millisecond)

	snap := s.Tick(context.Background())
	require.Equal(t, 9, snap.RemainingSeconds)
	require.NoError(t, <-done)
}

func TestLateEvaluationResultIsDiscardedAfterTermination(t *testing.T) {
	backend := scriptedBackend().WithDelay(50 * time.Millisecond)
	s := startSession(t, backend, assessment.Config{EvaluationTimeout: time.Second})
	writeCode(t, s, 1, allRight)

	done := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(context.Background(), 1, assessment.ModeTestRun, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return backend.Calls() > 0 }, time.Second, time.Millisecond)

	snap := s.Terminate(context.Background())
	require.True(t, snap.Terminated())

	err := <-done
	require.True(t, errors.Is(err, assessment.ErrSessionTerminated))

	item, _ := s.Item(1)
	require.Zero(t, item.RunsUsed, "discarded result does not consume quota")
	require.Equal(t, assessment.ModeSubmit, item.LastResult.Mode)
}

func TestConcurrentSubmitsEvaluateOnce(t *testing.T) {
	backend := scriptedBackend().WithDelay(20 * time.Millisecond)
	s := startSession(t, backend, assessment.Config{EvaluationTimeout: time.Second})
	answer := assessment.Answer{Code: allRight, Language: assessment.LanguagePython}

	var wg sync.WaitGroup
	results := make([]assessment.ItemState, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.SubmitItem(context.Background(), 1, answer)
			require.NoError(t, err)
			results[i] = item
		}()
	}
	wg.Wait()

	for _, item := range results {
		require.Equal(t, results[0], item)
	}
	require.Equal(t, 2, backend.Calls(), "one submit evaluation over two cases")
}

// gatedPipeline holds its first call until the gate opens; later calls
// answer at once with full marks.
type gatedPipeline struct {
	gate  chan struct{}
	mu    sync.Mutex
	calls int
}

func newGatedPipeline() *gatedPipeline {
	return &gatedPipeline{gate: make(chan struct{})}
}

func (p *gatedPipeline) Evaluate(ctx context.Context, req assessment.Request) (assessment.Result, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return assessment.Result{}, ctx.Err()
		}
	}
	return assessment.Result{Passed: 1, Total: 1}, nil
}

func (p *gatedPipeline) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func startGatedSession(t *testing.T, pipeline assessment.Pipeline) *assessment.Session {
	t.Helper()
	s, err := assessment.StartSession(assessment.Config{
		ID:                "session-gated",
		Items:             []assessment.ItemDefinition{mcqItem()},
		DurationSeconds:   10,
		EvaluationTimeout: 5 * time.Second,
	}, pipeline, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestSubmitOutlivedBySweepReportsTermination(t *testing.T) {
	pipeline := newGatedPipeline()
	s := startGatedSession(t, pipeline)
	ctx := context.Background()

	type outcome struct {
		item assessment.ItemState
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		item, err := s.SubmitItem(ctx, 0, assessment.Answer{Option: "B"})
		done <- outcome{item: item, err: err}
	}()
	require.Eventually(t, func() bool { return pipeline.Calls() == 1 }, time.Second, time.Millisecond)

	snap := s.Terminate(ctx)
	require.True(t, snap.Terminated())
	close(pipeline.gate)

	out := <-done
	require.True(t, errors.Is(out.err, assessment.ErrSessionTerminated))
	require.False(t, errors.Is(out.err, assessment.ErrItemLocked))
	require.True(t, out.item.Locked)
	require.Equal(t, 1.0, out.item.Score, "the sweep scored the submitted answer")
}

func TestTerminateDuringSweepHonoursContext(t *testing.T) {
	pipeline := newGatedPipeline()
	s := startGatedSession(t, pipeline)
	_, err := s.Write(0, assessment.AnswerPatch{Option: ptr("B")})
	require.NoError(t, err)

	first := make(chan assessment.Snapshot, 1)
	go func() { first <- s.Terminate(context.Background()) }()
	require.Eventually(t, func() bool { return pipeline.Calls() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	returned := make(chan assessment.Snapshot, 1)
	go func() { returned <- s.Terminate(ctx) }()

	select {
	case snap := <-returned:
		require.False(t, snap.Terminated(), "sweep still running")
	case <-time.After(time.Second):
		t.Fatal("Terminate ignored a cancelled context")
	}

	close(pipeline.gate)
	require.True(t, (<-first).Terminated())
}

func TestFractionalMaxScoresReachFullMarks(t *testing.T) {
	mcq := mcqItem()
	mcq.MaxScore = 0.5
	coding := codingItem()
	coding.MaxScore = 2.5
	s := startSession(t, scriptedBackend(), assessment.Config{Items: []assessment.ItemDefinition{mcq, coding}})
	ctx := context.Background()

	_, err := s.SubmitItem(ctx, 0, assessment.Answer{Option: "B"})
	require.NoError(t, err)
	_, err = s.SubmitItem(ctx, 1, assessment.Answer{Code: allRight, Language: assessment.LanguagePython})
	require.NoError(t, err)
	s.Terminate(ctx)

	summary, err := s.Summary()
	require.NoError(t, err)
	require.Equal(t, 3.0, summary.MaxScore)
	require.Equal(t, summary.MaxScore, summary.TotalScore)
	require.Equal(t, 100, summary.Percentage)
	require.Equal(t, "A+", summary.Grade)
}

type manualTicker struct {
	ch chan time.Time
}

func (m manualTicker) C() <-chan time.Time { return m.ch }
func (m manualTicker) Stop()               {}

func TestRunTimerDrivesSessionToExpiry(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{DurationSeconds: 3})
	ticker := manualTicker{ch: make(chan time.Time)}

	stopped := make(chan struct{})
	go func() {
		assessment.RunTimer(context.Background(), s, ticker)
		close(stopped)
	}()

	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
	}

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("timer loop did not stop after expiry")
	}
	require.Equal(t, assessment.ReasonExpired, s.Snapshot().Reason)
}

func TestRunTimerStopsOnContextCancel(t *testing.T) {
	s := startSession(t, scriptedBackend(), assessment.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		assessment.RunTimer(ctx, s, manualTicker{ch: make(chan time.Time)})
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("timer loop ignored cancellation")
	}
	require.Equal(t, assessment.StatusActive, s.Snapshot().Status)
}
