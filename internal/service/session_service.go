package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	"github.com/noah-isme/gema-assessment/internal/definition"
	"github.com/noah-isme/gema-assessment/internal/models"
	"github.com/noah-isme/gema-assessment/internal/observability"
	"github.com/noah-isme/gema-assessment/internal/repository"
)

var (
	// ErrSessionNotFound is returned for unknown or evicted sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionForbidden is returned when a student touches another student's session.
	ErrSessionForbidden = errors.New("session belongs to another student")
	// ErrAssessmentNotFound is returned when starting an unknown assessment.
	ErrAssessmentNotFound = errors.New("assessment not found")
)

const (
	defaultRetention = 15 * time.Minute
	persistTimeout   = 10 * time.Second
	publishTimeout   = 2 * time.Second
)

// SessionServiceConfig tunes the sessions a SessionService starts.
type SessionServiceConfig struct {
	MaxTestRuns       int
	EvaluationTimeout time.Duration
	// FractionalScoring forces fractional scoring for every assessment;
	// otherwise the assessment's own flag decides.
	FractionalScoring bool
	Grades            assessment.GradeTable
	// Retention is how long a terminated session stays in memory before
	// reads fall back to the cache and the result store.
	Retention time.Duration
	// NewTicker drives each session countdown. Defaults to one tick per second.
	NewTicker func() assessment.Ticker
}

// SessionService owns the live assessment sessions of this node.
type SessionService interface {
	Start(ctx context.Context, studentID, assessmentID uint) (assessment.Snapshot, error)
	Get(ctx context.Context, studentID uint, sessionID string) (assessment.Snapshot, error)
	Write(ctx context.Context, studentID uint, sessionID string, item assessment.ItemID, patch assessment.AnswerPatch) (assessment.Snapshot, error)
	Evaluate(ctx context.Context, studentID uint, sessionID string, item assessment.ItemID, mode assessment.Mode, input *string) (assessment.Result, error)
	Submit(ctx context.Context, studentID uint, sessionID string, item assessment.ItemID, answer assessment.Answer) (assessment.ItemSnapshot, error)
	Terminate(ctx context.Context, studentID uint, sessionID string) (assessment.Snapshot, error)
	Summary(ctx context.Context, studentID uint, sessionID string) (assessment.Summary, error)
	Subscribe(ctx context.Context, studentID uint, sessionID string) (assessment.Snapshot, <-chan assessment.Snapshot, func(), error)
	Results(ctx context.Context, studentID uint, limit int) ([]models.AssessmentResult, error)
	Shutdown(ctx context.Context)
}

type liveSession struct {
	session       *assessment.Session
	studentID     uint
	assessmentID  uint
	questionIDs   []uint
	startedAt     time.Time
	updates       chan assessment.Snapshot
	cancel        context.CancelFunc
	publisherDone chan struct{}
	finalized     chan struct{}
}

type sessionService struct {
	assessments repository.AssessmentRepository
	results     repository.ResultRepository
	pipeline    assessment.Pipeline
	cache       *SnapshotCache
	events      *EventPublisher
	broker      *snapshotBroker
	cfg         SessionServiceConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
	nodeID      string

	// startMu makes resume-or-start atomic per node.
	startMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*liveSession
	evictors map[string]*time.Timer
}

// NewSessionService constructs a session service. cache and events may be
// nil-backed; sessions then live only in this process.
func NewSessionService(
	assessments repository.AssessmentRepository,
	results repository.ResultRepository,
	pipeline assessment.Pipeline,
	cache *SnapshotCache,
	events *EventPublisher,
	cfg SessionServiceConfig,
	logger zerolog.Logger,
) SessionService {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func() assessment.Ticker { return assessment.NewTicker(time.Second) }
	}
	if len(cfg.Grades) == 0 {
		cfg.Grades = assessment.DefaultGradeTable()
	}

	return &sessionService{
		assessments: assessments,
		results:     results,
		pipeline:    pipeline,
		cache:       cache,
		events:      events,
		broker:      newSnapshotBroker(),
		cfg:         cfg,
		logger:      logger.With().Str("component", "session_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-assessment/internal/service/session"),
		nodeID:      uuid.NewString(),
		sessions:    make(map[string]*liveSession),
		evictors:    make(map[string]*time.Timer),
	}
}

func (s *sessionService) Start(ctx context.Context, studentID, assessmentID uint) (assessment.Snapshot, error) {
	spanCtx, span := s.tracer.Start(ctx, "assessment.session.start", trace.WithAttributes(
		attribute.Int64("assessment.id", int64(assessmentID)),
		attribute.Int64("student.id", int64(studentID)),
	))
	defer span.End()

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if existing := s.activeFor(studentID, assessmentID); existing != nil {
		span.SetAttributes(attribute.Bool("session.resumed", true))
		return existing.session.Snapshot(), nil
	}

	stored, err := s.assessments.GetByID(spanCtx, assessmentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return assessment.Snapshot{}, ErrAssessmentNotFound
	}
	if err != nil {
		span.RecordError(err)
		return assessment.Snapshot{}, fmt.Errorf("load assessment %d: %w", assessmentID, err)
	}

	items, err := definition.Items(stored)
	if err != nil {
		return assessment.Snapshot{}, fmt.Errorf("%w: %v", assessment.ErrInvalidConfig, err)
	}

	entry := &liveSession{
		studentID:     studentID,
		assessmentID:  assessmentID,
		questionIDs:   make([]uint, 0, len(stored.Questions)),
		startedAt:     time.Now().UTC(),
		updates:       make(chan assessment.Snapshot, 1),
		publisherDone: make(chan struct{}),
		finalized:     make(chan struct{}),
	}
	for _, q := range stored.Questions {
		entry.questionIDs = append(entry.questionIDs, q.ID)
	}

	session, err := assessment.StartSession(assessment.Config{
		ID:                uuid.NewString(),
		Items:             items,
		DurationSeconds:   stored.DurationSeconds,
		MaxTestRuns:       s.cfg.MaxTestRuns,
		EvaluationTimeout: s.cfg.EvaluationTimeout,
		Scoring: assessment.ScoringPolicy{
			Fractional: s.cfg.FractionalScoring || stored.FractionalScoring,
			Grades:     s.cfg.Grades,
		},
		Listener: s.listener(entry),
	}, s.pipeline, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start session")
		return assessment.Snapshot{}, err
	}
	entry.session = session

	runCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel

	s.mu.Lock()
	s.sessions[session.ID()] = entry
	s.mu.Unlock()

	snap := session.Snapshot()
	s.cache.set(spanCtx, cachedSnapshot{StudentID: studentID, AssessmentID: assessmentID, Snapshot: snap})

	go assessment.RunTimer(runCtx, session, s.cfg.NewTicker())
	go s.publishLoop(runCtx, entry)
	go s.watch(entry)

	observability.SessionsStarted().Inc()
	observability.SessionsActive().Inc()
	span.SetAttributes(attribute.String("session.id", session.ID()))
	s.logger.Info().
		Str("session_id", session.ID()).
		Uint("student_id", studentID).
		Uint("assessment_id", assessmentID).
		Msg("assessment session started")

	return snap, nil
}

func (s *sessionService) Get(ctx context.Context, studentID uint, sessionID string) (assessment.Snapshot, error) {
	entry, err := s.lookup(studentID, sessionID)
	if err == nil {
		return entry.session.Snapshot(), nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return assessment.Snapshot{}, err
	}

	cached, err := s.cachedFor(ctx, studentID, sessionID)
	if err != nil {
		return assessment.Snapshot{}, err
	}
	return cached.Snapshot, nil
}

func (s *sessionService) Write(_ context.Context, studentID uint, sessionID string, item assessment.ItemID, patch assessment.AnswerPatch) (assessment.Snapshot, error) {
	entry, err := s.lookup(studentID, sessionID)
	if err != nil {
		return assessment.Snapshot{}, err
	}
	return entry.session.Write(item, patch)
}

func (s *sessionService) Evaluate(ctx context.Context, studentID uint, sessionID string, item assessment.ItemID, mode assessment.Mode, input *string) (assessment.Result, error) {
	entry, err := s.lookup(studentID, sessionID)
	if err != nil {
		return assessment.Result{}, err
	}

	start := time.Now()
	res, err := entry.session.Evaluate(ctx, item, mode, input)
	observability.EvaluationLatency().WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	observability.Evaluations().WithLabelValues(string(mode), outcomeLabel(err)).Inc()
	if errors.Is(err, assessment.ErrQuotaExceeded) {
		observability.QuotaRejections().Inc()
	}

	return res.Redacted(), err
}

func (s *sessionService) Submit(ctx context.Context, studentID uint, sessionID string, item assessment.ItemID, answer assessment.Answer) (assessment.ItemSnapshot, error) {
	entry, err := s.lookup(studentID, sessionID)
	if err != nil {
		return assessment.ItemSnapshot{}, err
	}

	start := time.Now()
	_, err = entry.session.SubmitItem(ctx, item, answer)
	observability.EvaluationLatency().WithLabelValues(string(assessment.ModeSubmit)).Observe(time.Since(start).Seconds())
	observability.Evaluations().WithLabelValues(string(assessment.ModeSubmit), outcomeLabel(err)).Inc()

	snap := entry.session.Snapshot()
	if int(item) < 0 || int(item) >= len(snap.Items) {
		return assessment.ItemSnapshot{}, err
	}
	return snap.Items[item], err
}

func (s *sessionService) Terminate(ctx context.Context, studentID uint, sessionID string) (assessment.Snapshot, error) {
	entry, err := s.lookup(studentID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		cached, cacheErr := s.cachedFor(ctx, studentID, sessionID)
		if cacheErr != nil {
			return assessment.Snapshot{}, cacheErr
		}
		if !cached.Snapshot.Terminated() {
			return assessment.Snapshot{}, ErrSessionNotFound
		}
		return cached.Snapshot, nil
	}
	if err != nil {
		return assessment.Snapshot{}, err
	}

	snap := entry.session.Terminate(ctx)
	select {
	case <-entry.finalized:
	case <-ctx.Done():
		return snap, ctx.Err()
	}
	return snap, nil
}

func (s *sessionService) Summary(ctx context.Context, studentID uint, sessionID string) (assessment.Summary, error) {
	entry, err := s.lookup(studentID, sessionID)
	if err == nil {
		return entry.session.Summary()
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return assessment.Summary{}, err
	}

	if cached, cacheErr := s.cachedFor(ctx, studentID, sessionID); cacheErr == nil && cached.Summary != nil {
		return *cached.Summary, nil
	} else if errors.Is(cacheErr, ErrSessionForbidden) {
		return assessment.Summary{}, cacheErr
	}

	stored, err := s.results.GetBySessionID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return assessment.Summary{}, ErrSessionNotFound
	}
	if err != nil {
		return assessment.Summary{}, fmt.Errorf("load result %s: %w", sessionID, err)
	}
	if stored.StudentID != studentID {
		return assessment.Summary{}, ErrSessionForbidden
	}
	return summaryFromModel(stored), nil
}

func (s *sessionService) Subscribe(ctx context.Context, studentID uint, sessionID string) (assessment.Snapshot, <-chan assessment.Snapshot, func(), error) {
	entry, err := s.lookup(studentID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		cached, cacheErr := s.cachedFor(ctx, studentID, sessionID)
		if cacheErr != nil {
			return assessment.Snapshot{}, nil, nil, cacheErr
		}
		closed := make(chan assessment.Snapshot)
		close(closed)
		return cached.Snapshot, closed, func() {}, nil
	}
	if err != nil {
		return assessment.Snapshot{}, nil, nil, err
	}

	ch := s.broker.subscribe(sessionID)
	observability.StreamClientsActive().Inc()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.broker.unsubscribe(sessionID, ch)
			observability.StreamClientsActive().Dec()
		})
	}
	return entry.session.Snapshot(), ch, cancel, nil
}

func (s *sessionService) Results(ctx context.Context, studentID uint, limit int) ([]models.AssessmentResult, error) {
	return s.results.ListByStudent(ctx, studentID, limit)
}

// Shutdown terminates every active session so its answers are scored and
// stored, then waits for the results to be written or ctx to end.
func (s *sessionService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*liveSession, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	for id, timer := range s.evictors {
		timer.Stop()
		delete(s.evictors, id)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.session.Terminate(ctx)
	}
	for _, entry := range entries {
		select {
		case <-entry.finalized:
		case <-ctx.Done():
			s.logger.Warn().Err(ctx.Err()).Msg("shutdown interrupted before all results were stored")
			return
		}
	}
}

// listener runs under the session lock, so it only hands snapshots off.
func (s *sessionService) listener(entry *liveSession) func(assessment.Snapshot) {
	return func(snap assessment.Snapshot) {
		s.broker.broadcast(snap)
		if snap.Terminated() {
			return
		}
		select {
		case entry.updates <- snap:
			return
		default:
		}
		select {
		case <-entry.updates:
		default:
		}
		select {
		case entry.updates <- snap:
		default:
		}
	}
}

func (s *sessionService) publishLoop(ctx context.Context, entry *liveSession) {
	defer close(entry.publisherDone)
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case snap := <-entry.updates:
			pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			s.cache.set(pubCtx, cachedSnapshot{StudentID: entry.studentID, AssessmentID: entry.assessmentID, Snapshot: snap})
			s.events.publish(pubCtx, SessionEvent{
				Source:    s.nodeID,
				Type:      eventSnapshot,
				StudentID: entry.studentID,
				Snapshot:  snap,
				SentAt:    time.Now().UTC(),
			})
			cancel()
		}
	}
}

// watch finalises a session exactly once after it terminates.
func (s *sessionService) watch(entry *liveSession) {
	<-entry.session.Done()
	entry.cancel()
	<-entry.publisherDone
	defer close(entry.finalized)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	snap := entry.session.Snapshot()
	observability.SessionsActive().Dec()
	observability.SessionsTerminated().WithLabelValues(string(snap.Reason)).Inc()

	summary, err := entry.session.Summary()
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", snap.SessionID).Msg("terminated session has no summary")
		return
	}

	result := s.resultModel(entry, snap, summary)
	created, err := s.results.Save(ctx, &result)
	switch {
	case err != nil:
		observability.ResultsPersisted().WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("session_id", snap.SessionID).Msg("failed to store assessment result")
	case !created:
		observability.ResultsPersisted().WithLabelValues("duplicate").Inc()
		s.logger.Warn().Str("session_id", snap.SessionID).Msg("assessment result already stored")
	default:
		observability.ResultsPersisted().WithLabelValues("created").Inc()
	}

	s.cache.set(ctx, cachedSnapshot{
		StudentID:    entry.studentID,
		AssessmentID: entry.assessmentID,
		Snapshot:     snap,
		Summary:      &summary,
	})
	s.events.publish(ctx, SessionEvent{
		Source:    s.nodeID,
		Type:      eventTerminated,
		StudentID: entry.studentID,
		Snapshot:  snap,
		Summary:   &summary,
		SentAt:    time.Now().UTC(),
	})

	s.logger.Info().
		Str("session_id", snap.SessionID).
		Str("reason", string(snap.Reason)).
		Float64("total_score", summary.TotalScore).
		Float64("max_score", summary.MaxScore).
		Str("grade", summary.Grade).
		Msg("assessment session finished")

	s.mu.Lock()
	s.evictors[snap.SessionID] = time.AfterFunc(s.cfg.Retention, func() { s.evict(snap.SessionID) })
	s.mu.Unlock()
}

func (s *sessionService) evict(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.evictors, sessionID)
}

func (s *sessionService) resultModel(entry *liveSession, snap assessment.Snapshot, summary assessment.Summary) models.AssessmentResult {
	result := models.AssessmentResult{
		SessionID:    snap.SessionID,
		AssessmentID: entry.assessmentID,
		StudentID:    entry.studentID,
		Reason:       string(snap.Reason),
		TotalScore:   summary.TotalScore,
		MaxScore:     summary.MaxScore,
		Percentage:   summary.Percentage,
		Grade:        summary.Grade,
		StartedAt:    entry.startedAt,
		FinishedAt:   time.Now().UTC(),
		Items:        make([]models.AssessmentItemResult, 0, len(summary.Items)),
	}

	for _, line := range summary.Items {
		row := models.AssessmentItemResult{
			Position: int(line.Item),
			Kind:     string(line.Kind),
			Answered: line.Answered,
			Passed:   line.Passed,
			Total:    line.Total,
			Score:    line.Score,
			MaxScore: line.MaxScore,
		}
		if int(line.Item) < len(entry.questionIDs) {
			row.QuestionID = entry.questionIDs[line.Item]
		}

		state, err := entry.session.Item(line.Item)
		if err == nil {
			if state.Definition.Kind == assessment.KindMCQ {
				row.Answer = state.Answer.Option
			} else {
				row.Answer = state.Answer.Code
				row.Language = string(state.Answer.Language)
			}
			if state.LastResult != nil {
				if outputs, err := json.Marshal(state.LastResult.Redacted().Outputs); err == nil {
					row.Outputs = datatypes.JSON(outputs)
				}
			}
		}
		result.Items = append(result.Items, row)
	}
	return result
}

func (s *sessionService) lookup(studentID uint, sessionID string) (*liveSession, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if entry.studentID != studentID {
		return nil, ErrSessionForbidden
	}
	return entry, nil
}

func (s *sessionService) activeFor(studentID, assessmentID uint) *liveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.sessions {
		if entry.studentID != studentID || entry.assessmentID != assessmentID {
			continue
		}
		select {
		case <-entry.session.Done():
		default:
			return entry
		}
	}
	return nil
}

func (s *sessionService) cachedFor(ctx context.Context, studentID uint, sessionID string) (cachedSnapshot, error) {
	cached, err := s.cache.get(ctx, sessionID)
	if errors.Is(err, errCacheMiss) {
		return cachedSnapshot{}, ErrSessionNotFound
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("snapshot cache unavailable")
		return cachedSnapshot{}, ErrSessionNotFound
	}
	if cached.StudentID != studentID {
		return cachedSnapshot{}, ErrSessionForbidden
	}
	return cached, nil
}

func summaryFromModel(result models.AssessmentResult) assessment.Summary {
	summary := assessment.Summary{
		TotalScore: result.TotalScore,
		MaxScore:   result.MaxScore,
		Percentage: result.Percentage,
		Grade:      result.Grade,
		Items:      make([]assessment.ItemBreakdown, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		summary.Items = append(summary.Items, assessment.ItemBreakdown{
			Item:     assessment.ItemID(item.Position),
			Kind:     assessment.Kind(item.Kind),
			Answered: item.Answered,
			Passed:   item.Passed,
			Total:    item.Total,
			Score:    item.Score,
			MaxScore: item.MaxScore,
		})
	}
	return summary
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, assessment.ErrTimeout):
		return "timeout"
	case errors.Is(err, assessment.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, assessment.ErrValidation),
		errors.Is(err, assessment.ErrItemLocked),
		errors.Is(err, assessment.ErrSessionTerminated),
		errors.Is(err, assessment.ErrUnknownItem):
		return "rejected"
	default:
		return "error"
	}
}
