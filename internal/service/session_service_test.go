package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	"github.com/noah-isme/gema-assessment/internal/evaluation"
	"github.com/noah-isme/gema-assessment/internal/models"
	"github.com/noah-isme/gema-assessment/internal/repository"
)

const (
	studentID     = uint(1)
	otherStudent  = uint(2)
	correctSource = "print(sum)"
	wrongSource   = "print(half)"
)

type manualTicker struct {
	ch chan time.Time
}

func (m manualTicker) C() <-chan time.Time { return m.ch }
func (m manualTicker) Stop()               {}

type sessionFixture struct {
	db       *gorm.DB
	mini     *miniredis.Miniredis
	redis    *redis.Client
	backend  *evaluation.ScriptedBackend
	service  SessionService
	cache    *SnapshotCache
	tickers  chan manualTicker
	assessID uint
}

func newSessionFixture(t *testing.T, duration int) *sessionFixture {
	t.Helper()

	mini := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Assessment{}, &models.Question{}, &models.AssessmentResult{}, &models.AssessmentItemResult{}))

	mcq := models.Question{Kind: models.QuestionKindMCQ, MaxScore: 1, CorrectOption: "B"}
	mcq.SetOptions([]string{"A", "B", "C"})
	coding := models.Question{Kind: models.QuestionKindCoding, MaxScore: 2}
	coding.SetSampleCases([]models.TestCase{{Input: "1 2", Expected: "3"}, {Input: "2 2", Expected: "4"}})
	coding.SetLanguages([]string{"python"})

	stored := models.Assessment{Title: "Quiz", DurationSeconds: duration, Questions: []models.Question{mcq, coding}}
	assessments := repository.NewAssessmentRepository(db)
	require.NoError(t, assessments.Create(context.Background(), &stored))

	backend := evaluation.NewScriptedBackend().
		On(correctSource, "1 2", "3\n").
		On(correctSource, "2 2", "4\n").
		On(wrongSource, "1 2", "3\n").
		On(wrongSource, "2 2", "5\n")
	pipeline := evaluation.NewCasePipeline(backend, zerolog.Nop())

	cache := NewSnapshotCache(redisClient, "test", time.Hour, zerolog.Nop())
	tickers := make(chan manualTicker, 4)
	svc := NewSessionService(
		assessments,
		repository.NewResultRepository(db),
		pipeline,
		cache,
		NewEventPublisher(nil, "test", zerolog.Nop()),
		SessionServiceConfig{
			Retention: time.Hour,
			NewTicker: func() assessment.Ticker {
				ticker := manualTicker{ch: make(chan time.Time)}
				tickers <- ticker
				return ticker
			},
		},
		zerolog.Nop(),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	return &sessionFixture{
		db:       db,
		mini:     mini,
		redis:    redisClient,
		backend:  backend,
		service:  svc,
		cache:    cache,
		tickers:  tickers,
		assessID: stored.ID,
	}
}

func (f *sessionFixture) start(t *testing.T) assessment.Snapshot {
	t.Helper()
	snap, err := f.service.Start(context.Background(), studentID, f.assessID)
	require.NoError(t, err)
	return snap
}

func (f *sessionFixture) storedResult(t *testing.T, sessionID string) models.AssessmentResult {
	t.Helper()
	result, err := repository.NewResultRepository(f.db).GetBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	return result
}

func TestSessionServiceStartResumesActiveSession(t *testing.T) {
	f := newSessionFixture(t, 60)
	first := f.start(t)
	require.Equal(t, assessment.StatusActive, first.Status)
	require.Len(t, first.Items, 2)
	require.Equal(t, 60, first.RemainingSeconds)

	second := f.start(t)
	require.Equal(t, first.SessionID, second.SessionID)

	_, err := f.service.Start(context.Background(), studentID, f.assessID+99)
	require.ErrorIs(t, err, ErrAssessmentNotFound)
}

func TestSessionServiceRejectsOtherStudents(t *testing.T) {
	f := newSessionFixture(t, 60)
	snap := f.start(t)
	ctx := context.Background()

	_, err := f.service.Get(ctx, otherStudent, snap.SessionID)
	require.ErrorIs(t, err, ErrSessionForbidden)

	_, err = f.service.Evaluate(ctx, otherStudent, snap.SessionID, 1, assessment.ModeTestRun, nil)
	require.ErrorIs(t, err, ErrSessionForbidden)

	_, err = f.service.Get(ctx, studentID, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionServiceTerminatePersistsResultOnce(t *testing.T) {
	f := newSessionFixture(t, 600)
	snap := f.start(t)
	ctx := context.Background()

	option := "B"
	_, err := f.service.Write(ctx, studentID, snap.SessionID, 0, assessment.AnswerPatch{Option: &option})
	require.NoError(t, err)

	code := wrongSource
	lang := assessment.LanguagePython
	_, err = f.service.Write(ctx, studentID, snap.SessionID, 1, assessment.AnswerPatch{Code: &code, Language: &lang})
	require.NoError(t, err)

	res, err := f.service.Evaluate(ctx, studentID, snap.SessionID, 1, assessment.ModeTestRun, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Passed)
	require.Equal(t, 2, res.Total)

	_, err = f.service.Summary(ctx, studentID, snap.SessionID)
	require.ErrorIs(t, err, assessment.ErrSessionActive)

	final, err := f.service.Terminate(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	require.Equal(t, assessment.StatusTerminated, final.Status)
	require.Equal(t, assessment.ReasonSubmitted, final.Reason)

	again, err := f.service.Terminate(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	require.Equal(t, final.Version, again.Version)

	summary, err := f.service.Summary(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2.0, summary.TotalScore, "mcq plus floor(2 * 1/2)")
	require.Equal(t, 3.0, summary.MaxScore)
	require.Equal(t, 67, summary.Percentage)
	require.Equal(t, "B", summary.Grade)

	stored := f.storedResult(t, snap.SessionID)
	require.Equal(t, "submitted", stored.Reason)
	require.Equal(t, studentID, stored.StudentID)
	require.Len(t, stored.Items, 2)
	require.Equal(t, "B", stored.Items[0].Answer)
	require.Equal(t, wrongSource, stored.Items[1].Answer)
	require.Equal(t, "python", stored.Items[1].Language)

	var count int64
	require.NoError(t, f.db.Model(&models.AssessmentResult{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	results, err := f.service.Results(ctx, studentID, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSessionServiceExpiryAutoSubmits(t *testing.T) {
	f := newSessionFixture(t, 3)
	snap := f.start(t)
	ctx := context.Background()
	ticker := <-f.tickers

	code := correctSource
	lang := assessment.LanguagePython
	_, err := f.service.Write(ctx, studentID, snap.SessionID, 1, assessment.AnswerPatch{Code: &code, Language: &lang})
	require.NoError(t, err)

	_, updates, cancel, err := f.service.Subscribe(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
	}

	var last assessment.Snapshot
	require.Eventually(t, func() bool {
		for {
			select {
			case s, ok := <-updates:
				if !ok {
					return last.Terminated()
				}
				last = s
				if s.Terminated() {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, assessment.ReasonExpired, last.Reason)
	require.Equal(t, 0, last.RemainingSeconds)
	for _, item := range last.Items {
		require.True(t, item.Locked)
	}

	require.Eventually(t, func() bool {
		var count int64
		f.db.Model(&models.AssessmentResult{}).Where("session_id = ?", snap.SessionID).Count(&count)
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	stored := f.storedResult(t, snap.SessionID)
	require.Equal(t, "expired", stored.Reason)
	require.Equal(t, 2.0, stored.TotalScore)
	require.False(t, stored.Items[0].Answered)
}

func TestSessionServiceSubmitReturnsLockedItem(t *testing.T) {
	f := newSessionFixture(t, 600)
	snap := f.start(t)
	ctx := context.Background()

	item, err := f.service.Submit(ctx, studentID, snap.SessionID, 1, assessment.Answer{Code: correctSource, Language: assessment.LanguagePython})
	require.NoError(t, err)
	require.True(t, item.Locked)
	require.NotNil(t, item.Score)
	require.Equal(t, 2.0, *item.Score)

	_, err = f.service.Evaluate(ctx, studentID, snap.SessionID, 1, assessment.ModeTestRun, nil)
	require.True(t, errors.Is(err, assessment.ErrItemLocked))
}

func TestSessionServiceFallsBackToCacheAfterEviction(t *testing.T) {
	f := newSessionFixture(t, 600)
	snap := f.start(t)
	ctx := context.Background()

	_, err := f.service.Terminate(ctx, studentID, snap.SessionID)
	require.NoError(t, err)

	impl := f.service.(*sessionService)
	impl.evict(snap.SessionID)

	cachedSnap, err := f.service.Get(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	require.True(t, cachedSnap.Terminated())

	summary, err := f.service.Summary(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	require.Equal(t, 3.0, summary.MaxScore)

	_, err = f.service.Summary(ctx, otherStudent, snap.SessionID)
	require.ErrorIs(t, err, ErrSessionForbidden)

	raw, err := f.redis.Get(ctx, "test:sessions:"+snap.SessionID).Result()
	require.NoError(t, err)
	var cached cachedSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	require.NotNil(t, cached.Summary)

	// With the cache gone, the summary still comes from the stored result.
	f.mini.FlushAll()
	summary, err = f.service.Summary(ctx, studentID, snap.SessionID)
	require.NoError(t, err)
	require.Equal(t, "F", summary.Grade)
	require.Len(t, summary.Items, 2)

	_, err = f.service.Get(ctx, studentID, snap.SessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSnapshotBrokerKeepsFinalSnapshot(t *testing.T) {
	broker := newSnapshotBroker()
	ch := broker.subscribe("s1")

	for i := 0; i < subscriberBufferSize+5; i++ {
		broker.broadcast(assessment.Snapshot{SessionID: "s1", Status: assessment.StatusActive, Version: uint64(i)})
	}
	broker.broadcast(assessment.Snapshot{SessionID: "s1", Status: assessment.StatusTerminated})

	var last assessment.Snapshot
	for len(ch) > 0 {
		last = <-ch
	}
	require.True(t, last.Terminated())

	broker.unsubscribe("s1", ch)
	_, ok := <-ch
	require.False(t, ok)
	broker.unsubscribe("s1", ch)
}
