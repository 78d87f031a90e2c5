package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment/internal/assessment"
)

const (
	subscriberBufferSize = 16

	eventSnapshot   = "snapshot"
	eventTerminated = "terminated"
)

// SessionEvent is the message published for every session state change.
type SessionEvent struct {
	Source    string              `json:"source"`
	Type      string              `json:"type"`
	StudentID uint                `json:"student_id"`
	Snapshot  assessment.Snapshot `json:"snapshot"`
	Summary   *assessment.Summary `json:"summary,omitempty"`
	SentAt    time.Time           `json:"sent_at"`
}

// EventPublisher fans session events out to NATS subjects
// "<base>.sessions.<id>". A nil connection disables publishing.
type EventPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewEventPublisher constructs a publisher. Colons in base are mapped to dots.
func NewEventPublisher(conn *nats.Conn, base string, logger zerolog.Logger) *EventPublisher {
	if base == "" {
		base = "gema"
	}
	return &EventPublisher{
		conn:    conn,
		subject: strings.ReplaceAll(base, ":", ".") + ".sessions",
		logger:  logger.With().Str("component", "session_events").Logger(),
	}
}

// Subject returns the subject events for sessionID are published on.
func (p *EventPublisher) Subject(sessionID string) string {
	return p.subject + "." + sessionID
}

func (p *EventPublisher) publish(_ context.Context, event SessionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to encode session event")
		return
	}
	if err := p.conn.Publish(p.Subject(event.Snapshot.SessionID), payload); err != nil {
		p.logger.Warn().Err(err).Str("session_id", event.Snapshot.SessionID).Msg("failed to publish session event")
	}
}

// snapshotBroker delivers snapshots to in-process stream subscribers.
// Slow subscribers miss intermediate snapshots; the latest one always
// supersedes what they missed.
type snapshotBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan assessment.Snapshot]struct{}
}

func newSnapshotBroker() *snapshotBroker {
	return &snapshotBroker{subscribers: make(map[string]map[chan assessment.Snapshot]struct{})}
}

func (b *snapshotBroker) subscribe(sessionID string) chan assessment.Snapshot {
	ch := make(chan assessment.Snapshot, subscriberBufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[chan assessment.Snapshot]struct{})
	}
	b.subscribers[sessionID][ch] = struct{}{}
	return ch
}

func (b *snapshotBroker) unsubscribe(sessionID string, ch chan assessment.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}
}

// broadcast never blocks; it runs under the session lock.
func (b *snapshotBroker) broadcast(snap assessment.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[snap.SessionID] {
		select {
		case ch <- snap:
		default:
			if !snap.Terminated() {
				continue
			}
			// Make room so the final snapshot is never the one dropped.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
