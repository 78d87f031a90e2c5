package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment/internal/assessment"
)

// errCacheMiss is returned by SnapshotCache.Get when nothing is cached.
var errCacheMiss = errors.New("snapshot not cached")

type cachedSnapshot struct {
	StudentID    uint                `json:"student_id"`
	AssessmentID uint                `json:"assessment_id"`
	Snapshot     assessment.Snapshot `json:"snapshot"`
	Summary      *assessment.Summary `json:"summary,omitempty"`
}

// SnapshotCache keeps the latest snapshot of each session in Redis so that
// reads survive registry eviction and reach other nodes.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewSnapshotCache returns a cache writing under "<base>:sessions:<id>". A nil
// client yields a cache that stores nothing.
func NewSnapshotCache(client *redis.Client, base string, ttl time.Duration, logger zerolog.Logger) *SnapshotCache {
	if base == "" {
		base = "gema"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &SnapshotCache{
		client: client,
		prefix: base + ":sessions:",
		ttl:    ttl,
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

func (c *SnapshotCache) key(sessionID string) string {
	return c.prefix + sessionID
}

func (c *SnapshotCache) set(ctx context.Context, entry cachedSnapshot) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to encode snapshot")
		return
	}
	if err := c.client.Set(ctx, c.key(entry.Snapshot.SessionID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("session_id", entry.Snapshot.SessionID).Msg("failed to store snapshot")
	}
}

func (c *SnapshotCache) get(ctx context.Context, sessionID string) (cachedSnapshot, error) {
	if c == nil || c.client == nil {
		return cachedSnapshot{}, errCacheMiss
	}
	raw, err := c.client.Get(ctx, c.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return cachedSnapshot{}, errCacheMiss
	}
	if err != nil {
		return cachedSnapshot{}, fmt.Errorf("read snapshot cache: %w", err)
	}

	var entry cachedSnapshot
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return cachedSnapshot{}, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return entry, nil
}
