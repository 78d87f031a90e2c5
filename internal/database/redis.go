package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot writes sit on the publish path of every session, so a slow
// redis must fail fast instead of queueing behind the pool.
const (
	redisDialTimeout  = 2 * time.Second
	redisReadTimeout  = 500 * time.Millisecond
	redisWriteTimeout = 500 * time.Millisecond
)

// ConnectRedis configures a Redis client using the supplied URL. Timeouts
// set explicitly in the URL are kept.
func ConnectRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	applyRedisDefaults(options)

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return client, nil
}

func applyRedisDefaults(options *redis.Options) {
	if options.ClientName == "" {
		options.ClientName = "gema-assessment"
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = redisDialTimeout
	}
	if options.ReadTimeout == 0 {
		options.ReadTimeout = redisReadTimeout
	}
	if options.WriteTimeout == 0 {
		options.WriteTimeout = redisWriteTimeout
	}
}
