package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
)

// Entry is the cached view of a session. Payload is the serialized status
// view served to clients; it is empty while a run is in flight.
type Entry struct {
	SessionID string                  `json:"session_id"`
	Status    constants.SessionStatus `json:"status"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Cache is a best-effort read-through layer in front of the database.
type Cache interface {
	Get(ctx context.Context, sessionID string) (*Entry, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, sessionID string) error
}

func statusKey(sessionID string) string {
	return fmt.Sprintf("neuroscan:session:%s:status", sessionID)
}

// RedisCache stores entries as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Dial connects to addr and verifies the server answers PING.
func Dial(ctx context.Context, cfg common.CacheConfig, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisCache(client, cfg.TTL, logger), nil
}

// Get returns common.ErrNotFound on a cache miss.
func (c *RedisCache) Get(ctx context.Context, sessionID string) (*Entry, error) {
	data, err := c.client.Get(ctx, statusKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("status %s: %w", sessionID, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &e, nil
}

// Set overwrites the entry. A terminal entry is never replaced by a
// non-terminal one, so a late in-flight write cannot resurrect a run.
func (c *RedisCache) Set(ctx context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	if !e.Status.IsTerminal() {
		if cur, err := c.Get(ctx, e.SessionID); err == nil && cur.Status.IsTerminal() {
			c.logger.Debug("statuscache.set.skipped", "session_id", e.SessionID, "cached", cur.Status, "incoming", e.Status)
			return nil
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(e.SessionID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("statuscache.set.failed", "session_id", e.SessionID, "err", err)
		return err
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, statusKey(sessionID)).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }

// Noop is used when no redis address is configured; every Get misses.
type Noop struct{}

func (Noop) Get(_ context.Context, sessionID string) (*Entry, error) {
	return nil, fmt.Errorf("status %s: %w", sessionID, common.ErrNotFound)
}

func (Noop) Set(context.Context, Entry) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }
