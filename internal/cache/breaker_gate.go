// Package cache holds Redis-backed state shared between intake instances.
package cache

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const defaultPrefix = "intake:breaker:"

// BreakerGate records open source breakers in Redis so every instance
// refuses a tripped source. Keys expire with the cool-down.
type BreakerGate struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewBreakerGate(client goredis.UniversalClient, prefix string) *BreakerGate {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &BreakerGate{client: client, prefix: prefix, now: time.Now}
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "redis: ping %s", addr)
	}
	return client, nil
}

func (g *BreakerGate) key(sourceID string) string {
	return g.prefix + sourceID
}

// Open marks sourceID open for ttl.
func (g *BreakerGate) Open(ctx context.Context, sourceID string, ttl time.Duration) error {
	if ttl <= 0 {
		return eris.Errorf("redis: breaker ttl must be positive, got %s", ttl)
	}
	opened := g.now().UTC().Format(time.RFC3339)
	if err := g.client.Set(ctx, g.key(sourceID), opened, ttl).Err(); err != nil {
		return eris.Wrapf(err, "redis: open breaker %s", sourceID)
	}
	return nil
}

// IsOpen reports whether any instance has sourceID open.
func (g *BreakerGate) IsOpen(ctx context.Context, sourceID string) (bool, error) {
	n, err := g.client.Exists(ctx, g.key(sourceID)).Result()
	if err != nil {
		return false, eris.Wrapf(err, "redis: check breaker %s", sourceID)
	}
	return n > 0, nil
}

// Clear removes the shared open marker.
func (g *BreakerGate) Clear(ctx context.Context, sourceID string) error {
	if err := g.client.Del(ctx, g.key(sourceID)).Err(); err != nil {
		return eris.Wrapf(err, "redis: clear breaker %s", sourceID)
	}
	return nil
}

// OpenedAt returns when the breaker was opened and how long it stays open.
// ok is false when the breaker is not open.
func (g *BreakerGate) OpenedAt(ctx context.Context, sourceID string) (time.Time, time.Duration, bool, error) {
	val, err := g.client.Get(ctx, g.key(sourceID)).Result()
	if eris.Is(err, goredis.Nil) {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, eris.Wrapf(err, "redis: read breaker %s", sourceID)
	}
	at, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, 0, false, eris.Wrapf(err, "redis: parse breaker %s", sourceID)
	}
	ttl, err := g.client.TTL(ctx, g.key(sourceID)).Result()
	if err != nil {
		return time.Time{}, 0, false, eris.Wrapf(err, "redis: ttl breaker %s", sourceID)
	}
	return at, ttl, true, nil
}
