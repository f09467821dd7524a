package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/round-ledger/internal/model"
)

// ProfileCache holds computed profiles for a short TTL. Writers invalidate
// the affected addresses after every committed mutation.
type ProfileCache interface {
	GetProfile(ctx context.Context, address string) (*model.Profile, bool)
	SetProfile(ctx context.Context, p *model.Profile)
	Invalidate(ctx context.Context, addresses ...string)
}

// NopProfileCache never hits.
type NopProfileCache struct{}

func (NopProfileCache) GetProfile(context.Context, string) (*model.Profile, bool) { return nil, false }
func (NopProfileCache) SetProfile(context.Context, *model.Profile)                 {}
func (NopProfileCache) Invalidate(context.Context, ...string)                      {}

// RedisProfileCache is a read-through profile cache in Redis. Cache errors
// are treated as misses; the store stays the source of truth.
type RedisProfileCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisProfileCache creates a Redis-backed profile cache.
func NewRedisProfileCache(rdb *redis.Client, ttl time.Duration) *RedisProfileCache {
	return &RedisProfileCache{rdb: rdb, ttl: ttl}
}

// ConnectRedis parses a redis:// URL and verifies connectivity.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *RedisProfileCache) GetProfile(ctx context.Context, address string) (*model.Profile, bool) {
	data, err := c.rdb.Get(ctx, profileKey(address)).Bytes()
	if err != nil {
		return nil, false
	}
	var p model.Profile
	if json.Unmarshal(data, &p) != nil {
		return nil, false
	}
	return &p, true
}

func (c *RedisProfileCache) SetProfile(ctx context.Context, p *model.Profile) {
	if data, err := json.Marshal(p); err == nil {
		c.rdb.Set(ctx, profileKey(p.Address), data, c.ttl)
	}
}

func (c *RedisProfileCache) Invalidate(ctx context.Context, addresses ...string) {
	if len(addresses) == 0 {
		return
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = profileKey(a)
	}
	c.rdb.Del(ctx, keys...)
}

func profileKey(address string) string { return fmt.Sprintf("profile:%s", address) }
