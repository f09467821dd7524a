package vault

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/round-ledger/internal/model"
)

// BalanceCache stores the last observed vault balance for a TTL.
type BalanceCache interface {
	Get(ctx context.Context, address string) (model.Money, bool)
	Set(ctx context.Context, address string, balance model.Money, ttl time.Duration)
	Invalidate(ctx context.Context, address string)
}

// CachedVault serves Balance from a BalanceCache and drops the cached
// value after every Broadcast or Cancel, successful or not.
type CachedVault struct {
	Vault
	cache BalanceCache
	ttl   time.Duration
}

// NewCachedVault wraps v. A non-positive ttl disables caching.
func NewCachedVault(v Vault, cache BalanceCache, ttl time.Duration) *CachedVault {
	return &CachedVault{Vault: v, cache: cache, ttl: ttl}
}

func (c *CachedVault) Balance(ctx context.Context) (model.Money, error) {
	if c.ttl <= 0 {
		return c.Vault.Balance(ctx)
	}
	addr := c.Vault.Address()
	if b, ok := c.cache.Get(ctx, addr); ok {
		return b, nil
	}
	b, err := c.Vault.Balance(ctx)
	if err != nil {
		return 0, err
	}
	c.cache.Set(ctx, addr, b, c.ttl)
	return b, nil
}

func (c *CachedVault) Broadcast(ctx context.Context, t Transfer) error {
	defer c.cache.Invalidate(context.WithoutCancel(ctx), c.Vault.Address())
	return c.Vault.Broadcast(ctx, t)
}

func (c *CachedVault) Cancel(ctx context.Context, t Transfer) (Transfer, error) {
	defer c.cache.Invalidate(context.WithoutCancel(ctx), c.Vault.Address())
	return c.Vault.Cancel(ctx, t)
}

// Invalidate forces the next Balance call to hit the chain.
func (c *CachedVault) Invalidate(ctx context.Context) {
	c.cache.Invalidate(ctx, c.Vault.Address())
}

// MemoryBalanceCache is a process-local BalanceCache.
type MemoryBalanceCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	balance model.Money
	expires time.Time
}

// NewMemoryBalanceCache creates a cache using now as its clock.
// A nil now uses time.Now.
func NewMemoryBalanceCache(now func() time.Time) *MemoryBalanceCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryBalanceCache{now: now, entries: make(map[string]memEntry)}
}

func (c *MemoryBalanceCache) Get(_ context.Context, address string) (model.Money, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[address]
	if !ok || !c.now().Before(e.expires) {
		return 0, false
	}
	return e.balance, true
}

func (c *MemoryBalanceCache) Set(_ context.Context, address string, balance model.Money, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[address] = memEntry{balance: balance, expires: c.now().Add(ttl)}
}

func (c *MemoryBalanceCache) Invalidate(_ context.Context, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, address)
}

// RedisBalanceCache shares the cached balance across server instances.
// Redis errors are treated as misses.
type RedisBalanceCache struct {
	rdb *redis.Client
}

func NewRedisBalanceCache(rdb *redis.Client) *RedisBalanceCache {
	return &RedisBalanceCache{rdb: rdb}
}

func (c *RedisBalanceCache) Get(ctx context.Context, address string) (model.Money, bool) {
	v, err := c.rdb.Get(ctx, balanceKey(address)).Int64()
	if err != nil {
		return 0, false
	}
	return model.Money(v), true
}

func (c *RedisBalanceCache) Set(ctx context.Context, address string, balance model.Money, ttl time.Duration) {
	c.rdb.Set(ctx, balanceKey(address), strconv.FormatInt(int64(balance), 10), ttl)
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, address string) {
	c.rdb.Del(ctx, balanceKey(address))
}

func balanceKey(address string) string { return "vault:balance:" + address }
