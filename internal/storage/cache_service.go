package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key namespaces. Keys are <namespace>:<part>:... with every part lowercased.
const (
	nsTrackedWallet = "wallet:tracked"
	nsCurrency      = "currency"
)

// CacheService stores JSON values in Redis with a default TTL
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{redis: redis, ttl: ttl}
}

func cacheKey(namespace string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strings.ToLower(p))
	}
	return b.String()
}

// TrackedWalletKey is wallet:tracked:<address>
func (c *CacheService) TrackedWalletKey(address string) string {
	return cacheKey(nsTrackedWallet, address)
}

// CurrencyKey is currency:<chainId>:<contract>
func (c *CacheService) CurrencyKey(chainID int64, contract string) string {
	return cacheKey(nsCurrency, strconv.FormatInt(chainID, 10), contract)
}

// Set stores value with the default TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get decodes the value under key into dest. A miss is (false, nil).
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	switch {
	case errors.Is(err, ErrCacheMiss):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to decode cache key %s: %w", key, err)
	}
	return true, nil
}

func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	return c.redis.Del(ctx, keys...)
}

// InvalidatePattern removes every key matching a glob, e.g. "currency:1:*"
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	if _, err := c.redis.DeleteMatching(ctx, pattern); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", pattern, err)
	}
	return nil
}
