package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/storage"
)

// WalletStore is the durable tracked-wallet table.
// storage.WalletRepository implements it.
type WalletStore interface {
	SetTracking(ctx context.Context, accountID, address string, status int) error
	IsTracked(ctx context.Context, address string) (bool, error)
}

// WalletTrackerConfig sets how long each cache layer trusts an answer
type WalletTrackerConfig struct {
	MemoTTL     time.Duration // in-process entries
	MemoMax     int           // in-process entry cap, 0 for none
	TrackedTTL  time.Duration // redis entries for tracked wallets
	NegativeTTL time.Duration // redis entries for untracked wallets
}

// DefaultWalletTrackerConfig returns the default TTLs
func DefaultWalletTrackerConfig() WalletTrackerConfig {
	return WalletTrackerConfig{
		MemoTTL:     30 * time.Second,
		MemoMax:     100_000,
		TrackedTTL:  24 * time.Hour,
		NegativeTTL: 5 * time.Minute,
	}
}

type memoEntry struct {
	tracked bool
	expires time.Time
}

// WalletTracker answers "is this address tracked by anyone" through three
// layers: an in-process memo, redis and Postgres. Hits fill the layers above.
type WalletTracker struct {
	store WalletStore
	cache *storage.CacheService // nil disables the redis layer
	cfg   WalletTrackerConfig
	now   func() time.Time

	mu        sync.RWMutex
	memo      map[string]memoEntry
	lastSweep time.Time
}

// NewWalletTracker creates a tracker. cache may be nil.
func NewWalletTracker(store WalletStore, cache *storage.CacheService, cfg WalletTrackerConfig) *WalletTracker {
	return &WalletTracker{
		store: store,
		cache: cache,
		cfg:   cfg,
		now:   time.Now,
		memo:  make(map[string]memoEntry),
	}
}

// IsCachedWallet reports whether any active account tracks the address
func (t *WalletTracker) IsCachedWallet(ctx context.Context, address string) (bool, error) {
	address = strings.ToLower(address)

	if tracked, ok := t.fromMemo(address); ok {
		metrics.WalletCacheLookups.WithLabelValues("memo").Inc()
		return tracked, nil
	}

	if t.cache != nil {
		var tracked bool
		found, err := t.cache.Get(ctx, t.cache.TrackedWalletKey(address), &tracked)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("address", address).Warn("Tracked wallet cache read failed")
		} else if found {
			metrics.WalletCacheLookups.WithLabelValues("redis").Inc()
			t.remember(address, tracked)
			return tracked, nil
		}
	}

	tracked, err := t.store.IsTracked(ctx, address)
	if err != nil {
		return false, err
	}
	metrics.WalletCacheLookups.WithLabelValues("postgres").Inc()
	t.fill(ctx, address, tracked)
	return tracked, nil
}

// EnableWalletTracking marks the address tracked for the account
func (t *WalletTracker) EnableWalletTracking(ctx context.Context, accountID, address string) error {
	address = strings.ToLower(address)
	if err := t.store.SetTracking(ctx, accountID, address, models.WalletEnabled); err != nil {
		return err
	}
	t.fill(ctx, address, true)
	return nil
}

// DisableWalletTracking stops tracking for one account. Other accounts may
// still track the address, so the cached answer is dropped rather than
// overwritten.
func (t *WalletTracker) DisableWalletTracking(ctx context.Context, accountID, address string) error {
	address = strings.ToLower(address)
	if err := t.store.SetTracking(ctx, accountID, address, models.WalletDisabled); err != nil {
		return err
	}
	return t.Invalidate(ctx, address)
}

// Invalidate drops the cached answer for the address from every layer
func (t *WalletTracker) Invalidate(ctx context.Context, address string) error {
	address = strings.ToLower(address)
	t.mu.Lock()
	delete(t.memo, address)
	t.mu.Unlock()

	if t.cache == nil {
		return nil
	}
	return t.cache.Invalidate(ctx, t.cache.TrackedWalletKey(address))
}

func (t *WalletTracker) fromMemo(address string) (bool, bool) {
	now := t.now()
	t.mu.RLock()
	e, ok := t.memo[address]
	t.mu.RUnlock()
	if !ok {
		return false, false
	}
	if now.After(e.expires) {
		t.mu.Lock()
		if cur, ok := t.memo[address]; ok && now.After(cur.expires) {
			delete(t.memo, address)
		}
		t.mu.Unlock()
		return false, false
	}
	return e.tracked, true
}

func (t *WalletTracker) remember(address string, tracked bool) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastSweep) >= t.cfg.MemoTTL || (t.cfg.MemoMax > 0 && len(t.memo) >= t.cfg.MemoMax) {
		t.sweepLocked(now)
	}
	t.memo[address] = memoEntry{tracked: tracked, expires: now.Add(t.cfg.MemoTTL)}
}

// sweepLocked drops expired entries, then arbitrary ones until there is room
// for one more under MemoMax. Callers hold t.mu.
func (t *WalletTracker) sweepLocked(now time.Time) {
	for addr, e := range t.memo {
		if now.After(e.expires) {
			delete(t.memo, addr)
		}
	}
	if t.cfg.MemoMax > 0 {
		for addr := range t.memo {
			if len(t.memo) < t.cfg.MemoMax {
				break
			}
			delete(t.memo, addr)
		}
	}
	t.lastSweep = now
}

func (t *WalletTracker) fill(ctx context.Context, address string, tracked bool) {
	t.remember(address, tracked)
	if t.cache == nil {
		return
	}
	ttl := t.cfg.TrackedTTL
	if !tracked {
		ttl = t.cfg.NegativeTTL
	}
	if err := t.cache.SetWithTTL(ctx, t.cache.TrackedWalletKey(address), tracked, ttl); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("address", address).Warn("Tracked wallet cache write failed")
	}
}
