// Package ratelimit paces RPC calls per chain. Realtime sync draws from the
// full request budget; backfill is additionally capped to a share of it so
// it can never starve the head of the chain.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/transfer-indexer/internal/metrics"
)

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for realtime sync and notification lookups.
	PriorityHigh Priority = iota
	// PriorityLow is for backfill operations (capped share of the budget).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so RPC calls made under it are paced at p.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx, PriorityHigh if none.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// Config holds the limiter settings for one chain.
type Config struct {
	ChainID           int64
	RequestsPerSecond int
	BackfillPct       int // 0-100
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive, got %d", c.RequestsPerSecond)
	}
	if c.BackfillPct < 0 || c.BackfillPct > 100 {
		return fmt.Errorf("backfill share must be between 0 and 100, got %d", c.BackfillPct)
	}
	return nil
}

// Limiter is a two-tier token bucket. Every call takes a token from total;
// low-priority calls take one from backfill first.
type Limiter struct {
	chain    string
	total    *rate.Limiter
	backfill *rate.Limiter
}

// NewLimiter creates a limiter from cfg.
func NewLimiter(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backfillRPS := float64(cfg.RequestsPerSecond) * float64(cfg.BackfillPct) / 100
	backfillBurst := max(1, cfg.RequestsPerSecond*cfg.BackfillPct/100)

	return &Limiter{
		chain:    strconv.FormatInt(cfg.ChainID, 10),
		total:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
		backfill: rate.NewLimiter(rate.Limit(backfillRPS), backfillBurst),
	}, nil
}

// Wait blocks until the priority carried by ctx may issue one request.
func (l *Limiter) Wait(ctx context.Context) error {
	p := PriorityFrom(ctx)
	start := time.Now()

	if p == PriorityLow {
		if err := l.backfill.Wait(ctx); err != nil {
			return err
		}
	}
	if err := l.total.Wait(ctx); err != nil {
		return err
	}

	metrics.RPCThrottleWait.WithLabelValues(l.chain, p.String()).Observe(time.Since(start).Seconds())
	return nil
}

// Allow reports whether a request at priority p may proceed right now
// without waiting. It consumes a token when it returns true.
func (l *Limiter) Allow(p Priority) bool {
	now := time.Now()
	if p == PriorityLow {
		r := l.backfill.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			return false
		}
		if !l.total.AllowN(now, 1) {
			r.CancelAt(now)
			return false
		}
		return true
	}
	return l.total.AllowN(now, 1)
}
