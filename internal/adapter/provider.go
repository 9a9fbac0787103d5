package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/transfer-indexer/internal/circuitbreaker"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
)

// Backend is the subset of *ethclient.Client used by the provider.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DialFunc connects to one RPC URL
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the production DialFunc
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	return ethclient.DialContext(ctx, url)
}

// ProviderHealth represents the health status of a data provider
type ProviderHealth struct {
	CurrentURL       string        `json:"currentUrl"`
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

type endpoint struct {
	url     string
	label   string // "primary" / "secondary", never the URL (it may carry an API key)
	breaker *circuitbreaker.CircuitBreaker

	mu      sync.Mutex
	backend Backend
}

// connect dials lazily; the secondary is never dialed while the primary works.
func (e *endpoint) connect(ctx context.Context, dial DialFunc) (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		return e.backend, nil
	}
	b, err := dial(ctx, e.url)
	if err != nil {
		return nil, err
	}
	e.backend = b
	return b, nil
}

// RPCProvider sends calls to a primary endpoint and fails over to the
// secondary on rate limits, timeouts, connection errors, or an open breaker.
type RPCProvider struct {
	chainID   int64
	endpoints []*endpoint
	dial      DialFunc

	mu      sync.RWMutex
	current int

	// Health tracking
	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	// Health thresholds
	maxConsecutiveFails int
	minSuccessRate      float64
}

// NewRPCProvider creates a new RPC provider with primary and optional secondary URLs.
// dial may be nil, in which case ethclient is used.
func NewRPCProvider(chainID int64, primaryURL, secondaryURL string, dial DialFunc) (*RPCProvider, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}
	if dial == nil {
		dial = DialEthclient
	}

	p := &RPCProvider{
		chainID:             chainID,
		dial:                dial,
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
	}
	p.endpoints = append(p.endpoints, p.newEndpoint(primaryURL, "primary"))
	if secondaryURL != "" {
		p.endpoints = append(p.endpoints, p.newEndpoint(secondaryURL, "secondary"))
	}
	return p, nil
}

func (p *RPCProvider) newEndpoint(url, label string) *endpoint {
	chain := strconv.FormatInt(p.chainID, 10)
	cfg := circuitbreaker.DefaultConfig(fmt.Sprintf("rpc:%d:%s", p.chainID, label))
	cfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, ethereum.NotFound)
	}
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.RPCCircuitState.WithLabelValues(chain, label).Set(to.Gauge())
	}
	metrics.RPCCircuitState.WithLabelValues(chain, label).Set(circuitbreaker.StateClosed.Gauge())
	return &endpoint{url: url, label: label, breaker: circuitbreaker.NewCircuitBreaker(cfg)}
}

// Execute runs fn against the current endpoint, failing over at most once per
// configured endpoint.
func (p *RPCProvider) Execute(ctx context.Context, fn func(ctx context.Context, b Backend) error) error {
	var lastErr error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		ep := p.currentEndpoint()

		backend, err := ep.connect(ctx, p.dial)
		if err != nil {
			lastErr = err
			p.RecordFailure(err)
			if p.Failover() != nil {
				break
			}
			continue
		}

		start := time.Now()
		err = ep.breaker.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, backend)
		})
		if err == nil || errors.Is(err, ethereum.NotFound) {
			p.RecordSuccess(time.Since(start))
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		p.RecordFailure(err)
		lastErr = err
		if !shouldFailover(err) {
			return err
		}

		logging.WithFields(map[string]interface{}{
			"chainId":  p.chainID,
			"endpoint": ep.label,
			"error":    err.Error(),
		}).Warn("RPC endpoint failing, switching provider")
		if p.Failover() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrProviderUnavailable
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func (p *RPCProvider) currentEndpoint() *endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current]
}

// CurrentLabel returns "primary" or "secondary"
func (p *RPCProvider) CurrentLabel() string {
	return p.currentEndpoint().label
}

// Failover switches to the next available provider
func (p *RPCProvider) Failover() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) < 2 {
		return fmt.Errorf("no secondary provider configured")
	}
	p.current = (p.current + 1) % len(p.endpoints)
	return nil
}

// RecordSuccess records a successful request for health tracking
func (p *RPCProvider) RecordSuccess(duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.successfulReqs++
	p.totalLatency += duration
	p.lastSuccess = time.Now()
	p.consecutiveFails = 0
}

// RecordFailure records a failed request for health tracking
func (p *RPCProvider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedReqs++
	p.lastFailure = time.Now()
	p.consecutiveFails++
}

// GetHealth returns the current health status of the provider
func (p *RPCProvider) GetHealth() *ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var successRate float64
	if p.totalRequests > 0 {
		successRate = float64(p.successfulReqs) / float64(p.totalRequests)
	}

	var avgLatency time.Duration
	if p.successfulReqs > 0 {
		avgLatency = p.totalLatency / time.Duration(p.successfulReqs)
	}

	return &ProviderHealth{
		CurrentURL:       p.endpoints[p.current].label,
		TotalRequests:    p.totalRequests,
		SuccessfulReqs:   p.successfulReqs,
		FailedReqs:       p.failedReqs,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      p.lastSuccess,
		LastFailure:      p.lastFailure,
		ConsecutiveFails: p.consecutiveFails,
		IsHealthy:        p.isHealthyLocked(),
	}
}

// IsHealthy returns true if the provider is considered healthy
func (p *RPCProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.isHealthyLocked()
}

// isHealthyLocked checks health status (must be called with lock held)
func (p *RPCProvider) isHealthyLocked() bool {
	if p.consecutiveFails >= p.maxConsecutiveFails {
		return false
	}

	// only judge the success rate once there is enough data
	if p.totalRequests >= 10 {
		successRate := float64(p.successfulReqs) / float64(p.totalRequests)
		if successRate < p.minSuccessRate {
			return false
		}
	}

	return true
}

// Reset resets the provider to use the primary endpoint
func (p *RPCProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = 0
	p.consecutiveFails = 0
}

// Close closes every dialed endpoint
func (p *RPCProvider) Close() {
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.backend != nil {
			ep.backend.Close()
			ep.backend = nil
		}
		ep.mu.Unlock()
	}
}

// IsRateLimitError checks if an error is a rate limit error (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "exceeded") && strings.Contains(errStr, "capacity")
}

// shouldFailover determines if an error warrants failing over to another provider
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	if IsRateLimitError(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") {
		return true
	}

	return false
}
