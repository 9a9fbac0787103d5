// Package worker drives the per-chain realtime sync loop.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/transfer-indexer/internal/logging"
)

// RealtimeSyncer runs one realtime round. eventsync.Syncer implements it.
type RealtimeSyncer interface {
	ChainID() int64
	SyncRealtime(ctx context.Context) error
}

// SyncWorker polls one chain on a ticker and runs a realtime round per tick.
// Rounds never overlap.
type SyncWorker struct {
	syncer       RealtimeSyncer
	pollInterval time.Duration

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastPollTime time.Time
	lastError    error
	rounds       int64
	failures     int64
}

// SyncWorkerConfig holds configuration for a sync worker
type SyncWorkerConfig struct {
	Syncer       RealtimeSyncer
	PollInterval time.Duration
}

// SyncWorkerStatus is a snapshot of a worker
type SyncWorkerStatus struct {
	ChainID      int64     `json:"chainId"`
	Running      bool      `json:"running"`
	LastPollTime time.Time `json:"lastPollTime"`
	LastError    string    `json:"lastError,omitempty"`
	Rounds       int64     `json:"rounds"`
	Failures     int64     `json:"failures"`
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(cfg *SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}

	// Default poll interval: 5 seconds
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &SyncWorker{
		syncer:       cfg.Syncer,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start runs a first round immediately and then one per poll interval
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker for chain %d is already running", w.syncer.ChainID())
	}
	w.running = true
	w.mu.Unlock()

	log.Printf("[SyncWorker] Starting sync worker for chain %d with poll interval %v", w.syncer.ChainID(), w.pollInterval)

	go w.pollLoop(ctx)
	return nil
}

// Stop gracefully stops the sync worker, waiting for the current round
func (w *SyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker for chain %d is not running", w.syncer.ChainID())
	}
	w.mu.Unlock()

	log.Printf("[SyncWorker] Stopping sync worker for chain %d", w.syncer.ChainID())
	close(w.stopCh)

	select {
	case <-w.doneCh:
		log.Printf("[SyncWorker] Sync worker for chain %d stopped gracefully", w.syncer.ChainID())
	case <-ctx.Done():
		log.Printf("[SyncWorker] Sync worker for chain %d stop timed out", w.syncer.ChainID())
		return ctx.Err()
	case <-time.After(30 * time.Second):
		log.Printf("[SyncWorker] Sync worker for chain %d stop timed out after 30s", w.syncer.ChainID())
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *SyncWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[SyncWorker] Chain %d: context cancelled", w.syncer.ChainID())
			return
		case <-w.stopCh:
			log.Printf("[SyncWorker] Chain %d: stop signal received", w.syncer.ChainID())
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll runs one round. Errors are logged and the next tick tries again.
func (w *SyncWorker) poll(ctx context.Context) {
	start := time.Now()
	err := w.syncer.SyncRealtime(ctx)

	w.mu.Lock()
	w.lastPollTime = start
	w.lastError = err
	w.rounds++
	if err != nil {
		w.failures++
	}
	w.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		logging.FromContext(ctx).Component("sync-worker").WithChain(w.syncer.ChainID()).
			WithError(err).Error("Realtime sync round failed")
	}
}

// GetStatus returns the current status of the sync worker
func (w *SyncWorker) GetStatus() *SyncWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := &SyncWorkerStatus{
		ChainID:      w.syncer.ChainID(),
		Running:      w.running,
		LastPollTime: w.lastPollTime,
		Rounds:       w.rounds,
		Failures:     w.failures,
	}
	if w.lastError != nil {
		status.LastError = w.lastError.Error()
	}
	return status
}
