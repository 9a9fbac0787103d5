// Package reorg compares stored block hashes with the canonical chain and
// repairs the ledger when a stored block turns out to be orphaned.
package reorg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/transfer-indexer/internal/adapter"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/models"
)

// DuplicateBlockDelays are the checks scheduled as soon as a height has more
// than one stored hash.
var DuplicateBlockDelays = []time.Duration{10 * time.Second, 30 * time.Second}

// BlockStore is the block side of the store. storage.BlockRepository implements it.
type BlockStore interface {
	GetBlocks(ctx context.Context, chainID int64, number uint64) ([]*models.Block, error)
	DeleteBlock(ctx context.Context, chainID int64, number uint64, hash string) error
}

// EventRemover reverts the ledger effect of one block. ledger.Writer implements it.
type EventRemover interface {
	RemoveEvents(ctx context.Context, chainID int64, block uint64, blockHash string) error
}

// ActivityRemover drops the user activities of one block.
// storage.UserActivityRepository implements it.
type ActivityRemover interface {
	DeleteByBlock(ctx context.Context, chainID int64, block uint64, blockHash string) (int64, error)
}

// CheckResult reports what a block check found
type CheckResult struct {
	Block     uint64
	Canonical string
	Checked   []string
	Orphaned  []string
}

// Checker detects and repairs orphaned blocks
type Checker struct {
	clients    map[int64]adapter.ChainClient
	blocks     BlockStore
	ledger     EventRemover
	activities ActivityRemover
	queue      job.Enqueuer
}

// NewChecker creates a reorg checker
func NewChecker(clients map[int64]adapter.ChainClient, blocks BlockStore, ledger EventRemover, activities ActivityRemover, queue job.Enqueuer) *Checker {
	return &Checker{
		clients:    clients,
		blocks:     blocks,
		ledger:     ledger,
		activities: activities,
		queue:      queue,
	}
}

// CheckBlock compares the stored hash (or, with an empty blockHash, every
// stored hash at the height) with the canonical one. Each orphaned hash gets
// a prioritized backfill of the height, its events and activities removed,
// and its block row deleted, in that order.
func (c *Checker) CheckBlock(ctx context.Context, chainID int64, block uint64, blockHash string) (*CheckResult, error) {
	client, ok := c.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC client configured for chain %d", chainID)
	}
	chain := strconv.FormatInt(chainID, 10)
	metrics.ReorgChecks.WithLabelValues(chain).Inc()

	upstream, err := client.BlockWithTransactions(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("fetch canonical block %d: %w", block, err)
	}
	result := &CheckResult{Block: block, Canonical: strings.ToLower(upstream.Hash().Hex())}

	if blockHash != "" {
		result.Checked = []string{strings.ToLower(blockHash)}
	} else {
		stored, err := c.blocks.GetBlocks(ctx, chainID, block)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(stored))
		for _, b := range stored {
			if !seen[b.Hash] {
				seen[b.Hash] = true
				result.Checked = append(result.Checked, b.Hash)
			}
		}
	}

	logger := logging.FromContext(ctx).Component("reorg").WithChain(chainID)
	for _, hash := range result.Checked {
		if hash == result.Canonical {
			continue
		}
		logger.WithFields(map[string]interface{}{
			"block":     block,
			"blockHash": hash,
			"canonical": result.Canonical,
		}).Warn("Detected orphaned block")
		metrics.ReorgsDetected.WithLabelValues(chain).Inc()

		if err := c.handleOrphan(ctx, chainID, block, hash); err != nil {
			return result, err
		}
		result.Orphaned = append(result.Orphaned, hash)
	}
	return result, nil
}

func (c *Checker) handleOrphan(ctx context.Context, chainID int64, block uint64, hash string) error {
	resync := job.BackfillJobs(job.BackfillPayload{ChainID: chainID, FromBlock: block, ToBlock: block}, 1, job.PriorityHigh)
	for _, j := range resync {
		if _, err := c.queue.Enqueue(ctx, j); err != nil {
			return fmt.Errorf("enqueue resync of block %d: %w", block, err)
		}
	}
	if err := c.ledger.RemoveEvents(ctx, chainID, block, hash); err != nil {
		return err
	}
	if _, err := c.activities.DeleteByBlock(ctx, chainID, block, hash); err != nil {
		return err
	}
	return c.blocks.DeleteBlock(ctx, chainID, block, hash)
}

// ScheduleChecks enqueues one delayed check of (block, hash) per delay. The
// job ids are deterministic so scheduling the same check twice stores it once.
func (c *Checker) ScheduleChecks(ctx context.Context, chainID int64, block uint64, blockHash string, delays []time.Duration) error {
	for _, d := range delays {
		_, err := c.queue.Enqueue(ctx, &job.Job{
			ID:    job.BlockCheckID(chainID, block, blockHash, d),
			Kind:  job.KindBlockCheck,
			Delay: d,
			BlockCheck: &job.BlockCheckPayload{
				ChainID:   chainID,
				Block:     block,
				BlockHash: blockHash,
			},
		})
		if err != nil {
			return fmt.Errorf("schedule check of block %d after %s: %w", block, d, err)
		}
	}
	return nil
}

// HandleJob runs a queued block check
func (c *Checker) HandleJob(ctx context.Context, j *job.Job) error {
	p := j.BlockCheck
	_, err := c.CheckBlock(ctx, p.ChainID, p.Block, p.BlockHash)
	return err
}

// MinutesToDelays converts configured check minutes into delays
func MinutesToDelays(minutes []int) []time.Duration {
	out := make([]time.Duration, 0, len(minutes))
	for _, m := range minutes {
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out
}
