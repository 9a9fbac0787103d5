// Package eventsync pulls token event logs for a block range, records them
// in the ledger and keeps the realtime sync position of a chain.
package eventsync

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/transfer-indexer/internal/adapter"
	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/events"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/ratelimit"
	"github.com/transfer-indexer/internal/types"
)

// Mode labels a sync run in logs and metrics
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeBackfill Mode = "backfill"
)

// Ledger records transfer events. ledger.Writer implements it.
type Ledger interface {
	AddEvents(ctx context.Context, events []*models.TransferEvent, backfill bool, chainID int64) error
}

// AssetFilter reports whether a token contract is allow-listed
type AssetFilter interface {
	IsValid(chainID int64, contract string) bool
}

// BlockStore is the block side of the store. storage.BlockRepository implements it.
type BlockStore interface {
	SaveBlock(ctx context.Context, chainID int64, block *models.Block) (*models.Block, error)
	GetBlocks(ctx context.Context, chainID int64, number uint64) ([]*models.Block, error)
}

// ProgressStore holds the realtime marker.
// storage.SyncProgressRepository implements it.
type ProgressStore interface {
	GetLastSynced(ctx context.Context, chainID int64) (uint64, error)
	SetLastSynced(ctx context.Context, chainID int64, block uint64) error
}

// ReorgScheduler queues delayed block checks. reorg.Checker implements it.
type ReorgScheduler interface {
	ScheduleChecks(ctx context.Context, chainID int64, block uint64, blockHash string, delays []time.Duration) error
}

// Config holds the per-chain sync settings
type Config struct {
	ChainID             int64
	MaxBlockLag         uint64
	SafetyMargin        uint64
	EnableReorgCheck    bool
	ReorgCheckDelays    []time.Duration
	DuplicateDelays     []time.Duration
	PrefetchThreshold   uint64
	PrefetchConcurrency int
	BackfillChunkSize   uint64
}

// Deps are the collaborators of a Syncer
type Deps struct {
	Client   adapter.ChainClient
	Registry *events.Registry
	Fetcher  events.BlockFetcher
	Blocks   BlockStore
	Ledger   Ledger
	Assets   AssetFilter
	Progress ProgressStore
	Queue    job.Enqueuer
	Reorg    ReorgScheduler
}

// SyncOptions narrows a sync run. Kinds limits the log filter to those
// event kinds; Address limits it to one emitting contract.
type SyncOptions struct {
	Backfill bool
	Kinds    []events.Kind
	Address  string
}

// SyncResult summarizes one SyncEvents run
type SyncResult struct {
	Logs      int
	Transfers int
	Approvals int
	Blocks    int
}

// Syncer syncs one chain
type Syncer struct {
	cfg   Config
	deps  Deps
	chain string
}

// NewSyncer creates a syncer for cfg.ChainID
func NewSyncer(cfg Config, deps Deps) *Syncer {
	if cfg.PrefetchThreshold == 0 {
		cfg.PrefetchThreshold = 32
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = 32
	}
	if cfg.BackfillChunkSize == 0 {
		cfg.BackfillChunkSize = 100
	}
	return &Syncer{cfg: cfg, deps: deps, chain: strconv.FormatInt(cfg.ChainID, 10)}
}

// ChainID returns the chain this syncer serves
func (s *Syncer) ChainID() int64 { return s.cfg.ChainID }

// SyncRealtime advances the realtime marker to the head (minus the safety
// margin), syncing at most MaxBlockLag blocks and handing any gap it skipped
// to the backfill queue.
func (s *Syncer) SyncRealtime(ctx context.Context) error {
	logger := logging.FromContext(ctx).Component("eventsync").WithChain(s.cfg.ChainID)

	last, err := s.deps.Progress.GetLastSynced(ctx, s.cfg.ChainID)
	if err != nil {
		return s.fail(err)
	}
	head, err := s.deps.Client.BlockNumber(ctx)
	if err != nil {
		return s.fail(err)
	}
	metrics.SyncHeadBlock.WithLabelValues(s.chain).Set(float64(head))

	if last >= head {
		return nil
	}

	from := head
	if last > 0 {
		from = last + 1
		if head+1 > s.cfg.MaxBlockLag {
			from = max(from, head+1-s.cfg.MaxBlockLag)
		}
	}

	if _, err := s.SyncEvents(ctx, from, head, SyncOptions{}); err != nil {
		return s.fail(err)
	}

	// The gap must be queued before the marker moves past it.
	if last > 0 && from > last+1 {
		gap := job.BackfillPayload{ChainID: s.cfg.ChainID, FromBlock: last + 1, ToBlock: from - 1}
		n, err := s.enqueueBackfill(ctx, gap, job.PriorityNormal)
		if err != nil {
			return s.fail(err)
		}
		logger.WithFields(map[string]interface{}{
			"fromBlock": gap.FromBlock,
			"toBlock":   gap.ToBlock,
			"jobs":      n,
		}).Warn("Realtime sync fell behind, backfilling gap")
	}

	marker := uint64(0)
	if head > s.cfg.SafetyMargin {
		marker = head - s.cfg.SafetyMargin
	}
	if err := s.deps.Progress.SetLastSynced(ctx, s.cfg.ChainID, marker); err != nil {
		return s.fail(err)
	}
	metrics.SyncLastSyncedBlock.WithLabelValues(s.chain).Set(float64(marker))

	logger.WithFields(map[string]interface{}{
		"fromBlock": from,
		"toBlock":   head,
		"marker":    marker,
	}).Debug("Realtime sync round complete")
	return nil
}

// SyncEvents fetches, classifies and records the token events of
// [from, to]. Realtime runs also queue activity jobs and reorg checks.
func (s *Syncer) SyncEvents(ctx context.Context, from, to uint64, opts SyncOptions) (*SyncResult, error) {
	if to < from {
		return nil, apperrors.NewValidationError("toBlock", fmt.Sprintf("%d is before fromBlock %d", to, from))
	}

	mode := ModeRealtime
	if opts.Backfill {
		mode = ModeBackfill
		ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityLow)
	}
	start := time.Now()
	defer func() {
		metrics.SyncRangeLatency.WithLabelValues(s.chain, string(mode)).Observe(time.Since(start).Seconds())
	}()

	cache := events.NewBlockCache(s.deps.Fetcher)
	if !opts.Backfill && to-from+1 <= s.cfg.PrefetchThreshold {
		if err := cache.Warm(ctx, s.cfg.ChainID, from, to, s.cfg.PrefetchConcurrency); err != nil {
			return nil, fmt.Errorf("prefetch blocks %d-%d: %w", from, to, err)
		}
	}

	logs, err := s.deps.Client.Logs(ctx, s.filter(from, to, opts))
	if err != nil {
		return nil, err
	}

	type blockRef struct {
		number uint64
		hash   string
	}
	var (
		refs     []blockRef
		seen     = make(map[blockRef]bool)
		enhanced []events.EnhancedEvent
	)
	for i := range logs {
		l := &logs[i]
		if l.Removed {
			continue
		}
		env, err := events.ParseEvent(ctx, l, cache, s.cfg.ChainID)
		if err != nil {
			return nil, err
		}

		ref := blockRef{number: env.Block, hash: env.BlockHash}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
			if _, err := s.deps.Blocks.SaveBlock(ctx, s.cfg.ChainID, &models.Block{
				ChainID:   s.cfg.ChainID,
				Number:    env.Block,
				Hash:      env.BlockHash,
				Timestamp: env.Timestamp,
			}); err != nil {
				return nil, err
			}
		}

		data, ok := s.deps.Registry.Classify(l)
		if !ok {
			continue
		}
		if s.deps.Assets != nil && !s.deps.Assets.IsValid(s.cfg.ChainID, env.Address) {
			metrics.SyncLogsDropped.WithLabelValues(s.chain, "unlisted").Inc()
			continue
		}
		enhanced = append(enhanced, events.EnhancedEvent{Kind: data.Kind, Envelope: *env, Log: *l})
		metrics.SyncLogsProcessed.WithLabelValues(s.chain, string(data.Kind), string(mode)).Inc()
	}

	onChain := s.deps.Registry.HandleEvents(ctx, enhanced)
	if onChain.Malformed > 0 {
		metrics.SyncLogsDropped.WithLabelValues(s.chain, "malformed").Add(float64(onChain.Malformed))
	}

	if err := s.deps.Ledger.AddEvents(ctx, onChain.Transfers, opts.Backfill, s.cfg.ChainID); err != nil {
		return nil, err
	}

	if !opts.Backfill {
		if err := s.enqueueActivities(ctx, onChain.Transfers); err != nil {
			return nil, err
		}
		if s.cfg.EnableReorgCheck && s.deps.Reorg != nil {
			for _, ref := range refs {
				if err := s.scheduleChecks(ctx, ref.number, ref.hash); err != nil {
					return nil, err
				}
			}
		}
	}

	return &SyncResult{
		Logs:      len(logs),
		Transfers: len(onChain.Transfers),
		Approvals: len(onChain.Approvals),
		Blocks:    len(refs),
	}, nil
}

// filter builds the eth_getLogs query. By default it asks for every topic
// the registry knows.
func (s *Syncer) filter(from, to uint64, opts SyncOptions) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	switch {
	case opts.Address != "":
		q.Addresses = []common.Address{common.HexToAddress(opts.Address)}
	case len(opts.Kinds) > 0:
		q.Topics = [][]common.Hash{s.deps.Registry.Subset(opts.Kinds).Topics()}
	default:
		q.Topics = [][]common.Hash{s.deps.Registry.Topics()}
	}
	return q
}

func (s *Syncer) scheduleChecks(ctx context.Context, block uint64, hash string) error {
	stored, err := s.deps.Blocks.GetBlocks(ctx, s.cfg.ChainID, block)
	if err != nil {
		return err
	}
	if len(stored) > 1 {
		if err := s.deps.Reorg.ScheduleChecks(ctx, s.cfg.ChainID, block, hash, s.cfg.DuplicateDelays); err != nil {
			return err
		}
	}
	return s.deps.Reorg.ScheduleChecks(ctx, s.cfg.ChainID, block, hash, s.cfg.ReorgCheckDelays)
}

// enqueueActivities hands committed allow-listed transfers to the activity
// pipeline. The job id includes the block hash so a transfer re-mined in a
// replacement block is processed again.
func (s *Syncer) enqueueActivities(ctx context.Context, transfers []*models.TransferEvent) error {
	for _, e := range transfers {
		if s.deps.Assets != nil && !s.deps.Assets.IsValid(s.cfg.ChainID, e.Address) {
			continue
		}
		activity := models.NewTransferActivity(e)
		if _, err := s.deps.Queue.Enqueue(ctx, &job.Job{
			ID:       activity.ContextID() + ":" + e.BlockHash,
			Kind:     job.KindTransferActivity,
			Activity: activity,
		}); err != nil {
			return fmt.Errorf("enqueue activity for %s: %w", e.TxHash, err)
		}
	}
	return nil
}

// EnqueueBackfill splits [p.FromBlock, p.ToBlock] into chunks and queues them
func (s *Syncer) EnqueueBackfill(ctx context.Context, p job.BackfillPayload, priority int) (int, error) {
	p.ChainID = s.cfg.ChainID
	return s.enqueueBackfill(ctx, p, priority)
}

func (s *Syncer) enqueueBackfill(ctx context.Context, p job.BackfillPayload, priority int) (int, error) {
	return EnqueueBackfill(ctx, s.deps.Queue, p, s.cfg.BackfillChunkSize, priority)
}

// EnqueueBackfill queues the chunks of a backfill range and returns how many
// jobs were stored
func EnqueueBackfill(ctx context.Context, q job.Enqueuer, p job.BackfillPayload, chunk uint64, priority int) (int, error) {
	if p.ToBlock < p.FromBlock {
		return 0, apperrors.NewValidationError("toBlock", "before fromBlock")
	}
	n := 0
	for _, j := range job.BackfillJobs(p, chunk, priority) {
		if _, err := q.Enqueue(ctx, j); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// HandleBackfill runs a queued backfill chunk. It never touches the realtime
// marker and never schedules reorg checks.
func (s *Syncer) HandleBackfill(ctx context.Context, j *job.Job) error {
	p := j.Backfill
	kinds := make([]events.Kind, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		kind, err := events.ParseKind(k)
		if err != nil {
			return apperrors.NewValidationError("kinds", err.Error())
		}
		kinds = append(kinds, kind)
	}

	res, err := s.SyncEvents(ctx, p.FromBlock, p.ToBlock, SyncOptions{
		Backfill: true,
		Kinds:    kinds,
		Address:  p.Address,
	})
	if err != nil {
		return s.fail(err)
	}
	logging.FromContext(ctx).Component("eventsync").WithChain(s.cfg.ChainID).WithFields(map[string]interface{}{
		"fromBlock": p.FromBlock,
		"toBlock":   p.ToBlock,
		"transfers": res.Transfers,
	}).Debug("Backfill chunk synced")
	return nil
}

func (s *Syncer) fail(err error) error {
	metrics.SyncErrors.WithLabelValues(s.chain).Inc()
	return err
}

// Scheduler queues backfill ranges on behalf of callers that only know a
// chain id, such as the admin API
type Scheduler struct {
	syncers map[int64]*Syncer
}

// NewScheduler creates a scheduler over the given syncers
func NewScheduler(syncers ...*Syncer) *Scheduler {
	m := make(map[int64]*Syncer, len(syncers))
	for _, s := range syncers {
		m[s.ChainID()] = s
	}
	return &Scheduler{syncers: m}
}

// Schedule validates p and queues it in chunks at normal priority
func (s *Scheduler) Schedule(ctx context.Context, p job.BackfillPayload) (int, error) {
	syncer, ok := s.syncers[p.ChainID]
	if !ok {
		return 0, apperrors.NewValidationError("chainId", fmt.Sprintf("chain %d is not enabled", p.ChainID))
	}
	for _, k := range p.Kinds {
		if _, err := events.ParseKind(k); err != nil {
			return 0, apperrors.NewValidationError("kinds", err.Error())
		}
	}
	if p.Address != "" {
		addr, err := types.NormalizeAddress(p.Address)
		if err != nil {
			return 0, apperrors.NewValidationError("address", err.Error())
		}
		p.Address = addr
	}
	return syncer.EnqueueBackfill(ctx, p, job.PriorityNormal)
}

// HandleJob routes a backfill job to the syncer of its chain. Jobs for a
// chain this process does not sync are permanent failures.
func (s *Scheduler) HandleJob(ctx context.Context, j *job.Job) error {
	syncer, ok := s.syncers[j.Backfill.ChainID]
	if !ok {
		return apperrors.NewValidationError("chainId", fmt.Sprintf("chain %d is not enabled", j.Backfill.ChainID))
	}
	return syncer.HandleBackfill(ctx, j)
}
