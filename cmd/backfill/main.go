// Package main queues a historical backfill of one chain's block range. The
// running worker picks the chunks up from the job queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfer-indexer/internal/config"
	"github.com/transfer-indexer/internal/events"
	"github.com/transfer-indexer/internal/eventsync"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/storage"
	"github.com/transfer-indexer/internal/types"
)

func main() {
	var (
		chainID = flag.Int64("chain", 0, "Chain id to backfill")
		from    = flag.Uint64("from", 0, "First block (inclusive)")
		to      = flag.Uint64("to", 0, "Last block (inclusive)")
		address = flag.String("address", "", "Only sync logs emitted by this contract")
		kinds   = flag.String("kinds", "", "Comma separated event kinds, e.g. erc20-transfer,weth-deposit")
		chunk   = flag.Uint64("chunk", 0, "Blocks per job (defaults to SYNC_BACKFILL_CHUNK_SIZE)")
		high    = flag.Bool("high", false, "Queue at high priority")
	)
	flag.Parse()

	fmt.Println("Transfer Indexer Backfill")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	p, err := buildPayload(cfg, *chainID, *from, *to, *address, *kinds)
	if err != nil {
		log.Fatalf("Invalid backfill request: %v", err)
	}

	size := *chunk
	if size == 0 {
		size = cfg.Sync.BackfillChunkSize
	}
	priority := job.PriorityNormal
	if *high {
		priority = job.PriorityHigh
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	queue := job.NewQueue(storage.NewJobRepository(postgres), job.DefaultSettings(), cfg.Queue.PollInterval)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := eventsync.EnqueueBackfill(ctx, queue, p, size, priority)
	if err != nil {
		log.Fatalf("Queued %d job(s) before failing: %v", n, err)
	}
	log.Printf("Queued %d backfill job(s) for chain %d, blocks %d-%d", n, p.ChainID, p.FromBlock, p.ToBlock)
}

func buildPayload(cfg *config.Config, chainID int64, from, to uint64, address, kinds string) (job.BackfillPayload, error) {
	p := job.BackfillPayload{ChainID: chainID, FromBlock: from, ToBlock: to}

	if _, ok := cfg.Chains.Chains[chainID]; !ok {
		return p, fmt.Errorf("chain %d is not configured", chainID)
	}
	if to < from {
		return p, fmt.Errorf("-to %d is before -from %d", to, from)
	}
	if address != "" {
		addr, err := types.NormalizeAddress(address)
		if err != nil {
			return p, err
		}
		p.Address = addr
	}
	for _, k := range strings.Split(kinds, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, err := events.ParseKind(k); err != nil {
			return p, err
		}
		p.Kinds = append(p.Kinds, k)
	}
	return p, nil
}
