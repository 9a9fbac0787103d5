package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/transfer-indexer/internal/models"
)

// DefaultBatchIndex is the batch index of every event produced by the ERC-20
// and WETH handlers (one event per log).
const DefaultBatchIndex = 1

// BlockFetcher loads a block, fetching and storing it on a miss
type BlockFetcher interface {
	FetchBlock(ctx context.Context, chainID int64, number uint64) (*models.Block, error)
}

type blockKey struct {
	chainID int64
	number  uint64
}

// BlockCache memoizes block headers for one sync run. Concurrent misses on
// the same block share a single fetch.
type BlockCache struct {
	fetcher BlockFetcher

	mu     sync.RWMutex
	blocks map[blockKey]*models.Block
	group  singleflight.Group
}

// NewBlockCache creates an empty cache backed by fetcher
func NewBlockCache(fetcher BlockFetcher) *BlockCache {
	return &BlockCache{
		fetcher: fetcher,
		blocks:  make(map[blockKey]*models.Block),
	}
}

// Get returns the cached block, fetching it on a miss
func (c *BlockCache) Get(ctx context.Context, chainID int64, number uint64) (*models.Block, error) {
	key := blockKey{chainID: chainID, number: number}

	c.mu.RLock()
	block, ok := c.blocks[key]
	c.mu.RUnlock()
	if ok {
		return block, nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%d-%d", chainID, number), func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.blocks[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		b, err := c.fetcher.FetchBlock(ctx, chainID, number)
		if err != nil {
			return nil, err
		}
		c.Set(chainID, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Block), nil
}

// Set stores a block
func (c *BlockCache) Set(chainID int64, block *models.Block) {
	c.mu.Lock()
	c.blocks[blockKey{chainID: chainID, number: block.Number}] = block
	c.mu.Unlock()
}

// Has reports whether a block is cached
func (c *BlockCache) Has(chainID int64, number uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blocks[blockKey{chainID: chainID, number: number}]
	return ok
}

// Warm fetches every block in [from, to] with at most concurrency fetches in
// flight.
func (c *BlockCache) Warm(ctx context.Context, chainID int64, from, to uint64, concurrency int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for n := from; n <= to; n++ {
		g.Go(func() error {
			_, err := c.Get(ctx, chainID, n)
			return err
		})
	}
	return g.Wait()
}

// ParseEvent builds the envelope of log. The timestamp comes from the block
// cache.
func ParseEvent(ctx context.Context, log *ethtypes.Log, cache *BlockCache, chainID int64) (*models.Envelope, error) {
	block, err := cache.Get(ctx, chainID, log.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", log.BlockNumber, err)
	}

	return &models.Envelope{
		ChainID:    chainID,
		Address:    strings.ToLower(log.Address.Hex()),
		Block:      log.BlockNumber,
		BlockHash:  strings.ToLower(log.BlockHash.Hex()),
		TxHash:     strings.ToLower(log.TxHash.Hex()),
		TxIndex:    log.TxIndex,
		LogIndex:   log.Index,
		BatchIndex: DefaultBatchIndex,
		Timestamp:  block.Timestamp,
	}, nil
}
