package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/transfer-indexer/internal/adapter"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/storage"
)

// BlockStore is the block side of the store. storage.BlockRepository implements it.
type BlockStore interface {
	SaveBlock(ctx context.Context, chainID int64, block *models.Block) (*models.Block, error)
	GetBlocks(ctx context.Context, chainID int64, number uint64) ([]*models.Block, error)
}

// TransactionStore is the transaction side of the store.
// storage.TransactionRepository implements it.
type TransactionStore interface {
	SaveTransactions(ctx context.Context, chainID int64, txs []*models.Transaction) error
	UpsertTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, chainID int64, hash string) (*models.Transaction, error)
}

// ChainData reads blocks and transactions from the store and falls back to
// the chain's RPC client, saving whatever it had to fetch.
type ChainData struct {
	clients map[int64]adapter.ChainClient
	blocks  BlockStore
	txs     TransactionStore
}

// NewChainData creates a fetcher over the per-chain clients
func NewChainData(clients map[int64]adapter.ChainClient, blocks BlockStore, txs TransactionStore) *ChainData {
	return &ChainData{clients: clients, blocks: blocks, txs: txs}
}

func (c *ChainData) client(chainID int64) (adapter.ChainClient, error) {
	client, ok := c.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC client configured for chain %d", chainID)
	}
	return client, nil
}

// FetchBlock returns the first stored block at the height, or fetches it
// with its transactions and saves both. It satisfies events.BlockFetcher.
func (c *ChainData) FetchBlock(ctx context.Context, chainID int64, number uint64) (*models.Block, error) {
	stored, err := c.blocks.GetBlocks(ctx, chainID, number)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored[0], nil
	}
	return c.RefetchBlock(ctx, chainID, number)
}

// RefetchBlock always asks the chain for the canonical block at the height.
// Its transactions are saved before the block row so a stored block implies
// stored transactions.
func (c *ChainData) RefetchBlock(ctx context.Context, chainID int64, number uint64) (*models.Block, error) {
	client, err := c.client(chainID)
	if err != nil {
		return nil, err
	}

	raw, err := client.BlockWithTransactions(ctx, number)
	if err != nil {
		return nil, err
	}

	block, txs := adapter.NormalizeBlock(chainID, raw)
	if err := c.txs.SaveTransactions(ctx, chainID, txs); err != nil {
		return nil, err
	}
	return c.blocks.SaveBlock(ctx, chainID, block)
}

// FetchTransaction returns the stored transaction or fetches it together
// with its receipt. The containing block is refetched so the stored block
// row matches the hash the receipt points to.
func (c *ChainData) FetchTransaction(ctx context.Context, chainID int64, hash string) (*models.Transaction, error) {
	hash = strings.ToLower(hash)
	tx, err := c.txs.GetTransaction(ctx, chainID, hash)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, storage.ErrTransactionNotFound) {
		return nil, err
	}

	client, err := c.client(chainID)
	if err != nil {
		return nil, err
	}

	var (
		raw     *ethtypes.Transaction
		receipt *ethtypes.Receipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		raw, err = client.Transaction(gctx, hash)
		return err
	})
	g.Go(func() (err error) {
		receipt, err = client.TransactionReceipt(gctx, hash)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	block, err := c.RefetchBlock(ctx, chainID, receipt.BlockNumber.Uint64())
	if err != nil {
		return nil, err
	}

	normalized, err := adapter.NormalizeTransactionWithReceipt(chainID, raw, receipt, block.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.txs.UpsertTransaction(ctx, normalized); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chainId": chainID,
		"txHash":  hash,
		"block":   block.Number,
	}).Debug("Fetched transaction from RPC")
	return normalized, nil
}
