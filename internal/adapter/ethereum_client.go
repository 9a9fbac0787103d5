package adapter

import (
	"context"
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/ratelimit"
)

// EthereumClient implements ChainClient for Ethereum and EVM-compatible chains
// on top of go-ethereum's ethclient, with failover, a circuit breaker per
// endpoint, and priority-aware pacing.
type EthereumClient struct {
	chainID  int64
	chain    string
	provider *RPCProvider
	limiter  *ratelimit.Limiter
}

var _ ChainClient = (*EthereumClient)(nil)

// NewEthereumClient creates a chain client. limiter may be nil.
func NewEthereumClient(chainID int64, provider *RPCProvider, limiter *ratelimit.Limiter) *EthereumClient {
	return &EthereumClient{
		chainID:  chainID,
		chain:    strconv.FormatInt(chainID, 10),
		provider: provider,
		limiter:  limiter,
	}
}

// ChainID returns the chain identifier
func (c *EthereumClient) ChainID() int64 {
	return c.chainID
}

// Provider exposes the underlying provider for health reporting
func (c *EthereumClient) Provider() *RPCProvider {
	return c.provider
}

func (c *EthereumClient) call(ctx context.Context, method string, fn func(ctx context.Context, b Backend) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	err := c.provider.Execute(ctx, fn)

	result := "ok"
	switch {
	case errors.Is(err, ethereum.NotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.RPCRequests.WithLabelValues(c.chain, method, result).Inc()
	return err
}

// BlockNumber returns the current head
func (c *EthereumClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context, b Backend) error {
		var err error
		head, err = b.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, NewAdapterError(c.chainID, "eth_blockNumber", err, nil)
	}
	return head, nil
}

// BlockWithTransactions returns the block at number with its transactions
func (c *EthereumClient) BlockWithTransactions(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	var block *ethtypes.Block
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, b Backend) error {
		var err error
		block, err = b.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		err = ErrBlockNotFound
	}
	if err != nil {
		return nil, NewAdapterError(c.chainID, "eth_getBlockByNumber", err, map[string]interface{}{
			"block": number,
		})
	}
	return block, nil
}

// Logs runs eth_getLogs
func (c *EthereumClient) Logs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context, b Backend) error {
		var err error
		logs, err = b.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		details := map[string]interface{}{}
		if q.FromBlock != nil {
			details["fromBlock"] = q.FromBlock.String()
		}
		if q.ToBlock != nil {
			details["toBlock"] = q.ToBlock.String()
		}
		return nil, NewAdapterError(c.chainID, "eth_getLogs", err, details)
	}
	return logs, nil
}

// Transaction returns a mined transaction
func (c *EthereumClient) Transaction(ctx context.Context, hash string) (*ethtypes.Transaction, error) {
	var (
		tx      *ethtypes.Transaction
		pending bool
	)
	err := c.call(ctx, "eth_getTransactionByHash", func(ctx context.Context, b Backend) error {
		var err error
		tx, pending, err = b.TransactionByHash(ctx, common.HexToHash(hash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && pending) {
		err = ErrTransactionNotFound
	}
	if err != nil {
		return nil, NewAdapterError(c.chainID, "eth_getTransactionByHash", err, map[string]interface{}{
			"txHash": hash,
		})
	}
	return tx, nil
}

// TransactionReceipt returns the receipt of a mined transaction
func (c *EthereumClient) TransactionReceipt(ctx context.Context, hash string) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context, b Backend) error {
		var err error
		receipt, err = b.TransactionReceipt(ctx, common.HexToHash(hash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		err = ErrTransactionNotFound
	}
	if err != nil {
		return nil, NewAdapterError(c.chainID, "eth_getTransactionReceipt", err, map[string]interface{}{
			"txHash": hash,
		})
	}
	return receipt, nil
}

// Call runs eth_call against the latest block
func (c *EthereumClient) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "eth_call", func(ctx context.Context, b Backend) error {
		var err error
		out, err = b.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		details := map[string]interface{}{}
		if msg.To != nil {
			details["to"] = msg.To.Hex()
		}
		return nil, NewAdapterError(c.chainID, "eth_call", err, details)
	}
	return out, nil
}

// Close closes the underlying connections
func (c *EthereumClient) Close() {
	c.provider.Close()
}
