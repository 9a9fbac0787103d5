package adapter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the read-only RPC surface the indexer needs from one chain
type ChainClient interface {
	// ChainID returns the numeric chain id the client talks to
	ChainID() int64

	// BlockNumber returns the current head
	BlockNumber(ctx context.Context) (uint64, error)

	// BlockWithTransactions returns the block at number with its full
	// transaction bodies. Returns ErrBlockNotFound if the node has no such block.
	BlockWithTransactions(ctx context.Context, number uint64) (*ethtypes.Block, error)

	// Logs runs eth_getLogs
	Logs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)

	// Transaction returns a mined transaction. Pending and unknown hashes
	// return ErrTransactionNotFound.
	Transaction(ctx context.Context, hash string) (*ethtypes.Transaction, error)

	// TransactionReceipt returns the receipt of a mined transaction
	TransactionReceipt(ctx context.Context, hash string) (*ethtypes.Receipt, error)

	// Call runs eth_call against the latest block
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// Common error types for chain clients

var (
	// ErrProviderUnavailable indicates no RPC endpoint could serve the request
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrBlockNotFound indicates the requested block was not found
	ErrBlockNotFound = fmt.Errorf("block not found")

	// ErrTransactionNotFound indicates the requested transaction was not found
	ErrTransactionNotFound = fmt.Errorf("transaction not found")

	// ErrInvalidBlockRange indicates an invalid block range was specified
	ErrInvalidBlockRange = fmt.Errorf("invalid block range")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	ChainID int64
	Op      string // RPC method that failed (e.g., "eth_getLogs")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain client error [%d:%s]: %v (details: %+v)", e.ChainID, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain client error [%d:%s]: %v", e.ChainID, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chainID int64, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		ChainID: chainID,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
