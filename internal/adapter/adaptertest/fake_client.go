// Package adaptertest provides an in-memory adapter.ChainClient for tests.
package adaptertest

import (
	"context"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/transfer-indexer/internal/adapter"
)

// FakeClient serves canned chain data. Zero values answer "not found".
type FakeClient struct {
	ID int64

	mu       sync.Mutex
	head     uint64
	blocks   map[uint64]*ethtypes.Block
	logs     []ethtypes.Log
	txs      map[string]*ethtypes.Transaction
	receipts map[string]*ethtypes.Receipt
	calls    map[string][]byte // keyed by to-address + hex selector

	BlockFetches int
	LogQueries   []ethereum.FilterQuery
	Err          error // returned by every method when set
}

var _ adapter.ChainClient = (*FakeClient)(nil)

// NewFakeClient creates an empty chain with the given id
func NewFakeClient(chainID int64) *FakeClient {
	return &FakeClient{
		ID:       chainID,
		blocks:   make(map[uint64]*ethtypes.Block),
		txs:      make(map[string]*ethtypes.Transaction),
		receipts: make(map[string]*ethtypes.Receipt),
		calls:    make(map[string][]byte),
	}
}

// SetHead sets the value BlockNumber returns
func (f *FakeClient) SetHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

// AddBlock builds an empty canonical block at number. Different extra values
// give different hashes at the same height.
func (f *FakeClient) AddBlock(number uint64, ts time.Time, extra string) *ethtypes.Block {
	header := &ethtypes.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       uint64(ts.Unix()), // #nosec G115
		Extra:      []byte(extra),
		Difficulty: big.NewInt(0),
	}
	block := ethtypes.NewBlockWithHeader(header)
	f.SetBlock(block)
	return block
}

// SetBlock makes block the canonical block at its height
func (f *FakeClient) SetBlock(block *ethtypes.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[block.NumberU64()] = block
}

// AddLogs appends logs returned by matching Logs queries
func (f *FakeClient) AddLogs(logs ...ethtypes.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
}

// AddTransaction registers a mined transaction and its receipt
func (f *FakeClient) AddTransaction(tx *ethtypes.Transaction, receipt *ethtypes.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := strings.ToLower(tx.Hash().Hex())
	f.txs[hash] = tx
	f.receipts[hash] = receipt
}

// SetCallResult fixes the eth_call answer for a contract and 4-byte selector
func (f *FakeClient) SetCallResult(contract string, selector []byte, out []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[callKey(common.HexToAddress(contract), selector)] = out
}

func callKey(to common.Address, selector []byte) string {
	return strings.ToLower(to.Hex()) + common.Bytes2Hex(selector)
}

func (f *FakeClient) ChainID() int64 { return f.ID }

func (f *FakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return f.head, nil
}

func (f *FakeClient) BlockWithTransactions(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BlockFetches++
	if f.Err != nil {
		return nil, f.Err
	}
	b, ok := f.blocks[number]
	if !ok {
		return nil, adapter.ErrBlockNotFound
	}
	return b, nil
}

// Logs filters the registered logs by block range, address and first topic
func (f *FakeClient) Logs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogQueries = append(f.LogQueries, q)
	if f.Err != nil {
		return nil, f.Err
	}

	var out []ethtypes.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(l.Topics) == 0 || !slices.Contains(q.Topics[0], l.Topics[0])) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *FakeClient) Transaction(ctx context.Context, hash string) (*ethtypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	tx, ok := f.txs[strings.ToLower(hash)]
	if !ok {
		return nil, adapter.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *FakeClient) TransactionReceipt(ctx context.Context, hash string) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	r, ok := f.receipts[strings.ToLower(hash)]
	if !ok {
		return nil, adapter.ErrTransactionNotFound
	}
	return r, nil
}

func (f *FakeClient) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, nil
	}
	out, ok := f.calls[callKey(*msg.To, msg.Data[:4])]
	if !ok {
		return nil, ethereum.NotFound
	}
	return out, nil
}
