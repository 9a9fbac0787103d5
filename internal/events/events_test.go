package events

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/types"
)

const testWETH = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"

var (
	transferTopic   = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	approvalTopic   = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))
	depositTopic    = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	withdrawalTopic = crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)"))

	alice = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000B0")
	token = common.HexToAddress("0x00000000000000000000000000000000000000AA")
)

func amountData(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func TestRegistry_TopicsMatchSignatures(t *testing.T) {
	r := NewRegistry(testWETH)
	assert.Equal(t, []common.Hash{transferTopic, approvalTopic, depositTopic, withdrawalTopic}, r.Topics())

	noWETH := NewRegistry("")
	assert.Equal(t, []Kind{KindERC20Transfer, KindERC20Approval}, noWETH.Kinds())
}

func TestRegistry_Classify(t *testing.T) {
	r := NewRegistry(testWETH)
	weth := common.HexToAddress(testWETH)

	tests := []struct {
		name string
		log  ethtypes.Log
		want Kind
		ok   bool
	}{
		{
			name: "erc20 transfer",
			log:  ethtypes.Log{Address: token, Topics: []common.Hash{transferTopic, addrTopic(alice), addrTopic(bob)}},
			want: KindERC20Transfer, ok: true,
		},
		{
			name: "erc721 transfer has four topics",
			log:  ethtypes.Log{Address: token, Topics: []common.Hash{transferTopic, addrTopic(alice), addrTopic(bob), common.BigToHash(big.NewInt(1))}},
		},
		{
			name: "approval",
			log:  ethtypes.Log{Address: token, Topics: []common.Hash{approvalTopic, addrTopic(alice), addrTopic(bob)}},
			want: KindERC20Approval, ok: true,
		},
		{
			name: "deposit from weth",
			log:  ethtypes.Log{Address: weth, Topics: []common.Hash{depositTopic, addrTopic(alice)}},
			want: KindWETHDeposit, ok: true,
		},
		{
			name: "deposit from another contract",
			log:  ethtypes.Log{Address: token, Topics: []common.Hash{depositTopic, addrTopic(alice)}},
		},
		{
			name: "unknown signature",
			log:  ethtypes.Log{Address: token, Topics: []common.Hash{crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))}},
		},
		{
			name: "no topics",
			log:  ethtypes.Log{Address: token},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := r.Classify(&tt.log)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, entry.Kind)
			}
		})
	}
}

func TestRegistry_Subset(t *testing.T) {
	r := NewRegistry(testWETH).Subset([]Kind{KindWETHDeposit})
	assert.Equal(t, []Kind{KindWETHDeposit}, r.Kinds())
	assert.Equal(t, []common.Hash{depositTopic}, r.Topics())

	_, err := ParseKind("erc721-transfer")
	assert.Error(t, err)
}

func TestHandleEvents_MintAndBurnSynthesis(t *testing.T) {
	r := NewRegistry(testWETH)
	weth := common.HexToAddress(testWETH)
	env := models.Envelope{ChainID: 1, Address: testWETH, Block: 10, TxHash: "0xt", BatchIndex: DefaultBatchIndex}

	events := []EnhancedEvent{
		{Kind: KindWETHDeposit, Envelope: env, Log: ethtypes.Log{Address: weth, Topics: []common.Hash{depositTopic, addrTopic(alice)}, Data: amountData(5)}},
		{Kind: KindWETHWithdrawal, Envelope: env, Log: ethtypes.Log{Address: weth, Topics: []common.Hash{withdrawalTopic, addrTopic(bob)}, Data: amountData(3)}},
		{Kind: KindERC20Transfer, Envelope: env, Log: ethtypes.Log{Address: token, Topics: []common.Hash{transferTopic, addrTopic(alice), addrTopic(bob)}, Data: amountData(7)}},
		{Kind: KindERC20Approval, Envelope: env, Log: ethtypes.Log{Address: token, Topics: []common.Hash{approvalTopic, addrTopic(alice), addrTopic(bob)}, Data: amountData(100)}},
	}

	data := r.HandleEvents(context.Background(), events)
	require.Len(t, data.Transfers, 3)
	require.Len(t, data.Approvals, 1)

	deposit := data.Transfers[0]
	assert.Equal(t, types.ZeroAddress, deposit.From)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", deposit.To)
	assert.Equal(t, "5", deposit.Amount.String())
	assert.Equal(t, string(KindWETHDeposit), deposit.Kind)

	withdrawal := data.Transfers[1]
	assert.Equal(t, "0x00000000000000000000000000000000000000b0", withdrawal.From)
	assert.Equal(t, types.ZeroAddress, withdrawal.To)
	assert.Equal(t, "3", withdrawal.Amount.String())

	transfer := data.Transfers[2]
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", transfer.From)
	assert.Equal(t, "0x00000000000000000000000000000000000000b0", transfer.To)
	assert.Equal(t, "7", transfer.Amount.String())
	assert.Equal(t, 1, transfer.BatchIndex)

	assert.Equal(t, "100", data.Approvals[0].Amount.String())
}

func TestHandleEvents_DropsMalformed(t *testing.T) {
	r := NewRegistry("")
	topics := []common.Hash{transferTopic, addrTopic(alice), addrTopic(bob)}
	data := r.HandleEvents(context.Background(), []EnhancedEvent{
		{Kind: KindERC20Transfer, Envelope: models.Envelope{TxHash: "0xbad", LogIndex: 0}, Log: ethtypes.Log{Topics: topics, Data: []byte{0x01}}},
		{Kind: KindERC20Transfer, Envelope: models.Envelope{TxHash: "0xempty", LogIndex: 1}, Log: ethtypes.Log{Topics: topics}},
		{Kind: KindERC20Transfer, Envelope: models.Envelope{TxHash: "0xgood", LogIndex: 2}, Log: ethtypes.Log{Topics: topics, Data: amountData(9)}},
	})

	assert.Equal(t, 2, data.Malformed)
	require.Len(t, data.Transfers, 1)
	assert.Equal(t, "0xgood", data.Transfers[0].TxHash)
	assert.Equal(t, "9", data.Transfers[0].Amount.String())
}

type countingFetcher struct {
	calls atomic.Int32
	fail  bool
	delay time.Duration
}

func (f *countingFetcher) FetchBlock(ctx context.Context, chainID int64, number uint64) (*models.Block, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.fail {
		return nil, errors.New("rpc down")
	}
	return &models.Block{ChainID: chainID, Number: number, Hash: "0xh", Timestamp: time.Unix(int64(number), 0).UTC()}, nil // #nosec G115
}

func TestBlockCache_DeduplicatesConcurrentMisses(t *testing.T) {
	fetcher := &countingFetcher{delay: 20 * time.Millisecond}
	cache := NewBlockCache(fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), 1, 42)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.True(t, cache.Has(1, 42))
	assert.False(t, cache.Has(137, 42))
}

func TestBlockCache_Warm(t *testing.T) {
	fetcher := &countingFetcher{}
	cache := NewBlockCache(fetcher)

	require.NoError(t, cache.Warm(context.Background(), 1, 100, 131, 32))
	assert.Equal(t, int32(32), fetcher.calls.Load())

	// already cached
	require.NoError(t, cache.Warm(context.Background(), 1, 100, 131, 32))
	assert.Equal(t, int32(32), fetcher.calls.Load())
}

func TestParseEvent(t *testing.T) {
	cache := NewBlockCache(&countingFetcher{})
	log := &ethtypes.Log{
		Address:     token,
		BlockNumber: 500,
		BlockHash:   common.HexToHash("0xABCD"),
		TxHash:      common.HexToHash("0xBEEF"),
		TxIndex:     3,
		Index:       9,
	}

	env, err := ParseEvent(context.Background(), log, cache, 137)
	require.NoError(t, err)
	assert.Equal(t, int64(137), env.ChainID)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", env.Address)
	assert.Equal(t, uint64(500), env.Block)
	assert.Equal(t, uint(3), env.TxIndex)
	assert.Equal(t, uint(9), env.LogIndex)
	assert.Equal(t, 1, env.BatchIndex)
	assert.Equal(t, time.Unix(500, 0).UTC(), env.Timestamp)
	assert.Equal(t, common.HexToHash("0xabcd").Hex(), env.BlockHash)

	_, err = ParseEvent(context.Background(), log, NewBlockCache(&countingFetcher{fail: true}), 1)
	assert.Error(t, err)
}
