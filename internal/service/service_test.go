package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfer-indexer/internal/adapter"
	"github.com/transfer-indexer/internal/adapter/adaptertest"
	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/storage"
)

// memStore is an in-memory block, transaction, wallet, account and currency store
type memStore struct {
	mu         sync.Mutex
	blocks     map[uint64][]*models.Block
	txs        map[string]*models.Transaction
	tracked    map[string]map[string]bool // address -> account -> enabled
	accounts   map[string]*models.Account
	currencies map[string]*models.Currency
	trackReads int
	calls      []string
}

func newMemStore() *memStore {
	return &memStore{
		blocks:     make(map[uint64][]*models.Block),
		txs:        make(map[string]*models.Transaction),
		tracked:    make(map[string]map[string]bool),
		accounts:   make(map[string]*models.Account),
		currencies: make(map[string]*models.Currency),
	}
}

func (m *memStore) SaveBlock(ctx context.Context, chainID int64, b *models.Block) (*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SaveBlock")
	for _, existing := range m.blocks[b.Number] {
		if existing.Hash == b.Hash {
			return existing, nil
		}
	}
	m.blocks[b.Number] = append(m.blocks[b.Number], b)
	return b, nil
}

func (m *memStore) GetBlocks(ctx context.Context, chainID int64, number uint64) ([]*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[number], nil
}

func (m *memStore) SaveTransactions(ctx context.Context, chainID int64, txs []*models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SaveTransactions")
	for _, tx := range txs {
		if _, ok := m.txs[tx.Hash]; !ok {
			m.txs[tx.Hash] = tx
		}
	}
	return nil
}

func (m *memStore) UpsertTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "UpsertTransaction")
	m.txs[tx.Hash] = tx
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, chainID int64, hash string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *memStore) SetTracking(ctx context.Context, accountID, address string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SetTracking")
	if m.tracked[address] == nil {
		m.tracked[address] = make(map[string]bool)
	}
	m.tracked[address][accountID] = status == models.WalletEnabled
	return nil
}

func (m *memStore) IsTracked(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackReads++
	for _, on := range m.tracked[address] {
		if on {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return a, nil
}

func (m *memStore) Get(ctx context.Context, chainID int64, contract string) (*models.Currency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currencies[contract], nil
}

func (m *memStore) Save(ctx context.Context, c *models.Currency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SaveCurrency")
	m.currencies[c.Contract] = c
	return nil
}

func newCacheService(t *testing.T) (*storage.CacheService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := storage.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })
	return storage.NewCacheService(cache, time.Minute), mr
}

func TestChainData_FetchBlockPrefersStore(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	data := NewChainData(map[int64]adapter.ChainClient{1: client}, store, store)
	ctx := context.Background()

	client.AddBlock(10, time.Unix(1700000000, 0), "a")

	b, err := data.FetchBlock(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), b.Number)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), b.Timestamp)
	assert.Equal(t, []string{"SaveTransactions", "SaveBlock"}, store.calls)

	again, err := data.FetchBlock(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, b.Hash, again.Hash)
	assert.Equal(t, 1, client.BlockFetches)
}

func TestChainData_RefetchStoresNewFork(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	data := NewChainData(map[int64]adapter.ChainClient{1: client}, store, store)
	ctx := context.Background()

	first := client.AddBlock(10, time.Unix(100, 0), "a")
	_, err := data.FetchBlock(ctx, 1, 10)
	require.NoError(t, err)

	second := client.AddBlock(10, time.Unix(100, 0), "b")
	require.NotEqual(t, first.Hash(), second.Hash())
	b, err := data.RefetchBlock(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(second.Hash().Hex()), b.Hash)

	stored, _ := store.GetBlocks(ctx, 1, 10)
	assert.Len(t, stored, 2)
}

func TestChainData_UnknownChain(t *testing.T) {
	store := newMemStore()
	data := NewChainData(map[int64]adapter.ChainClient{}, store, store)
	_, err := data.FetchBlock(context.Background(), 5, 1)
	assert.Error(t, err)
}

func TestChainData_FetchTransactionFallsBackToRPC(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	data := NewChainData(map[int64]adapter.ChainClient{1: client}, store, store)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := ethtypes.SignTx(ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    3,
		To:       &to,
		Value:    big.NewInt(5),
		Gas:      21000,
		GasPrice: big.NewInt(10),
	}), ethtypes.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)

	client.AddBlock(20, time.Unix(2000, 0), "")
	client.AddTransaction(tx, &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		GasUsed:     21000,
		BlockNumber: big.NewInt(20),
	})

	got, err := data.FetchTransaction(ctx, 1, tx.Hash().Hex())
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(tx.Hash().Hex()), got.Hash)
	assert.Equal(t, models.TxStatusSuccess, got.Status)
	assert.Equal(t, "210000", got.GasFee.String())
	assert.Equal(t, time.Unix(2000, 0).UTC(), got.BlockTimestamp)
	assert.Contains(t, store.calls, "UpsertTransaction")

	// second read is served by the store
	fetches := client.BlockFetches
	_, err = data.FetchTransaction(ctx, 1, tx.Hash().Hex())
	require.NoError(t, err)
	assert.Equal(t, fetches, client.BlockFetches)
}

func TestChainData_FetchTransactionNotFound(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	data := NewChainData(map[int64]adapter.ChainClient{1: client}, store, store)

	_, err := data.FetchTransaction(context.Background(), 1, "0xabc")
	assert.ErrorIs(t, err, adapter.ErrTransactionNotFound)
}

func TestWalletTracker_Layers(t *testing.T) {
	store := newMemStore()
	cache, mr := newCacheService(t)
	tracker := NewWalletTracker(store, cache, DefaultWalletTrackerConfig())
	ctx := context.Background()

	const addr = "0x00000000000000000000000000000000000000AB"
	lower := strings.ToLower(addr)

	tracked, err := tracker.IsCachedWallet(ctx, addr)
	require.NoError(t, err)
	assert.False(t, tracked)
	assert.Equal(t, 1, store.trackReads)

	// negative answer is cached in redis with a TTL
	assert.True(t, mr.Exists("wallet:tracked:"+lower))
	assert.Greater(t, mr.TTL("wallet:tracked:"+lower), time.Duration(0))

	// memo answers the second lookup
	_, err = tracker.IsCachedWallet(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, store.trackReads)

	require.NoError(t, tracker.EnableWalletTracking(ctx, "acct-1", addr))
	tracked, err = tracker.IsCachedWallet(ctx, addr)
	require.NoError(t, err)
	assert.True(t, tracked)
	assert.Equal(t, 1, store.trackReads)

	// a fresh process sees redis before Postgres
	other := NewWalletTracker(store, cache, DefaultWalletTrackerConfig())
	tracked, err = other.IsCachedWallet(ctx, addr)
	require.NoError(t, err)
	assert.True(t, tracked)
	assert.Equal(t, 1, store.trackReads)
}

func TestWalletTracker_DisableKeepsOtherAccounts(t *testing.T) {
	store := newMemStore()
	cache, _ := newCacheService(t)
	tracker := NewWalletTracker(store, cache, DefaultWalletTrackerConfig())
	ctx := context.Background()

	const addr = "0x00000000000000000000000000000000000000cd"
	require.NoError(t, tracker.EnableWalletTracking(ctx, "acct-1", addr))
	require.NoError(t, tracker.EnableWalletTracking(ctx, "acct-2", addr))
	require.NoError(t, tracker.DisableWalletTracking(ctx, "acct-1", addr))

	tracked, err := tracker.IsCachedWallet(ctx, addr)
	require.NoError(t, err)
	assert.True(t, tracked)

	require.NoError(t, tracker.DisableWalletTracking(ctx, "acct-2", addr))
	tracked, err = tracker.IsCachedWallet(ctx, addr)
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestWalletTracker_RedisDownFallsThrough(t *testing.T) {
	store := newMemStore()
	cache, mr := newCacheService(t)
	tracker := NewWalletTracker(store, cache, DefaultWalletTrackerConfig())
	require.NoError(t, store.SetTracking(context.Background(), "acct", "0x01", models.WalletEnabled))

	mr.Close()
	tracked, err := tracker.IsCachedWallet(context.Background(), "0x01")
	require.NoError(t, err)
	assert.True(t, tracked)
}

func TestWalletTracker_MemoExpires(t *testing.T) {
	store := newMemStore()
	tracker := NewWalletTracker(store, nil, DefaultWalletTrackerConfig())
	now := time.Unix(0, 0)
	tracker.now = func() time.Time { return now }

	_, err := tracker.IsCachedWallet(context.Background(), "0x02")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = tracker.IsCachedWallet(context.Background(), "0x02")
	require.NoError(t, err)
	assert.Equal(t, 2, store.trackReads)
}

func (t *WalletTracker) memoSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.memo)
}

func TestWalletTracker_ExpiredMemoEntriesAreRemoved(t *testing.T) {
	store := newMemStore()
	tracker := NewWalletTracker(store, nil, DefaultWalletTrackerConfig())
	now := time.Unix(1_000, 0)
	tracker.now = func() time.Time { return now }
	ctx := context.Background()

	for _, addr := range []string{"0x10", "0x11", "0x12"} {
		_, err := tracker.IsCachedWallet(ctx, addr)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tracker.memoSize())

	now = now.Add(time.Minute)
	tracked, ok := tracker.fromMemo("0x10")
	assert.False(t, tracked)
	assert.False(t, ok)
	assert.Equal(t, 2, tracker.memoSize(), "an expired hit is deleted")

	_, err := tracker.IsCachedWallet(ctx, "0x13")
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.memoSize(), "the next write sweeps the rest")
}

func TestWalletTracker_MemoIsBounded(t *testing.T) {
	store := newMemStore()
	cfg := DefaultWalletTrackerConfig()
	cfg.MemoMax = 2
	tracker := NewWalletTracker(store, nil, cfg)
	ctx := context.Background()

	for i := range 10 {
		_, err := tracker.IsCachedWallet(ctx, fmt.Sprintf("0x%02x", i))
		require.NoError(t, err)
		assert.LessOrEqual(t, tracker.memoSize(), 2)
	}

	// the newest entry always survives eviction
	_, ok := tracker.fromMemo("0x09")
	assert.True(t, ok)
}

type fakeHistory struct {
	err     error
	store   *memStore
	batches int
}

func (h *fakeHistory) FetchHistory(ctx context.Context, accountID, address string) (int, error) {
	h.store.mu.Lock()
	h.store.calls = append(h.store.calls, "FetchHistory")
	h.store.mu.Unlock()
	return h.batches, h.err
}

func TestProcessAddWalletRequest_Order(t *testing.T) {
	store := newMemStore()
	store.accounts["acct"] = &models.Account{ID: "acct", Active: true}
	history := &fakeHistory{store: store, batches: 3}
	onboarding := NewWalletOnboarding(store, history, NewWalletTracker(store, nil, DefaultWalletTrackerConfig()))

	n, err := onboarding.ProcessAddWalletRequest(context.Background(), "acct", "0x00000000000000000000000000000000000000Ef")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"FetchHistory", "SetTracking"}, store.calls)
	assert.True(t, store.tracked["0x00000000000000000000000000000000000000ef"]["acct"])
}

func TestProcessAddWalletRequest_HistoryFailureLeavesTrackingOff(t *testing.T) {
	store := newMemStore()
	store.accounts["acct"] = &models.Account{ID: "acct", Active: true}
	history := &fakeHistory{store: store, err: errors.New("queue down")}
	onboarding := NewWalletOnboarding(store, history, NewWalletTracker(store, nil, DefaultWalletTrackerConfig()))

	_, err := onboarding.ProcessAddWalletRequest(context.Background(), "acct", "0x00000000000000000000000000000000000000ef")
	require.Error(t, err)
	assert.NotContains(t, store.calls, "SetTracking")
}

func TestProcessAddWalletRequest_Validation(t *testing.T) {
	store := newMemStore()
	store.accounts["off"] = &models.Account{ID: "off"}
	onboarding := NewWalletOnboarding(store, &fakeHistory{store: store}, NewWalletTracker(store, nil, DefaultWalletTrackerConfig()))
	ctx := context.Background()

	_, err := onboarding.ProcessAddWalletRequest(ctx, "acct", "not-an-address")
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))

	_, err = onboarding.ProcessAddWalletRequest(ctx, "missing", "0x00000000000000000000000000000000000000ef")
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.CategoryOf(err))

	_, err = onboarding.ProcessAddWalletRequest(ctx, "off", "0x00000000000000000000000000000000000000ef")
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
}

func packReturn(t *testing.T, method string, v interface{}) []byte {
	t.Helper()
	out, err := erc20Metadata.Methods[method].Outputs.Pack(v)
	require.NoError(t, err)
	return out
}

func TestCurrencyService_FetchesOnceAndCaches(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	cache, _ := newCacheService(t)
	svc := NewCurrencyService(map[int64]adapter.ChainClient{1: client}, store, cache)
	ctx := context.Background()

	const token = "0x00000000000000000000000000000000000000C0"
	client.SetCallResult(token, erc20Metadata.Methods["name"].ID, packReturn(t, "name", "USD Coin"))
	client.SetCallResult(token, erc20Metadata.Methods["symbol"].ID, packReturn(t, "symbol", "USDC"))
	client.SetCallResult(token, erc20Metadata.Methods["decimals"].ID, packReturn(t, "decimals", uint8(6)))

	c, err := svc.GetCurrency(ctx, 1, token)
	require.NoError(t, err)
	assert.Equal(t, "USD Coin", c.Name)
	assert.Equal(t, "USDC", c.Symbol)
	assert.Equal(t, 6, c.Decimals)
	assert.Equal(t, strings.ToLower(token), c.Contract)

	_, err = svc.GetCurrency(ctx, 1, token)
	require.NoError(t, err)
	saves := 0
	for _, call := range store.calls {
		if call == "SaveCurrency" {
			saves++
		}
	}
	assert.Equal(t, 1, saves)
}

func TestCurrencyService_Bytes32Symbol(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	svc := NewCurrencyService(map[int64]adapter.ChainClient{1: client}, store, nil)

	const token = "0x00000000000000000000000000000000000000c1"
	var raw [32]byte
	copy(raw[:], "MKR")
	client.SetCallResult(token, erc20Metadata.Methods["symbol"].ID, raw[:])

	c, err := svc.GetCurrency(context.Background(), 1, token)
	require.NoError(t, err)
	assert.Equal(t, "MKR", c.Symbol)
	assert.Equal(t, "", c.Name)
}

func TestCurrencyService_FailedReadStoresEmptyRow(t *testing.T) {
	store := newMemStore()
	client := adaptertest.NewFakeClient(1)
	svc := NewCurrencyService(map[int64]adapter.ChainClient{1: client}, store, nil)

	c, err := svc.GetCurrency(context.Background(), 1, "0x00000000000000000000000000000000000000c2")
	require.NoError(t, err)
	assert.Empty(t, c.Symbol)
	assert.NotNil(t, store.currencies["0x00000000000000000000000000000000000000c2"])
}
