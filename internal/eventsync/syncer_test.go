package eventsync

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfer-indexer/internal/adapter/adaptertest"
	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/events"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/ratelimit"
)

var (
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	approvalTopic = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))

	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unlisted = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type clientFetcher struct {
	client *adaptertest.FakeClient
}

func (f *clientFetcher) FetchBlock(ctx context.Context, chainID int64, number uint64) (*models.Block, error) {
	b, err := f.client.BlockWithTransactions(ctx, number)
	if err != nil {
		return nil, err
	}
	return &models.Block{
		ChainID:   chainID,
		Number:    number,
		Hash:      strings.ToLower(b.Hash().Hex()),
		Timestamp: time.Unix(int64(b.Time()), 0).UTC(), // #nosec G115
	}, nil
}

type memBlocks struct {
	mu     sync.Mutex
	blocks map[uint64][]*models.Block
}

func (m *memBlocks) SaveBlock(ctx context.Context, chainID int64, block *models.Block) (*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks[block.Number] {
		if b.Hash == block.Hash {
			return b, nil
		}
	}
	m.blocks[block.Number] = append(m.blocks[block.Number], block)
	return block, nil
}

func (m *memBlocks) GetBlocks(ctx context.Context, chainID int64, number uint64) ([]*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[number], nil
}

type ledgerCall struct {
	events   []*models.TransferEvent
	backfill bool
	priority ratelimit.Priority
}

type recordingLedger struct {
	calls []ledgerCall
}

func (l *recordingLedger) AddEvents(ctx context.Context, evs []*models.TransferEvent, backfill bool, chainID int64) error {
	l.calls = append(l.calls, ledgerCall{events: evs, backfill: backfill, priority: ratelimit.PriorityFrom(ctx)})
	return nil
}

type allowList map[string]bool

func (a allowList) IsValid(chainID int64, contract string) bool { return a[contract] }

type progress struct {
	last uint64
	sets []uint64
}

func (p *progress) GetLastSynced(ctx context.Context, chainID int64) (uint64, error) {
	return p.last, nil
}

func (p *progress) SetLastSynced(ctx context.Context, chainID int64, block uint64) error {
	p.sets = append(p.sets, block)
	p.last = block
	return nil
}

type recordingQueue struct {
	jobs []*job.Job
	fail map[job.Kind]error
}

func (q *recordingQueue) Enqueue(ctx context.Context, j *job.Job) (bool, error) {
	if err := q.fail[j.Kind]; err != nil {
		return false, err
	}
	q.jobs = append(q.jobs, j)
	return true, nil
}

func (q *recordingQueue) byKind(kind job.Kind) []*job.Job {
	var out []*job.Job
	for _, j := range q.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

type scheduled struct {
	block  uint64
	hash   string
	delays []time.Duration
}

type recordingReorg struct {
	calls []scheduled
}

func (r *recordingReorg) ScheduleChecks(ctx context.Context, chainID int64, block uint64, hash string, delays []time.Duration) error {
	r.calls = append(r.calls, scheduled{block: block, hash: hash, delays: delays})
	return nil
}

type fixture struct {
	client   *adaptertest.FakeClient
	blocks   *memBlocks
	ledger   *recordingLedger
	progress *progress
	queue    *recordingQueue
	reorg    *recordingReorg
	syncer   *Syncer
	hashes   map[uint64]common.Hash
}

var (
	checkDelays     = []time.Duration{time.Minute, 5 * time.Minute}
	duplicateDelays = []time.Duration{10 * time.Second, 30 * time.Second}
)

// newFixture builds a chain with canonical blocks first..last
func newFixture(t *testing.T, first, last uint64) *fixture {
	t.Helper()
	f := &fixture{
		client:   adaptertest.NewFakeClient(1),
		blocks:   &memBlocks{blocks: make(map[uint64][]*models.Block)},
		ledger:   &recordingLedger{},
		progress: &progress{},
		queue:    &recordingQueue{},
		reorg:    &recordingReorg{},
		hashes:   make(map[uint64]common.Hash),
	}
	for n := first; n <= last; n++ {
		b := f.client.AddBlock(n, time.Unix(int64(1_700_000_000+n*12), 0), "") // #nosec G115
		f.hashes[n] = b.Hash()
	}
	f.client.SetHead(last)

	f.syncer = NewSyncer(Config{
		ChainID:           1,
		MaxBlockLag:       16,
		SafetyMargin:      5,
		EnableReorgCheck:  true,
		ReorgCheckDelays:  checkDelays,
		DuplicateDelays:   duplicateDelays,
		BackfillChunkSize: 20,
	}, Deps{
		Client:   f.client,
		Registry: events.NewRegistry(""),
		Fetcher:  &clientFetcher{client: f.client},
		Blocks:   f.blocks,
		Ledger:   f.ledger,
		Assets:   allowList{strings.ToLower(token.Hex()): true},
		Progress: f.progress,
		Queue:    f.queue,
		Reorg:    f.reorg,
	})
	return f
}

func (f *fixture) transfer(contract common.Address, block uint64, txByte byte, amount int64) ethtypes.Log {
	return ethtypes.Log{
		Address:     contract,
		Topics:      []common.Hash{transferTopic, common.BytesToHash(alice.Bytes()), common.BytesToHash(bob.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		BlockHash:   f.hashes[block],
		TxHash:      common.BytesToHash([]byte{txByte}),
		Index:       uint(txByte),
	}
}

func (f *fixture) approval(block uint64, txByte byte) ethtypes.Log {
	l := f.transfer(token, block, txByte, 1)
	l.Topics[0] = approvalTopic
	return l
}

func TestSyncEvents_Realtime(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.client.AddLogs(
		f.transfer(token, 105, 1, 50),
		f.transfer(unlisted, 105, 2, 70),
		f.approval(107, 3),
	)

	res, err := f.syncer.SyncEvents(context.Background(), 100, 110, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Logs)
	assert.Equal(t, 1, res.Transfers, "unlisted contracts are dropped before decoding")
	assert.Equal(t, 1, res.Approvals)
	assert.Equal(t, 2, res.Blocks)

	// every block of a short range is fetched up front, once
	assert.Equal(t, 11, f.client.BlockFetches)

	require.Len(t, f.ledger.calls, 1)
	assert.False(t, f.ledger.calls[0].backfill)
	assert.Len(t, f.ledger.calls[0].events, 1)
	assert.Equal(t, ratelimit.PriorityHigh, f.ledger.calls[0].priority)

	hash105 := strings.ToLower(f.hashes[105].Hex())
	stored, _ := f.blocks.GetBlocks(context.Background(), 1, 105)
	require.Len(t, stored, 1)
	assert.Equal(t, hash105, stored[0].Hash)

	activities := f.queue.byKind(job.KindTransferActivity)
	require.Len(t, activities, 1, "only allow-listed tokens produce activities")
	a := activities[0].Activity
	assert.Equal(t, strings.ToLower(token.Hex()), a.Contract)
	assert.Equal(t, "50", a.Amount)
	assert.Equal(t, a.ContextID()+":"+hash105, activities[0].ID)

	require.Len(t, f.reorg.calls, 2)
	assert.Equal(t, scheduled{block: 105, hash: hash105, delays: checkDelays}, f.reorg.calls[0])
	assert.Equal(t, uint64(107), f.reorg.calls[1].block)

	assert.Empty(t, f.progress.sets, "SyncEvents never moves the marker")
}

func TestSyncEvents_DuplicateHeightGetsEarlyChecks(t *testing.T) {
	f := newFixture(t, 100, 105)
	_, err := f.blocks.SaveBlock(context.Background(), 1, &models.Block{ChainID: 1, Number: 105, Hash: "0xstale"})
	require.NoError(t, err)
	f.client.AddLogs(f.transfer(token, 105, 1, 5))

	_, err = f.syncer.SyncEvents(context.Background(), 105, 105, SyncOptions{})
	require.NoError(t, err)

	hash105 := strings.ToLower(f.hashes[105].Hex())
	require.Len(t, f.reorg.calls, 2)
	assert.Equal(t, scheduled{block: 105, hash: hash105, delays: duplicateDelays}, f.reorg.calls[0])
	assert.Equal(t, scheduled{block: 105, hash: hash105, delays: checkDelays}, f.reorg.calls[1])
}

func TestSyncEvents_SkipsRemovedLogs(t *testing.T) {
	f := newFixture(t, 100, 101)
	removed := f.transfer(token, 101, 1, 5)
	removed.Removed = true
	f.client.AddLogs(removed)

	res, err := f.syncer.SyncEvents(context.Background(), 100, 101, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Transfers)
	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.reorg.calls)
}

func TestSyncEvents_FilterNarrowing(t *testing.T) {
	f := newFixture(t, 100, 101)

	_, err := f.syncer.SyncEvents(context.Background(), 100, 101, SyncOptions{})
	require.NoError(t, err)
	_, err = f.syncer.SyncEvents(context.Background(), 100, 101, SyncOptions{Kinds: []events.Kind{events.KindERC20Approval}})
	require.NoError(t, err)
	_, err = f.syncer.SyncEvents(context.Background(), 100, 101, SyncOptions{Address: strings.ToLower(token.Hex())})
	require.NoError(t, err)

	require.Len(t, f.client.LogQueries, 3)
	assert.Equal(t, []common.Hash{transferTopic, approvalTopic}, f.client.LogQueries[0].Topics[0])
	assert.Equal(t, []common.Hash{approvalTopic}, f.client.LogQueries[1].Topics[0])
	assert.Nil(t, f.client.LogQueries[2].Topics)
	assert.Equal(t, []common.Address{token}, f.client.LogQueries[2].Addresses)
}

func TestSyncEvents_InvalidRange(t *testing.T) {
	f := newFixture(t, 100, 101)
	_, err := f.syncer.SyncEvents(context.Background(), 101, 100, SyncOptions{})
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
}

func TestHandleBackfill(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.client.AddLogs(f.transfer(token, 104, 1, 9))
	f.progress.last = 200

	err := f.syncer.HandleBackfill(context.Background(), &job.Job{
		Kind:     job.KindBackfillSync,
		Backfill: &job.BackfillPayload{ChainID: 1, FromBlock: 100, ToBlock: 110},
	})
	require.NoError(t, err)

	require.Len(t, f.ledger.calls, 1)
	assert.True(t, f.ledger.calls[0].backfill)
	assert.Equal(t, ratelimit.PriorityLow, f.ledger.calls[0].priority)
	assert.Len(t, f.ledger.calls[0].events, 1)

	// no prefetch, only the block carrying a log is loaded
	assert.Equal(t, 1, f.client.BlockFetches)

	assert.Empty(t, f.progress.sets)
	assert.Empty(t, f.reorg.calls)
	assert.Empty(t, f.queue.jobs)
}

func TestHandleBackfill_UnknownKind(t *testing.T) {
	f := newFixture(t, 100, 101)
	err := f.syncer.HandleBackfill(context.Background(), &job.Job{
		Kind:     job.KindBackfillSync,
		Backfill: &job.BackfillPayload{ChainID: 1, FromBlock: 100, ToBlock: 101, Kinds: []string{"erc721-transfer"}},
	})
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestSyncRealtime_FirstRunStartsAtHead(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.client.AddLogs(f.transfer(token, 108, 1, 5), f.transfer(token, 110, 2, 6))

	require.NoError(t, f.syncer.SyncRealtime(context.Background()))

	require.Len(t, f.client.LogQueries, 1)
	assert.Equal(t, uint64(110), f.client.LogQueries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(110), f.client.LogQueries[0].ToBlock.Uint64())
	assert.Equal(t, []uint64{105}, f.progress.sets)
	assert.Empty(t, f.queue.byKind(job.KindBackfillSync))
}

func TestSyncRealtime_ResumesAfterMarker(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.progress.last = 104

	require.NoError(t, f.syncer.SyncRealtime(context.Background()))

	require.Len(t, f.client.LogQueries, 1)
	assert.Equal(t, uint64(105), f.client.LogQueries[0].FromBlock.Uint64())
	assert.Equal(t, []uint64{105}, f.progress.sets)
	assert.Empty(t, f.queue.byKind(job.KindBackfillSync))
}

func TestSyncRealtime_GapGoesToBackfill(t *testing.T) {
	f := newFixture(t, 50, 110)
	f.progress.last = 50

	require.NoError(t, f.syncer.SyncRealtime(context.Background()))

	// lag 16 keeps realtime on 95..110
	require.Len(t, f.client.LogQueries, 1)
	assert.Equal(t, uint64(95), f.client.LogQueries[0].FromBlock.Uint64())

	backfills := f.queue.byKind(job.KindBackfillSync)
	require.Len(t, backfills, 3)
	assert.Equal(t, uint64(51), backfills[0].Backfill.FromBlock)
	assert.Equal(t, uint64(70), backfills[0].Backfill.ToBlock)
	assert.Equal(t, uint64(91), backfills[2].Backfill.FromBlock)
	assert.Equal(t, uint64(94), backfills[2].Backfill.ToBlock)
	for _, j := range backfills {
		assert.Equal(t, int64(1), j.Backfill.ChainID)
	}
	assert.Equal(t, []uint64{105}, f.progress.sets)
}

func TestSyncRealtime_MalformedLogsAreDropped(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.progress.last = 104

	spam := f.transfer(unlisted, 107, 2, 1)
	spam.Data = nil
	short := f.transfer(token, 108, 3, 1)
	short.Data = []byte{0x01}
	f.client.AddLogs(f.transfer(token, 106, 1, 50), spam, short)

	for range 2 {
		require.NoError(t, f.syncer.SyncRealtime(context.Background()))
	}

	require.NotEmpty(t, f.ledger.calls)
	first := f.ledger.calls[0].events
	require.Len(t, first, 1)
	assert.Equal(t, uint64(106), first[0].Block)
	assert.Equal(t, "50", first[0].Amount.String())
	assert.Equal(t, uint64(105), f.progress.last)
}

func TestSyncRealtime_GapQueuedBeforeMarker(t *testing.T) {
	f := newFixture(t, 50, 110)
	f.progress.last = 50
	f.queue.fail = map[job.Kind]error{job.KindBackfillSync: assert.AnError}

	assert.ErrorIs(t, f.syncer.SyncRealtime(context.Background()), assert.AnError)
	assert.Empty(t, f.progress.sets, "marker stays behind an unqueued gap")

	f.queue.fail = nil
	require.NoError(t, f.syncer.SyncRealtime(context.Background()))

	backfills := f.queue.byKind(job.KindBackfillSync)
	require.Len(t, backfills, 3)
	assert.Equal(t, uint64(51), backfills[0].Backfill.FromBlock)
	assert.Equal(t, uint64(94), backfills[2].Backfill.ToBlock)
	assert.Equal(t, []uint64{105}, f.progress.sets)
}

func TestSyncRealtime_UpToDate(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.progress.last = 110

	require.NoError(t, f.syncer.SyncRealtime(context.Background()))
	assert.Empty(t, f.client.LogQueries)
	assert.Empty(t, f.progress.sets)
}

func TestSyncRealtime_HeadError(t *testing.T) {
	f := newFixture(t, 100, 110)
	f.progress.last = 100
	f.client.Err = assert.AnError

	assert.ErrorIs(t, f.syncer.SyncRealtime(context.Background()), assert.AnError)
	assert.Empty(t, f.progress.sets)
}

func TestEnqueueBackfill(t *testing.T) {
	q := &recordingQueue{}
	n, err := EnqueueBackfill(context.Background(), q, job.BackfillPayload{ChainID: 1, FromBlock: 10, ToBlock: 10}, 100, job.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.PriorityHigh, q.jobs[0].Priority)

	_, err = EnqueueBackfill(context.Background(), q, job.BackfillPayload{ChainID: 1, FromBlock: 10, ToBlock: 9}, 100, job.PriorityNormal)
	assert.Error(t, err)
}

func TestScheduler(t *testing.T) {
	f := newFixture(t, 100, 101)
	s := NewScheduler(f.syncer)
	ctx := context.Background()

	n, err := s.Schedule(ctx, job.BackfillPayload{ChainID: 1, FromBlock: 1, ToBlock: 45, Address: "0x00000000000000000000000000000000000000AA"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", f.queue.jobs[0].Backfill.Address)

	_, err = s.Schedule(ctx, job.BackfillPayload{ChainID: 56, FromBlock: 1, ToBlock: 2})
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))

	_, err = s.Schedule(ctx, job.BackfillPayload{ChainID: 1, FromBlock: 1, ToBlock: 2, Kinds: []string{"nft"}})
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))

	_, err = s.Schedule(ctx, job.BackfillPayload{ChainID: 1, FromBlock: 1, ToBlock: 2, Address: "nope"})
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
}

func TestScheduler_HandleJobUnknownChain(t *testing.T) {
	f := newFixture(t, 100, 101)
	s := NewScheduler(f.syncer)

	err := s.HandleJob(context.Background(), &job.Job{
		Kind:     job.KindBackfillSync,
		Backfill: &job.BackfillPayload{ChainID: 56, FromBlock: 1, ToBlock: 2},
	})
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err))
}
