// Package ledger persists transfer events and keeps the derived balance and
// daily activity tables in step with them.
//
// Balances are only ever changed by deltas computed from rows that an insert
// actually created (or a delete actually removed), so replaying a block is a
// no-op and a reorg repair is the exact inverse of the original ingestion.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/retry"
	"github.com/transfer-indexer/internal/storage"
)

// AssetFilter reports whether a token contract is allow-listed on a chain
type AssetFilter interface {
	IsValid(chainID int64, contract string) bool
}

// Mirror receives committed ledger changes, e.g. an analytics copy
type Mirror interface {
	InsertTransfers(ctx context.Context, events []*models.TransferEvent) error
	DeleteBlock(ctx context.Context, chainID int64, block uint64, blockHash string) error
}

// Config holds writer settings
type Config struct {
	RetryAttempts       int
	RetryDelay          time.Duration
	BufferMaxRows       int
	BufferFlushInterval time.Duration
}

// DefaultConfig returns 10 attempts spaced 2s apart
func DefaultConfig() Config {
	return Config{
		RetryAttempts:       10,
		RetryDelay:          2 * time.Second,
		BufferMaxRows:       5000,
		BufferFlushInterval: 500 * time.Millisecond,
	}
}

// Writer applies transfer events to the ledger
type Writer struct {
	db     *storage.PostgresDB
	assets AssetFilter
	mirror Mirror
	cfg    Config
	buffer *WriteBuffer
}

// NewWriter creates a ledger writer. mirror may be nil.
func NewWriter(db *storage.PostgresDB, assets AssetFilter, mirror Mirror, cfg Config) *Writer {
	w := &Writer{
		db:     db,
		assets: assets,
		mirror: mirror,
		cfg:    cfg,
	}
	w.buffer = NewWriteBuffer(w.writeWithRetry, cfg.BufferMaxRows, cfg.BufferFlushInterval)
	return w
}

// Start runs the backfill write buffer
func (w *Writer) Start(ctx context.Context) {
	w.buffer.Start(ctx)
}

// Stop flushes and stops the backfill write buffer
func (w *Writer) Stop() {
	w.buffer.Stop()
}

// FilterValid drops events whose contract is not allow-listed
func (w *Writer) FilterValid(chainID int64, events []*models.TransferEvent) []*models.TransferEvent {
	valid := make([]*models.TransferEvent, 0, len(events))
	for _, e := range events {
		if w.assets.IsValid(chainID, e.Address) {
			valid = append(valid, e)
		}
	}
	if skipped := len(events) - len(valid); skipped > 0 {
		metrics.LedgerEventsSkipped.WithLabelValues(strconv.FormatInt(chainID, 10)).Add(float64(skipped))
	}
	return valid
}

// AddEvents inserts the allow-listed events and applies the balance and
// daily activity deltas of the rows that were new. Backfill writes go
// through the write buffer; realtime writes commit before returning.
func (w *Writer) AddEvents(ctx context.Context, events []*models.TransferEvent, backfill bool, chainID int64) error {
	valid := w.FilterValid(chainID, events)
	if len(valid) == 0 {
		return nil
	}
	for _, e := range valid {
		e.ChainID = chainID
	}

	if backfill {
		return w.buffer.Submit(ctx, valid)
	}
	return w.writeWithRetry(ctx, valid)
}

func (w *Writer) writeWithRetry(ctx context.Context, events []*models.TransferEvent) error {
	cfg := retry.Fixed(w.cfg.RetryAttempts, w.cfg.RetryDelay)
	cfg.Operation = "ledger.AddEvents"
	cfg.ShouldRetry = func(err error) bool {
		if apperrors.IsContention(err) {
			metrics.LedgerContentionRetries.Inc()
		}
		return !apperrors.Is(err, context.Canceled)
	}

	var inserted []*models.TransferEvent
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		var err error
		inserted, err = w.write(ctx, events)
		return err
	})
	if !result.Success {
		if apperrors.IsContention(result.LastError) {
			return apperrors.NewContentionError("ledger.AddEvents", result.LastError)
		}
		return apperrors.NewDatabaseError("ledger.AddEvents", result.LastError)
	}

	if len(inserted) > 0 {
		metrics.LedgerEventsInserted.WithLabelValues(strconv.FormatInt(inserted[0].ChainID, 10)).Add(float64(len(inserted)))
		if w.mirror != nil {
			if err := w.mirror.InsertTransfers(ctx, inserted); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("Failed to mirror transfer events")
			}
		}
	}
	return nil
}

const insertEventsSQL = `
	INSERT INTO ft_transfer_events (
		chain_id, address, block, block_hash, tx_hash, tx_index, log_index,
		batch_index, timestamp, "from", "to", amount
	)
	SELECT * FROM unnest(
		$1::bigint[], $2::text[], $3::bigint[], $4::text[], $5::text[], $6::int[], $7::int[],
		$8::int[], $9::timestamptz[], $10::text[], $11::text[], $12::text[]::numeric[]
	)
	ON CONFLICT DO NOTHING
	RETURNING chain_id, address, block, block_hash, tx_hash, tx_index, log_index,
		batch_index, timestamp, "from", "to", amount::text
`

const upsertBalancesSQL = `
	INSERT INTO ft_balances (contract, owner, chain_id, amount, updated_at)
	SELECT contract, owner, chain_id, amount, NOW()
	FROM unnest($1::text[], $2::text[], $3::bigint[], $4::text[]::numeric[])
		AS d(contract, owner, chain_id, amount)
	ON CONFLICT (contract, owner, chain_id) DO UPDATE
	SET amount = ft_balances.amount + EXCLUDED.amount,
		updated_at = NOW()
`

const upsertDailySQL = `
	INSERT INTO ft_daily_activity (
		day, contract, owner, chain_id,
		total_amount, total_receive, receive_count, total_transfer, transfer_count
	)
	SELECT * FROM unnest(
		$1::text[]::date[], $2::text[], $3::text[], $4::bigint[],
		$5::text[]::numeric[], $6::text[]::numeric[], $7::bigint[], $8::text[]::numeric[], $9::bigint[]
	)
	ON CONFLICT (day, contract, owner, chain_id) DO UPDATE
	SET total_amount = ft_daily_activity.total_amount + EXCLUDED.total_amount,
		total_receive = ft_daily_activity.total_receive + EXCLUDED.total_receive,
		receive_count = ft_daily_activity.receive_count + EXCLUDED.receive_count,
		total_transfer = ft_daily_activity.total_transfer + EXCLUDED.total_transfer,
		transfer_count = ft_daily_activity.transfer_count + EXCLUDED.transfer_count
`

// write runs one ledger transaction and returns the rows it inserted
func (w *Writer) write(ctx context.Context, events []*models.TransferEvent) ([]*models.TransferEvent, error) {
	start := time.Now()
	defer func() {
		metrics.LedgerFlushLatency.Observe(time.Since(start).Seconds())
	}()

	n := len(events)
	var (
		chainIDs    = make([]int64, n)
		addresses   = make([]string, n)
		blocks      = make([]int64, n)
		blockHashes = make([]string, n)
		txHashes    = make([]string, n)
		txIndexes   = make([]int32, n)
		logIndexes  = make([]int32, n)
		batchIdx    = make([]int32, n)
		timestamps  = make([]time.Time, n)
		froms       = make([]string, n)
		tos         = make([]string, n)
		amounts     = make([]string, n)
	)
	for i, e := range events {
		chainIDs[i] = e.ChainID
		addresses[i] = e.Address
		blocks[i] = int64(e.Block) // #nosec G115 -- block heights fit in int64
		blockHashes[i] = e.BlockHash
		txHashes[i] = e.TxHash
		txIndexes[i] = int32(e.TxIndex)   // #nosec G115 -- tx index fits in int32
		logIndexes[i] = int32(e.LogIndex) // #nosec G115 -- log index fits in int32
		batchIdx[i] = int32(e.BatchIndex) // #nosec G115 -- batch index fits in int32
		timestamps[i] = e.Timestamp
		froms[i] = e.From
		tos[i] = e.To
		amounts[i] = e.Amount.String()
	}

	var inserted []*models.TransferEvent
	err := w.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, insertEventsSQL,
			chainIDs, addresses, blocks, blockHashes, txHashes, txIndexes, logIndexes,
			batchIdx, timestamps, froms, tos, amounts)
		if err != nil {
			return fmt.Errorf("insert transfer events: %w", err)
		}
		inserted, err = scanInserted(rows)
		if err != nil {
			return err
		}
		if len(inserted) == 0 {
			return nil
		}

		if err := upsertBalances(ctx, tx, AggregateDeltas(inserted)); err != nil {
			return err
		}
		return upsertDaily(ctx, tx, AggregateDaily(inserted))
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func scanInserted(rows pgx.Rows) ([]*models.TransferEvent, error) {
	defer rows.Close()

	var out []*models.TransferEvent
	for rows.Next() {
		var (
			e                           models.TransferEvent
			block                       int64
			txIndex, logIndex, batchIdx int32
			amount                      string
		)
		if err := rows.Scan(&e.ChainID, &e.Address, &block, &e.BlockHash, &e.TxHash, &txIndex, &logIndex,
			&batchIdx, &e.Timestamp, &e.From, &e.To, &amount); err != nil {
			return nil, fmt.Errorf("scan inserted event: %w", err)
		}
		e.Block = uint64(block)     // #nosec G115
		e.TxIndex = uint(txIndex)   // #nosec G115
		e.LogIndex = uint(logIndex) // #nosec G115
		e.BatchIndex = int(batchIdx)
		v, err := storage.ParseNumeric(amount)
		if err != nil {
			return nil, err
		}
		e.Amount = v
		out = append(out, &e)
	}
	return out, rows.Err()
}

func upsertBalances(ctx context.Context, tx pgx.Tx, deltas []models.BalanceDelta) error {
	n := len(deltas)
	contracts := make([]string, n)
	owners := make([]string, n)
	chainIDs := make([]int64, n)
	amounts := make([]string, n)
	for i, d := range deltas {
		contracts[i] = d.Contract
		owners[i] = d.Owner
		chainIDs[i] = d.ChainID
		amounts[i] = d.Amount.String()
	}
	if _, err := tx.Exec(ctx, upsertBalancesSQL, contracts, owners, chainIDs, amounts); err != nil {
		return fmt.Errorf("upsert balances: %w", err)
	}
	return nil
}

func upsertDaily(ctx context.Context, tx pgx.Tx, buckets []models.DailyActivity) error {
	n := len(buckets)
	var (
		days          = make([]string, n)
		contracts     = make([]string, n)
		owners        = make([]string, n)
		chainIDs      = make([]int64, n)
		totalAmount   = make([]string, n)
		totalReceive  = make([]string, n)
		receiveCount  = make([]int64, n)
		totalTransfer = make([]string, n)
		transferCount = make([]int64, n)
	)
	for i, b := range buckets {
		days[i] = b.Day.Format("2006-01-02")
		contracts[i] = b.Contract
		owners[i] = b.Owner
		chainIDs[i] = b.ChainID
		totalAmount[i] = b.TotalAmount.String()
		totalReceive[i] = b.TotalReceive.String()
		receiveCount[i] = b.ReceiveCount
		totalTransfer[i] = b.TotalTransfer.String()
		transferCount[i] = b.TransferCount
	}
	if _, err := tx.Exec(ctx, upsertDailySQL, days, contracts, owners, chainIDs,
		totalAmount, totalReceive, receiveCount, totalTransfer, transferCount); err != nil {
		return fmt.Errorf("upsert daily activity: %w", err)
	}
	return nil
}

// removeEventsSQL deletes one block's events and reverses their balance and
// daily activity deltas in a single statement.
const removeEventsSQL = `
	WITH x AS (
		DELETE FROM ft_transfer_events
		WHERE chain_id = $1 AND block = $2 AND block_hash = $3
		RETURNING address, "from", "to", amount, (timestamp AT TIME ZONE 'UTC')::date AS day
	),
	balances AS (
		INSERT INTO ft_balances (contract, owner, chain_id, amount, updated_at)
		SELECT y.address, y.owner, $1, SUM(y.amount_delta), NOW()
		FROM (
			SELECT address,
				unnest(ARRAY["from", "to"]) AS owner,
				unnest(ARRAY[amount, -amount]) AS amount_delta
			FROM x
		) y
		GROUP BY y.address, y.owner
		ON CONFLICT (contract, owner, chain_id) DO UPDATE
		SET amount = ft_balances.amount + EXCLUDED.amount,
			updated_at = NOW()
		RETURNING 1
	),
	daily AS (
		INSERT INTO ft_daily_activity (
			day, contract, owner, chain_id,
			total_amount, total_receive, receive_count, total_transfer, transfer_count
		)
		SELECT d.day, d.address, d.owner, $1,
			SUM(d.total_amount), SUM(d.total_receive), SUM(d.receive_count),
			SUM(d.total_transfer), SUM(d.transfer_count)
		FROM (
			SELECT day, address, "to" AS owner,
				-amount AS total_amount, -amount AS total_receive, -1 AS receive_count,
				0::numeric AS total_transfer, 0 AS transfer_count
			FROM x
			UNION ALL
			SELECT day, address, "from" AS owner,
				amount, 0::numeric, 0,
				-amount, -1
			FROM x
		) d
		GROUP BY d.day, d.address, d.owner
		ON CONFLICT (day, contract, owner, chain_id) DO UPDATE
		SET total_amount = ft_daily_activity.total_amount + EXCLUDED.total_amount,
			total_receive = ft_daily_activity.total_receive + EXCLUDED.total_receive,
			receive_count = ft_daily_activity.receive_count + EXCLUDED.receive_count,
			total_transfer = ft_daily_activity.total_transfer + EXCLUDED.total_transfer,
			transfer_count = ft_daily_activity.transfer_count + EXCLUDED.transfer_count
		RETURNING 1
	)
	SELECT (SELECT COUNT(*) FROM x), (SELECT COUNT(*) FROM balances), (SELECT COUNT(*) FROM daily)
`

// RemoveEvents deletes the events of one orphaned block and reverts their
// effect on balances and daily activity.
func (w *Writer) RemoveEvents(ctx context.Context, chainID int64, block uint64, blockHash string) error {
	var removed, balanceRows, dailyRows int64
	row := w.db.Pool().QueryRow(ctx, removeEventsSQL, chainID, int64(block), blockHash) // #nosec G115
	if err := row.Scan(&removed, &balanceRows, &dailyRows); err != nil {
		if apperrors.IsContention(err) {
			return apperrors.NewContentionError("ledger.RemoveEvents", err)
		}
		return apperrors.NewDatabaseError("ledger.RemoveEvents", err)
	}

	if removed > 0 {
		metrics.LedgerEventsRemoved.WithLabelValues(strconv.FormatInt(chainID, 10)).Add(float64(removed))
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"chainId":     chainID,
			"block":       block,
			"blockHash":   blockHash,
			"removed":     removed,
			"balanceRows": balanceRows,
			"dailyRows":   dailyRows,
		}).Warn("Reverted transfer events of orphaned block")
	}

	if w.mirror != nil {
		if err := w.mirror.DeleteBlock(ctx, chainID, block, blockHash); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to remove mirrored transfer events")
		}
	}
	return nil
}
