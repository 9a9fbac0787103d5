package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/transfer-indexer/internal/config"
	"github.com/transfer-indexer/internal/models"
)

// ClickHouseDB is the optional analytics store. Only the ledger mirror
// writes to it.
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB opens a connection pool and pings it
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse at %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", addr, err)
	}
	return &ClickHouseDB{conn: conn}, nil
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}

// Conn exposes the driver for queries the helpers do not cover
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping is used by the health endpoint
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// ActivityMirror copies committed transfer events into ClickHouse for
// analytics and drops them again when their block is orphaned.
type ActivityMirror struct {
	db *ClickHouseDB
}

// NewActivityMirror creates a mirror over db
func NewActivityMirror(db *ClickHouseDB) *ActivityMirror {
	return &ActivityMirror{db: db}
}

// InsertTransfers appends events in one batch
func (m *ActivityMirror) InsertTransfers(ctx context.Context, events []*models.TransferEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := m.db.conn.PrepareBatch(ctx, `
		INSERT INTO transfer_events (
			chain_id, contract, block, block_hash, tx_hash, log_index, batch_index,
			timestamp, from_address, to_address, amount
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare transfer batch: %w", err)
	}

	for _, e := range events {
		// #nosec G115 -- chain ids and log positions are non-negative and small
		chainID, logIndex, batchIndex := uint64(e.ChainID), uint32(e.LogIndex), uint32(e.BatchIndex)
		if err := batch.Append(
			chainID,
			e.Address,
			e.Block,
			e.BlockHash,
			e.TxHash,
			logIndex,
			batchIndex,
			e.Timestamp,
			e.From,
			e.To,
			e.Amount,
		); err != nil {
			return fmt.Errorf("failed to append transfer %s:%d: %w", e.TxHash, e.LogIndex, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send transfer batch: %w", err)
	}
	return nil
}

// DeleteBlock removes the mirrored events of one (block, hash)
func (m *ActivityMirror) DeleteBlock(ctx context.Context, chainID int64, block uint64, blockHash string) error {
	err := m.db.Exec(ctx,
		"DELETE FROM transfer_events WHERE chain_id = ? AND block = ? AND block_hash = ?",
		uint64(chainID), block, blockHash) // #nosec G115
	if err != nil {
		return fmt.Errorf("failed to delete mirrored block %d: %w", block, err)
	}
	return nil
}
