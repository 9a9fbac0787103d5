package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
)

// BlockRepository handles observed block headers
type BlockRepository struct {
	db      *PostgresDB
	cascade bool
}

// NewBlockRepository creates a new block repository. With cascade set,
// DeleteBlock also removes the transactions recorded for the stale block.
func NewBlockRepository(db *PostgresDB, cascade bool) *BlockRepository {
	return &BlockRepository{db: db, cascade: cascade}
}

// SaveBlock inserts the block if its hash is new and returns the stored row.
func (r *BlockRepository) SaveBlock(ctx context.Context, chainID int64, block *models.Block) (*models.Block, error) {
	hash := strings.ToLower(block.Hash)

	query := `
		WITH ins AS (
			INSERT INTO blocks (chain_id, number, hash, timestamp)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chain_id, hash) DO NOTHING
			RETURNING chain_id, number, hash, timestamp, created_at
		)
		SELECT chain_id, number, hash, timestamp, created_at FROM ins
		UNION ALL
		SELECT chain_id, number, hash, timestamp, created_at FROM blocks
		WHERE chain_id = $1 AND hash = $3
		LIMIT 1
	`

	var saved models.Block
	var number int64
	err := r.db.Pool().QueryRow(ctx, query, chainID, int64(block.Number), hash, block.Timestamp.UTC()).Scan( // #nosec G115
		&saved.ChainID,
		&number,
		&saved.Hash,
		&saved.Timestamp,
		&saved.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save block %d on chain %d: %w", block.Number, chainID, err)
	}
	saved.Number = uint64(number) // #nosec G115 - block numbers are non-negative

	return &saved, nil
}

// GetBlocks returns every stored block at a height in insertion order
func (r *BlockRepository) GetBlocks(ctx context.Context, chainID int64, number uint64) ([]*models.Block, error) {
	query := `
		SELECT chain_id, number, hash, timestamp, created_at
		FROM blocks
		WHERE chain_id = $1 AND number = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, chainID, int64(number)) // #nosec G115
	if err != nil {
		return nil, fmt.Errorf("failed to get blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*models.Block
	for rows.Next() {
		var b models.Block
		var n int64
		if err := rows.Scan(&b.ChainID, &n, &b.Hash, &b.Timestamp, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		b.Number = uint64(n) // #nosec G115
		blocks = append(blocks, &b)
	}

	return blocks, rows.Err()
}

// GetBlock returns a single block by hash
func (r *BlockRepository) GetBlock(ctx context.Context, chainID int64, hash string) (*models.Block, error) {
	query := `
		SELECT chain_id, number, hash, timestamp, created_at
		FROM blocks
		WHERE chain_id = $1 AND hash = $2
	`

	var b models.Block
	var n int64
	err := r.db.Pool().QueryRow(ctx, query, chainID, strings.ToLower(hash)).Scan(&b.ChainID, &n, &b.Hash, &b.Timestamp, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	b.Number = uint64(n) // #nosec G115
	return &b, nil
}

// DeleteBlock removes exactly one (number, hash) row.
func (r *BlockRepository) DeleteBlock(ctx context.Context, chainID int64, number uint64, hash string) error {
	hash = strings.ToLower(hash)

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if r.cascade {
			// transactions are keyed by hash only, so the stale block's rows are
			// the ones stamped with its timestamp at that height
			_, err := tx.Exec(ctx, `
				DELETE FROM transactions t
				USING blocks b
				WHERE b.chain_id = $1 AND b.number = $2 AND b.hash = $3
				  AND t.chain_id = b.chain_id
				  AND t.block_number = b.number
				  AND t.block_timestamp = b.timestamp
				  AND NOT EXISTS (
					SELECT 1 FROM blocks o
					WHERE o.chain_id = b.chain_id AND o.number = b.number
					  AND o.hash <> b.hash AND o.timestamp = b.timestamp
				  )
			`, chainID, int64(number), hash) // #nosec G115
			if err != nil {
				return fmt.Errorf("failed to delete transactions for block %d: %w", number, err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE chain_id = $1 AND number = $2 AND hash = $3`,
			chainID, int64(number), hash); err != nil { // #nosec G115
			return fmt.Errorf("failed to delete block %d: %w", number, err)
		}
		return nil
	})
}

// ErrBlockNotFound is returned when a block hash is not stored
var ErrBlockNotFound = errors.New("block not found")
