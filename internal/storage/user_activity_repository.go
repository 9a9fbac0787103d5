package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/types"
)

// UserActivityRepository persists per-wallet activity rows
type UserActivityRepository struct {
	db *PostgresDB
}

// NewUserActivityRepository creates a new user activity repository
func NewUserActivityRepository(db *PostgresDB) *UserActivityRepository {
	return &UserActivityRepository{db: db}
}

// Save inserts activity rows, ignoring ones already stored under the same
// (hash, address, direction, logIndex, batchIndex) key.
func (r *UserActivityRepository) Save(ctx context.Context, activities []*models.UserActivity) error {
	if len(activities) == 0 {
		return nil
	}

	query := `
		INSERT INTO user_activities (
			chain_id, hash, type, contract, address, from_address, to_address, amount,
			block, block_hash, event_timestamp, direction, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10, $11, $12, $13)
		ON CONFLICT (activity_key) DO NOTHING
	`

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, a := range activities {
			metadata, err := json.Marshal(a.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal activity metadata: %w", err)
			}
			_, err = tx.Exec(ctx, query,
				a.ChainID,
				strings.ToLower(a.Hash),
				a.Type,
				strings.ToLower(a.Contract),
				strings.ToLower(a.Address),
				strings.ToLower(a.From),
				strings.ToLower(a.To),
				numericString(a.Amount),
				int64(a.Block), // #nosec G115
				strings.ToLower(a.BlockHash),
				a.EventTimestamp.UTC(),
				string(a.Direction),
				metadata,
			)
			if err != nil {
				return fmt.Errorf("failed to save activity %s: %w", a.Hash, err)
			}
		}
		return nil
	})
}

// DeleteByBlock removes the activities recorded for an orphaned block
func (r *UserActivityRepository) DeleteByBlock(ctx context.Context, chainID int64, block uint64, blockHash string) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM user_activities WHERE chain_id = $1 AND block = $2 AND block_hash = $3`,
		chainID, int64(block), strings.ToLower(blockHash)) // #nosec G115
	if err != nil {
		return 0, fmt.Errorf("failed to delete activities for block %d: %w", block, err)
	}
	return tag.RowsAffected(), nil
}

// CountByAddress returns how many activities a wallet has
func (r *UserActivityRepository) CountByAddress(ctx context.Context, address string) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM user_activities WHERE address = $1`, strings.ToLower(address)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// ListByAddress returns one page of a wallet's activities, oldest first
func (r *UserActivityRepository) ListByAddress(ctx context.Context, address string, limit, offset int) ([]*models.UserActivity, error) {
	query := `
		SELECT id, chain_id, hash, type, contract, address, from_address, to_address,
			amount::text, block, block_hash, event_timestamp, direction, metadata
		FROM user_activities
		WHERE address = $1
		ORDER BY event_timestamp ASC, id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(address), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var out []*models.UserActivity
	for rows.Next() {
		var a models.UserActivity
		var amount, direction string
		var block int64
		var metadata []byte
		if err := rows.Scan(
			&a.ID, &a.ChainID, &a.Hash, &a.Type, &a.Contract, &a.Address, &a.From, &a.To,
			&amount, &block, &a.BlockHash, &a.EventTimestamp, &direction, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if a.Amount, err = ParseNumeric(amount); err != nil {
			return nil, err
		}
		a.Block = uint64(block) // #nosec G115
		a.Direction = types.Direction(direction)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal activity metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
