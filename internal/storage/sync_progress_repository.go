package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
)

// SyncProgressRepository persists the realtime sync marker per chain
type SyncProgressRepository struct {
	db *PostgresDB
}

// NewSyncProgressRepository creates a new sync progress repository
func NewSyncProgressRepository(db *PostgresDB) *SyncProgressRepository {
	return &SyncProgressRepository{db: db}
}

// GetLastSynced returns the last synced block, or 0 when the chain has never synced
func (r *SyncProgressRepository) GetLastSynced(ctx context.Context, chainID int64) (uint64, error) {
	var last int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT last_synced_block FROM sync_progress WHERE chain_id = $1`, chainID,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get sync progress for chain %d: %w", chainID, err)
	}
	return uint64(last), nil // #nosec G115
}

// SetLastSynced upserts the marker for a chain
func (r *SyncProgressRepository) SetLastSynced(ctx context.Context, chainID int64, block uint64) error {
	query := `
		INSERT INTO sync_progress (chain_id, last_synced_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			last_synced_block = EXCLUDED.last_synced_block,
			updated_at = NOW()
	`
	if _, err := r.db.Pool().Exec(ctx, query, chainID, int64(block)); err != nil { // #nosec G115
		return fmt.Errorf("failed to set sync progress for chain %d: %w", chainID, err)
	}
	return nil
}

// List returns the markers of every chain that has synced at least once
func (r *SyncProgressRepository) List(ctx context.Context) ([]*models.SyncProgress, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT chain_id, last_synced_block, updated_at FROM sync_progress ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync progress: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncProgress
	for rows.Next() {
		var p models.SyncProgress
		var last int64
		if err := rows.Scan(&p.ChainID, &last, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync progress: %w", err)
		}
		p.LastSyncedBlock = uint64(last) // #nosec G115
		out = append(out, &p)
	}
	return out, rows.Err()
}
