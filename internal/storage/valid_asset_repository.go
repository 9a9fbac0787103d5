package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/transfer-indexer/internal/logging"
)

// ValidAssetRepository manages the allow-list of token contracts the ledger
// accepts. Lookups are served from memory; LoadCache refreshes from Postgres.
type ValidAssetRepository struct {
	db    *PostgresDB
	cache map[int64]map[string]bool // chainID -> contract -> allowed
	mu    sync.RWMutex
}

// NewValidAssetRepository creates a new valid asset repository
func NewValidAssetRepository(db *PostgresDB) *ValidAssetRepository {
	return &ValidAssetRepository{
		db:    db,
		cache: make(map[int64]map[string]bool),
	}
}

// LoadCache loads all valid assets into memory
func (r *ValidAssetRepository) LoadCache(ctx context.Context) error {
	rows, err := r.db.Pool().Query(ctx, `SELECT chain_id, contract FROM valid_assets`)
	if err != nil {
		return fmt.Errorf("failed to load valid assets: %w", err)
	}
	defer rows.Close()

	fresh := make(map[int64]map[string]bool)
	for rows.Next() {
		var chainID int64
		var contract string
		if err := rows.Scan(&chainID, &contract); err != nil {
			return err
		}
		if fresh[chainID] == nil {
			fresh[chainID] = make(map[string]bool)
		}
		fresh[chainID][strings.ToLower(contract)] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()
	return nil
}

// RefreshEvery reloads the cache every interval until ctx is done, picking
// up rows written by other processes. A failed reload keeps the previous
// cache.
func (r *ValidAssetRepository) RefreshEvery(ctx context.Context, interval time.Duration) {
	logger := logging.FromContext(ctx).Component("valid-assets")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.LoadCache(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("Failed to refresh valid assets")
			}
		}
	}
}

// IsValid checks if a contract is on the allow-list for a chain
func (r *ValidAssetRepository) IsValid(chainID int64, contract string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if contracts, ok := r.cache[chainID]; ok {
		return contracts[strings.ToLower(contract)]
	}
	return false
}

// Set adds a contract to the allow-list
func (r *ValidAssetRepository) Set(ctx context.Context, chainID int64, contract string) error {
	contract = strings.ToLower(contract)
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO valid_assets (chain_id, contract) VALUES ($1, $2)
		ON CONFLICT (chain_id, contract) DO NOTHING
	`, chainID, contract)
	if err != nil {
		return fmt.Errorf("failed to add valid asset: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache[chainID] == nil {
		r.cache[chainID] = make(map[string]bool)
	}
	r.cache[chainID][contract] = true
	return nil
}

// Invalidate removes a contract from the allow-list
func (r *ValidAssetRepository) Invalidate(ctx context.Context, chainID int64, contract string) error {
	contract = strings.ToLower(contract)
	_, err := r.db.Pool().Exec(ctx,
		`DELETE FROM valid_assets WHERE chain_id = $1 AND contract = $2`, chainID, contract)
	if err != nil {
		return fmt.Errorf("failed to remove valid asset: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache[chainID] != nil {
		delete(r.cache[chainID], contract)
	}
	return nil
}
