package models

import "time"

// SyncProgress is the durable realtime marker for a chain. Backfill never
// writes it.
type SyncProgress struct {
	ChainID         int64     `json:"chainId" db:"chain_id"`
	LastSyncedBlock uint64    `json:"lastSyncedBlock" db:"last_synced_block"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}
