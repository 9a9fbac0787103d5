package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
)

// CurrencyRepository handles token metadata rows
type CurrencyRepository struct {
	db *PostgresDB
}

// NewCurrencyRepository creates a new currency repository
func NewCurrencyRepository(db *PostgresDB) *CurrencyRepository {
	return &CurrencyRepository{db: db}
}

// Get returns the stored currency, or nil when the contract has not been seen
func (r *CurrencyRepository) Get(ctx context.Context, chainID int64, contract string) (*models.Currency, error) {
	query := `
		SELECT chain_id, contract, name, symbol, decimals, metadata
		FROM currencies
		WHERE chain_id = $1 AND contract = $2
	`

	var c models.Currency
	var metadata []byte
	err := r.db.Pool().QueryRow(ctx, query, chainID, strings.ToLower(contract)).Scan(
		&c.ChainID, &c.Contract, &c.Name, &c.Symbol, &c.Decimals, &metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal currency metadata: %w", err)
		}
	}
	return &c, nil
}

// Save inserts the currency, keeping the first row written for a contract
func (r *CurrencyRepository) Save(ctx context.Context, c *models.Currency) error {
	metadata := []byte("{}")
	if c.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(c.Metadata); err != nil {
			return fmt.Errorf("failed to marshal currency metadata: %w", err)
		}
	}

	query := `
		INSERT INTO currencies (chain_id, contract, name, symbol, decimals, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, contract) DO NOTHING
	`
	_, err := r.db.Pool().Exec(ctx, query,
		c.ChainID, strings.ToLower(c.Contract), c.Name, c.Symbol, c.Decimals, metadata)
	if err != nil {
		return fmt.Errorf("failed to save currency: %w", err)
	}
	return nil
}
