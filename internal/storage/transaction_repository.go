package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
)

// ErrTransactionNotFound is returned when a transaction hash is not stored
var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRepository handles transaction data persistence in Postgres
type TransactionRepository struct {
	db *PostgresDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *PostgresDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// SaveTransactions bulk inserts transactions, skipping hashes already stored.
// COPY cannot express ON CONFLICT, so rows travel as parallel arrays through unnest.
func (r *TransactionRepository) SaveTransactions(ctx context.Context, chainID int64, txs []*models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	n := len(txs)
	hashes := make([]string, n)
	froms := make([]string, n)
	tos := make([]string, n)
	values := make([]string, n)
	data := make([]string, n)
	blockNumbers := make([]int64, n)
	timestamps := make([]time.Time, n)
	gasPrices := make([]string, n)
	gasUsed := make([]int64, n)
	gasFees := make([]*string, n)
	nonces := make([]int64, n)
	statuses := make([]int16, n)

	for i, tx := range txs {
		hashes[i] = strings.ToLower(tx.Hash)
		froms[i] = strings.ToLower(tx.From)
		tos[i] = strings.ToLower(tx.To)
		values[i] = numericString(tx.Value)
		data[i] = tx.Data
		blockNumbers[i] = int64(tx.BlockNumber) // #nosec G115
		timestamps[i] = tx.BlockTimestamp.UTC()
		gasPrices[i] = numericString(tx.GasPrice)
		gasUsed[i] = int64(tx.GasUsed) // #nosec G115
		if tx.GasFee != nil {
			fee := tx.GasFee.String()
			gasFees[i] = &fee
		}
		nonces[i] = int64(tx.Nonce) // #nosec G115
		statuses[i] = tx.Status
	}

	query := `
		INSERT INTO transactions (
			chain_id, hash, "from", "to", value, data, block_number, block_timestamp,
			gas_price, gas_used, gas_fee, nonce, status
		)
		SELECT $1, u.hash, u.from_addr, u.to_addr, u.value, u.data, u.block_number, u.block_timestamp,
			u.gas_price, u.gas_used, u.gas_fee, u.nonce, u.status
		FROM unnest(
			$2::text[], $3::text[], $4::text[], $5::text[]::numeric[], $6::text[], $7::bigint[], $8::timestamptz[],
			$9::text[]::numeric[], $10::bigint[], $11::text[]::numeric[], $12::bigint[], $13::smallint[]
		) AS u(hash, from_addr, to_addr, value, data, block_number, block_timestamp,
			gas_price, gas_used, gas_fee, nonce, status)
		ON CONFLICT (chain_id, hash) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query,
		chainID, hashes, froms, tos, values, data, blockNumbers, timestamps,
		gasPrices, gasUsed, gasFees, nonces, statuses,
	)
	if err != nil {
		return fmt.Errorf("failed to save %d transactions: %w", n, err)
	}

	return nil
}

// UpsertTransaction stores a transaction resolved from RPC, replacing the
// receipt-derived fields of an existing row.
func (r *TransactionRepository) UpsertTransaction(ctx context.Context, tx *models.Transaction) error {
	var gasFee *string
	if tx.GasFee != nil {
		fee := tx.GasFee.String()
		gasFee = &fee
	}

	query := `
		INSERT INTO transactions (
			chain_id, hash, "from", "to", value, data, block_number, block_timestamp,
			gas_price, gas_used, gas_fee, nonce, status
		)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9::text::numeric, $10, $11::text::numeric, $12, $13)
		ON CONFLICT (chain_id, hash) DO UPDATE SET
			gas_used = EXCLUDED.gas_used,
			gas_fee = EXCLUDED.gas_fee,
			status = EXCLUDED.status
	`

	_, err := r.db.Pool().Exec(ctx, query,
		tx.ChainID,
		strings.ToLower(tx.Hash),
		strings.ToLower(tx.From),
		strings.ToLower(tx.To),
		numericString(tx.Value),
		tx.Data,
		int64(tx.BlockNumber), // #nosec G115
		tx.BlockTimestamp.UTC(),
		numericString(tx.GasPrice),
		int64(tx.GasUsed), // #nosec G115
		gasFee,
		int64(tx.Nonce), // #nosec G115
		tx.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", tx.Hash, err)
	}
	return nil
}

// GetTransaction retrieves a transaction by hash
func (r *TransactionRepository) GetTransaction(ctx context.Context, chainID int64, hash string) (*models.Transaction, error) {
	query := `
		SELECT chain_id, hash, "from", "to", value::text, data, block_number, block_timestamp,
			gas_price::text, gas_used, gas_fee::text, nonce, status
		FROM transactions
		WHERE chain_id = $1 AND hash = $2
	`

	var tx models.Transaction
	var value, gasPrice string
	var gasFee *string
	var blockNumber, gasUsed, nonce int64

	err := r.db.Pool().QueryRow(ctx, query, chainID, strings.ToLower(hash)).Scan(
		&tx.ChainID,
		&tx.Hash,
		&tx.From,
		&tx.To,
		&value,
		&tx.Data,
		&blockNumber,
		&tx.BlockTimestamp,
		&gasPrice,
		&gasUsed,
		&gasFee,
		&nonce,
		&tx.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	tx.BlockNumber = uint64(blockNumber) // #nosec G115
	tx.GasUsed = uint64(gasUsed)         // #nosec G115
	tx.Nonce = uint64(nonce)             // #nosec G115
	if tx.Value, err = ParseNumeric(value); err != nil {
		return nil, err
	}
	if tx.GasPrice, err = ParseNumeric(gasPrice); err != nil {
		return nil, err
	}
	if gasFee != nil {
		if tx.GasFee, err = ParseNumeric(*gasFee); err != nil {
			return nil, err
		}
	}

	return &tx, nil
}
