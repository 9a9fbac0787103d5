package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/transfer-indexer/internal/models"
)

// BalanceRepository reads the derived ledger. Writes go through the ledger
// writer only.
type BalanceRepository struct {
	db *PostgresDB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *PostgresDB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// GetBalances returns every non-zero balance of an owner on a chain
func (r *BalanceRepository) GetBalances(ctx context.Context, chainID int64, owner string) ([]*models.Balance, error) {
	query := `
		SELECT contract, owner, chain_id, amount::text, updated_at
		FROM ft_balances
		WHERE chain_id = $1 AND owner = $2 AND amount <> 0
		ORDER BY contract
	`

	rows, err := r.db.Pool().Query(ctx, query, chainID, strings.ToLower(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var out []*models.Balance
	for rows.Next() {
		var b models.Balance
		var amount string
		if err := rows.Scan(&b.Contract, &b.Owner, &b.ChainID, &amount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.Amount, err = ParseNumeric(amount); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// GetBalance returns a single balance, zero when no row exists
func (r *BalanceRepository) GetBalance(ctx context.Context, chainID int64, contract, owner string) (*models.Balance, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT amount::text, updated_at FROM ft_balances
		WHERE contract = $1 AND owner = $2 AND chain_id = $3
	`, strings.ToLower(contract), strings.ToLower(owner), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	defer rows.Close()

	b := &models.Balance{Contract: strings.ToLower(contract), Owner: strings.ToLower(owner), ChainID: chainID}
	b.Amount, _ = ParseNumeric("0")
	if rows.Next() {
		var amount string
		if err := rows.Scan(&amount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.Amount, err = ParseNumeric(amount); err != nil {
			return nil, err
		}
	}
	return b, rows.Err()
}

// GetDailyActivity returns the aggregate bucket for one day, or nil
func (r *BalanceRepository) GetDailyActivity(ctx context.Context, chainID int64, contract, owner string, day time.Time) (*models.DailyActivity, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT day, contract, owner, chain_id, total_amount::text, total_receive::text,
			receive_count, total_transfer::text, transfer_count
		FROM ft_daily_activity
		WHERE day = $1 AND contract = $2 AND owner = $3 AND chain_id = $4
	`, day.UTC().Truncate(24*time.Hour), strings.ToLower(contract), strings.ToLower(owner), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily activity: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var d models.DailyActivity
	var total, receive, transfer string
	if err := rows.Scan(&d.Day, &d.Contract, &d.Owner, &d.ChainID, &total, &receive,
		&d.ReceiveCount, &transfer, &d.TransferCount); err != nil {
		return nil, fmt.Errorf("failed to scan daily activity: %w", err)
	}
	if d.TotalAmount, err = ParseNumeric(total); err != nil {
		return nil, err
	}
	if d.TotalReceive, err = ParseNumeric(receive); err != nil {
		return nil, err
	}
	if d.TotalTransfer, err = ParseNumeric(transfer); err != nil {
		return nil, err
	}
	return &d, nil
}
