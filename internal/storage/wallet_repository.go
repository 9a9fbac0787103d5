package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/transfer-indexer/internal/models"
)

// ErrAccountNotFound is returned when an account id is unknown
var ErrAccountNotFound = errors.New("account not found")

// WalletRepository handles accounts and the wallets they track
type WalletRepository struct {
	db *PostgresDB
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *PostgresDB) *WalletRepository {
	return &WalletRepository{db: db}
}

// CreateAccount creates a new subscriber account
func (r *WalletRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	query := `
		INSERT INTO accounts (id, name, webhook_url, webhook_auth_key, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		account.ID, account.Name, account.WebhookURL, account.WebhookAuthKey, account.Active,
	).Scan(&account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by id
func (r *WalletRepository) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `
		SELECT id, name, webhook_url, webhook_auth_key, active, created_at
		FROM accounts
		WHERE id = $1
	`

	var a models.Account
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.WebhookURL, &a.WebhookAuthKey, &a.Active, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// SetTracking enables or disables a wallet for an account
func (r *WalletRepository) SetTracking(ctx context.Context, accountID, address string, status int) error {
	query := `
		INSERT INTO tracked_wallets (account_id, address, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, address) DO UPDATE SET status = EXCLUDED.status
	`
	if _, err := r.db.Pool().Exec(ctx, query, accountID, strings.ToLower(address), status); err != nil {
		return fmt.Errorf("failed to set tracking for %s: %w", address, err)
	}
	return nil
}

// IsTracked reports whether any active account has the address enabled
func (r *WalletRepository) IsTracked(ctx context.Context, address string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM tracked_wallets w
			JOIN accounts a ON a.id = w.account_id
			WHERE w.address = $1 AND w.status = 1 AND a.active
		)
	`
	var tracked bool
	if err := r.db.Pool().QueryRow(ctx, query, strings.ToLower(address)).Scan(&tracked); err != nil {
		return false, fmt.Errorf("failed to check tracked wallet: %w", err)
	}
	return tracked, nil
}

// Subscriptions returns the delivery targets of every active account
// tracking one of the addresses
func (r *WalletRepository) Subscriptions(ctx context.Context, addresses []string) ([]*models.Subscription, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}

	query := `
		SELECT a.id, w.address, a.webhook_url, a.webhook_auth_key
		FROM tracked_wallets w
		JOIN accounts a ON a.id = w.account_id
		WHERE w.address = ANY($1) AND w.status = 1 AND a.active
		ORDER BY a.id, w.address
	`
	rows, err := r.db.Pool().Query(ctx, query, lowered)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		var s models.Subscription
		if err := rows.Scan(&s.AccountID, &s.Address, &s.WebhookURL, &s.AuthKey); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}
