package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/storage"
)

// HistoryFetcher queues the replay of a wallet's past activity.
// notify.HistoryReplayer implements it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, accountID, address string) (int, error)
}

// AccountStore looks up subscriber accounts
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// WalletOnboarding adds wallets to an account
type WalletOnboarding struct {
	accounts AccountStore
	history  HistoryFetcher
	tracker  *WalletTracker
}

// NewWalletOnboarding creates the add-wallet flow
func NewWalletOnboarding(accounts AccountStore, history HistoryFetcher, tracker *WalletTracker) *WalletOnboarding {
	return &WalletOnboarding{accounts: accounts, history: history, tracker: tracker}
}

// ProcessAddWalletRequest queues the wallet's history replay and then
// enables tracking. When queueing fails tracking stays off and the caller
// can retry the whole request. It returns the number of history batches.
func (o *WalletOnboarding) ProcessAddWalletRequest(ctx context.Context, accountID, address string) (int, error) {
	if !common.IsHexAddress(address) {
		return 0, apperrors.NewValidationError("address", "not a hex address")
	}
	address = strings.ToLower(address)

	account, err := o.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return 0, apperrors.NewNotFoundError("account", accountID)
		}
		return 0, err
	}
	if !account.Active {
		return 0, apperrors.NewValidationError("accountId", "account is inactive")
	}

	batches, err := o.history.FetchHistory(ctx, accountID, address)
	if err != nil {
		return 0, fmt.Errorf("queue wallet history: %w", err)
	}
	if err := o.tracker.EnableWalletTracking(ctx, accountID, address); err != nil {
		return batches, fmt.Errorf("enable wallet tracking: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId": accountID,
		"address":   address,
		"batches":   batches,
	}).Info("Wallet added")
	return batches, nil
}

// RemoveWallet disables tracking of the address for the account
func (o *WalletOnboarding) RemoveWallet(ctx context.Context, accountID, address string) error {
	if !common.IsHexAddress(address) {
		return apperrors.NewValidationError("address", "not a hex address")
	}
	return o.tracker.DisableWalletTracking(ctx, accountID, address)
}
