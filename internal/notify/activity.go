package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/types"
)

// ActivityStore persists per-wallet activity rows.
// storage.UserActivityRepository implements it.
type ActivityStore interface {
	Save(ctx context.Context, activities []*models.UserActivity) error
}

// TrackedWallets answers whether any account follows an address.
// service.WalletTracker implements it.
type TrackedWallets interface {
	IsCachedWallet(ctx context.Context, address string) (bool, error)
}

// TransactionFetcher resolves a transaction, from the store or the chain.
// service.ChainData implements it.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, chainID int64, hash string) (*models.Transaction, error)
}

// SubscriptionStore lists the accounts tracking addresses.
// storage.WalletRepository implements it.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context, addresses []string) ([]*models.Subscription, error)
}

// CurrencyLookup returns token metadata. service.CurrencyService implements it.
type CurrencyLookup interface {
	GetCurrency(ctx context.Context, chainID int64, contract string) (*models.Currency, error)
}

// ActivityData is the "data" of a WALLET_ACTIVITY webhook
type ActivityData struct {
	Transaction *models.Transaction      `json:"transaction"`
	Transfer    *models.TransferActivity `json:"transferEvent"`
	Currency    *models.Currency         `json:"currency,omitempty"`
}

// ActivityProcessor handles transfer-activity jobs
type ActivityProcessor struct {
	activities ActivityStore
	tracked    TrackedWallets
	txs        TransactionFetcher
	subs       SubscriptionStore
	currencies CurrencyLookup
	queue      job.Enqueuer
}

// NewActivityProcessor creates a processor. currencies may be nil.
func NewActivityProcessor(
	activities ActivityStore,
	tracked TrackedWallets,
	txs TransactionFetcher,
	subs SubscriptionStore,
	currencies CurrencyLookup,
	queue job.Enqueuer,
) *ActivityProcessor {
	return &ActivityProcessor{
		activities: activities,
		tracked:    tracked,
		txs:        txs,
		subs:       subs,
		currencies: currencies,
		queue:      queue,
	}
}

// HandleJob runs a transfer-activity job
func (p *ActivityProcessor) HandleJob(ctx context.Context, j *job.Job) error {
	return p.HandleTransfer(ctx, j.Activity)
}

// HandleTransfer records the activity rows of a transfer and, when either
// side is a tracked wallet, queues one webhook per subscribed account.
func (p *ActivityProcessor) HandleTransfer(ctx context.Context, a *models.TransferActivity) error {
	logger := logging.FromContext(ctx).Component("activities").WithChain(a.ChainID).WithField("txHash", a.TxHash)

	rows, err := models.UserActivitiesFor(a)
	if err != nil {
		return err
	}
	if err := p.activities.Save(ctx, rows); err != nil {
		return err
	}

	tracked, err := p.trackedSides(ctx, a)
	if err != nil {
		return err
	}
	if len(tracked) == 0 {
		return nil
	}

	tx, err := p.txs.FetchTransaction(ctx, a.ChainID, a.TxHash)
	if err != nil {
		return fmt.Errorf("resolve transaction %s: %w", a.TxHash, err)
	}

	data := ActivityData{Transaction: tx, Transfer: a}
	if p.currencies != nil {
		currency, err := p.currencies.GetCurrency(ctx, a.ChainID, a.Contract)
		if err != nil {
			logger.WithError(err).Warn("Currency lookup failed, sending webhook without it")
		} else {
			data.Currency = currency
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal activity webhook: %w", err)
	}

	subs, err := p.subs.Subscriptions(ctx, tracked)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(subs))
	queued := 0
	for _, s := range subs {
		key := s.AccountID + ":" + a.TxHash
		if seen[key] {
			continue
		}
		seen[key] = true

		if _, err := p.queue.Enqueue(ctx, &job.Job{
			ID:   webhookJobID(s.AccountID, a),
			Kind: job.KindWebhookDelivery,
			Webhook: &job.WebhookPayload{
				AccountID: s.AccountID,
				Event:     EventWalletActivity,
				Timestamp: a.Timestamp,
				Data:      raw,
			},
		}); err != nil {
			return err
		}
		queued++
	}

	logger.WithFields(map[string]interface{}{
		"tracked":  tracked,
		"webhooks": queued,
	}).Debug("Queued wallet activity webhooks")
	return nil
}

// trackedSides returns the non-zero sides of a that some account tracks
func (p *ActivityProcessor) trackedSides(ctx context.Context, a *models.TransferActivity) ([]string, error) {
	var out []string
	for _, addr := range []string{a.From, a.To} {
		if addr == types.ZeroAddress || (len(out) > 0 && out[0] == addr) {
			continue
		}
		ok, err := p.tracked.IsCachedWallet(ctx, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

// webhookJobID keeps a retried activity job from queueing a second delivery
func webhookJobID(accountID string, a *models.TransferActivity) string {
	return fmt.Sprintf("webhook:%s:%s:%s", accountID, a.ContextID(), a.BlockHash)
}
