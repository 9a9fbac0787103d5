package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
)

// DefaultHistoryPageSize is the number of activities per history webhook
const DefaultHistoryPageSize = 100

// HistoryStore pages through a wallet's activities.
// storage.UserActivityRepository implements it.
type HistoryStore interface {
	CountByAddress(ctx context.Context, address string) (int64, error)
	ListByAddress(ctx context.Context, address string, limit, offset int) ([]*models.UserActivity, error)
}

// HistoryData is the "data" of a TRANSACTION_HISTORY webhook
type HistoryData struct {
	Address      string                 `json:"address"`
	Batch        int                    `json:"batch"`
	TotalBatch   int                    `json:"totalBatch"`
	Transactions []*models.UserActivity `json:"transactions"`
}

// HistoryReplayer sends a wallet's stored activity to an account in pages
type HistoryReplayer struct {
	store      HistoryStore
	queue      job.Enqueuer
	dispatcher *Dispatcher
	pageSize   int
	now        func() time.Time
}

// NewHistoryReplayer creates a replayer. pageSize <= 0 uses the default.
func NewHistoryReplayer(store HistoryStore, queue job.Enqueuer, dispatcher *Dispatcher, pageSize int) *HistoryReplayer {
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	return &HistoryReplayer{
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		pageSize:   pageSize,
		now:        time.Now,
	}
}

// FetchHistory queues one wallet-history-batch job per page of the wallet's
// activities and returns the number of pages. A wallet without activity
// queues nothing.
func (h *HistoryReplayer) FetchHistory(ctx context.Context, accountID, address string) (int, error) {
	address = strings.ToLower(address)
	n, err := h.store.CountByAddress(ctx, address)
	if err != nil {
		return 0, err
	}
	total := int((n + int64(h.pageSize) - 1) / int64(h.pageSize))

	for batch := 1; batch <= total; batch++ {
		if _, err := h.queue.Enqueue(ctx, &job.Job{
			Kind: job.KindWalletHistoryBatch,
			HistoryBatch: &job.HistoryBatchPayload{
				AccountID:  accountID,
				Address:    address,
				Batch:      batch,
				TotalBatch: total,
			},
		}); err != nil {
			return 0, fmt.Errorf("enqueue history batch %d/%d: %w", batch, total, err)
		}
	}

	logging.FromContext(ctx).Component("history").WithFields(map[string]interface{}{
		"accountId":  accountID,
		"address":    address,
		"activities": n,
		"batches":    total,
	}).Info("Queued wallet history")
	return total, nil
}

// SendHistoryBatch loads one page and delivers it to the account
func (h *HistoryReplayer) SendHistoryBatch(ctx context.Context, p *job.HistoryBatchPayload) error {
	if p.Batch < 1 {
		return apperrors.NewValidationError("batch", fmt.Sprintf("%d is out of range", p.Batch))
	}
	page, err := h.store.ListByAddress(ctx, p.Address, h.pageSize, (p.Batch-1)*h.pageSize)
	if err != nil {
		return err
	}
	if page == nil {
		page = []*models.UserActivity{}
	}

	raw, err := json.Marshal(HistoryData{
		Address:      p.Address,
		Batch:        p.Batch,
		TotalBatch:   p.TotalBatch,
		Transactions: page,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal history webhook: %w", err)
	}

	if err := h.dispatcher.Dispatch(ctx, &job.WebhookPayload{
		AccountID: p.AccountID,
		Event:     EventTransactionHistory,
		Timestamp: h.now(),
		Data:      raw,
	}); err != nil {
		return err
	}

	logging.FromContext(ctx).Component("history").WithFields(map[string]interface{}{
		"accountId":  p.AccountID,
		"address":    p.Address,
		"batch":      p.Batch,
		"totalBatch": p.TotalBatch,
	}).Info("History webhook delivered")
	return nil
}

// HandleJob runs a wallet-history-batch job
func (h *HistoryReplayer) HandleJob(ctx context.Context, j *job.Job) error {
	return h.SendHistoryBatch(ctx, j.HistoryBatch)
}
