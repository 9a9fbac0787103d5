package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/retry"
)

// Queue names
const (
	QueueBackfill        = "events-sync-backfill"
	QueueBlockCheck      = "block-check"
	QueueActivities      = "activities"
	QueueWebhookDelivery = "webhook-delivery"
	QueueWalletHistory   = "wallet-history"
)

// Kind tags the payload a job carries
type Kind string

const (
	KindBackfillSync       Kind = "backfill-sync"
	KindBlockCheck         Kind = "block-check"
	KindTransferActivity   Kind = "transfer-activity"
	KindWebhookDelivery    Kind = "webhook-delivery"
	KindWalletHistoryBatch Kind = "wallet-history-batch"
)

// Priorities. Higher runs first.
const (
	PriorityNormal = 0
	PriorityHigh   = 10 // reorg repair backfills
)

// QueueFor returns the queue a kind is routed to
func QueueFor(kind Kind) (string, error) {
	switch kind {
	case KindBackfillSync:
		return QueueBackfill, nil
	case KindBlockCheck:
		return QueueBlockCheck, nil
	case KindTransferActivity:
		return QueueActivities, nil
	case KindWebhookDelivery:
		return QueueWebhookDelivery, nil
	case KindWalletHistoryBatch:
		return QueueWalletHistory, nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}

// Settings are the per-queue worker and retry parameters
type Settings struct {
	Concurrency int
	Attempts    int
	Backoff     retry.Backoff
	Timeout     time.Duration
}

// DefaultSettings returns the settings of every queue
func DefaultSettings() map[string]Settings {
	return map[string]Settings{
		QueueBackfill: {
			Concurrency: 5,
			Attempts:    10,
			Backoff:     retry.Backoff{Type: retry.BackoffExponential, Delay: 10 * time.Second, Max: 30 * time.Minute},
			Timeout:     120 * time.Second,
		},
		QueueBlockCheck: {
			Concurrency: 10,
			Attempts:    10,
			Backoff:     retry.Backoff{Type: retry.BackoffExponential, Delay: 30 * time.Second, Max: time.Hour},
			Timeout:     60 * time.Second,
		},
		QueueActivities: {
			Concurrency: 15,
			Attempts:    10,
			Backoff:     retry.Backoff{Type: retry.BackoffFixed, Delay: 5 * time.Second},
			Timeout:     60 * time.Second,
		},
		QueueWebhookDelivery: {
			Concurrency: 20,
			Attempts:    10,
			Backoff:     retry.Backoff{Type: retry.BackoffFixed, Delay: 5 * time.Second},
			Timeout:     30 * time.Second,
		},
		QueueWalletHistory: {
			Concurrency: 5,
			Attempts:    10,
			Backoff:     retry.Backoff{Type: retry.BackoffFixed, Delay: 5 * time.Second},
			Timeout:     60 * time.Second,
		},
	}
}

// BackfillPayload asks for [FromBlock, ToBlock] to be synced in backfill mode.
// Kinds and Address optionally narrow the log filter.
type BackfillPayload struct {
	ChainID   int64    `json:"chainId"`
	FromBlock uint64   `json:"fromBlock"`
	ToBlock   uint64   `json:"toBlock"`
	Kinds     []string `json:"kinds,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// BlockCheckPayload asks for a stored block hash to be compared with the
// canonical chain. An empty BlockHash checks every stored hash at the height.
type BlockCheckPayload struct {
	ChainID   int64  `json:"chainId"`
	Block     uint64 `json:"block"`
	BlockHash string `json:"blockHash,omitempty"`
}

// WebhookPayload is one outbound delivery to an account
type WebhookPayload struct {
	AccountID string          `json:"accountId"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// HistoryBatchPayload replays one page of a wallet's history
type HistoryBatchPayload struct {
	AccountID  string `json:"accountId"`
	Address    string `json:"address"`
	Batch      int    `json:"batch"`
	TotalBatch int    `json:"totalBatch"`
}

// Job is a tagged union: Kind selects which payload field is set.
type Job struct {
	ID       string
	Kind     Kind
	Priority int
	Delay    time.Duration

	Backfill     *BackfillPayload
	BlockCheck   *BlockCheckPayload
	Activity     *models.TransferActivity
	Webhook      *WebhookPayload
	HistoryBatch *HistoryBatchPayload

	// Attempt is set on dequeued jobs; 1 for the first run.
	Attempt int
}

// payload returns the field matching Kind
func (j *Job) payload() (interface{}, error) {
	var p interface{}
	var ok bool
	switch j.Kind {
	case KindBackfillSync:
		p, ok = j.Backfill, j.Backfill != nil
	case KindBlockCheck:
		p, ok = j.BlockCheck, j.BlockCheck != nil
	case KindTransferActivity:
		p, ok = j.Activity, j.Activity != nil
	case KindWebhookDelivery:
		p, ok = j.Webhook, j.Webhook != nil
	case KindWalletHistoryBatch:
		p, ok = j.HistoryBatch, j.HistoryBatch != nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", j.Kind)
	}
	if !ok {
		return nil, fmt.Errorf("job kind %q has no payload", j.Kind)
	}
	return p, nil
}

// Encode serializes the payload matching Kind
func (j *Job) Encode() (json.RawMessage, error) {
	p, err := j.payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode rebuilds a Job from its stored record
func Decode(rec *models.JobRecord) (*Job, error) {
	j := &Job{ID: rec.ID, Kind: Kind(rec.Kind), Priority: rec.Priority, Attempt: rec.Attempts}

	var target interface{}
	switch j.Kind {
	case KindBackfillSync:
		j.Backfill = &BackfillPayload{}
		target = j.Backfill
	case KindBlockCheck:
		j.BlockCheck = &BlockCheckPayload{}
		target = j.BlockCheck
	case KindTransferActivity:
		j.Activity = &models.TransferActivity{}
		target = j.Activity
	case KindWebhookDelivery:
		j.Webhook = &WebhookPayload{}
		target = j.Webhook
	case KindWalletHistoryBatch:
		j.HistoryBatch = &HistoryBatchPayload{}
		target = j.HistoryBatch
	default:
		return nil, fmt.Errorf("unknown job kind %q", rec.Kind)
	}

	if err := json.Unmarshal(rec.Payload, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", rec.Kind, err)
	}
	return j, nil
}

// BlockCheckID is the deterministic id of a delayed block check, so the same
// check scheduled twice is stored once.
func BlockCheckID(chainID int64, block uint64, blockHash string, delay time.Duration) string {
	return fmt.Sprintf("block-check:%d:%d:%s:%d", chainID, block, blockHash, int64(delay/time.Second))
}

// BackfillJobs splits [p.FromBlock, p.ToBlock] into backfill jobs of at most
// chunk blocks each, in ascending order.
func BackfillJobs(p BackfillPayload, chunk uint64, priority int) []*Job {
	if chunk == 0 {
		chunk = 1
	}
	var jobs []*Job
	for from := p.FromBlock; from <= p.ToBlock; from += chunk {
		to := min(from+chunk-1, p.ToBlock)
		part := p
		part.FromBlock, part.ToBlock = from, to
		jobs = append(jobs, &Job{Kind: KindBackfillSync, Priority: priority, Backfill: &part})
		if to == p.ToBlock {
			break
		}
	}
	return jobs
}
