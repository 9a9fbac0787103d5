// Package notify turns committed transfers into subscriber webhooks and
// replays wallet history to newly onboarded accounts.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/storage"
)

// Webhook event names
const (
	EventWalletActivity     = "WALLET_ACTIVITY"
	EventTransactionHistory = "TRANSACTION_HISTORY"
)

// Request is one delivery: where to POST and what to put under "data"
type Request struct {
	AccountID string
	URL       string
	AuthKey   string
	Data      json.RawMessage
}

type webhookBody struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// WebhookClient POSTs webhook bodies, pacing requests per destination host
type WebhookClient struct {
	client *http.Client
	rps    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWebhookClient creates a client. perHostRPS <= 0 disables pacing.
func NewWebhookClient(timeout time.Duration, perHostRPS int) *WebhookClient {
	return &WebhookClient{
		client:   &http.Client{Timeout: timeout},
		rps:      perHostRPS,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *WebhookClient) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		if c.rps <= 0 {
			l = rate.NewLimiter(rate.Inf, 0)
		} else {
			l = rate.NewLimiter(rate.Limit(c.rps), c.rps)
		}
		c.limiters[host] = l
	}
	return l
}

// Send POSTs {event, timestamp, data} to req.URL with the account's auth key
// in the Authorization header. Any status outside 200-399 is a webhook error.
func (c *WebhookClient) Send(ctx context.Context, req Request, event string, timestamp time.Time) error {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperrors.NewValidationError("webhookUrl", fmt.Sprintf("account %s has no usable webhook url", req.AccountID))
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(webhookBody{Event: event, Timestamp: timestamp.UTC(), Data: req.Data})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AuthKey != "" {
		httpReq.Header.Set("Authorization", req.AuthKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	metrics.WebhookLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(event, "error").Inc()
		return apperrors.NewWebhookError(req.URL, 0, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		metrics.WebhookDeliveries.WithLabelValues(event, "failed").Inc()
		return apperrors.NewWebhookError(req.URL, resp.StatusCode, nil)
	}
	metrics.WebhookDeliveries.WithLabelValues(event, "delivered").Inc()
	return nil
}

// Sender delivers one webhook. WebhookClient implements it.
type Sender interface {
	Send(ctx context.Context, req Request, event string, timestamp time.Time) error
}

// AccountStore looks up subscriber accounts.
// storage.WalletRepository implements it.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Dispatcher resolves an account's current endpoint and delivers to it
type Dispatcher struct {
	accounts AccountStore
	sender   Sender
}

// NewDispatcher creates a dispatcher
func NewDispatcher(accounts AccountStore, sender Sender) *Dispatcher {
	return &Dispatcher{accounts: accounts, sender: sender}
}

// Dispatch delivers p to its account. Deliveries to inactive accounts are
// dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, p *job.WebhookPayload) error {
	account, err := d.accounts.GetAccount(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return apperrors.NewNotFoundError("account", p.AccountID)
		}
		return err
	}
	if !account.Active {
		logging.FromContext(ctx).Component("webhook").WithFields(map[string]interface{}{
			"accountId": p.AccountID,
			"event":     p.Event,
		}).Info("Dropping webhook for inactive account")
		return nil
	}

	err = d.sender.Send(ctx, Request{
		AccountID: account.ID,
		URL:       strings.TrimSpace(account.WebhookURL),
		AuthKey:   account.WebhookAuthKey,
		Data:      p.Data,
	}, p.Event, p.Timestamp)
	if err != nil {
		logging.FromContext(ctx).Component("webhook").WithError(err).WithFields(map[string]interface{}{
			"accountId": p.AccountID,
			"event":     p.Event,
		}).Warn("Webhook delivery failed")
	}
	return err
}

// HandleJob runs a webhook-delivery job
func (d *Dispatcher) HandleJob(ctx context.Context, j *job.Job) error {
	return d.Dispatch(ctx, j.Webhook)
}
