package models

import "time"

// Tracked wallet status values
const (
	WalletDisabled = 0
	WalletEnabled  = 1
)

// Account is a webhook subscriber
type Account struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	WebhookURL     string    `json:"webhookUrl" db:"webhook_url"`
	WebhookAuthKey string    `json:"-" db:"webhook_auth_key"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// TrackedWallet links an account to an address it wants notifications for
type TrackedWallet struct {
	AccountID string    `json:"accountId" db:"account_id"`
	Address   string    `json:"address" db:"address"`
	Status    int       `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Subscription is the delivery target resolved for a tracked address
type Subscription struct {
	AccountID  string `json:"accountId"`
	Address    string `json:"address"`
	WebhookURL string `json:"webhookUrl"`
	AuthKey    string `json:"-"`
}
