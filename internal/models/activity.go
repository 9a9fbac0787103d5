package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/transfer-indexer/internal/types"
)

// User activity types
const (
	ActivityTransfer = "transfer"
	ActivityMint     = "mint"
)

// TransferActivity is the payload handed from realtime sync to the activity
// pipeline. Amount is a base-10 string so it survives JSON job payloads.
type TransferActivity struct {
	Kind       string    `json:"kind"`
	ChainID    int64     `json:"chainId"`
	Contract   string    `json:"contract"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     string    `json:"amount"`
	Block      uint64    `json:"block"`
	BlockHash  string    `json:"blockHash"`
	TxHash     string    `json:"txHash"`
	LogIndex   uint      `json:"logIndex"`
	BatchIndex int       `json:"batchIndex"`
	Timestamp  time.Time `json:"timestamp"`
}

// ContextID identifies the activity across retries
func (a *TransferActivity) ContextID() string {
	return fmt.Sprintf("%s:%s:%d:%d", a.Kind, a.TxHash, a.LogIndex, a.BatchIndex)
}

// ActivityType is mint when value came from the zero address
func (a *TransferActivity) ActivityType() string {
	if a.From == types.ZeroAddress {
		return ActivityMint
	}
	return ActivityTransfer
}

// NewTransferActivity builds the activity payload for a committed transfer
func NewTransferActivity(e *TransferEvent) *TransferActivity {
	return &TransferActivity{
		Kind:       e.Kind,
		ChainID:    e.ChainID,
		Contract:   e.Address,
		From:       e.From,
		To:         e.To,
		Amount:     e.Amount.String(),
		Block:      e.Block,
		BlockHash:  e.BlockHash,
		TxHash:     e.TxHash,
		LogIndex:   e.LogIndex,
		BatchIndex: e.BatchIndex,
		Timestamp:  e.Timestamp,
	}
}

// UserActivity is a persisted per-wallet activity row
type UserActivity struct {
	ID             int64                  `json:"id" db:"id"`
	ChainID        int64                  `json:"chainId" db:"chain_id"`
	Hash           string                 `json:"hash" db:"hash"`
	Type           string                 `json:"type" db:"type"`
	Contract       string                 `json:"contract" db:"contract"`
	Address        string                 `json:"address" db:"address"`
	From           string                 `json:"from" db:"from_address"`
	To             string                 `json:"to" db:"to_address"`
	Amount         *big.Int               `json:"amount" db:"amount"`
	Block          uint64                 `json:"block" db:"block"`
	BlockHash      string                 `json:"blockHash" db:"block_hash"`
	EventTimestamp time.Time              `json:"eventTimestamp" db:"event_timestamp"`
	Direction      types.Direction        `json:"direction" db:"direction"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// UserActivitiesFor expands a transfer into the incoming and outgoing rows
// of its two participants. The zero address side of a mint or burn is skipped.
func UserActivitiesFor(a *TransferActivity) ([]*UserActivity, error) {
	amount, err := types.ParseAmount(a.Amount)
	if err != nil {
		return nil, err
	}
	meta := map[string]interface{}{
		"kind":       a.Kind,
		"logIndex":   fmt.Sprintf("%d", a.LogIndex),
		"batchIndex": fmt.Sprintf("%d", a.BatchIndex),
	}

	base := UserActivity{
		ChainID:        a.ChainID,
		Hash:           a.TxHash,
		Type:           a.ActivityType(),
		Contract:       a.Contract,
		From:           a.From,
		To:             a.To,
		Amount:         amount,
		Block:          a.Block,
		BlockHash:      a.BlockHash,
		EventTimestamp: a.Timestamp,
		Metadata:       meta,
	}

	var out []*UserActivity
	if a.From != types.ZeroAddress {
		row := base
		row.Address = a.From
		row.Direction = types.DirectionOutgoing
		out = append(out, &row)
	}
	if a.To != types.ZeroAddress {
		row := base
		row.Address = a.To
		row.Direction = types.DirectionIncoming
		out = append(out, &row)
	}
	return out, nil
}
