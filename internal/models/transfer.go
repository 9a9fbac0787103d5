package models

import (
	"math/big"
	"time"
)

// Envelope locates a decoded log on chain. The tuple
// (Block, BlockHash, TxHash, LogIndex, BatchIndex) identifies one event.
type Envelope struct {
	ChainID    int64     `json:"chainId"`
	Address    string    `json:"address"` // emitting contract
	Block      uint64    `json:"block"`
	BlockHash  string    `json:"blockHash"`
	TxHash     string    `json:"txHash"`
	TxIndex    uint      `json:"txIndex"`
	LogIndex   uint      `json:"logIndex"`
	BatchIndex int       `json:"batchIndex"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransferEvent is a fungible token movement, including synthesized
// WETH deposit (mint) and withdrawal (burn) legs.
type TransferEvent struct {
	Envelope
	Kind   string   `json:"kind"`
	From   string   `json:"from"`
	To     string   `json:"to"`
	Amount *big.Int `json:"amount"`
}

// ApprovalEvent is a decoded ERC-20 Approval. It never reaches the ledger.
type ApprovalEvent struct {
	Envelope
	Owner   string   `json:"owner"`
	Spender string   `json:"spender"`
	Amount  *big.Int `json:"amount"`
}

// Day returns the UTC calendar day the event falls into
func (e *TransferEvent) Day() time.Time {
	return e.Timestamp.UTC().Truncate(24 * time.Hour)
}

// BalanceDelta is a signed change to one (contract, owner, chain) balance
type BalanceDelta struct {
	Contract string   `json:"contract"`
	Owner    string   `json:"owner"`
	ChainID  int64    `json:"chainId"`
	Amount   *big.Int `json:"amount"`
}

// Balance is a row of the derived ledger
type Balance struct {
	Contract  string    `json:"contract" db:"contract"`
	Owner     string    `json:"owner" db:"owner"`
	ChainID   int64     `json:"chainId" db:"chain_id"`
	Amount    *big.Int  `json:"amount" db:"amount"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DailyActivity is one (day, contract, owner, chain) aggregate bucket
type DailyActivity struct {
	Day           time.Time `json:"day" db:"day"`
	Contract      string    `json:"contract" db:"contract"`
	Owner         string    `json:"owner" db:"owner"`
	ChainID       int64     `json:"chainId" db:"chain_id"`
	TotalAmount   *big.Int  `json:"totalAmount" db:"total_amount"`
	TotalReceive  *big.Int  `json:"totalReceive" db:"total_receive"`
	ReceiveCount  int64     `json:"receiveCount" db:"receive_count"`
	TotalTransfer *big.Int  `json:"totalTransfer" db:"total_transfer"`
	TransferCount int64     `json:"transferCount" db:"transfer_count"`
}
