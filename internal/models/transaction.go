package models

import (
	"math/big"
	"time"
)

// Transaction status values. Unknown means no receipt has been seen yet.
const (
	TxStatusUnknown int16 = -1
	TxStatusFailed  int16 = 0
	TxStatusSuccess int16 = 1
)

// Block is one observed block header. Several rows may share a height while
// a fork is unresolved.
type Block struct {
	ChainID   int64     `json:"chainId" db:"chain_id"`
	Number    uint64    `json:"number" db:"number"`
	Hash      string    `json:"hash" db:"hash"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Transaction represents a blockchain transaction recorded alongside its block
type Transaction struct {
	ChainID        int64     `json:"chainId" db:"chain_id"`
	Hash           string    `json:"hash" db:"hash"`
	From           string    `json:"from" db:"from"`
	To             string    `json:"to" db:"to"` // empty for contract creation
	Value          *big.Int  `json:"value" db:"value"`
	Data           string    `json:"data" db:"data"`
	BlockNumber    uint64    `json:"blockNumber" db:"block_number"`
	BlockTimestamp time.Time `json:"blockTimestamp" db:"block_timestamp"`
	GasPrice       *big.Int  `json:"gasPrice" db:"gas_price"`
	GasUsed        uint64    `json:"gasUsed" db:"gas_used"`
	GasFee         *big.Int  `json:"gasFee,omitempty" db:"gas_fee"`
	Nonce          uint64    `json:"nonce" db:"nonce"`
	Status         int16     `json:"status" db:"status"`
}

// Succeeded reports whether a receipt marked the transaction successful
func (t *Transaction) Succeeded() bool {
	return t.Status == TxStatusSuccess
}
