package models

// Currency holds token metadata read from the contract. Fields are empty
// when the on-chain read failed.
type Currency struct {
	ChainID  int64                  `json:"chainId" db:"chain_id"`
	Contract string                 `json:"contract" db:"contract"`
	Name     string                 `json:"name" db:"name"`
	Symbol   string                 `json:"symbol" db:"symbol"`
	Decimals int                    `json:"decimals" db:"decimals"`
	Metadata map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}
