package adapter

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
)

// NormalizeBlock converts a fetched block into the stored header and its
// transactions. Receipt-only fields (gas used, fee, status) are left unset.
// Transactions whose sender cannot be recovered are skipped.
func NormalizeBlock(chainID int64, block *ethtypes.Block) (*models.Block, []*models.Transaction) {
	ts := time.Unix(int64(block.Time()), 0).UTC() // #nosec G115 -- block timestamps fit in int64
	header := &models.Block{
		ChainID:   chainID,
		Number:    block.NumberU64(),
		Hash:      strings.ToLower(block.Hash().Hex()),
		Timestamp: ts,
	}

	signer := ethtypes.LatestSignerForChainID(big.NewInt(chainID))
	txs := make([]*models.Transaction, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		normalized, err := normalizeTransaction(chainID, signer, tx, block.NumberU64(), ts)
		if err != nil {
			logging.WithFields(map[string]interface{}{
				"chainId": chainID,
				"block":   block.NumberU64(),
				"txHash":  tx.Hash().Hex(),
				"error":   err.Error(),
			}).Warn("Skipping transaction with unrecoverable sender")
			continue
		}
		txs = append(txs, normalized)
	}
	return header, txs
}

// NormalizeTransactionWithReceipt converts a transaction and its receipt into
// the stored row, including the paid fee and the execution status.
func NormalizeTransactionWithReceipt(chainID int64, tx *ethtypes.Transaction, receipt *ethtypes.Receipt, blockTime time.Time) (*models.Transaction, error) {
	signer := ethtypes.LatestSignerForChainID(big.NewInt(chainID))
	normalized, err := normalizeTransaction(chainID, signer, tx, receipt.BlockNumber.Uint64(), blockTime)
	if err != nil {
		return nil, err
	}

	normalized.GasUsed = receipt.GasUsed
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	normalized.GasPrice = new(big.Int).Set(price)
	normalized.GasFee = new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		normalized.Status = models.TxStatusSuccess
	} else {
		normalized.Status = models.TxStatusFailed
	}
	return normalized, nil
}

func normalizeTransaction(chainID int64, signer ethtypes.Signer, tx *ethtypes.Transaction, blockNumber uint64, blockTime time.Time) (*models.Transaction, error) {
	from, err := ethtypes.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender of %s: %w", tx.Hash().Hex(), err)
	}

	normalized := &models.Transaction{
		ChainID:        chainID,
		Hash:           strings.ToLower(tx.Hash().Hex()),
		From:           strings.ToLower(from.Hex()),
		Value:          new(big.Int).Set(tx.Value()),
		Data:           fmt.Sprintf("0x%x", tx.Data()),
		BlockNumber:    blockNumber,
		BlockTimestamp: blockTime,
		GasPrice:       new(big.Int).Set(tx.GasPrice()),
		Nonce:          tx.Nonce(),
		Status:         models.TxStatusUnknown,
	}
	if tx.To() != nil {
		normalized.To = strings.ToLower(tx.To().Hex())
	}
	return normalized, nil
}
