package ledger

import (
	"math/big"
	"sort"
	"time"

	"github.com/transfer-indexer/internal/models"
)

type balanceKey struct {
	contract string
	owner    string
	chainID  int64
}

// AggregateDeltas turns transfers into one signed delta per
// (contract, owner, chain): the sender loses the amount and the receiver
// gains it. The result is sorted so concurrent writers lock rows in the
// same order.
func AggregateDeltas(events []*models.TransferEvent) []models.BalanceDelta {
	sums := make(map[balanceKey]*big.Int)
	add := func(k balanceKey, v *big.Int) {
		if cur, ok := sums[k]; ok {
			cur.Add(cur, v)
			return
		}
		sums[k] = new(big.Int).Set(v)
	}

	for _, e := range events {
		amount := e.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		add(balanceKey{contract: e.Address, owner: e.From, chainID: e.ChainID}, new(big.Int).Neg(amount))
		add(balanceKey{contract: e.Address, owner: e.To, chainID: e.ChainID}, amount)
	}

	deltas := make([]models.BalanceDelta, 0, len(sums))
	for k, v := range sums {
		deltas = append(deltas, models.BalanceDelta{Contract: k.contract, Owner: k.owner, ChainID: k.chainID, Amount: v})
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].ChainID != deltas[j].ChainID {
			return deltas[i].ChainID < deltas[j].ChainID
		}
		if deltas[i].Contract != deltas[j].Contract {
			return deltas[i].Contract < deltas[j].Contract
		}
		return deltas[i].Owner < deltas[j].Owner
	})
	return deltas
}

type dailyKey struct {
	day time.Time
	balanceKey
}

// AggregateDaily folds transfers into per-day activity increments. The
// receiver's bucket gains a receive leg and the sender's a transfer leg.
func AggregateDaily(events []*models.TransferEvent) []models.DailyActivity {
	buckets := make(map[dailyKey]*models.DailyActivity)
	get := func(day time.Time, contract, owner string, chainID int64) *models.DailyActivity {
		k := dailyKey{day: day, balanceKey: balanceKey{contract: contract, owner: owner, chainID: chainID}}
		if b, ok := buckets[k]; ok {
			return b
		}
		b := &models.DailyActivity{
			Day:           day,
			Contract:      contract,
			Owner:         owner,
			ChainID:       chainID,
			TotalAmount:   new(big.Int),
			TotalReceive:  new(big.Int),
			TotalTransfer: new(big.Int),
		}
		buckets[k] = b
		return b
	}

	for _, e := range events {
		amount := e.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		day := e.Day()

		recv := get(day, e.Address, e.To, e.ChainID)
		recv.TotalAmount.Add(recv.TotalAmount, amount)
		recv.TotalReceive.Add(recv.TotalReceive, amount)
		recv.ReceiveCount++

		sent := get(day, e.Address, e.From, e.ChainID)
		sent.TotalAmount.Sub(sent.TotalAmount, amount)
		sent.TotalTransfer.Add(sent.TotalTransfer, amount)
		sent.TransferCount++
	}

	out := make([]models.DailyActivity, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		if a.Contract != b.Contract {
			return a.Contract < b.Contract
		}
		return a.Owner < b.Owner
	})
	return out
}
