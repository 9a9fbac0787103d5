package models

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfer-indexer/internal/types"
)

func TestTransferActivity_ContextIDAndType(t *testing.T) {
	a := &TransferActivity{Kind: "erc20-transfer", TxHash: "0xabc", LogIndex: 7, BatchIndex: 1, From: types.ZeroAddress}
	assert.Equal(t, "erc20-transfer:0xabc:7:1", a.ContextID())
	assert.Equal(t, ActivityMint, a.ActivityType())

	a.From = "0x1111111111111111111111111111111111111111"
	assert.Equal(t, ActivityTransfer, a.ActivityType())
}

func TestUserActivitiesFor(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := &TransferEvent{
		Envelope: Envelope{ChainID: 1, Address: "0xc0", Block: 10, BlockHash: "0xb", TxHash: "0xt", LogIndex: 3, BatchIndex: 1, Timestamp: ts},
		Kind:     "erc20-transfer",
		From:     "0x1111111111111111111111111111111111111111",
		To:       "0x2222222222222222222222222222222222222222",
		Amount:   big.NewInt(42),
	}

	rows, err := UserActivitiesFor(NewTransferActivity(ev))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, types.DirectionOutgoing, rows[0].Direction)
	assert.Equal(t, ev.From, rows[0].Address)
	assert.Equal(t, types.DirectionIncoming, rows[1].Direction)
	assert.Equal(t, ev.To, rows[1].Address)
	assert.Equal(t, "3", rows[1].Metadata["logIndex"])
	assert.Equal(t, 0, rows[1].Amount.Cmp(big.NewInt(42)))

	ev.From = types.ZeroAddress
	rows, err = UserActivitiesFor(NewTransferActivity(ev))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ActivityMint, rows[0].Type)
}

func TestTransferEvent_Day(t *testing.T) {
	ev := &TransferEvent{Envelope: Envelope{Timestamp: time.Date(2024, 3, 1, 23, 59, 0, 0, time.FixedZone("x", 3600))}}
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ev.Day())
}
