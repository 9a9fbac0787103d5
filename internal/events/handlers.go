package events

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/types"
)

// EnhancedEvent is a parsed and classified log
type EnhancedEvent struct {
	Kind     Kind
	Envelope models.Envelope
	Log      ethtypes.Log
}

// OnChainData is what a batch of events decodes into. Malformed counts the
// events whose data did not decode and were dropped.
type OnChainData struct {
	Transfers []*models.TransferEvent
	Approvals []*models.ApprovalEvent
	Malformed int
}

// Decode extracts the event fields of log. The envelope is copied into the
// result.
func (d *EventData) Decode(env models.Envelope, log *ethtypes.Log) (*models.TransferEvent, *models.ApprovalEvent, error) {
	values := map[string]interface{}{}
	if err := d.abi.UnpackIntoMap(values, d.event, log.Data); err != nil {
		return nil, nil, fmt.Errorf("decode %s data: %w", d.Kind, err)
	}
	amount, ok := values["amount"].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("decode %s: amount is %T", d.Kind, values["amount"])
	}

	switch d.Kind {
	case KindERC20Transfer:
		return &models.TransferEvent{
			Envelope: env,
			Kind:     string(d.Kind),
			From:     topicAddress(log.Topics[1]),
			To:       topicAddress(log.Topics[2]),
			Amount:   amount,
		}, nil, nil

	case KindERC20Approval:
		return nil, &models.ApprovalEvent{
			Envelope: env,
			Owner:    topicAddress(log.Topics[1]),
			Spender:  topicAddress(log.Topics[2]),
			Amount:   amount,
		}, nil

	case KindWETHDeposit:
		return &models.TransferEvent{
			Envelope: env,
			Kind:     string(d.Kind),
			From:     types.ZeroAddress,
			To:       topicAddress(log.Topics[1]),
			Amount:   amount,
		}, nil, nil

	case KindWETHWithdrawal:
		return &models.TransferEvent{
			Envelope: env,
			Kind:     string(d.Kind),
			From:     topicAddress(log.Topics[1]),
			To:       types.ZeroAddress,
			Amount:   amount,
		}, nil, nil
	}
	return nil, nil, fmt.Errorf("no decoder for kind %q", d.Kind)
}

// HandleEvents decodes a batch of classified events. A log whose data does
// not decode is logged and dropped; the rest of the batch is kept.
func (r *Registry) HandleEvents(ctx context.Context, events []EnhancedEvent) *OnChainData {
	byKind := make(map[Kind]*EventData, len(r.entries))
	for _, e := range r.entries {
		byKind[e.Kind] = e
	}

	data := &OnChainData{}
	for i := range events {
		ev := &events[i]
		entry, ok := byKind[ev.Kind]
		if !ok {
			continue
		}
		transfer, approval, err := entry.Decode(ev.Envelope, &ev.Log)
		if err != nil {
			data.Malformed++
			logging.FromContext(ctx).Component("events").WithChain(ev.Envelope.ChainID).WithFields(map[string]interface{}{
				"contract": ev.Envelope.Address,
				"txHash":   ev.Envelope.TxHash,
				"logIndex": ev.Envelope.LogIndex,
			}).WithError(err).Warn("Dropping malformed event")
			continue
		}
		if transfer != nil {
			data.Transfers = append(data.Transfers, transfer)
		}
		if approval != nil {
			data.Approvals = append(data.Approvals, approval)
		}
	}
	return data
}

func topicAddress(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}
