// Package events turns raw EVM logs into typed transfer and approval events.
//
// A Registry holds one EventData entry per supported event kind. Classify
// picks the first entry whose topic, topic count, and (optional) contract
// allow-list match a log; Decode then extracts the event fields with the
// entry's ABI.
package events

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Kind names a supported event
type Kind string

const (
	KindERC20Transfer  Kind = "erc20-transfer"
	KindERC20Approval  Kind = "erc20-approval"
	KindWETHDeposit    Kind = "weth-deposit"
	KindWETHWithdrawal Kind = "weth-withdrawal"
)

// AllKinds lists every kind in classification order
var AllKinds = []Kind{KindERC20Transfer, KindERC20Approval, KindWETHDeposit, KindWETHWithdrawal}

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

const erc20ABI = `[
	{"anonymous":false,"name":"Transfer","type":"event","inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"anonymous":false,"name":"Approval","type":"event","inputs":[
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":true,"name":"spender","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]}
]`

const wethABI = `[
	{"anonymous":false,"name":"Deposit","type":"event","inputs":[
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"anonymous":false,"name":"Withdrawal","type":"event","inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]}
]`

var (
	parsedERC20 = mustParseABI(erc20ABI)
	parsedWETH  = mustParseABI(wethABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("events: bad ABI: %v", err))
	}
	return parsed
}

// EventData dictates how one kind of log is recognized and decoded
type EventData struct {
	Kind      Kind
	Topic     common.Hash
	NumTopics int
	Addresses map[string]bool // nil means any emitting contract

	abi   abi.ABI
	event string
}

// Matches reports whether log belongs to this entry
func (d *EventData) Matches(log *ethtypes.Log) bool {
	if len(log.Topics) == 0 || log.Topics[0] != d.Topic || len(log.Topics) != d.NumTopics {
		return false
	}
	if d.Addresses != nil && !d.Addresses[strings.ToLower(log.Address.Hex())] {
		return false
	}
	return true
}

func newEventData(kind Kind, contract abi.ABI, event string, addresses map[string]bool) *EventData {
	ev := contract.Events[event]
	indexed := 1
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	return &EventData{
		Kind:      kind,
		Topic:     ev.ID,
		NumTopics: indexed,
		Addresses: addresses,
		abi:       contract,
		event:     event,
	}
}

// Registry is the ordered set of event entries for one chain
type Registry struct {
	entries []*EventData
}

// NewRegistry builds the registry for a chain. WETH deposit and withdrawal
// are only recognized from wethAddress; an empty address disables them.
func NewRegistry(wethAddress string) *Registry {
	entries := []*EventData{
		newEventData(KindERC20Transfer, parsedERC20, "Transfer", nil),
		newEventData(KindERC20Approval, parsedERC20, "Approval", nil),
	}
	if wethAddress != "" {
		weth := map[string]bool{strings.ToLower(wethAddress): true}
		entries = append(entries,
			newEventData(KindWETHDeposit, parsedWETH, "Deposit", weth),
			newEventData(KindWETHWithdrawal, parsedWETH, "Withdrawal", weth),
		)
	}
	return &Registry{entries: entries}
}

// Classify returns the first entry matching log
func (r *Registry) Classify(log *ethtypes.Log) (*EventData, bool) {
	for _, e := range r.entries {
		if e.Matches(log) {
			return e, true
		}
	}
	return nil, false
}

// Topics returns the distinct topic0 values of all entries, in order
func (r *Registry) Topics() []common.Hash {
	seen := make(map[common.Hash]bool, len(r.entries))
	var topics []common.Hash
	for _, e := range r.entries {
		if !seen[e.Topic] {
			seen[e.Topic] = true
			topics = append(topics, e.Topic)
		}
	}
	return topics
}

// Subset returns a registry restricted to kinds. An empty list returns r.
func (r *Registry) Subset(kinds []Kind) *Registry {
	if len(kinds) == 0 {
		return r
	}
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	sub := &Registry{}
	for _, e := range r.entries {
		if want[e.Kind] {
			sub.entries = append(sub.entries, e)
		}
	}
	return sub
}

// Kinds returns the kinds held by the registry
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.entries))
	for _, e := range r.entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
