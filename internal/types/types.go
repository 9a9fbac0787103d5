// Package types provides small value helpers shared by storage, ledger and API code.
package types

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// ZeroAddress is the canonical lowercase zero address used for mint and burn legs.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
var hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Direction is the side of a transfer seen from a wallet
type Direction string

const (
	// DirectionIncoming is the receive leg
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing is the send leg
	DirectionOutgoing Direction = "outgoing"
)

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex string
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// IsValidHash reports whether s is a 0x-prefixed 32-byte hex string
func IsValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// NormalizeAddress lowercases an address after validating it
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsValidAddress(s) {
		return "", fmt.Errorf("invalid address format: %q", s)
	}
	return strings.ToLower(s), nil
}

// ParseAmount parses a base-10 integer amount. Amounts never pass through
// floating point.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// MustAmount is ParseAmount for literals known to be valid
func MustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
