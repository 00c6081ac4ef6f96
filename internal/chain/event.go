package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrBadParam is returned when an event parameter is missing or malformed
var ErrBadParam = errors.New("bad event parameter")

// Event is one decoded log delivered by the host, in on-chain order
type Event struct {
	Type        string   `json:"type"`
	Contract    string   `json:"contract"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    int64    `json:"log_index"`
	Nonce       int64    `json:"nonce"`
	BlockNumber int64    `json:"block_number"`
	Timestamp   int64    `json:"timestamp"`
	Params      []string `json:"params"`
}

// ID is the transaction hash and log index pair identifying the event
func (e Event) ID() string {
	return fmt.Sprintf("%s-%d", strings.ToLower(e.TxHash), e.LogIndex)
}

// Hash returns the lowercase transaction hash
func (e Event) Hash() string {
	return strings.ToLower(e.TxHash)
}

// Param returns the raw parameter at index i
func (e Event) Param(i int) (string, error) {
	if i < 0 || i >= len(e.Params) {
		return "", fmt.Errorf("%w: %s has no parameter %d", ErrBadParam, e.Type, i)
	}
	return strings.TrimSpace(e.Params[i]), nil
}

// HasParam reports whether a non-empty parameter exists at index i
func (e Event) HasParam(i int) bool {
	return i >= 0 && i < len(e.Params) && strings.TrimSpace(e.Params[i]) != ""
}

// Address returns parameter i as a normalized address
func (e Event) Address(i int) (string, error) {
	p, err := e.Param(i)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: %s parameter %d is empty", ErrBadParam, e.Type, i)
	}
	return NormalizeAddress(p), nil
}

// BigInt returns parameter i as an integer. Hex values need a 0x prefix.
func (e Event) BigInt(i int) (*big.Int, error) {
	p, err := e.Param(i)
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(p, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %s parameter %d is not an integer: %q", ErrBadParam, e.Type, i, p)
	}
	return v, nil
}

// Int64 returns parameter i as an int64
func (e Event) Int64(i int) (int64, error) {
	p, err := e.Param(i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(p, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parameter %d: %v", ErrBadParam, e.Type, i, err)
	}
	return v, nil
}

// Bool returns parameter i as a boolean
func (e Event) Bool(i int) (bool, error) {
	p, err := e.Param(i)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(p)
	if err != nil {
		return false, fmt.Errorf("%w: %s parameter %d: %v", ErrBadParam, e.Type, i, err)
	}
	return v, nil
}
