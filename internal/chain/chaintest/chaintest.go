// Package chaintest provides in-memory ContractReader and PriceOracle doubles.
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
)

// Reader answers contract calls from a fixed table. Unknown calls revert.
type Reader struct {
	mu      sync.Mutex
	answers map[string][]any
	failing map[string]error
	calls   map[string]int
}

// NewReader creates an empty reader
func NewReader() *Reader {
	return &Reader{
		answers: make(map[string][]any),
		failing: make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Set registers the outputs returned for contract.method(args...)
func (r *Reader) Set(contract, method string, out any, args ...any) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[key(contract, method, args)] = []any{out}
	return r
}

// SetOutputs registers a multi-value output list for contract.method(args...)
func (r *Reader) SetOutputs(contract, method string, outs []any, args ...any) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[key(contract, method, args)] = outs
	return r
}

// Fail makes contract.method(args...) fail in transport with err, reported
// through chain.ReportReadFailure
func (r *Reader) Fail(contract, method string, err error, args ...any) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[key(contract, method, args)] = err
	return r
}

// Unset makes contract.method(args...) revert again
func (r *Reader) Unset(contract, method string, args ...any) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.answers, key(contract, method, args))
	delete(r.failing, key(contract, method, args))
	return r
}

// Calls returns how many times contract.method(args...) was read
func (r *Reader) Calls(contract, method string, args ...any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key(contract, method, args)]
}

// Call implements chain.ContractReader
func (r *Reader) Call(ctx context.Context, _ int64, contract, method string, args ...any) chain.Result[[]any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(contract, method, args)
	r.calls[k]++
	if err, ok := r.failing[k]; ok {
		chain.ReportReadFailure(ctx, err)
		return chain.Revert[[]any]()
	}
	out, ok := r.answers[k]
	if !ok {
		return chain.Revert[[]any]()
	}
	return chain.Ok(out)
}

func key(contract, method string, args []any) string {
	parts := []string{chain.NormalizeAddress(contract), method}
	for _, a := range args {
		s := fmt.Sprint(a)
		if str, ok := a.(string); ok {
			s = chain.NormalizeAddress(str)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|")
}

// Oracle returns fixed USD prices per token
type Oracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

// NewOracle creates an oracle with no prices
func NewOracle() *Oracle {
	return &Oracle{prices: make(map[string]decimal.Decimal)}
}

// SetPrice sets the price returned for token
func (o *Oracle) SetPrice(token string, price decimal.Decimal) *Oracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[chain.NormalizeAddress(token)] = price
	return o
}

// Calls returns the number of lookups served
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// PriceUSD implements chain.PriceOracle
func (o *Oracle) PriceUSD(_ context.Context, token string, _ int64) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.prices[chain.NormalizeAddress(token)]
}
