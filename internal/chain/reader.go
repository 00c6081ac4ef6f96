package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Method names read through a ContractReader
const (
	MethodName          = "name"
	MethodSymbol        = "symbol"
	MethodDecimals      = "decimals"
	MethodBalanceOf     = "balanceOf"
	MethodTotalSupply   = "totalSupply"
	MethodTotalBorrows  = "totalBorrows"
	MethodBorrowBalance = "borrowBalanceStored"
	MethodKillBps       = "getKillBps"
	MethodKillTreasury  = "getKillTreasuryBps"
	MethodConfig        = "config"
	MethodWithdrawalFee = "withdrawalFee"
	MethodPerformance   = "performanceFee"
	MethodManagementFee = "managementFee"
)

// ContractReader performs read-only contract calls at a block. A block of zero
// or less reads the latest state. Reverts are reported in the Result, never as errors.
type ContractReader interface {
	Call(ctx context.Context, block int64, contract, method string, args ...any) Result[[]any]
}

// PriceOracle quotes a token's USD price at a block, returning zero when no source knows it
type PriceOracle interface {
	PriceUSD(ctx context.Context, token string, block int64) decimal.Decimal
}

// CallBigInt reads a single integer output
func CallBigInt(ctx context.Context, r ContractReader, block int64, contract, method string, args ...any) Result[*big.Int] {
	return Map(r.Call(ctx, block, contract, method, args...), func(out []any) (*big.Int, bool) {
		if len(out) == 0 {
			return nil, false
		}
		switch v := out[0].(type) {
		case *big.Int:
			return v, v != nil
		case uint8:
			return big.NewInt(int64(v)), true
		case uint16:
			return big.NewInt(int64(v)), true
		case uint32:
			return big.NewInt(int64(v)), true
		case uint64:
			return new(big.Int).SetUint64(v), true
		case int64:
			return big.NewInt(v), true
		case int:
			return big.NewInt(int64(v)), true
		}
		return nil, false
	})
}

// CallString reads a single string output
func CallString(ctx context.Context, r ContractReader, block int64, contract, method string, args ...any) Result[string] {
	return Map(r.Call(ctx, block, contract, method, args...), func(out []any) (string, bool) {
		if len(out) == 0 {
			return "", false
		}
		s, ok := out[0].(string)
		return s, ok
	})
}

// CallUint8 reads a single small integer output such as decimals
func CallUint8(ctx context.Context, r ContractReader, block int64, contract, method string, args ...any) Result[uint8] {
	return Map(CallBigInt(ctx, r, block, contract, method, args...), func(v *big.Int) (uint8, bool) {
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, false
		}
		return uint8(v.Uint64()), true
	})
}

// CallAddress reads a single address output and normalizes it
func CallAddress(ctx context.Context, r ContractReader, block int64, contract, method string, args ...any) Result[string] {
	return Map(r.Call(ctx, block, contract, method, args...), func(out []any) (string, bool) {
		if len(out) == 0 {
			return "", false
		}
		switch v := out[0].(type) {
		case common.Address:
			return NormalizeAddress(v.Hex()), true
		case string:
			return NormalizeAddress(v), true
		}
		return "", false
	})
}

// NormalizeAddress returns the lowercase hex form used for entity ids
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return strings.ToLower(addr)
}

// ZeroAddress is the normalized zero address
var ZeroAddress = NormalizeAddress(common.Address{}.Hex())
