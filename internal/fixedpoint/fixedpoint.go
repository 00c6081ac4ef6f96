// Package fixedpoint converts between raw on-chain integer amounts and
// arbitrary-precision decimals. No value passes through binary floating point.
package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DivisionPrecision is the number of fractional digits kept by non-exact divisions
const DivisionPrecision int32 = 36

var (
	// Mantissa is the 1e18 scale used by on-chain fixed-point values
	Mantissa = decimal.New(1, 18)

	// Hundred converts fractions to percentages
	Hundred = decimal.NewFromInt(100)

	// SecondsPerDay as a decimal
	SecondsPerDay = decimal.NewFromInt(86400)
)

// ToDecimal scales a raw integer amount down by 10^decimals
func ToDecimal(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FromRaw scales an integral decimal holding a raw amount down by 10^decimals
func FromRaw(raw decimal.Decimal, decimals uint8) decimal.Decimal {
	return raw.Shift(-int32(decimals))
}

// Raw converts a raw integer into the integral decimal form stored on entities
func Raw(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, 0)
}

// ToRaw scales a human amount up by 10^decimals, truncating toward zero
func ToRaw(amount decimal.Decimal, decimals uint8) decimal.Decimal {
	return amount.Shift(int32(decimals)).Truncate(0)
}

// BigInt returns the integer part of d, truncated toward zero
func BigInt(d decimal.Decimal) *big.Int {
	return d.Truncate(0).BigInt()
}

// ChangeDecimals rescales an amount expressed with from decimals to to decimals, truncating toward zero
func ChangeDecimals(amount decimal.Decimal, from, to uint8) decimal.Decimal {
	return amount.Shift(int32(to) - int32(from)).Truncate(0)
}

// SafeDiv divides a by b and returns zero when b is zero
func SafeDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.DivRound(b, DivisionPrecision)
}

// PercentOf applies numerator/denominator to amount. A zero denominator yields zero.
func PercentOf(amount decimal.Decimal, numerator, denominator *big.Int) decimal.Decimal {
	if numerator == nil || denominator == nil || denominator.Sign() == 0 {
		return decimal.Zero
	}
	scaled := amount.Mul(decimal.NewFromBigInt(numerator, 0))
	return SafeDiv(scaled, decimal.NewFromBigInt(denominator, 0))
}

// ApplyPercentage returns amount * percentage / 100
func ApplyPercentage(amount, percentage decimal.Decimal) decimal.Decimal {
	return amount.Mul(percentage).DivRound(Hundred, DivisionPrecision)
}

// FromMantissa converts a 1e18-scaled integer to a decimal fraction
func FromMantissa(mantissa *big.Int) decimal.Decimal {
	return ToDecimal(mantissa, 18)
}

// RatePerUnitToAPY converts a 1e18-scaled per-block or per-second rate to a yearly percentage
func RatePerUnitToAPY(ratePerUnit *big.Int, unitsPerYear decimal.Decimal) decimal.Decimal {
	return FromMantissa(ratePerUnit).Mul(unitsPerYear).Mul(Hundred).Truncate(DivisionPrecision)
}

// IsNegative reports whether a raw amount is below zero
func IsNegative(raw *big.Int) bool {
	return raw != nil && raw.Sign() < 0
}

// ClampZero returns zero for negative values and d otherwise
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
