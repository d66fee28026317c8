package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// AmountConfig is the 6-decimal minor unit all balances use (1 USDT = 1_000_000).
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// BpsDenominator is 100% in basis points.
const BpsDenominator int64 = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Operands are expected to be non-negative.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		doubled := getInt128()
		doubled.Lsh(remainder, 1)
		cmp := doubled.Cmp(denom)
		putInt128(doubled)

		if cmp > 0 {
			result++
		} else if cmp == 0 && result%2 != 0 {
			result++
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulDivFloor returns floor(a * b / d) with a 256-bit intermediate product.
// All operands must be non-negative and d non-zero; the result must fit in int64.
func MulDivFloor(a, b, d int64) (int64, error) {
	if a < 0 || b < 0 || d <= 0 {
		return 0, fmt.Errorf("muldiv: invalid operands a=%d b=%d d=%d", a, b, d)
	}
	x := uint256.NewInt(uint64(a))
	y := uint256.NewInt(uint64(b))
	z := uint256.NewInt(uint64(d))

	result, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow || !result.IsUint64() || result.Uint64() > uint64(1<<63-1) {
		return 0, fmt.Errorf("muldiv: result overflows int64 (a=%d b=%d d=%d)", a, b, d)
	}
	return int64(result.Uint64()), nil
}

// ApplyBps returns floor(amount * bps / 10000).
func ApplyBps(amount, bps int64) int64 {
	v, err := MulDivFloor(amount, bps, BpsDenominator)
	if err != nil {
		// amount and bps are both bounded by int64 and bps <= 10000 at every call
		// site, so the quotient never exceeds amount.
		panic(err)
	}
	return v
}

// RatioBps returns part/whole expressed in basis points with banker's rounding.
// whole must be positive.
func RatioBps(part, whole int64) int64 {
	num := MultiplyInt128(part, BpsDenominator)
	defer putInt128(num)
	return DivideInt128(num, whole, RoundHalfEven)
}

// SplitByBps splits total into (first, second) where first = floor(total * bps / 10000)
// and second receives the remainder, so first + second == total exactly.
func SplitByBps(total, bps int64) (first, second int64) {
	first = ApplyBps(total, bps)
	return first, total - first
}

// ProRata returns floor(pool * weight / totalWeight).
func ProRata(pool, weight, totalWeight int64) (int64, error) {
	return MulDivFloor(pool, weight, totalWeight)
}

// FormatAmount renders minor units as a decimal string (e.g. 40000000 → "40.000000").
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%06d", sign, amount/AmountConfig.Scale, amount%AmountConfig.Scale)
}
