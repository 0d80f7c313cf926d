package protocol

import (
	"math"
	"math/bits"
)

// BpsMax is the basis point denominator (100% = 10000).
const BpsMax = 10000

// MulDiv returns a * b / c with a 128-bit intermediate product.
// Returns MaxUint64 when c is zero or the quotient does not fit.
func MulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return math.MaxUint64
	}

	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}

	q, _ := bits.Div64(hi, lo, c)

	return q
}

// ApplyBps returns amount * bps / 10000, rounded down.
func ApplyBps(amount, bps uint64) uint64 {
	return MulDiv(amount, bps, BpsMax)
}

// SafeAdd returns a + b, capping at MaxUint64 on overflow.
func SafeAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}

	return sum
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
