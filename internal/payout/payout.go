// Package payout implements the refund calculator: a pure, total mapping
// from an oracle quality score to a refund percentage, and the overflow-safe
// split of an escrow's principal into a (refund, payment) pair.
package payout

import (
	"math/big"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// RefundPercentage maps a quality score in [0,100] to a refund percentage in
// [0,100]:
//
//	q >= 80        -> 0
//	50 <= q < 80   -> round(((80 - q) / 80) * 100)
//	q < 50         -> 100
//
// Non-increasing in q by construction; RefundPercentage(80) == 0 and
// RefundPercentage(49) == 100.
func RefundPercentage(q uint8) uint8 {
	if q >= 80 {
		return 0
	}
	if q < 50 {
		return 100
	}
	// round(((80-q)/80) * 100), both factors widened to avoid truncation
	// surprises even though q and 80 are small.
	num := int64(80-q) * 100
	return uint8(roundDiv(num, 80))
}

// roundDiv divides num/den, rounding to the nearest integer (half away from
// zero). Both inputs here are small and positive, but the rounding itself is
// written without relying on that.
func roundDiv(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	half := den / 2
	return (num + half) / den
}

// Split divides principal P into (refund, payment) given a refund
// percentage r in [0,100]:
//
//	refund  = floor(P * r / 100)
//	payment = P - refund
//
// The multiply is carried out in 128-bit width via math/big so that
// P*r never silently overflows a 64-bit intermediate before the divide;
// the result is range-checked back into uint64. refund+payment == P
// exactly, by construction (payment is P minus the computed refund, never
// independently computed).
func Split(principal uint64, refundPct uint8) (refund, payment uint64, err error) {
	if refundPct > 100 {
		return 0, 0, escrowerr.Wrap(escrowerr.ArithmeticOverflow, "refund percentage out of range")
	}

	p := new(big.Int).SetUint64(principal)
	r := big.NewInt(int64(refundPct))
	wide := new(big.Int).Mul(p, r)
	wide.Quo(wide, big.NewInt(100))

	if !wide.IsUint64() {
		return 0, 0, escrowerr.New(escrowerr.ArithmeticOverflow)
	}
	refund = wide.Uint64()
	if refund > principal {
		return 0, 0, escrowerr.New(escrowerr.ArithmeticOverflow)
	}
	payment = principal - refund
	return refund, payment, nil
}
