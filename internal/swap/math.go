// Package swap implements the constant-weighted-pool pricing formulas. All
// functions are pure and operate on arbitrary-precision decimals; weight
// ratios may be fractional, so exponentiation goes through PowWithPrecision
// rather than integer powers.
package swap

import (
	"errors"

	"github.com/shopspring/decimal"
)

// powPrecision is the number of significant decimal digits used for the
// fractional exponentiation inside the swap formulas. On-chain fixed-point
// values carry 10 decimals, so anything past ~20 digits is noise; 32 leaves
// ample headroom for the round-trip property.
const powPrecision int32 = 32

var (
	// ErrZeroBalance signals a spot price or quote against an empty pool
	// side. Callers must treat it as "no price available", never as a zero
	// price.
	ErrZeroBalance = errors.New("swap: zero pool balance")
	// ErrZeroWeight signals a malformed pool with a zero asset weight.
	ErrZeroWeight = errors.New("swap: zero asset weight")
	// ErrInvalidFee signals a swap fee at or above 100%.
	ErrInvalidFee = errors.New("swap: swap fee must be below one")
	// ErrExceedsPoolBalance signals a quote requesting at least the whole
	// out-side reserve. This is a hard domain boundary: such a quote is
	// invalid, not merely large.
	ErrExceedsPoolBalance = errors.New("swap: amount out exceeds pool balance")
)

var one = decimal.NewFromInt(1)

// SpotPrice computes the instantaneous price of the out asset in units of the
// in asset:
//
//	(balanceIn/weightIn) / (balanceOut/weightOut) / (1 - swapFee)
func SpotPrice(balanceIn, weightIn, balanceOut, weightOut, swapFee decimal.Decimal) (decimal.Decimal, error) {
	if weightIn.IsZero() || weightOut.IsZero() {
		return decimal.Zero, ErrZeroWeight
	}
	if balanceOut.IsZero() {
		return decimal.Zero, ErrZeroBalance
	}
	if swapFee.GreaterThanOrEqual(one) {
		return decimal.Zero, ErrInvalidFee
	}

	numer := balanceIn.Div(weightIn)
	denom := balanceOut.Div(weightOut)
	ratio := numer.Div(denom)
	scale := one.Div(one.Sub(swapFee))
	return ratio.Mul(scale), nil
}

// OutGivenIn computes the output amount received for a given input amount:
//
//	weightRatio = weightIn/weightOut
//	adjustedIn  = amountIn * (1 - swapFee)
//	y           = balanceIn / (balanceIn + adjustedIn)
//	amountOut   = balanceOut * (1 - y^weightRatio)
//
// The result is monotonically increasing in amountIn and is clamped so it can
// never exceed balanceOut, guarding against numerical overshoot as amountIn
// grows without bound.
func OutGivenIn(balanceIn, weightIn, balanceOut, weightOut, amountIn, swapFee decimal.Decimal) (decimal.Decimal, error) {
	if weightIn.IsZero() || weightOut.IsZero() {
		return decimal.Zero, ErrZeroWeight
	}
	if balanceIn.IsZero() {
		return decimal.Zero, ErrZeroBalance
	}
	if swapFee.GreaterThanOrEqual(one) {
		return decimal.Zero, ErrInvalidFee
	}

	weightRatio := weightIn.Div(weightOut)
	adjustedIn := amountIn.Mul(one.Sub(swapFee))
	y := balanceIn.Div(balanceIn.Add(adjustedIn))
	pow, err := y.PowWithPrecision(weightRatio, powPrecision)
	if err != nil {
		return decimal.Zero, err
	}
	amountOut := balanceOut.Mul(one.Sub(pow))
	if amountOut.GreaterThan(balanceOut) {
		amountOut = balanceOut
	}
	return amountOut, nil
}

// InGivenOut computes the input amount required to receive a given output
// amount:
//
//	weightRatio = weightOut/weightIn
//	y           = balanceOut / (balanceOut - amountOut)
//	amountIn    = balanceIn * (y^weightRatio - 1) / (1 - swapFee)
//
// It fails with ErrExceedsPoolBalance when amountOut >= balanceOut.
func InGivenOut(balanceIn, weightIn, balanceOut, weightOut, amountOut, swapFee decimal.Decimal) (decimal.Decimal, error) {
	if weightIn.IsZero() || weightOut.IsZero() {
		return decimal.Zero, ErrZeroWeight
	}
	if balanceOut.IsZero() {
		return decimal.Zero, ErrZeroBalance
	}
	if swapFee.GreaterThanOrEqual(one) {
		return decimal.Zero, ErrInvalidFee
	}
	if amountOut.GreaterThanOrEqual(balanceOut) {
		return decimal.Zero, ErrExceedsPoolBalance
	}

	weightRatio := weightOut.Div(weightIn)
	y := balanceOut.Div(balanceOut.Sub(amountOut))
	pow, err := y.PowWithPrecision(weightRatio, powPrecision)
	if err != nil {
		return decimal.Zero, err
	}
	return balanceIn.Mul(pow.Sub(one)).Div(one.Sub(swapFee)), nil
}
