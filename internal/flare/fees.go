package flare

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("flare: invalid fee args")

// SuggestFees computes EIP-1559 caps for a new transaction:
// tipCap = max(suggestedTip, minTip), feeCap = 2*baseFee + tipCap.
// Doubling the base fee leaves headroom for six consecutive full blocks.
func SuggestFees(baseFee, suggestedTip, minTip *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTip == nil || minTip == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTip.Sign() < 0 || minTip.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tipCap = new(big.Int).Set(suggestedTip)
	if tipCap.Cmp(minTip) < 0 {
		tipCap.Set(minTip)
	}
	feeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap, nil
}

// BumpFees raises both caps for a replacement transaction by bumpPercent,
// enforcing a minimum absolute increment so small caps cannot round the bump
// away below the txpool's replacement threshold.
func BumpFees(tipCap, feeCap *big.Int, bumpPercent int, minBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if tipCap == nil || feeCap == nil || tipCap.Sign() < 0 || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if bumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if minBump == nil || minBump.Sign() <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	pct := big.NewInt(int64(100 + bumpPercent))
	hundred := big.NewInt(100)

	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, pct)
		out.Div(out, hundred)
		floor := new(big.Int).Add(v, minBump)
		if out.Cmp(floor) < 0 {
			out = floor
		}
		return out
	}

	newTipCap = bump(tipCap)
	newFeeCap = bump(feeCap)
	if newFeeCap.Cmp(newTipCap) < 0 {
		newFeeCap = new(big.Int).Set(newTipCap)
	}
	return newTipCap, newFeeCap, nil
}
