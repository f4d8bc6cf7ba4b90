package router

import (
	"fmt"
	"math/big"
)

// Settlement captures the final transfers computed for one operation. Each
// component is applied at most once; zero amounts are omitted at the transfer
// boundary.
type Settlement struct {
	Output Coin
	Refund Coin
	Fee    Coin
}

// AlignToTick rounds the quantity up to the next multiple of the market's
// minimum tick size. A nil or sub-unit tick leaves the quantity unchanged.
// The aligned value is the single authoritative "consumed" figure: refunds are
// always derived from it, never from the raw estimate.
func AlignToTick(quantity, tick *big.Int) *big.Int {
	if quantity == nil {
		return big.NewInt(0)
	}
	aligned := new(big.Int).Set(quantity)
	if tick == nil || tick.Sign() <= 0 {
		return aligned
	}
	rem := new(big.Int).Mod(aligned, tick)
	if rem.Sign() == 0 {
		return aligned
	}
	return aligned.Add(aligned, new(big.Int).Sub(tick, rem))
}

// ComputeSettlement derives the output, refund and fee transfers for a
// finished operation. requiredInput is the tick-aligned amount the route
// consumed from the deposit leg; the refund is the deposit minus exactly that
// value. The fee is taken from the output leg, computed once.
//
// The conservation check deposit == requiredInput + refund is re-verified
// before returning; a violation is fatal to the operation and no transfer may
// be applied from a nil settlement.
func ComputeSettlement(deposit Coin, requiredInput *big.Int, output Coin, feeBps uint32) (*Settlement, error) {
	if deposit.Amount == nil || deposit.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("router: settlement requires a positive deposit")
	}
	if requiredInput == nil || requiredInput.Sign() < 0 {
		return nil, fmt.Errorf("router: required input must be non-negative")
	}
	if output.Amount == nil || output.Amount.Sign() < 0 {
		return nil, fmt.Errorf("router: output must be non-negative")
	}
	if feeBps > 10_000 {
		return nil, fmt.Errorf("router: fee bps out of range: %d", feeBps)
	}
	refund := new(big.Int).Sub(deposit.Amount, requiredInput)
	if refund.Sign() < 0 {
		return nil, fmt.Errorf("%w: required input %s exceeds deposit %s",
			ErrSettlementInvariant, requiredInput, deposit.Amount)
	}
	sum := new(big.Int).Add(requiredInput, refund)
	if sum.Cmp(deposit.Amount) != 0 {
		return nil, fmt.Errorf("%w: deposit %s != required input %s + refund %s",
			ErrSettlementInvariant, deposit.Amount, requiredInput, refund)
	}
	fee := new(big.Int).Mul(output.Amount, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	net := new(big.Int).Sub(output.Amount, fee)
	if net.Sign() < 0 {
		return nil, fmt.Errorf("%w: fee %s exceeds output %s", ErrSettlementInvariant, fee, output.Amount)
	}
	return &Settlement{
		Output: Coin{Denom: output.Denom, Amount: net},
		Refund: Coin{Denom: deposit.Denom, Amount: refund},
		Fee:    Coin{Denom: output.Denom, Amount: fee},
	}, nil
}
