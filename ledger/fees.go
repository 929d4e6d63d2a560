package ledger

import "math/big"

// Fee bounds applied to every bid regardless of what the network reports.
// The ceiling guards against a single anomalous reading translating into a
// catastrophic overpayment.
const (
	DefaultMinimumGasPriceWei = 1_000_000_000   // 1 gwei
	DefaultCeilingGasPriceWei = 500_000_000_000 // 500 gwei
	DefaultFallbackGasPrice   = 5_000_000_000   // 5 gwei when the network reports nothing
)

// Tier multipliers, in percent of the observed network fee.
const (
	standardFeePct = 120
	highFeePct     = 150
)

// FeePolicy computes fee bids from observed network conditions. The zero
// value is not usable; construct with DefaultFeePolicy.
type FeePolicy struct {
	Minimum  *big.Int
	Ceiling  *big.Int
	Fallback *big.Int
}

// DefaultFeePolicy returns the policy with the built-in bounds.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		Minimum:  big.NewInt(DefaultMinimumGasPriceWei),
		Ceiling:  big.NewInt(DefaultCeilingGasPriceWei),
		Fallback: big.NewInt(DefaultFallbackGasPrice),
	}
}

// SelectFee computes a bid for the requested tier. Pure function: no RPC,
// no clock. The result is always within [Minimum, Ceiling] even when the
// observed values are zero, absent, or anomalously large. A two-part bid is
// produced whenever the network reports a base fee; otherwise the legacy
// single-price model is used.
func (p FeePolicy) SelectFee(cond NetworkConditions, tier PriorityTier) FeeBid {
	pct := int64(standardFeePct)
	if tier == TierHigh {
		pct = highFeePct
	}

	if positive(cond.BaseFee) {
		tip := big.NewInt(0)
		if positive(cond.TipCap) {
			tip = scale(cond.TipCap, pct)
		}
		// Double the base fee so the bid survives short-term base swings.
		feeCap := scale(new(big.Int).Mul(cond.BaseFee, big.NewInt(2)), pct)
		feeCap.Add(feeCap, tip)
		feeCap = p.clamp(feeCap)
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
		return FeeBid{GasFeeCap: feeCap, GasTipCap: tip}
	}

	price := p.Fallback
	if positive(cond.GasPrice) {
		price = cond.GasPrice
	}
	return FeeBid{GasPrice: p.clamp(scale(price, pct)), Legacy: true}
}

func (p FeePolicy) clamp(v *big.Int) *big.Int {
	if p.Minimum != nil && v.Cmp(p.Minimum) < 0 {
		return new(big.Int).Set(p.Minimum)
	}
	if p.Ceiling != nil && v.Cmp(p.Ceiling) > 0 {
		return new(big.Int).Set(p.Ceiling)
	}
	return v
}

func scale(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Div(out, big.NewInt(100))
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
