/*
fee.go - Fee calculation engine

PURPOSE:
  Turns (policy, fee type, base amount) into a monetary amount. Pure
  computation over policy data - no I/O, no clock, no state.

RULE SEMANTICS:
  FIXED:      amount = rule value; base amount ignored
  PERCENTAGE: amount = base * value/100; base amount required
  TIERED:     select the tier whose [from, to) contains base, then apply
              that tier's fixed/percentage computation; no matching tier
              means the fee is not applicable

  After computing, clamp to [minimumFee, maximumFee] - low bound first,
  then high. Result is rounded to 2 decimal places, half up. Currency is
  always the policy's billing currency; no FX happens here.

SEE ALSO:
  - policy.go: Rule and tier definitions
  - ledger.go: Calls Calculate when an event is created without an amount
*/
package billing

import (
	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// FeeCalculator computes fee amounts from policy rules. Stateless; the
// zero value is ready to use.
type FeeCalculator struct{}

func NewFeeCalculator() *FeeCalculator { return &FeeCalculator{} }

// Calculate computes the amount for a fee type under a policy.
// baseAmount may be nil for FIXED rules. Failure modes:
//   - FeeUnavailableError{Reason: "no_rule"}      no rule for the fee type
//   - FeeUnavailableError{Reason: "no_tier"}      tiered rule, no band matches
//   - FeeUnavailableError{Reason: "missing_base"} percentage/tiered without base
func (c *FeeCalculator) Calculate(policy *FeePolicy, feeType FeeType, baseAmount *decimal.Decimal) (Money, error) {
	rule := policy.RuleFor(feeType)
	if rule == nil {
		return Money{}, &FeeUnavailableError{PolicyID: policy.ID, FeeType: feeType, Reason: "no_rule"}
	}

	var amount decimal.Decimal

	switch rule.Kind {
	case FeeKindFixed:
		amount = rule.Value

	case FeeKindPercentage:
		if baseAmount == nil {
			return Money{}, &FeeUnavailableError{PolicyID: policy.ID, FeeType: feeType, Reason: "missing_base"}
		}
		amount = baseAmount.Mul(rule.Value).Div(oneHundred)

	case FeeKindTiered:
		if baseAmount == nil {
			return Money{}, &FeeUnavailableError{PolicyID: policy.ID, FeeType: feeType, Reason: "missing_base"}
		}
		tier := matchTier(rule.Tiers, *baseAmount)
		if tier == nil {
			return Money{}, &FeeUnavailableError{PolicyID: policy.ID, FeeType: feeType, Reason: "no_tier"}
		}
		switch tier.Kind {
		case FeeKindPercentage:
			amount = baseAmount.Mul(tier.Value).Div(oneHundred)
		default: // fixed
			amount = tier.Value
		}

	default:
		return Money{}, &FeeUnavailableError{PolicyID: policy.ID, FeeType: feeType, Reason: "no_rule"}
	}

	amount = clamp(amount, rule.MinimumFee, rule.MaximumFee)

	return Money{Amount: amount, Currency: policy.Currency}.RoundBilling(), nil
}

// matchTier finds the band containing base: from <= base < to.
func matchTier(tiers []Tier, base decimal.Decimal) *Tier {
	for i := range tiers {
		t := &tiers[i]
		if base.LessThan(t.FromAmount) {
			continue
		}
		if t.ToAmount != nil && !base.LessThan(*t.ToAmount) {
			continue
		}
		return t
	}
	return nil
}

// clamp applies min then max, so min wins if both bind the same value.
func clamp(amount decimal.Decimal, min, max *decimal.Decimal) decimal.Decimal {
	if min != nil && amount.LessThan(*min) {
		amount = *min
	}
	if max != nil && amount.GreaterThan(*max) {
		amount = *max
	}
	return amount
}
