/*
Package factory provides JSON to Go fee-policy conversion.

PURPOSE:
  Converts JSON policy definitions into billing.FeePolicy objects. This
  enables policy configuration without code changes - operations can
  define a client's fee schedule in JSON, and the factory creates the
  proper Go structs with all decimals parsed and validated.

WHY JSON?
  - Non-developers can modify fee schedules
  - Easy integration with admin UI
  - Version control for policy definitions
  - Database storage of policy configs

JSON SCHEMA:
  {
    "id": "acme-placement-v1",
    "client_id": "client-acme",
    "client_code": "ACME",
    "name": "ACME placement fees",
    "trigger_rule": "start_date",
    "currency": "USD",
    "payment_terms_days": 30,
    "rules": [
      {
        "fee_type": "PLACEMENT",
        "kind": "PERCENTAGE",
        "value": "15",
        "base_field": "annual_salary",
        "minimum_fee": "100",
        "maximum_fee": "2000"
      },
      {
        "fee_type": "RETAINER",
        "kind": "FIXED",
        "value": "500"
      }
    ]
  }

KEY FEATURES:
  - Validates fee kinds, tier shape, and decimal strings
  - Sets sensible defaults (currency USD, terms 30 days, version 1)
  - Round-trips via ToJSON for admin UI editing

USAGE:
  factory := NewPolicyFactory()

  // From JSON string
  policy, err := factory.ParsePolicy(jsonString)

  // From a preset (recommended for onboarding)
  jsonStr := factory.StandardContingencyJSON("acme-v1", "client-acme", "ACME", "20")
  policy, err := factory.ParsePolicy(jsonStr)

SEE ALSO:
  - billing/policy.go: FeePolicy type definition
  - billing/fee.go: How rules are evaluated
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a fee policy. Decimal values
// are strings so schedules survive JSON number round-trips exactly.
type PolicyJSON struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	ClientCode       string     `json:"client_code"`
	Name             string     `json:"name"`
	TriggerRule      string     `json:"trigger_rule,omitempty"`
	Currency         string     `json:"currency,omitempty"`
	PaymentTermsDays int        `json:"payment_terms_days,omitempty"`
	IsActive         *bool      `json:"is_active,omitempty"`
	Version          int        `json:"version,omitempty"`
	Rules            []RuleJSON `json:"rules"`
}

// RuleJSON represents one fee rule.
type RuleJSON struct {
	FeeType    string     `json:"fee_type"`
	Kind       string     `json:"kind"` // FIXED, PERCENTAGE, TIERED
	Value      string     `json:"value,omitempty"`
	BaseField  string     `json:"base_field,omitempty"`
	Tiers      []TierJSON `json:"tiers,omitempty"`
	MinimumFee string     `json:"minimum_fee,omitempty"`
	MaximumFee string     `json:"maximum_fee,omitempty"`
}

// TierJSON represents one band of a tiered rule. ToAmount empty means
// the band is unbounded above.
type TierJSON struct {
	FromAmount string `json:"from_amount"`
	ToAmount   string `json:"to_amount,omitempty"`
	Kind       string `json:"kind"`
	Value      string `json:"value"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON fee policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a FeePolicy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*billing.FeePolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to billing.FeePolicy with validation.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*billing.FeePolicy, error) {
	if pj.ID == "" {
		return nil, &billing.ValidationError{Field: "id", Message: "required"}
	}
	if pj.ClientID == "" {
		return nil, &billing.ValidationError{Field: "client_id", Message: "required"}
	}
	if len(pj.Rules) == 0 {
		return nil, &billing.ValidationError{Field: "rules", Message: "at least one fee rule required"}
	}

	policy := &billing.FeePolicy{
		ID:               billing.PolicyID(pj.ID),
		ClientID:         billing.ClientID(pj.ClientID),
		ClientCode:       pj.ClientCode,
		Name:             pj.Name,
		TriggerRule:      parseTriggerRule(pj.TriggerRule),
		Currency:         pj.Currency,
		PaymentTermsDays: pj.PaymentTermsDays,
		IsActive:         true,
		Version:          pj.Version,
	}
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	if policy.PaymentTermsDays <= 0 {
		policy.PaymentTermsDays = 30
	}
	if policy.Version <= 0 {
		policy.Version = 1
	}
	if pj.IsActive != nil {
		policy.IsActive = *pj.IsActive
	}

	seen := map[billing.FeeType]bool{}
	for i, rj := range pj.Rules {
		rule, err := parseRule(rj)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if seen[rule.FeeType] {
			return nil, &billing.ValidationError{
				Field:   fmt.Sprintf("rules[%d].fee_type", i),
				Message: fmt.Sprintf("duplicate rule for %s", rule.FeeType),
			}
		}
		seen[rule.FeeType] = true
		policy.Rules = append(policy.Rules, rule)
	}

	return policy, nil
}

// ToJSON converts a FeePolicy back to its JSON representation.
func (f *PolicyFactory) ToJSON(policy *billing.FeePolicy) PolicyJSON {
	active := policy.IsActive
	pj := PolicyJSON{
		ID:               string(policy.ID),
		ClientID:         string(policy.ClientID),
		ClientCode:       policy.ClientCode,
		Name:             policy.Name,
		TriggerRule:      string(policy.TriggerRule),
		Currency:         policy.Currency,
		PaymentTermsDays: policy.PaymentTermsDays,
		IsActive:         &active,
		Version:          policy.Version,
	}
	for _, rule := range policy.Rules {
		rj := RuleJSON{
			FeeType:   string(rule.FeeType),
			Kind:      string(rule.Kind),
			BaseField: rule.BaseField,
		}
		if rule.Kind != billing.FeeKindTiered {
			rj.Value = rule.Value.String()
		}
		if rule.MinimumFee != nil {
			rj.MinimumFee = rule.MinimumFee.String()
		}
		if rule.MaximumFee != nil {
			rj.MaximumFee = rule.MaximumFee.String()
		}
		for _, tier := range rule.Tiers {
			tj := TierJSON{
				FromAmount: tier.FromAmount.String(),
				Kind:       string(tier.Kind),
				Value:      tier.Value.String(),
			}
			if tier.ToAmount != nil {
				tj.ToAmount = tier.ToAmount.String()
			}
			rj.Tiers = append(rj.Tiers, tj)
		}
		pj.Rules = append(pj.Rules, rj)
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTriggerRule(s string) billing.TriggerType {
	switch s {
	case "offer_sign":
		return billing.TriggerOfferSign
	case "guarantee":
		return billing.TriggerGuarantee
	case "manual":
		return billing.TriggerManual
	default:
		return billing.TriggerStartDate
	}
}

func parseFeeKind(s string) (billing.FeeKind, error) {
	switch s {
	case "FIXED":
		return billing.FeeKindFixed, nil
	case "PERCENTAGE":
		return billing.FeeKindPercentage, nil
	case "TIERED":
		return billing.FeeKindTiered, nil
	default:
		return "", fmt.Errorf("unknown fee kind: %q", s)
	}
}

func parseRule(rj RuleJSON) (billing.FeeRule, error) {
	kind, err := parseFeeKind(rj.Kind)
	if err != nil {
		return billing.FeeRule{}, err
	}

	rule := billing.FeeRule{
		FeeType:   billing.FeeType(rj.FeeType),
		Kind:      kind,
		BaseField: rj.BaseField,
	}
	if rule.FeeType == "" {
		return billing.FeeRule{}, fmt.Errorf("fee_type required")
	}

	switch kind {
	case billing.FeeKindTiered:
		if len(rj.Tiers) == 0 {
			return billing.FeeRule{}, fmt.Errorf("TIERED rule requires tiers")
		}
		for j, tj := range rj.Tiers {
			tier, err := parseTier(tj)
			if err != nil {
				return billing.FeeRule{}, fmt.Errorf("tiers[%d]: %w", j, err)
			}
			rule.Tiers = append(rule.Tiers, tier)
		}
	default:
		value, err := parseDecimal(rj.Value, "value")
		if err != nil {
			return billing.FeeRule{}, err
		}
		rule.Value = value
	}

	if rj.MinimumFee != "" {
		min, err := parseDecimal(rj.MinimumFee, "minimum_fee")
		if err != nil {
			return billing.FeeRule{}, err
		}
		rule.MinimumFee = &min
	}
	if rj.MaximumFee != "" {
		max, err := parseDecimal(rj.MaximumFee, "maximum_fee")
		if err != nil {
			return billing.FeeRule{}, err
		}
		rule.MaximumFee = &max
	}
	if rule.MinimumFee != nil && rule.MaximumFee != nil && rule.MinimumFee.GreaterThan(*rule.MaximumFee) {
		return billing.FeeRule{}, fmt.Errorf("minimum_fee exceeds maximum_fee")
	}

	return rule, nil
}

func parseTier(tj TierJSON) (billing.Tier, error) {
	kind, err := parseFeeKind(tj.Kind)
	if err != nil {
		return billing.Tier{}, err
	}
	if kind == billing.FeeKindTiered {
		return billing.Tier{}, fmt.Errorf("tiers cannot nest")
	}

	from, err := parseDecimal(tj.FromAmount, "from_amount")
	if err != nil {
		return billing.Tier{}, err
	}
	tier := billing.Tier{FromAmount: from, Kind: kind}

	if tj.ToAmount != "" {
		to, err := parseDecimal(tj.ToAmount, "to_amount")
		if err != nil {
			return billing.Tier{}, err
		}
		if !to.GreaterThan(from) {
			return billing.Tier{}, fmt.Errorf("to_amount must exceed from_amount")
		}
		tier.ToAmount = &to
	}

	value, err := parseDecimal(tj.Value, "value")
	if err != nil {
		return billing.Tier{}, err
	}
	tier.Value = value
	return tier, nil
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%s required", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}

// =============================================================================
// PRESET POLICIES
// =============================================================================

// StandardContingencyJSON builds a percentage-of-salary placement policy
// with the common floor and cap, plus a fixed retainer.
func (f *PolicyFactory) StandardContingencyJSON(id, clientID, clientCode, percent string) string {
	pj := PolicyJSON{
		ID:          id,
		ClientID:    clientID,
		ClientCode:  clientCode,
		Name:        "Standard contingency " + percent + "%",
		TriggerRule: "start_date",
		Currency:    "USD",
		Rules: []RuleJSON{
			{
				FeeType:    string(billing.FeePlacement),
				Kind:       "PERCENTAGE",
				Value:      percent,
				BaseField:  "annual_salary",
				MinimumFee: "100",
				MaximumFee: "2000",
			},
			{
				FeeType: string(billing.FeeRetainer),
				Kind:    "FIXED",
				Value:   "500",
			},
		},
	}
	data, _ := json.Marshal(pj)
	return string(data)
}

// TieredPlacementJSON builds a volume-tiered placement policy: a flat fee
// for small placements, a percentage above the threshold.
func (f *PolicyFactory) TieredPlacementJSON(id, clientID, clientCode string) string {
	pj := PolicyJSON{
		ID:          id,
		ClientID:    clientID,
		ClientCode:  clientCode,
		Name:        "Tiered placement",
		TriggerRule: "start_date",
		Currency:    "USD",
		Rules: []RuleJSON{
			{
				FeeType: string(billing.FeePlacement),
				Kind:    "TIERED",
				Tiers: []TierJSON{
					{FromAmount: "0", ToAmount: "50000", Kind: "FIXED", Value: "5000"},
					{FromAmount: "50000", ToAmount: "100000", Kind: "PERCENTAGE", Value: "12"},
					{FromAmount: "100000", Kind: "PERCENTAGE", Value: "15"},
				},
			},
		},
	}
	data, _ := json.Marshal(pj)
	return string(data)
}
