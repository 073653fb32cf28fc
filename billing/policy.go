/*
policy.go - Fee policies: the per-client billing contract

PURPOSE:
  A FeePolicy describes how a client is billed: which trigger starts
  billing, how each fee type is computed (fixed, percentage, tiered), the
  billing currency, and the payment terms. Policies are versioned, never
  edited in place - the version in force when an event was created is
  frozen onto the event so historical amounts stay explainable after
  policy changes.

INVARIANT:
  At most one active policy per client code at any time.

KEY CONCEPTS:
  - FeeRule: feeType -> computation (FIXED amount, PERCENTAGE of a base,
    or TIERED bands), each with optional min/max caps
  - Tier: [FromAmount, ToAmount) band; ToAmount nil means unbounded
  - Version: monotonically increasing; bumped on any rule change

SEE ALSO:
  - fee.go: Applies these rules
  - factory/policy.go: Builds policies from JSON configuration
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE RULES
// =============================================================================

// FeeKind determines how a rule computes its amount.
type FeeKind string

const (
	FeeKindFixed      FeeKind = "FIXED"
	FeeKindPercentage FeeKind = "PERCENTAGE"
	FeeKindTiered     FeeKind = "TIERED"
)

// Tier is one band of a tiered rule. A base amount matches the tier when
// FromAmount <= base < ToAmount; nil ToAmount means unbounded above.
// The tier's own computation is fixed or percentage against the base.
type Tier struct {
	FromAmount decimal.Decimal
	ToAmount   *decimal.Decimal
	Kind       FeeKind // FeeKindFixed or FeeKindPercentage
	Value      decimal.Decimal
}

// FeeRule computes the amount for one fee type.
type FeeRule struct {
	FeeType FeeType
	Kind    FeeKind

	// Value is the fixed amount (FIXED) or the percentage (PERCENTAGE).
	// Unused for TIERED.
	Value decimal.Decimal

	// BaseField names which upstream field supplies the base amount for
	// PERCENTAGE rules, e.g. "annual_salary". Informational; the caller
	// resolves it before invoking the calculator.
	BaseField string

	Tiers []Tier

	// Caps applied after computation: clamp low, then high.
	MinimumFee *decimal.Decimal
	MaximumFee *decimal.Decimal
}

// =============================================================================
// FEE POLICY
// =============================================================================

// FeePolicy is the versioned billing contract for one client.
type FeePolicy struct {
	ID               PolicyID
	ClientID         ClientID
	ClientCode       string
	Name             string
	TriggerRule      TriggerType
	Rules            []FeeRule
	Currency         string
	PaymentTermsDays int
	IsActive         bool
	Version          int
	CreatedAt        time.Time
}

// RuleFor returns the rule for a fee type, or nil if the policy has none.
func (p *FeePolicy) RuleFor(feeType FeeType) *FeeRule {
	for i := range p.Rules {
		if p.Rules[i].FeeType == feeType {
			return &p.Rules[i]
		}
	}
	return nil
}

// DueDateFrom computes an invoice due date from the policy's payment terms.
func (p *FeePolicy) DueDateFrom(invoiceDate time.Time) time.Time {
	return DateOnly(invoiceDate).AddDate(0, 0, p.PaymentTermsDays)
}

// =============================================================================
// POLICY PROVIDER - Collaborator contract
// =============================================================================

// PolicyProvider resolves the active policy for a client. Returns
// (nil, nil) when the client has no active policy.
type PolicyProvider interface {
	GetActivePolicyForClient(ctx context.Context, clientID ClientID) (*FeePolicy, error)
}
