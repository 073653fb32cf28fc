/*
Package billing provides the core billable-event engine.

PURPOSE:
  This package contains the domain types and algorithms for recording and
  billing discrete billable events exactly once. A billable event is a fact
  that obligates a client to pay a fee (e.g., a candidate placement). The
  triggering facts arrive repeatedly from upstream, so the engine's central
  job is deterministic deduplication plus an auditable approval workflow.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal amount paired with an ISO currency code
  - Typed identifiers: ClientID, PolicyID, EventID, InvoiceLinkID
  - FeeType / TriggerType: What is billed and why billing started

DESIGN PRINCIPLES:
  1. Determinism: Idempotency keys are pure functions of their inputs
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing entity kinds
  4. Auditability: Every state change appends to an immutable history

SEE ALSO:
  - idempotency.go: Key derivation and parsing
  - policy.go: Fee policies and rules
  - fee.go: Fee calculation
  - event.go: The billable event and its state machine
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount with currency
// =============================================================================

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount float64, currency string) Money {
	return Money{Amount: decimal.NewFromFloat(amount), Currency: currency}
}

func NewMoneyFromDecimal(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m Money) Zero() Money              { return Money{Amount: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(b Money) Money        { return Money{Amount: m.Amount.Add(b.Amount), Currency: m.Currency} }
func (m Money) Sub(b Money) Money        { return Money{Amount: m.Amount.Sub(b.Amount), Currency: m.Currency} }
func (m Money) Neg() Money               { return Money{Amount: m.Amount.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool             { return m.Amount.IsZero() }
func (m Money) IsNegative() bool         { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool         { return m.Amount.IsPositive() }
func (m Money) GreaterThan(b Money) bool { return m.Amount.GreaterThan(b.Amount) }
func (m Money) LessThan(b Money) bool    { return m.Amount.LessThan(b.Amount) }

// RoundBilling rounds to 2 decimal places, half up. All amounts that leave
// the calculator are rounded exactly once, here.
func (m Money) RoundBilling() Money {
	return Money{Amount: m.Amount.Round(2), Currency: m.Currency}
}

// String renders the bare amount to cents. Currency travels as its own
// field everywhere Money is serialized.
func (m Money) String() string {
	return m.Amount.StringFixed(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type PolicyID string
type EventID string
type InvoiceLinkID string

// =============================================================================
// FEE / TRIGGER VOCABULARY
// =============================================================================

// FeeType identifies what kind of fee an event bills.
type FeeType string

const (
	FeePlacement  FeeType = "PLACEMENT"
	FeeRetainer   FeeType = "RETAINER"
	FeeConversion FeeType = "CONVERSION"
	FeeMilestone  FeeType = "MILESTONE"
)

// TriggerType identifies the upstream condition that started billing.
type TriggerType string

const (
	TriggerStartDate  TriggerType = "start_date"  // Candidate started at the client
	TriggerOfferSign  TriggerType = "offer_sign"  // Offer letter signed
	TriggerGuarantee  TriggerType = "guarantee"   // Guarantee period elapsed
	TriggerManual     TriggerType = "manual"      // Operator-entered trigger
)

// =============================================================================
// CLIENT - The billed organization
// =============================================================================

// Client is the organization that owes fees. Code is the short, stable
// prefix used in idempotency keys ("ACME", "GLOBEX").
type Client struct {
	ID        ClientID
	Code      string
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// DATE HELPERS
// =============================================================================

// DateOnly truncates a timestamp to midnight UTC. Trigger dates and due
// dates are calendar dates; comparing them at finer granularity invites
// off-by-one aging bugs.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole days from a to b, negative if b is before a.
func DaysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}
