/*
Package invoicing owns the invoice side of the ledger: the link between a
billable event and its external invoice, payment application, status
derivation, and overdue aging.

PURPOSE:
  An InvoiceLink connects exactly one billable event to exactly one
  external invoice. Its status is DERIVED from payment math, not set by
  hand - the only override path is an external sync reporting a state the
  math cannot produce (e.g. voided downstream).

KEY CONCEPTS IN THIS FILE (types.go):
  - InvoiceLink: the 1:1 event-to-invoice record with frozen amount
  - Payment: one additive payment; payments are never retracted
  - ChangeSource: whether a status change came from the portal or from
    the external sync (every history row is tagged)
  - Aging: overdue days and the 1-30 / 31-60 / 61-90 / 90+ buckets

INVARIANTS:
  - Balance = max(0, Amount - TotalPaid); never negative
  - TotalPaid only grows
  - A link exists only for an APPROVED event; links are never deleted

STATUS SPLIT:
  Invoice status and event status are intentionally separate enums.
  "Has the event been approved" and "is the resulting invoice overdue"
  are different questions; OVERDUE in particular exists only here, as a
  read-derived label, never written onto the event.

SEE ALSO:
  - ledger.go: The operations
  - report.go: Aggregation for dashboards
*/
package invoicing

import (
	"context"
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// INVOICE STATUS - Separate enum from billing.EventStatus, by design
// =============================================================================

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "PENDING"
	InvoicePartial InvoiceStatus = "PARTIAL"
	InvoicePaid    InvoiceStatus = "PAID"
	InvoiceVoided  InvoiceStatus = "VOIDED"
)

// ChangeSource tags where a status change originated.
type ChangeSource string

const (
	SourcePortal       ChangeSource = "portal"
	SourceExternalSync ChangeSource = "external_sync"
)

// StatusChange is one row of a link's append-only history.
type StatusChange struct {
	Seq       int
	Status    InvoiceStatus
	Source    ChangeSource
	Actor     string
	Reason    string
	Timestamp time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

// Payment is one additive payment record. Never retracted in this model;
// downstream corrections arrive as further payments or a sync override.
type Payment struct {
	ExternalPaymentID string
	Date              time.Time
	Amount            billing.Money
}

// =============================================================================
// INVOICE LINK
// =============================================================================

// InvoiceLink connects one billable event to one external invoice.
// Amount and currency are copied from the event at creation and frozen.
type InvoiceLink struct {
	ID      billing.InvoiceLinkID
	EventID billing.EventID

	// Denormalized for reconciliation against the external system.
	IdempotencyKey string

	ExternalInvoiceID string
	InvoiceNumber     string
	InvoiceDate       time.Time
	DueDate           time.Time

	Amount    billing.Money
	TotalPaid billing.Money
	Balance   billing.Money

	Status         InvoiceStatus
	StatusHistory  []StatusChange
	Payments       []Payment
	PaidInFullDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NextSeq returns the sequence number for the next history row.
func (l *InvoiceLink) NextSeq() int {
	if n := len(l.StatusHistory); n > 0 {
		return l.StatusHistory[n-1].Seq + 1
	}
	return 1
}

func (l *InvoiceLink) appendHistory(status InvoiceStatus, source ChangeSource, actor, reason string, at time.Time) {
	l.StatusHistory = append(l.StatusHistory, StatusChange{
		Seq:       l.NextSeq(),
		Status:    status,
		Source:    source,
		Actor:     actor,
		Reason:    reason,
		Timestamp: at,
	})
}

// =============================================================================
// AGING
// =============================================================================

// IsOverdue reports whether the link carries a balance past its due date.
// A settled link is never overdue, regardless of due date.
func (l *InvoiceLink) IsOverdue(asOf time.Time) bool {
	return l.Balance.IsPositive() && billing.DateOnly(asOf).After(billing.DateOnly(l.DueDate))
}

// DaysOverdue returns whole days past due, floored at 0.
func (l *InvoiceLink) DaysOverdue(asOf time.Time) int {
	if !l.IsOverdue(asOf) {
		return 0
	}
	return billing.DaysBetween(l.DueDate, asOf)
}

// AgingBucket is the coarse overdue classification.
type AgingBucket string

const (
	BucketCurrent AgingBucket = "current"
	Bucket1To30   AgingBucket = "1-30"
	Bucket31To60  AgingBucket = "31-60"
	Bucket61To90  AgingBucket = "61-90"
	Bucket90Plus  AgingBucket = "90+"
)

// Bucket classifies days-overdue: inclusive upper bounds except 90+.
func Bucket(daysOverdue int) AgingBucket {
	switch {
	case daysOverdue <= 0:
		return BucketCurrent
	case daysOverdue <= 30:
		return Bucket1To30
	case daysOverdue <= 60:
		return Bucket31To60
	case daysOverdue <= 90:
		return Bucket61To90
	default:
		return Bucket90Plus
	}
}

// =============================================================================
// INVOICE STORE - Persistence contract
// =============================================================================

type InvoiceStore interface {
	// InsertLink persists a new link. Fails with billing.ErrAlreadyInvoiced
	// if a link for the event already exists. Atomic insert-if-absent.
	InsertLink(ctx context.Context, link *InvoiceLink) error

	GetLink(ctx context.Context, id billing.InvoiceLinkID) (*InvoiceLink, error)
	GetLinkByEventID(ctx context.Context, eventID billing.EventID) (*InvoiceLink, error)

	// UpdateLink persists payment/status fields and new history rows.
	UpdateLink(ctx context.Context, link *InvoiceLink) error

	ListLinksByStatus(ctx context.Context, status InvoiceStatus) ([]*InvoiceLink, error)

	// ListOpenLinks returns unsettled links: positive balance, not voided.
	ListOpenLinks(ctx context.Context) ([]*InvoiceLink, error)

	ListAllLinks(ctx context.Context) ([]*InvoiceLink, error)
}
