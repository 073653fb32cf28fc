/*
event.go - The billable event and its status state machine

PURPOSE:
  A BillableEvent is one ledger entry: a fee a client owes, recorded
  exactly once per idempotency key. Events move through a human approval
  workflow before they become invoices.

STATE MACHINE:
  PENDING -> APPROVED -> INVOICED -> PAID | PARTIAL
  HOLD is reachable from PENDING or APPROVED and is lifted only via
  approval (never silently resumed to PENDING).
  CANCELLED, REFUNDED, CREDITED are terminal.

  "Overdue" is NOT an event status. It is derived at the invoice-link
  level from due date and balance; the event keeps recording where it is
  in the approval/invoicing workflow. Conflating the two was a bug class
  in a previous iteration of this system.

HISTORY:
  Every status change appends a StatusChange with a per-event monotonic
  sequence number. History rows are never rewritten; the store persists
  them as (event_id, seq) keyed records.

SEE ALSO:
  - ledger.go: The only writer of status transitions
  - invoicing/: Derives invoice-level status and overdue
*/
package billing

import (
	"time"
)

// =============================================================================
// EVENT STATUS
// =============================================================================

type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventApproved  EventStatus = "APPROVED"
	EventHold      EventStatus = "HOLD"
	EventInvoiced  EventStatus = "INVOICED"
	EventPartial   EventStatus = "PARTIAL"
	EventPaid      EventStatus = "PAID"
	EventCancelled EventStatus = "CANCELLED"
	EventRefunded  EventStatus = "REFUNDED"
	EventCredited  EventStatus = "CREDITED"
)

// eventTransitions is the legality table. A transition is legal iff the
// target appears in the source's set.
var eventTransitions = map[EventStatus][]EventStatus{
	EventPending:  {EventApproved, EventHold, EventCancelled},
	EventApproved: {EventHold, EventInvoiced, EventCancelled},
	EventHold:     {EventApproved, EventCancelled},
	EventInvoiced: {EventPartial, EventPaid, EventRefunded, EventCredited},
	EventPartial:  {EventPaid, EventRefunded, EventCredited},
	// PAID, CANCELLED, REFUNDED, CREDITED are terminal.
}

// CanTransition reports whether from -> to is a legal event transition.
func CanTransition(from, to EventStatus) bool {
	for _, s := range eventTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s EventStatus) IsTerminal() bool {
	return len(eventTransitions[s]) == 0
}

// =============================================================================
// STATUS HISTORY - Append-only, per-event monotonic sequence
// =============================================================================

// StatusChange is one row of an event's immutable history.
type StatusChange struct {
	Seq       int
	Status    EventStatus
	Actor     string
	Reason    string
	Timestamp time.Time
}

// =============================================================================
// BILLABLE EVENT
// =============================================================================

// BillableEvent is the ledger entry. Created once per unique idempotency
// key; mutated only through ledger transitions; never deleted.
type BillableEvent struct {
	ID             EventID
	IdempotencyKey string

	ClientID      ClientID
	ClientCode    string
	ControlNumber string
	TriggerDate   time.Time
	TriggerType   TriggerType
	FeeType       FeeType

	Amount Money

	Status        EventStatus
	StatusHistory []StatusChange

	// Policy in force at creation, frozen for audit.
	PolicyID      PolicyID
	PolicyVersion int

	// Approval / hold metadata.
	ApprovedAt *time.Time
	ApprovedBy string
	HoldReason string

	// Raw upstream fields captured at creation (candidate name, salary,
	// source row reference). Free-form; never interpreted by the engine.
	SourceData map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NextSeq returns the sequence number the next history entry should use.
func (e *BillableEvent) NextSeq() int {
	if n := len(e.StatusHistory); n > 0 {
		return e.StatusHistory[n-1].Seq + 1
	}
	return 1
}

// appendHistory records a status change on the in-memory copy. The store
// persists the row alongside the event update.
func (e *BillableEvent) appendHistory(status EventStatus, actor, reason string, at time.Time) {
	e.StatusHistory = append(e.StatusHistory, StatusChange{
		Seq:       e.NextSeq(),
		Status:    status,
		Actor:     actor,
		Reason:    reason,
		Timestamp: at,
	})
}
