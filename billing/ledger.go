/*
ledger.go - The billable-event ledger

PURPOSE:
  The only writer of billable events. Owns the two guarantees the whole
  system rests on:

  1. UNIQUENESS: Create is an atomic insert-if-absent keyed on the derived
     idempotency key. Two concurrent creations with the same key yield
     exactly one event and one Duplicate failure - never two events.
  2. LEGALITY: Every status change goes through the transition table and
     appends to the event's immutable history.

CONCURRENCY:
  The ledger holds a striped lock for the idempotency key across the
  check-and-insert, and a striped lock per event id across every
  read-modify-write transition. The store's unique index is the backstop:
  if two processes share a database, the loser of the race still gets a
  clean Duplicate error rather than a second row.

AUDIT:
  Every operation records an AuditEntry. Audit failures are logged and
  never fail the primary operation.

SEE ALSO:
  - event.go: Status machine and history
  - store.go: EventStore contract
  - invoicing/ledger.go: Calls MarkInvoiced / MarkPartial / MarkPaid
*/
package billing

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// STRIPED LOCKS
// =============================================================================

const lockStripes = 64

// stripedLock serializes operations that share a string key. Striping
// bounds memory while keeping unrelated keys mostly independent.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedLock) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &s.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m
}

// =============================================================================
// EVENT LEDGER
// =============================================================================

// EventLedger coordinates event creation and status transitions.
// Construct with NewEventLedger; all collaborators are injected, there is
// no package-level instance.
type EventLedger struct {
	store    EventStore
	policies PolicyProvider
	calc     *FeeCalculator
	audit    AuditLog
	logger   *zap.Logger

	keyLocks stripedLock // guards check-then-insert per idempotency key
	idLocks  stripedLock // serializes transitions per event id

	now   func() time.Time
	newID func() EventID
}

func NewEventLedger(store EventStore, policies PolicyProvider, calc *FeeCalculator, audit AuditLog, logger *zap.Logger) *EventLedger {
	if calc == nil {
		calc = NewFeeCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLedger{
		store:    store,
		policies: policies,
		calc:     calc,
		audit:    audit,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() EventID { return EventID(uuid.NewString()) },
	}
}

// WithClock replaces the ledger's time source. Used by tests that pin
// "now" to specific billing dates.
func (l *EventLedger) WithClock(now func() time.Time) *EventLedger {
	l.now = now
	return l
}

// CreateInput is one upstream trigger.
type CreateInput struct {
	ClientID      ClientID
	ClientCode    string
	ControlNumber string
	TriggerDate   time.Time
	TriggerType   TriggerType
	FeeType       FeeType

	// BaseAmount feeds percentage/tiered rules (e.g., annual salary).
	BaseAmount *decimal.Decimal

	// Amount overrides fee calculation when the upstream source already
	// carries a negotiated figure.
	Amount *Money

	SourceData map[string]string
	Actor      string
}

// =============================================================================
// CREATE
// =============================================================================

// Create records a new billable event under the given policy. The policy's
// id and version are frozen onto the event, and an empty ClientCode is
// filled from the policy so every ingestion path derives the same key.
// Fails with:
//   - ValidationError for malformed input
//   - DuplicateKeyError when the derived key already exists
//   - FeeUnavailableError when no amount was supplied and none can be computed
func (l *EventLedger) Create(ctx context.Context, policy *FeePolicy, in CreateInput) (*BillableEvent, error) {
	if policy == nil {
		return nil, &ValidationError{Field: "policy", Message: "required"}
	}
	if in.Actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "required"}
	}
	if in.ClientCode == "" {
		in.ClientCode = policy.ClientCode
	}

	key, err := DeriveKey(in.ClientCode, in.ControlNumber, in.TriggerDate, in.FeeType)
	if err != nil {
		return nil, err
	}

	amount, err := l.resolveAmount(policy, in)
	if err != nil {
		return nil, err
	}

	// Hold the key lock across check and insert. The store's unique index
	// covers cross-process races; this lock keeps in-process retries from
	// ever seeing a half-done create.
	mu := l.keyLocks.lock(key)
	defer mu.Unlock()

	if existing, err := l.store.FindByIdempotencyKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &DuplicateKeyError{Key: key, ExistingEventID: existing.ID}
	}

	now := l.now()
	event := &BillableEvent{
		ID:             l.newID(),
		IdempotencyKey: key,
		ClientID:       in.ClientID,
		ClientCode:     in.ClientCode,
		ControlNumber:  in.ControlNumber,
		TriggerDate:    DateOnly(in.TriggerDate),
		TriggerType:    in.TriggerType,
		FeeType:        in.FeeType,
		Amount:         amount,
		Status:         EventPending,
		PolicyID:       policy.ID,
		PolicyVersion:  policy.Version,
		SourceData:     in.SourceData,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	event.appendHistory(EventPending, in.Actor, "created from "+string(in.TriggerType)+" trigger", now)

	if err := l.store.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost a cross-process race; report the winner.
			if existing, ferr := l.store.FindByIdempotencyKey(ctx, key); ferr == nil && existing != nil {
				return nil, &DuplicateKeyError{Key: key, ExistingEventID: existing.ID}
			}
			return nil, &DuplicateKeyError{Key: key}
		}
		return nil, err
	}

	l.recordAudit(ctx, AuditEntry{
		Actor:      in.Actor,
		Action:     AuditEventCreated,
		EntityType: "event",
		EntityID:   string(event.ID),
		After:      string(EventPending),
		Metadata:   map[string]string{"idempotency_key": key, "amount": event.Amount.String()},
	})

	return event, nil
}

func (l *EventLedger) resolveAmount(policy *FeePolicy, in CreateInput) (Money, error) {
	if in.Amount != nil {
		if in.Amount.Currency == "" {
			return Money{}, &ValidationError{Field: "amount.currency", Message: "required"}
		}
		if in.Amount.Amount.IsNegative() {
			return Money{}, &ValidationError{Field: "amount", Message: "must not be negative"}
		}
		return in.Amount.RoundBilling(), nil
	}
	return l.calc.Calculate(policy, in.FeeType, in.BaseAmount)
}

// =============================================================================
// BULK CREATE - Partial-failure semantics
// =============================================================================

// BulkItemError is one failed trigger in a batch.
type BulkItemError struct {
	Index   int
	Code    string
	Message string
}

// BulkDuplicate is one trigger whose key already existed.
type BulkDuplicate struct {
	Index           int
	Key             string
	ExistingEventID EventID
}

// BulkResult collects per-item outcomes. A failure never aborts the batch.
type BulkResult struct {
	Created    []*BillableEvent
	Duplicates []BulkDuplicate
	Errors     []BulkItemError
}

// BulkCreate processes each trigger independently: policies are resolved
// per client through the injected PolicyProvider, and every item goes
// through the same atomic per-key insert as Create.
func (l *EventLedger) BulkCreate(ctx context.Context, inputs []CreateInput) (*BulkResult, error) {
	if l.policies == nil {
		return nil, &ValidationError{Field: "policies", Message: "ledger has no policy provider"}
	}

	result := &BulkResult{}
	policyCache := make(map[ClientID]*FeePolicy)

	for i, in := range inputs {
		policy, ok := policyCache[in.ClientID]
		if !ok {
			p, err := l.policies.GetActivePolicyForClient(ctx, in.ClientID)
			if err != nil {
				result.Errors = append(result.Errors, BulkItemError{Index: i, Code: CodeIntegrationFailure, Message: err.Error()})
				continue
			}
			policy = p
			policyCache[in.ClientID] = p
		}
		if policy == nil {
			result.Errors = append(result.Errors, BulkItemError{
				Index: i, Code: CodeNotFound,
				Message: "no active policy for client " + string(in.ClientID),
			})
			continue
		}

		event, err := l.Create(ctx, policy, in)
		if err != nil {
			var dup *DuplicateKeyError
			if errors.As(err, &dup) {
				result.Duplicates = append(result.Duplicates, BulkDuplicate{
					Index: i, Key: dup.Key, ExistingEventID: dup.ExistingEventID,
				})
				continue
			}
			code := Code(err)
			if code == "" {
				code = CodeIntegrationFailure
			}
			result.Errors = append(result.Errors, BulkItemError{Index: i, Code: code, Message: err.Error()})
			continue
		}
		result.Created = append(result.Created, event)
	}

	return result, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Approve moves an event to APPROVED. Legal from PENDING or HOLD; lifting
// a hold always lands on APPROVED, never back on PENDING.
func (l *EventLedger) Approve(ctx context.Context, id EventID, actor, notes string) (*BillableEvent, error) {
	return l.transition(ctx, id, EventApproved, actor, notes, AuditEventApproved,
		func(e *BillableEvent, now time.Time) {
			e.ApprovedAt = &now
			e.ApprovedBy = actor
			e.HoldReason = ""
		})
}

// Hold parks an event. Legal from PENDING or APPROVED; reason mandatory.
func (l *EventLedger) Hold(ctx context.Context, id EventID, actor, reason string) (*BillableEvent, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "hold requires a reason"}
	}
	return l.transition(ctx, id, EventHold, actor, reason, AuditEventHeld,
		func(e *BillableEvent, _ time.Time) {
			e.HoldReason = reason
		})
}

// Cancel terminates an event before invoicing. Anything from INVOICED on
// must be voided through the accounting system instead.
func (l *EventLedger) Cancel(ctx context.Context, id EventID, actor, reason string) (*BillableEvent, error) {
	return l.transition(ctx, id, EventCancelled, actor, reason, AuditEventCancelled, nil)
}

// MarkInvoiced records that an invoice now exists for the event. Called by
// the invoice ledger after the external call is confirmed, never directly.
func (l *EventLedger) MarkInvoiced(ctx context.Context, id EventID, actor string) (*BillableEvent, error) {
	return l.transition(ctx, id, EventInvoiced, actor, "", AuditEventInvoiced, nil)
}

// MarkPartial records a partial payment against the event's invoice.
func (l *EventLedger) MarkPartial(ctx context.Context, id EventID, actor string) (*BillableEvent, error) {
	return l.transition(ctx, id, EventPartial, actor, "", AuditPaymentApplied, nil)
}

// MarkPaid records that the event's invoice balance reached zero.
func (l *EventLedger) MarkPaid(ctx context.Context, id EventID, actor string) (*BillableEvent, error) {
	return l.transition(ctx, id, EventPaid, actor, "", AuditEventPaid, nil)
}

// transition is the single read-check-write path for status changes.
func (l *EventLedger) transition(ctx context.Context, id EventID, to EventStatus, actor, reason string, action AuditAction, mutate func(*BillableEvent, time.Time)) (*BillableEvent, error) {
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "required"}
	}

	mu := l.idLocks.lock(string(id))
	defer mu.Unlock()

	event, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrNotFound
	}

	if !CanTransition(event.Status, to) {
		return nil, &IllegalTransitionError{EventID: id, From: event.Status, To: to}
	}

	before := event.Status
	now := l.now()
	event.Status = to
	event.UpdatedAt = now
	if mutate != nil {
		mutate(event, now)
	}
	event.appendHistory(to, actor, reason, now)

	if err := l.store.UpdateEvent(ctx, event); err != nil {
		return nil, err
	}

	l.recordAudit(ctx, AuditEntry{
		Actor:      actor,
		Action:     action,
		EntityType: "event",
		EntityID:   string(id),
		Before:     string(before),
		After:      string(to),
	})

	return event, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *EventLedger) Get(ctx context.Context, id EventID) (*BillableEvent, error) {
	event, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrNotFound
	}
	return event, nil
}

func (l *EventLedger) ListByStatus(ctx context.Context, status EventStatus) ([]*BillableEvent, error) {
	return l.store.ListEventsByStatus(ctx, status)
}

func (l *EventLedger) ListByClient(ctx context.Context, clientID ClientID) ([]*BillableEvent, error) {
	return l.store.ListEventsByClient(ctx, clientID)
}

// =============================================================================
// AUDIT
// =============================================================================

func (l *EventLedger) recordAudit(ctx context.Context, entry AuditEntry) {
	if l.audit == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = l.now()
	if err := l.audit.Append(ctx, entry); err != nil {
		// Audit failures never fail the primary operation.
		l.logger.Warn("audit append failed",
			zap.String("action", string(entry.Action)),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
	}
}
