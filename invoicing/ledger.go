/*
ledger.go - Invoice-link ledger: creation, payments, status derivation

PURPOSE:
  The only writer of invoice links. Coordinates three things that must
  stay consistent: the external accounting call, the local link record,
  and the billable event's status.

ORDERING ON CREATE:
  1. Verify the event is APPROVED and not yet linked
  2. Call the accounting system
  3. Insert the link
  4. Flip the event to INVOICED

  A failure at step 2 leaves the event in APPROVED - not half-invoiced -
  so the whole operation is safely retryable. The event only ever becomes
  INVOICED after a confirmed external success.

PAYMENTS:
  Payments are additive and idempotent by external payment id: re-applying
  a notice the sync already delivered is a no-op, not a double-credit.
  Status is derived, never set: balance 0 means PAID, any payment short of
  that means PARTIAL. The sole override path is an external sync reporting
  a state payment math cannot produce (voided).

SEE ALSO:
  - types.go: InvoiceLink, aging, store contract
  - accounting/payload.go: The external request/response shapes
  - billing/ledger.go: MarkInvoiced / MarkPartial / MarkPaid
*/
package invoicing

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/accounting"
	"github.com/warp/billing-engine/billing"
)

const defaultPaymentTermsDays = 30

// =============================================================================
// INVOICE LEDGER
// =============================================================================

type InvoiceLedger struct {
	store    InvoiceStore
	events   *billing.EventLedger
	client   accounting.Client
	policies billing.PolicyProvider
	audit    billing.AuditLog
	logger   *zap.Logger

	locks [64]sync.Mutex // per-link/per-event serialization

	now   func() time.Time
	newID func() billing.InvoiceLinkID
}

func NewInvoiceLedger(store InvoiceStore, events *billing.EventLedger, client accounting.Client, policies billing.PolicyProvider, audit billing.AuditLog, logger *zap.Logger) *InvoiceLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceLedger{
		store:    store,
		events:   events,
		client:   client,
		policies: policies,
		audit:    audit,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() billing.InvoiceLinkID { return billing.InvoiceLinkID(uuid.NewString()) },
	}
}

// WithClock replaces the ledger's time source (tests pin "now").
func (l *InvoiceLedger) WithClock(now func() time.Time) *InvoiceLedger {
	l.now = now
	return l
}

func (l *InvoiceLedger) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &l.locks[h.Sum32()%uint32(len(l.locks))]
	m.Lock()
	return m
}

// =============================================================================
// CREATE INVOICE
// =============================================================================

// CreateInvoice creates the external invoice for an APPROVED event and
// records the 1:1 link. Fails with:
//   - billing.ErrNotFound            unknown event
//   - billing.IllegalTransitionError event not APPROVED
//   - billing.ErrAlreadyInvoiced     a link for this event already exists
//   - billing.IntegrationError       the external call failed (event stays APPROVED)
func (l *InvoiceLedger) CreateInvoice(ctx context.Context, eventID billing.EventID, actor string) (*InvoiceLink, error) {
	if actor == "" {
		return nil, &billing.ValidationError{Field: "actor", Message: "required"}
	}

	mu := l.lock(string(eventID))
	defer mu.Unlock()

	event, err := l.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status != billing.EventApproved {
		return nil, &billing.IllegalTransitionError{EventID: eventID, From: event.Status, To: billing.EventInvoiced}
	}

	if existing, err := l.store.GetLinkByEventID(ctx, eventID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, billing.ErrAlreadyInvoiced
	}

	now := l.now()
	dueDate := billing.DateOnly(now).AddDate(0, 0, l.paymentTerms(ctx, event.ClientID))

	resp, err := l.client.CreateInvoice(ctx, accounting.InvoiceRequest{
		ClientCode: event.ClientCode,
		Amount:     event.Amount.Amount,
		Currency:   event.Amount.Currency,
		Memo: fmt.Sprintf("%s fee, control %s %s",
			event.FeeType, event.ControlNumber, accounting.EmbedKey(event.IdempotencyKey)),
		DueDate: dueDate,
	})
	if err != nil {
		// Event remains APPROVED; the caller retries.
		return nil, &billing.IntegrationError{System: "accounting", Op: "create_invoice", Err: err}
	}
	if !resp.DueDate.IsZero() {
		dueDate = resp.DueDate
	}

	link := &InvoiceLink{
		ID:                l.newID(),
		EventID:           eventID,
		IdempotencyKey:    event.IdempotencyKey,
		ExternalInvoiceID: resp.ExternalID,
		InvoiceNumber:     resp.DocumentNumber,
		InvoiceDate:       billing.DateOnly(resp.InvoiceDate),
		DueDate:           billing.DateOnly(dueDate),
		Amount:            event.Amount,
		TotalPaid:         event.Amount.Zero(),
		Balance:           event.Amount,
		Status:            InvoicePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	link.appendHistory(InvoicePending, SourcePortal, actor, "invoice "+resp.DocumentNumber+" created", now)

	if err := l.store.InsertLink(ctx, link); err != nil {
		return nil, err
	}

	if _, err := l.events.MarkInvoiced(ctx, eventID, actor); err != nil {
		return nil, err
	}

	l.recordAudit(ctx, billing.AuditEntry{
		Actor:      actor,
		Action:     billing.AuditInvoiceCreated,
		EntityType: "invoice_link",
		EntityID:   string(link.ID),
		After:      string(InvoicePending),
		Metadata: map[string]string{
			"event_id":        string(eventID),
			"invoice_number":  resp.DocumentNumber,
			"idempotency_key": event.IdempotencyKey,
		},
	})

	return link, nil
}

func (l *InvoiceLedger) paymentTerms(ctx context.Context, clientID billing.ClientID) int {
	if l.policies != nil {
		if p, err := l.policies.GetActivePolicyForClient(ctx, clientID); err == nil && p != nil && p.PaymentTermsDays > 0 {
			return p.PaymentTermsDays
		}
	}
	return defaultPaymentTermsDays
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// ApplyPayment appends a payment and rederives status. Idempotent by
// external payment id. On transition to PAID the linked event follows;
// on the first partial payment the event flips to PARTIAL.
func (l *InvoiceLedger) ApplyPayment(ctx context.Context, id billing.InvoiceLinkID, payment Payment, source ChangeSource, actor string) (*InvoiceLink, error) {
	if !payment.Amount.IsPositive() {
		return nil, &billing.ValidationError{Field: "payment.amount", Message: "must be positive"}
	}

	mu := l.lock(string(id))
	defer mu.Unlock()

	link, err := l.store.GetLink(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, billing.ErrNotFound
	}
	if link.Status == InvoiceVoided {
		return nil, &billing.ValidationError{Field: "invoice", Message: "cannot pay a voided invoice"}
	}
	if payment.Amount.Currency != link.Amount.Currency {
		return nil, &billing.ValidationError{
			Field:   "payment.currency",
			Message: fmt.Sprintf("payment in %s against %s invoice (no FX)", payment.Amount.Currency, link.Amount.Currency),
		}
	}

	// Sync polls overlap; the same notice may arrive twice.
	if payment.ExternalPaymentID != "" {
		for _, p := range link.Payments {
			if p.ExternalPaymentID == payment.ExternalPaymentID {
				return link, nil
			}
		}
	}

	now := l.now()
	if payment.Date.IsZero() {
		payment.Date = now
	}

	link.Payments = append(link.Payments, payment)
	link.TotalPaid = link.TotalPaid.Add(payment.Amount)
	link.Balance = link.Amount.Sub(link.TotalPaid)
	if link.Balance.IsNegative() {
		link.Balance = link.Amount.Zero()
	}
	link.UpdatedAt = now

	before := link.Status
	switch {
	case !link.Balance.IsPositive():
		link.Status = InvoicePaid
		if link.PaidInFullDate == nil {
			d := billing.DateOnly(payment.Date)
			link.PaidInFullDate = &d
		}
	case link.TotalPaid.IsPositive():
		link.Status = InvoicePartial
	}
	if link.Status != before {
		link.appendHistory(link.Status, source, actor,
			fmt.Sprintf("payment %s applied", payment.Amount), now)
	}

	if err := l.store.UpdateLink(ctx, link); err != nil {
		return nil, err
	}

	l.propagateToEvent(ctx, link, before, actor)

	l.recordAudit(ctx, billing.AuditEntry{
		Actor:      actor,
		Action:     billing.AuditPaymentApplied,
		EntityType: "invoice_link",
		EntityID:   string(link.ID),
		Before:     string(before),
		After:      string(link.Status),
		Metadata: map[string]string{
			"payment_id": payment.ExternalPaymentID,
			"amount":     payment.Amount.String(),
			"source":     string(source),
		},
	})

	return link, nil
}

// propagateToEvent mirrors invoice payment state onto the event ledger.
// The event may already be ahead (e.g. a second partial payment); only
// legal transitions are attempted.
func (l *InvoiceLedger) propagateToEvent(ctx context.Context, link *InvoiceLink, before InvoiceStatus, actor string) {
	if link.Status == before {
		return
	}

	event, err := l.events.Get(ctx, link.EventID)
	if err != nil {
		l.logger.Warn("event lookup for payment propagation failed",
			zap.String("event_id", string(link.EventID)), zap.Error(err))
		return
	}

	var target billing.EventStatus
	switch link.Status {
	case InvoicePaid:
		target = billing.EventPaid
	case InvoicePartial:
		target = billing.EventPartial
	default:
		return
	}

	if !billing.CanTransition(event.Status, target) {
		return
	}

	var terr error
	if target == billing.EventPaid {
		_, terr = l.events.MarkPaid(ctx, link.EventID, actor)
	} else {
		_, terr = l.events.MarkPartial(ctx, link.EventID, actor)
	}
	if terr != nil {
		l.logger.Warn("event payment propagation failed",
			zap.String("event_id", string(link.EventID)),
			zap.String("target", string(target)),
			zap.Error(terr))
	}
}

// =============================================================================
// EXTERNAL SYNC OVERRIDE
// =============================================================================

// UpdateStatusFromExternalSync applies a status the external system
// reports that payment math cannot derive (e.g. voided). Always appends a
// sync-sourced history row, even when the status is unchanged - the sync
// observation itself is worth auditing.
func (l *InvoiceLedger) UpdateStatusFromExternalSync(ctx context.Context, id billing.InvoiceLinkID, status InvoiceStatus, reason string) (*InvoiceLink, error) {
	mu := l.lock(string(id))
	defer mu.Unlock()

	link, err := l.store.GetLink(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, billing.ErrNotFound
	}

	now := l.now()
	before := link.Status
	link.Status = status
	link.UpdatedAt = now
	link.appendHistory(status, SourceExternalSync, "sync", reason, now)

	if err := l.store.UpdateLink(ctx, link); err != nil {
		return nil, err
	}

	l.recordAudit(ctx, billing.AuditEntry{
		Actor:      "sync",
		Action:     billing.AuditExternalSync,
		EntityType: "invoice_link",
		EntityID:   string(link.ID),
		Before:     string(before),
		After:      string(status),
		Metadata:   map[string]string{"reason": reason},
	})

	return link, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *InvoiceLedger) Get(ctx context.Context, id billing.InvoiceLinkID) (*InvoiceLink, error) {
	link, err := l.store.GetLink(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, billing.ErrNotFound
	}
	return link, nil
}

func (l *InvoiceLedger) GetByEventID(ctx context.Context, eventID billing.EventID) (*InvoiceLink, error) {
	link, err := l.store.GetLinkByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, billing.ErrNotFound
	}
	return link, nil
}

// ListOverdue returns open links past their due date as of now.
func (l *InvoiceLedger) ListOverdue(ctx context.Context) ([]*InvoiceLink, error) {
	open, err := l.store.ListOpenLinks(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	var out []*InvoiceLink
	for _, link := range open {
		if link.IsOverdue(now) {
			out = append(out, link)
		}
	}
	return out, nil
}

func (l *InvoiceLedger) ListOpen(ctx context.Context) ([]*InvoiceLink, error) {
	return l.store.ListOpenLinks(ctx)
}

func (l *InvoiceLedger) ListAll(ctx context.Context) ([]*InvoiceLink, error) {
	return l.store.ListAllLinks(ctx)
}

// =============================================================================
// AUDIT
// =============================================================================

func (l *InvoiceLedger) recordAudit(ctx context.Context, entry billing.AuditEntry) {
	if l.audit == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = l.now()
	if err := l.audit.Append(ctx, entry); err != nil {
		l.logger.Warn("audit append failed",
			zap.String("action", string(entry.Action)),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
	}
}
