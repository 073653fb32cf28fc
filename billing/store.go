/*
store.go - Persistence interfaces for the event ledger

PURPOSE:
  Defines the contract between the ledger and whatever persists it.
  Implementations: store/sqlite (production) and billing/store (memory,
  for tests and dev).

INSERT-IF-ABSENT CONTRACT:
  InsertEvent MUST fail with ErrDuplicateKey when an event with the same
  idempotency key already exists, atomically with respect to concurrent
  inserters. In SQLite this is a unique index; in memory it is a map
  insert under one mutex. A read-then-write without that guarantee is a
  race and is not an acceptable implementation.

UPDATE CONTRACT:
  UpdateEvent persists the mutable status fields and any history rows
  appended since load, in a single atomic write. History rows already
  persisted are never rewritten.

SEE ALSO:
  - billing/store/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// EVENT STORE
// =============================================================================

type EventStore interface {
	// InsertEvent persists a new event. Fails with ErrDuplicateKey if the
	// idempotency key is already present. Atomic insert-if-absent.
	InsertEvent(ctx context.Context, e *BillableEvent) error

	// FindByIdempotencyKey returns the event holding the key, or nil.
	FindByIdempotencyKey(ctx context.Context, key string) (*BillableEvent, error)

	// GetEvent returns an event with its full status history, or nil.
	GetEvent(ctx context.Context, id EventID) (*BillableEvent, error)

	// UpdateEvent persists status fields and newly appended history rows.
	UpdateEvent(ctx context.Context, e *BillableEvent) error

	// ListEventsByStatus returns events in a status, oldest first.
	ListEventsByStatus(ctx context.Context, status EventStatus) ([]*BillableEvent, error)

	// ListEventsByClient returns a client's events, newest first.
	ListEventsByClient(ctx context.Context, clientID ClientID) ([]*BillableEvent, error)
}

// ClientStore persists the billed organizations.
type ClientStore interface {
	SaveClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id ClientID) (*Client, error)
	GetClientByCode(ctx context.Context, code string) (*Client, error)
	ListClients(ctx context.Context) ([]Client, error)
}

// =============================================================================
// AUDIT LOG - Append-only, fire-and-forget from the ledger's perspective
// =============================================================================

type AuditAction string

const (
	AuditEventCreated    AuditAction = "event_created"
	AuditEventApproved   AuditAction = "event_approved"
	AuditEventHeld       AuditAction = "event_held"
	AuditEventCancelled  AuditAction = "event_cancelled"
	AuditEventInvoiced   AuditAction = "event_invoiced"
	AuditEventPaid       AuditAction = "event_paid"
	AuditInvoiceCreated  AuditAction = "invoice_created"
	AuditPaymentApplied  AuditAction = "payment_applied"
	AuditExternalSync    AuditAction = "external_sync"
	AuditPolicyChanged   AuditAction = "policy_changed"
)

// AuditEntry records who did what to which entity. Append-only.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	Actor      string
	Action     AuditAction
	EntityType string // "event", "invoice_link", "policy"
	EntityID   string
	Before     string // status before, when applicable
	After      string
	Metadata   map[string]string
}

// AuditLog stores audit entries. Failures here must never fail the
// primary operation; callers log and continue.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Actor      string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
}
