/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (billing.EventStore,
  billing.ClientStore, billing.PolicyProvider, billing.AuditLog,
  invoicing.InvoiceStore) using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

IDEMPOTENCY ENFORCEMENT:
  The events table carries a UNIQUE index on idempotency_key. The ledger
  holds an application-level lock across its check-then-insert, but the
  index is the cross-process backstop: two processes racing the same key
  cannot both insert, whatever the application layer believes. Constraint
  violations are mapped to billing.ErrDuplicateKey.

  invoice_links carries the same treatment on event_id: the 1:1
  event-to-invoice invariant holds at the storage layer, mapped to
  billing.ErrAlreadyInvoiced.

APPEND-ONLY HISTORY:
  Status history and payments are (parent_id, seq) keyed rows. Updates
  INSERT OR IGNORE new rows; persisted rows are never rewritten.

KEY TABLES:
  clients:              Billed organizations
  policies:             Versioned fee schedules (one active per client)
  events:               Billable events (the ledger)
  event_status_history: Append-only event transitions
  invoice_links:        1:1 event-to-external-invoice records
  link_status_history:  Append-only invoice status rows (source-tagged)
  payments:             Additive payment records
  audit_entries:        Who did what, when

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewEventLedger(store, store, calc, store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Clients
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_code ON clients(code);

	-- Fee policies (versioned; at most one active per client)
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_code TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger_rule TEXT NOT NULL,
		rules_json TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_terms_days INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_client ON policies(client_id);

	-- CRITICAL: at most one active policy per client
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_client_active
		ON policies(client_id) WHERE is_active;

	-- Billable events (the ledger)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_code TEXT NOT NULL,
		control_number TEXT NOT NULL,
		trigger_date TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		fee_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		policy_id TEXT,
		policy_version INTEGER DEFAULT 0,
		approved_at TEXT,
		approved_by TEXT,
		hold_reason TEXT,
		source_data_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: cross-process insert-if-absent backstop
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idempotency_key
		ON events(idempotency_key);

	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	CREATE INDEX IF NOT EXISTS idx_events_client ON events(client_id, created_at DESC);

	-- Event status history (append-only, per-event monotonic seq)
	CREATE TABLE IF NOT EXISTS event_status_history (
		event_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (event_id, seq)
	);

	-- Invoice links (1:1 with events)
	CREATE TABLE IF NOT EXISTS invoice_links (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		external_invoice_id TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		invoice_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		total_paid TEXT NOT NULL,
		balance TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_in_full_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one invoice per event
	CREATE UNIQUE INDEX IF NOT EXISTS idx_links_event_id
		ON invoice_links(event_id);

	CREATE INDEX IF NOT EXISTS idx_links_status ON invoice_links(status);
	CREATE INDEX IF NOT EXISTS idx_links_external ON invoice_links(external_invoice_id);

	-- Invoice status history (append-only, source-tagged)
	CREATE TABLE IF NOT EXISTS link_status_history (
		link_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (link_id, seq)
	);

	-- Payments (additive, position-keyed)
	CREATE TABLE IF NOT EXISTS payments (
		link_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		external_payment_id TEXT,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		PRIMARY KEY (link_id, seq)
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_status TEXT,
		after_status TEXT,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (billing.EventStore interface)
// =============================================================================

// InsertEvent persists a new event. The unique index on idempotency_key
// makes this an atomic insert-if-absent.
func (s *Store) InsertEvent(ctx context.Context, e *billing.BillableEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sourceJSON, _ := json.Marshal(e.SourceData)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events
		(id, idempotency_key, client_id, client_code, control_number, trigger_date,
		 trigger_type, fee_type, amount, currency, status, policy_id, policy_version,
		 approved_at, approved_by, hold_reason, source_data_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.IdempotencyKey, e.ClientID, e.ClientCode, e.ControlNumber,
		e.TriggerDate.Format(time.RFC3339),
		e.TriggerType, e.FeeType,
		e.Amount.Amount.String(), e.Amount.Currency,
		e.Status, nullString(string(e.PolicyID)), e.PolicyVersion,
		nullTime(e.ApprovedAt), nullString(e.ApprovedBy), nullString(e.HoldReason),
		string(sourceJSON),
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := insertEventHistory(ctx, tx, e); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateEvent persists status fields and newly appended history rows in
// one transaction. Already-persisted history rows are never rewritten.
func (s *Store) UpdateEvent(ctx context.Context, e *billing.BillableEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE events SET
			status = ?, approved_at = ?, approved_by = ?, hold_reason = ?, updated_at = ?
		WHERE id = ?
	`,
		e.Status, nullTime(e.ApprovedAt), nullString(e.ApprovedBy),
		nullString(e.HoldReason), e.UpdatedAt.Format(time.RFC3339), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	if err := insertEventHistory(ctx, tx, e); err != nil {
		return err
	}

	return tx.Commit()
}

func insertEventHistory(ctx context.Context, tx *sql.Tx, e *billing.BillableEvent) error {
	for _, h := range e.StatusHistory {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_status_history
			(event_id, seq, status, actor, reason, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.ID, h.Seq, h.Status, h.Actor, h.Reason, h.Timestamp.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert status history: %w", err)
		}
	}
	return nil
}

// FindByIdempotencyKey returns the event holding the key, or nil.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*billing.BillableEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneEvent(ctx, "WHERE idempotency_key = ?", key)
}

// GetEvent returns an event with its full status history, or nil.
func (s *Store) GetEvent(ctx context.Context, id billing.EventID) (*billing.BillableEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneEvent(ctx, "WHERE id = ?", id)
}

// ListEventsByStatus returns events in a status, oldest first.
func (s *Store) ListEventsByStatus(ctx context.Context, status billing.EventStatus) ([]*billing.BillableEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEvents(ctx, "WHERE status = ? ORDER BY created_at ASC", status)
}

// ListEventsByClient returns a client's events, newest first.
func (s *Store) ListEventsByClient(ctx context.Context, clientID billing.ClientID) ([]*billing.BillableEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEvents(ctx, "WHERE client_id = ? ORDER BY created_at DESC", clientID)
}

const eventColumns = `
	id, idempotency_key, client_id, client_code, control_number, trigger_date,
	trigger_type, fee_type, amount, currency, status, policy_id, policy_version,
	approved_at, approved_by, hold_reason, source_data_json, created_at, updated_at
`

func (s *Store) queryOneEvent(ctx context.Context, where string, args ...any) (*billing.BillableEvent, error) {
	events, err := s.queryEvents(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

func (s *Store) queryEvents(ctx context.Context, where string, args ...any) ([]*billing.BillableEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*billing.BillableEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range events {
		if err := s.loadEventHistory(ctx, e); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*billing.BillableEvent, error) {
	var (
		e                                 billing.BillableEvent
		triggerDate, createdAt, updatedAt string
		amount, currency                  string
		policyID, approvedAt              sql.NullString
		approvedBy, holdReason            sql.NullString
		sourceJSON                        sql.NullString
	)

	err := rows.Scan(
		&e.ID, &e.IdempotencyKey, &e.ClientID, &e.ClientCode, &e.ControlNumber,
		&triggerDate, &e.TriggerType, &e.FeeType, &amount, &currency, &e.Status,
		&policyID, &e.PolicyVersion, &approvedAt, &approvedBy, &holdReason,
		&sourceJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	e.TriggerDate, _ = time.Parse(time.RFC3339, triggerDate)
	e.Amount = billing.Money{Amount: billing.MustParseDecimal(amount), Currency: currency}
	e.PolicyID = billing.PolicyID(policyID.String)
	e.ApprovedBy = approvedBy.String
	e.HoldReason = holdReason.String
	if approvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, approvedAt.String)
		e.ApprovedAt = &t
	}
	if sourceJSON.Valid && sourceJSON.String != "" {
		json.Unmarshal([]byte(sourceJSON.String), &e.SourceData)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &e, nil
}

func (s *Store) loadEventHistory(ctx context.Context, e *billing.BillableEvent) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, status, actor, reason, timestamp
		FROM event_status_history WHERE event_id = ? ORDER BY seq ASC
	`, e.ID)
	if err != nil {
		return fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	e.StatusHistory = nil
	for rows.Next() {
		var (
			h      billing.StatusChange
			reason sql.NullString
			ts     string
		)
		if err := rows.Scan(&h.Seq, &h.Status, &h.Actor, &reason, &ts); err != nil {
			return fmt.Errorf("failed to scan status history: %w", err)
		}
		h.Reason = reason.String
		h.Timestamp, _ = time.Parse(time.RFC3339, ts)
		e.StatusHistory = append(e.StatusHistory, h)
	}
	return rows.Err()
}

// =============================================================================
// CLIENT STORE (billing.ClientStore interface)
// =============================================================================

// SaveClient upserts a client.
func (s *Store) SaveClient(ctx context.Context, c billing.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, code, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name
	`, c.ID, c.Code, c.Name, createdAt.Format(time.RFC3339))
	if err != nil && isUniqueConstraintError(err) {
		return &billing.ValidationError{Field: "code", Message: "client code already in use"}
	}
	return err
}

// GetClient retrieves a client by ID, or nil.
func (s *Store) GetClient(ctx context.Context, id billing.ClientID) (*billing.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneClient(ctx, "WHERE id = ?", id)
}

// GetClientByCode retrieves a client by code, or nil.
func (s *Store) GetClientByCode(ctx context.Context, code string) (*billing.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneClient(ctx, "WHERE code = ?", code)
}

func (s *Store) queryOneClient(ctx context.Context, where string, args ...any) (*billing.Client, error) {
	var (
		c         billing.Client
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, code, name, created_at FROM clients "+where, args...,
	).Scan(&c.ID, &c.Code, &c.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

// ListClients returns all clients ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]billing.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, code, name, created_at FROM clients ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []billing.Client
	for rows.Next() {
		var (
			c         billing.Client
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.Code, &c.Name, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// =============================================================================
// POLICY STORE (billing.PolicyProvider + versioned persistence)
// =============================================================================

// SavePolicy activates a new policy version for its client. Any existing
// active policy for the client is deactivated first; the new row gets
// the next version number. The rules themselves are stored as JSON.
func (s *Store) SavePolicy(ctx context.Context, p *billing.FeePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MAX(version) FROM policies WHERE client_id = ?", p.ClientID,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read policy version: %w", err)
	}
	p.Version = int(maxVersion.Int64) + 1

	if _, err := tx.ExecContext(ctx,
		"UPDATE policies SET is_active = FALSE WHERE client_id = ? AND is_active", p.ClientID,
	); err != nil {
		return fmt.Errorf("failed to deactivate previous policy: %w", err)
	}

	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode policy rules: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.IsActive = true

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies
		(id, client_id, client_code, name, trigger_rule, rules_json, currency,
		 payment_terms_days, is_active, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?)
	`,
		p.ID, p.ClientID, p.ClientCode, p.Name, p.TriggerRule,
		string(rulesJSON), p.Currency, p.PaymentTermsDays, p.Version,
		p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}

	return tx.Commit()
}

// GetActivePolicyForClient returns the client's active policy, or nil.
func (s *Store) GetActivePolicyForClient(ctx context.Context, clientID billing.ClientID) (*billing.FeePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOnePolicy(ctx, "WHERE client_id = ? AND is_active", clientID)
}

// GetPolicy retrieves a policy by ID (any version), or nil.
func (s *Store) GetPolicy(ctx context.Context, id billing.PolicyID) (*billing.FeePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOnePolicy(ctx, "WHERE id = ?", id)
}

// ListPolicies returns all policy versions for a client, newest first.
func (s *Store) ListPolicies(ctx context.Context, clientID billing.ClientID) ([]*billing.FeePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPolicies(ctx, "WHERE client_id = ? ORDER BY version DESC", clientID)
}

const policyColumns = `
	id, client_id, client_code, name, trigger_rule, rules_json, currency,
	payment_terms_days, is_active, version, created_at
`

func (s *Store) queryOnePolicy(ctx context.Context, where string, args ...any) (*billing.FeePolicy, error) {
	policies, err := s.queryPolicies(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, nil
	}
	return policies[0], nil
}

func (s *Store) queryPolicies(ctx context.Context, where string, args ...any) ([]*billing.FeePolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM policies "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*billing.FeePolicy
	for rows.Next() {
		var (
			p         billing.FeePolicy
			rulesJSON string
			createdAt string
		)
		if err := rows.Scan(
			&p.ID, &p.ClientID, &p.ClientCode, &p.Name, &p.TriggerRule,
			&rulesJSON, &p.Currency, &p.PaymentTermsDays, &p.IsActive,
			&p.Version, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
			return nil, fmt.Errorf("failed to decode policy rules: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// =============================================================================
// INVOICE STORE (invoicing.InvoiceStore interface)
// =============================================================================

// InsertLink persists a new invoice link. The unique index on event_id
// enforces the 1:1 event-to-invoice invariant.
func (s *Store) InsertLink(ctx context.Context, link *invoicing.InvoiceLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoice_links
		(id, event_id, idempotency_key, external_invoice_id, invoice_number,
		 invoice_date, due_date, amount, currency, total_paid, balance, status,
		 paid_in_full_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		link.ID, link.EventID, link.IdempotencyKey, link.ExternalInvoiceID,
		link.InvoiceNumber,
		link.InvoiceDate.Format(time.RFC3339), link.DueDate.Format(time.RFC3339),
		link.Amount.Amount.String(), link.Amount.Currency,
		link.TotalPaid.Amount.String(), link.Balance.Amount.String(),
		link.Status, nullTime(link.PaidInFullDate),
		link.CreatedAt.Format(time.RFC3339), link.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrAlreadyInvoiced
		}
		return fmt.Errorf("failed to insert invoice link: %w", err)
	}

	if err := insertLinkChildren(ctx, tx, link); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateLink persists payment/status fields and new history rows in one
// transaction. Persisted history and payments are never rewritten.
func (s *Store) UpdateLink(ctx context.Context, link *invoicing.InvoiceLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE invoice_links SET
			total_paid = ?, balance = ?, status = ?, paid_in_full_date = ?, updated_at = ?
		WHERE id = ?
	`,
		link.TotalPaid.Amount.String(), link.Balance.Amount.String(),
		link.Status, nullTime(link.PaidInFullDate),
		link.UpdatedAt.Format(time.RFC3339), link.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice link: %w", err)
	}

	if err := insertLinkChildren(ctx, tx, link); err != nil {
		return err
	}

	return tx.Commit()
}

func insertLinkChildren(ctx context.Context, tx *sql.Tx, link *invoicing.InvoiceLink) error {
	for _, h := range link.StatusHistory {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO link_status_history
			(link_id, seq, status, source, actor, reason, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, link.ID, h.Seq, h.Status, h.Source, h.Actor, h.Reason, h.Timestamp.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert link history: %w", err)
		}
	}
	for i, p := range link.Payments {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO payments
			(link_id, seq, external_payment_id, date, amount, currency)
			VALUES (?, ?, ?, ?, ?, ?)
		`, link.ID, i+1, nullString(p.ExternalPaymentID),
			p.Date.Format(time.RFC3339), p.Amount.Amount.String(), p.Amount.Currency)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}
	}
	return nil
}

// GetLink returns a link with history and payments, or nil.
func (s *Store) GetLink(ctx context.Context, id billing.InvoiceLinkID) (*invoicing.InvoiceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneLink(ctx, "WHERE id = ?", id)
}

// GetLinkByEventID returns the link for an event, or nil.
func (s *Store) GetLinkByEventID(ctx context.Context, eventID billing.EventID) (*invoicing.InvoiceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneLink(ctx, "WHERE event_id = ?", eventID)
}

// ListLinksByStatus returns links in a status, oldest first.
func (s *Store) ListLinksByStatus(ctx context.Context, status invoicing.InvoiceStatus) ([]*invoicing.InvoiceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLinks(ctx, "WHERE status = ? ORDER BY created_at ASC", status)
}

// ListOpenLinks returns links with a positive balance, oldest due first.
func (s *Store) ListOpenLinks(ctx context.Context) ([]*invoicing.InvoiceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLinks(ctx,
		"WHERE status IN (?, ?) ORDER BY due_date ASC",
		invoicing.InvoicePending, invoicing.InvoicePartial)
}

// ListAllLinks returns every link, oldest first.
func (s *Store) ListAllLinks(ctx context.Context) ([]*invoicing.InvoiceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLinks(ctx, "ORDER BY created_at ASC")
}

const linkColumns = `
	id, event_id, idempotency_key, external_invoice_id, invoice_number,
	invoice_date, due_date, amount, currency, total_paid, balance, status,
	paid_in_full_date, created_at, updated_at
`

func (s *Store) queryOneLink(ctx context.Context, where string, args ...any) (*invoicing.InvoiceLink, error) {
	links, err := s.queryLinks(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}
	return links[0], nil
}

func (s *Store) queryLinks(ctx context.Context, where string, args ...any) ([]*invoicing.InvoiceLink, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+linkColumns+" FROM invoice_links "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice links: %w", err)
	}
	defer rows.Close()

	var links []*invoicing.InvoiceLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, link := range links {
		if err := s.loadLinkChildren(ctx, link); err != nil {
			return nil, err
		}
	}
	return links, nil
}

func scanLink(rows *sql.Rows) (*invoicing.InvoiceLink, error) {
	var (
		link                                       invoicing.InvoiceLink
		invoiceDate, dueDate, createdAt, updatedAt string
		amount, currency, totalPaid, balance       string
		paidInFull                                 sql.NullString
	)

	err := rows.Scan(
		&link.ID, &link.EventID, &link.IdempotencyKey, &link.ExternalInvoiceID,
		&link.InvoiceNumber, &invoiceDate, &dueDate,
		&amount, &currency, &totalPaid, &balance, &link.Status,
		&paidInFull, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice link: %w", err)
	}

	link.InvoiceDate, _ = time.Parse(time.RFC3339, invoiceDate)
	link.DueDate, _ = time.Parse(time.RFC3339, dueDate)
	link.Amount = billing.Money{Amount: billing.MustParseDecimal(amount), Currency: currency}
	link.TotalPaid = billing.Money{Amount: billing.MustParseDecimal(totalPaid), Currency: currency}
	link.Balance = billing.Money{Amount: billing.MustParseDecimal(balance), Currency: currency}
	if paidInFull.Valid {
		t, _ := time.Parse(time.RFC3339, paidInFull.String)
		link.PaidInFullDate = &t
	}
	link.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	link.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &link, nil
}

func (s *Store) loadLinkChildren(ctx context.Context, link *invoicing.InvoiceLink) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, status, source, actor, reason, timestamp
		FROM link_status_history WHERE link_id = ? ORDER BY seq ASC
	`, link.ID)
	if err != nil {
		return fmt.Errorf("failed to query link history: %w", err)
	}
	defer rows.Close()

	link.StatusHistory = nil
	for rows.Next() {
		var (
			h      invoicing.StatusChange
			reason sql.NullString
			ts     string
		)
		if err := rows.Scan(&h.Seq, &h.Status, &h.Source, &h.Actor, &reason, &ts); err != nil {
			return fmt.Errorf("failed to scan link history: %w", err)
		}
		h.Reason = reason.String
		h.Timestamp, _ = time.Parse(time.RFC3339, ts)
		link.StatusHistory = append(link.StatusHistory, h)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT external_payment_id, date, amount, currency
		FROM payments WHERE link_id = ? ORDER BY seq ASC
	`, link.ID)
	if err != nil {
		return fmt.Errorf("failed to query payments: %w", err)
	}
	defer prows.Close()

	link.Payments = nil
	for prows.Next() {
		var (
			p                invoicing.Payment
			extID            sql.NullString
			date             string
			amount, currency string
		)
		if err := prows.Scan(&extID, &date, &amount, &currency); err != nil {
			return fmt.Errorf("failed to scan payment: %w", err)
		}
		p.ExternalPaymentID = extID.String
		p.Date, _ = time.Parse(time.RFC3339, date)
		p.Amount = billing.Money{Amount: billing.MustParseDecimal(amount), Currency: currency}
		link.Payments = append(link.Payments, p)
	}
	return prows.Err()
}

// =============================================================================
// AUDIT LOG (billing.AuditLog interface)
// =============================================================================

// Append stores one audit entry. Append-only; there is no update path.
func (s *Store) Append(ctx context.Context, entry billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(entry.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		(id, timestamp, actor, action, entity_type, entity_id,
		 before_status, after_status, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.Timestamp.Format(time.RFC3339), entry.Actor, entry.Action,
		entry.EntityType, entry.EntityID,
		nullString(entry.Before), nullString(entry.After), string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []any
	)
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, filter.Actor)
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		conds = append(conds, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.From.Format(time.RFC3339))
	}
	if filter.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.To.Format(time.RFC3339))
	}

	query := `
		SELECT id, timestamp, actor, action, entity_type, entity_id,
		       before_status, after_status, metadata_json
		FROM audit_entries
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var (
			e             billing.AuditEntry
			ts            string
			before, after sql.NullString
			metadataJSON  sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &ts, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&before, &after, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		e.Before = before.String
		e.After = after.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
