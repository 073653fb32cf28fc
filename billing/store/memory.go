// Package store provides in-memory implementations of the billing
// persistence interfaces, for tests and local development.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
)

// =============================================================================
// MEMORY STORE - Events, invoice links, clients, audit in one struct
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	events   map[billing.EventID]*billing.BillableEvent
	byKey    map[string]billing.EventID
	links    map[billing.InvoiceLinkID]*invoicing.InvoiceLink
	byEvent  map[billing.EventID]billing.InvoiceLinkID
	clients  map[billing.ClientID]billing.Client
	byCode   map[string]billing.ClientID
	audit    []billing.AuditEntry
	policies map[billing.ClientID]*billing.FeePolicy

	policyVersions map[billing.ClientID][]*billing.FeePolicy
}

func NewMemory() *Memory {
	return &Memory{
		events:   make(map[billing.EventID]*billing.BillableEvent),
		byKey:    make(map[string]billing.EventID),
		links:    make(map[billing.InvoiceLinkID]*invoicing.InvoiceLink),
		byEvent:  make(map[billing.EventID]billing.InvoiceLinkID),
		clients:  make(map[billing.ClientID]billing.Client),
		byCode:   make(map[string]billing.ClientID),
		policies: make(map[billing.ClientID]*billing.FeePolicy),

		policyVersions: make(map[billing.ClientID][]*billing.FeePolicy),
	}
}

// =============================================================================
// EVENT STORE (billing.EventStore)
// =============================================================================

// InsertEvent is the atomic insert-if-absent: the key check and the write
// happen under one lock.
func (m *Memory) InsertEvent(_ context.Context, e *billing.BillableEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[e.IdempotencyKey]; exists {
		return billing.ErrDuplicateKey
	}
	cp := copyEvent(e)
	m.events[e.ID] = cp
	m.byKey[e.IdempotencyKey] = e.ID
	return nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*billing.BillableEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	return copyEvent(m.events[id]), nil
}

func (m *Memory) GetEvent(_ context.Context, id billing.EventID) (*billing.BillableEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	return copyEvent(e), nil
}

func (m *Memory) UpdateEvent(_ context.Context, e *billing.BillableEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[e.ID]; !ok {
		return billing.ErrNotFound
	}
	m.events[e.ID] = copyEvent(e)
	return nil
}

func (m *Memory) ListEventsByStatus(_ context.Context, status billing.EventStatus) ([]*billing.BillableEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*billing.BillableEvent
	for _, e := range m.events {
		if e.Status == status {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListEventsByClient(_ context.Context, clientID billing.ClientID) ([]*billing.BillableEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*billing.BillableEvent
	for _, e := range m.events {
		if e.ClientID == clientID {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyEvent(e *billing.BillableEvent) *billing.BillableEvent {
	cp := *e
	cp.StatusHistory = append([]billing.StatusChange(nil), e.StatusHistory...)
	if e.SourceData != nil {
		cp.SourceData = make(map[string]string, len(e.SourceData))
		for k, v := range e.SourceData {
			cp.SourceData[k] = v
		}
	}
	return &cp
}

// =============================================================================
// INVOICE STORE (invoicing.InvoiceStore)
// =============================================================================

// InsertLink enforces the 1:1 event-to-invoice invariant under the lock.
func (m *Memory) InsertLink(_ context.Context, link *invoicing.InvoiceLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEvent[link.EventID]; exists {
		return billing.ErrAlreadyInvoiced
	}
	m.links[link.ID] = copyLink(link)
	m.byEvent[link.EventID] = link.ID
	return nil
}

func (m *Memory) GetLink(_ context.Context, id billing.InvoiceLinkID) (*invoicing.InvoiceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.links[id]
	if !ok {
		return nil, nil
	}
	return copyLink(link), nil
}

func (m *Memory) GetLinkByEventID(_ context.Context, eventID billing.EventID) (*invoicing.InvoiceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEvent[eventID]
	if !ok {
		return nil, nil
	}
	return copyLink(m.links[id]), nil
}

func (m *Memory) UpdateLink(_ context.Context, link *invoicing.InvoiceLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[link.ID]; !ok {
		return billing.ErrNotFound
	}
	m.links[link.ID] = copyLink(link)
	return nil
}

func (m *Memory) ListLinksByStatus(_ context.Context, status invoicing.InvoiceStatus) ([]*invoicing.InvoiceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*invoicing.InvoiceLink
	for _, link := range m.links {
		if link.Status == status {
			out = append(out, copyLink(link))
		}
	}
	sortLinks(out)
	return out, nil
}

func (m *Memory) ListOpenLinks(_ context.Context) ([]*invoicing.InvoiceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*invoicing.InvoiceLink
	for _, link := range m.links {
		if link.Balance.IsPositive() && link.Status != invoicing.InvoiceVoided {
			out = append(out, copyLink(link))
		}
	}
	sortLinks(out)
	return out, nil
}

func (m *Memory) ListAllLinks(_ context.Context) ([]*invoicing.InvoiceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*invoicing.InvoiceLink, 0, len(m.links))
	for _, link := range m.links {
		out = append(out, copyLink(link))
	}
	sortLinks(out)
	return out, nil
}

func sortLinks(links []*invoicing.InvoiceLink) {
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
}

func copyLink(link *invoicing.InvoiceLink) *invoicing.InvoiceLink {
	cp := *link
	cp.Payments = append([]invoicing.Payment(nil), link.Payments...)
	cp.StatusHistory = append([]invoicing.StatusChange(nil), link.StatusHistory...)
	return &cp
}

// =============================================================================
// CLIENT STORE (billing.ClientStore)
// =============================================================================

func (m *Memory) SaveClient(_ context.Context, c billing.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[c.ID] = c
	m.byCode[c.Code] = c.ID
	return nil
}

func (m *Memory) GetClient(_ context.Context, id billing.ClientID) (*billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) GetClientByCode(_ context.Context, code string) (*billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, nil
	}
	c := m.clients[id]
	return &c, nil
}

func (m *Memory) ListClients(_ context.Context) ([]billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]billing.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// =============================================================================
// POLICY PROVIDER (billing.PolicyProvider)
// =============================================================================

// SetPolicy installs the active policy for a client (test fixture helper).
func (m *Memory) SetPolicy(clientID billing.ClientID, p *billing.FeePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[clientID] = p
}

// SavePolicy activates a new policy version for its client, retiring any
// previous active version. Mirrors the SQLite store's versioning.
func (m *Memory) SavePolicy(_ context.Context, p *billing.FeePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := 0
	for _, old := range m.policyVersions[p.ClientID] {
		if old.Version > version {
			version = old.Version
		}
		old.IsActive = false
	}
	p.Version = version + 1
	p.IsActive = true
	m.policyVersions[p.ClientID] = append(m.policyVersions[p.ClientID], p)
	m.policies[p.ClientID] = p
	return nil
}

func (m *Memory) GetActivePolicyForClient(_ context.Context, clientID billing.ClientID) (*billing.FeePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policies[clientID], nil
}

// ListPolicies returns a client's policy versions, newest first.
func (m *Memory) ListPolicies(_ context.Context, clientID billing.ClientID) ([]*billing.FeePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.policyVersions[clientID]
	out := make([]*billing.FeePolicy, len(versions))
	for i, p := range versions {
		out[len(versions)-1-i] = p
	}
	return out, nil
}

// =============================================================================
// AUDIT LOG (billing.AuditLog)
// =============================================================================

func (m *Memory) Append(_ context.Context, entry billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []billing.AuditEntry
	for _, e := range m.audit {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		if filter.From != nil && e.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.Timestamp.After(*filter.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func containsAction(actions []billing.AuditAction, a billing.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
