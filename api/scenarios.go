/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario creates clients, fee
	policies, billable events, and invoices that demonstrate specific
	features.

AVAILABLE SCENARIOS:

	onboarding:        New client with a contingency policy and fresh triggers
	approval-queue:    Events across PENDING / HOLD / APPROVED
	payment-lifecycle: Invoiced events with partial and full payments
	collections:       Overdue invoices across every aging bucket

HOW SCENARIOS WORK:
 1. Register clients and install fee policies
 2. Record billable events (the ledger derives amounts from policy)
 3. Approve / hold / invoice / pay as the scenario requires

RELOADING:
  Loading the same scenario twice is safe: event creation is idempotent
  by key, so repeated triggers surface as duplicates and nothing is
  double-billed. This is itself a demo of the engine's core guarantee.

NOTE:

	The collections scenario rewinds the ledgers' clocks to fabricate
	invoices that are already overdue. Only use scenarios in
	development/demo environments, never against live traffic.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/policy.go: Policy JSON presets
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "onboarding",
		Name:        "Client Onboarding",
		Description: "New client, contingency policy, first placement triggers",
	},
	{
		ID:          "approval-queue",
		Name:        "Approval Queue",
		Description: "Events waiting on approval, one disputed hold, one cancellation",
	},
	{
		ID:          "payment-lifecycle",
		Name:        "Payment Lifecycle",
		Description: "Invoiced events with partial and full payments applied",
	},
	{
		ID:          "collections",
		Name:        "Collections",
		Description: "Overdue invoices spread across every aging bucket",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	var err error
	switch req.ID {
	case "onboarding":
		err = h.loadOnboardingScenario(ctx)
	case "approval-queue":
		err = h.loadApprovalQueueScenario(ctx)
	case "payment-lifecycle":
		err = h.loadPaymentLifecycleScenario(ctx)
	case "collections":
		err = h.loadCollectionsScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const scenarioActor = "demo"

func (h *Handler) seedClient(ctx context.Context, id, code, name string) (*billing.FeePolicy, error) {
	if err := h.Clients.SaveClient(ctx, billing.Client{
		ID:        billing.ClientID(id),
		Code:      code,
		Name:      name,
		CreatedAt: h.now(),
	}); err != nil {
		return nil, err
	}

	// Reuse the existing active policy on reload so versions don't pile up.
	if existing, err := h.Policies.GetActivePolicyForClient(ctx, billing.ClientID(id)); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	policy, err := h.Factory.ParsePolicy(
		h.Factory.StandardContingencyJSON(id+"-fees", id, code, "15"))
	if err != nil {
		return nil, err
	}
	if err := h.Policies.SavePolicy(ctx, policy); err != nil {
		return nil, err
	}
	return policy, nil
}

func (h *Handler) seedEvent(ctx context.Context, policy *billing.FeePolicy, control string, daysAgo int, feeType billing.FeeType, salary string) (*billing.BillableEvent, error) {
	input := billing.CreateInput{
		ClientID:      policy.ClientID,
		ClientCode:    policy.ClientCode,
		ControlNumber: control,
		TriggerDate:   h.now().AddDate(0, 0, -daysAgo),
		TriggerType:   billing.TriggerStartDate,
		FeeType:       feeType,
		Actor:         scenarioActor,
		SourceData:    map[string]string{"candidate": "Demo Candidate " + control},
	}
	if salary != "" {
		base := billing.MustParseDecimal(salary)
		input.BaseAmount = &base
	}

	event, err := h.Events.Create(ctx, policy, input)
	if err != nil {
		var dup *billing.DuplicateKeyError
		if errors.As(err, &dup) {
			// Scenario reload; return the existing event.
			return h.Events.Get(ctx, dup.ExistingEventID)
		}
		return nil, err
	}
	return event, nil
}

// onboarding: a brand-new client with fresh pending triggers.
func (h *Handler) loadOnboardingScenario(ctx context.Context) error {
	policy, err := h.seedClient(ctx, "client-acme", "ACME", "Acme Staffing Partners")
	if err != nil {
		return err
	}

	if _, err := h.seedEvent(ctx, policy, "PL-1001", 2, billing.FeePlacement, "95000"); err != nil {
		return err
	}
	if _, err := h.seedEvent(ctx, policy, "PL-1002", 1, billing.FeePlacement, "120000"); err != nil {
		return err
	}
	_, err = h.seedEvent(ctx, policy, "RT-1001", 0, billing.FeeRetainer, "")
	return err
}

// approval-queue: events in every pre-invoice state.
func (h *Handler) loadApprovalQueueScenario(ctx context.Context) error {
	policy, err := h.seedClient(ctx, "client-globex", "GLOBEX", "Globex Recruiting")
	if err != nil {
		return err
	}

	// Approved and ready to invoice.
	approved, err := h.seedEvent(ctx, policy, "PL-2001", 5, billing.FeePlacement, "88000")
	if err != nil {
		return err
	}
	if approved.Status == billing.EventPending {
		if _, err := h.Events.Approve(ctx, approved.ID, scenarioActor, "verified with client"); err != nil {
			return err
		}
	}

	// Held pending a dispute.
	held, err := h.seedEvent(ctx, policy, "PL-2002", 4, billing.FeePlacement, "72000")
	if err != nil {
		return err
	}
	if held.Status == billing.EventPending {
		if _, err := h.Events.Hold(ctx, held.ID, scenarioActor, "client disputes start date"); err != nil {
			return err
		}
	}

	// Cancelled: the candidate never started.
	cancelled, err := h.seedEvent(ctx, policy, "PL-2003", 3, billing.FeePlacement, "65000")
	if err != nil {
		return err
	}
	if cancelled.Status == billing.EventPending {
		if _, err := h.Events.Cancel(ctx, cancelled.ID, scenarioActor, "candidate withdrew before start"); err != nil {
			return err
		}
	}

	// And one still waiting.
	_, err = h.seedEvent(ctx, policy, "PL-2004", 1, billing.FeePlacement, "110000")
	return err
}

// payment-lifecycle: invoiced events with payments in flight.
func (h *Handler) loadPaymentLifecycleScenario(ctx context.Context) error {
	policy, err := h.seedClient(ctx, "client-initech", "INITECH", "Initech Talent")
	if err != nil {
		return err
	}

	// Fully paid invoice.
	paid, err := h.invoiceSeededEvent(ctx, policy, "PL-3001", 30, "100000")
	if err != nil {
		return err
	}
	if paid != nil && paid.Balance.IsPositive() {
		if _, err := h.Invoices.ApplyPayment(ctx, paid.ID, invoicing.Payment{
			ExternalPaymentID: "demo-pay-3001",
			Amount:            paid.Amount,
		}, invoicing.SourcePortal, scenarioActor); err != nil {
			return err
		}
	}

	// Partially paid invoice.
	partial, err := h.invoiceSeededEvent(ctx, policy, "PL-3002", 20, "90000")
	if err != nil {
		return err
	}
	if partial != nil && partial.TotalPaid.IsZero() {
		half := billing.Money{
			Amount:   partial.Amount.Amount.Div(decimal.NewFromInt(2)).Round(2),
			Currency: partial.Amount.Currency,
		}
		if _, err := h.Invoices.ApplyPayment(ctx, partial.ID, invoicing.Payment{
			ExternalPaymentID: "demo-pay-3002",
			Amount:            half,
		}, invoicing.SourcePortal, scenarioActor); err != nil {
			return err
		}
	}

	// Unpaid invoice.
	_, err = h.invoiceSeededEvent(ctx, policy, "PL-3003", 10, "85000")
	return err
}

// collections: invoices already overdue in each aging bucket. The ledger
// clocks are rewound per invoice so due dates land in the past; demo use
// only.
func (h *Handler) loadCollectionsScenario(ctx context.Context) error {
	policy, err := h.seedClient(ctx, "client-vandelay", "VANDELAY", "Vandelay Industries")
	if err != nil {
		return err
	}

	// daysOverdue targets one invoice per aging bucket.
	for i, daysOverdue := range []int{10, 45, 75, 120} {
		control := fmt.Sprintf("PL-4%03d", i+1)
		backdate := daysOverdue + policy.PaymentTermsDays

		restore := h.rewindClocks(backdate)
		_, err := h.invoiceSeededEvent(ctx, policy, control, backdate, "95000")
		restore()
		if err != nil {
			return err
		}
	}
	return nil
}

// invoiceSeededEvent creates, approves and invoices one event, returning
// the invoice link. Returns (nil, nil) when the event was already past
// APPROVED on a reload and no new invoice was needed.
func (h *Handler) invoiceSeededEvent(ctx context.Context, policy *billing.FeePolicy, control string, daysAgo int, salary string) (*invoicing.InvoiceLink, error) {
	event, err := h.seedEvent(ctx, policy, control, daysAgo, billing.FeePlacement, salary)
	if err != nil {
		return nil, err
	}

	if event.Status == billing.EventPending {
		if _, err := h.Events.Approve(ctx, event.ID, scenarioActor, ""); err != nil {
			return nil, err
		}
		event.Status = billing.EventApproved
	}
	if event.Status != billing.EventApproved {
		// Reload: already invoiced; hand back the existing link.
		link, err := h.Invoices.GetByEventID(ctx, event.ID)
		if err != nil {
			return nil, nil
		}
		return link, nil
	}

	return h.Invoices.CreateInvoice(ctx, event.ID, scenarioActor)
}

// rewindClocks pins both ledgers' clocks daysAgo in the past and returns
// a restore function.
func (h *Handler) rewindClocks(daysAgo int) func() {
	past := time.Now().UTC().AddDate(0, 0, -daysAgo)
	h.Events.WithClock(func() time.Time { return past })
	h.Invoices.WithClock(func() time.Time { return past })
	return func() {
		now := func() time.Time { return time.Now().UTC() }
		h.Events.WithClock(now)
		h.Invoices.WithClock(now)
	}
}
