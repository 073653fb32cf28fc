/*
handlers_test.go - HTTP-level tests for the API

Tests run against the real router with the in-memory store, the stub
accounting client, and real ledgers underneath, exercising the full
request path: routing, JSON codecs, domain logic, error mapping.
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/accounting"
	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/invoicing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	router http.Handler
	mem    *store.Memory
	stub   *accounting.StubClient
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mem := store.NewMemory()
	stub := accounting.NewStubClient()

	events := billing.NewEventLedger(mem, mem, billing.NewFeeCalculator(), mem, nil)
	invoices := invoicing.NewInvoiceLedger(mem, events, stub, mem, mem, nil)
	reporter := invoicing.NewReconciliationReporter(mem)

	handler := api.NewHandler(mem, mem, events, invoices, reporter, mem, nil)
	router := api.NewRouter(handler, nil)

	return &testAPI{router: router, mem: mem, stub: stub}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
		"body: %s", rec.Body.String())
}

// seedClientWithPolicy registers a client and installs a 15% contingency
// policy (min 100, max 2000) through the API.
func (a *testAPI) seedClientWithPolicy(t *testing.T) {
	t.Helper()

	rec := a.do(t, http.MethodPost, "/api/clients", map[string]string{
		"id": "client-1", "code": "ACME", "name": "Acme Staffing",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	pf := factory.NewPolicyFactory()
	var config factory.PolicyJSON
	require.NoError(t, json.Unmarshal(
		[]byte(pf.StandardContingencyJSON("acme-fees", "client-1", "ACME", "15")), &config))

	rec = a.do(t, http.MethodPost, "/api/clients/client-1/policies",
		map[string]any{"config": config})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func eventRequest(control string) map[string]any {
	return map[string]any{
		"client_id":      "client-1",
		"control_number": control,
		"trigger_date":   "2025-05-15",
		"trigger_type":   "start_date",
		"fee_type":       "PLACEMENT",
		"base_amount":    "4000",
		"actor":          "tester",
	}
}

// =============================================================================
// CLIENTS AND POLICIES
// =============================================================================

func TestAPI_ClientLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/clients", map[string]string{
		"id": "client-1", "code": "ACME", "name": "Acme Staffing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/clients/client-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var client api.ClientDTO
	decodeInto(t, rec, &client)
	assert.Equal(t, "ACME", client.Code)

	rec = a.do(t, http.MethodGet, "/api/clients/no-such", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/clients", map[string]string{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_PolicyVersioning(t *testing.T) {
	// Installing a second policy retires the first; the active endpoint
	// returns the newest version.

	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	pf := factory.NewPolicyFactory()
	var config factory.PolicyJSON
	require.NoError(t, json.Unmarshal(
		[]byte(pf.TieredPlacementJSON("acme-fees-2", "client-1", "ACME")), &config))

	rec := a.do(t, http.MethodPost, "/api/clients/client-1/policies",
		map[string]any{"config": config})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/clients/client-1/policies/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active api.PolicyDTO
	decodeInto(t, rec, &active)
	assert.Equal(t, "acme-fees-2", active.Config.ID)
	assert.Equal(t, 2, active.Version)
	assert.True(t, active.IsActive)

	rec = a.do(t, http.MethodGet, "/api/clients/client-1/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []api.PolicyDTO
	decodeInto(t, rec, &versions)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestAPI_CreateEvent(t *testing.T) {
	// GIVEN: A client with a 15% policy (min 100, max 2000)
	// WHEN: Recording a $4,000-base placement
	// THEN: 201 with a $600 PENDING event and derived idempotency key

	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	rec := a.do(t, http.MethodPost, "/api/events", eventRequest("PL-1001"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var event api.EventDTO
	decodeInto(t, rec, &event)
	assert.Equal(t, "600.00", event.Amount)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, "PENDING", event.Status)
	assert.Equal(t, "ACME-PL-1001-20250515-PLACEMENT", event.IdempotencyKey)
	assert.Equal(t, "ACME", event.ClientCode, "client code filled from policy")
	require.Len(t, event.History, 1)
}

func TestAPI_CreateEvent_DuplicateIs409(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	rec := a.do(t, http.MethodPost, "/api/events", eventRequest("PL-1001"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/events", eventRequest("PL-1001"))
	require.Equal(t, http.StatusConflict, rec.Code)

	var errResp api.ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, billing.CodeDuplicate, errResp.Code)
}

func TestAPI_CreateEvent_ValidationAndFeeErrors(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	// Malformed date -> 400
	bad := eventRequest("PL-1")
	bad["trigger_date"] = "15/05/2025"
	rec := a.do(t, http.MethodPost, "/api/events", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No base for a percentage fee -> 422
	noBase := eventRequest("PL-2")
	delete(noBase, "base_amount")
	rec = a.do(t, http.MethodPost, "/api/events", noBase)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unknown client -> 404
	orphan := eventRequest("PL-3")
	orphan["client_id"] = "client-unknown"
	rec = a.do(t, http.MethodPost, "/api/events", orphan)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_BulkCreate_PartialFailure(t *testing.T) {
	// One batch: two good, one duplicate, one invalid. The batch reports
	// each outcome at its original index and never aborts.

	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	badDate := eventRequest("PL-3")
	badDate["trigger_date"] = "not-a-date"

	rec := a.do(t, http.MethodPost, "/api/events/bulk", map[string]any{
		"actor": "importer",
		"events": []map[string]any{
			eventRequest("PL-1"),
			eventRequest("PL-2"),
			eventRequest("PL-1"), // duplicate of index 0
			badDate,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.BulkCreateResponse
	decodeInto(t, rec, &resp)
	assert.Len(t, resp.Created, 2)
	require.Len(t, resp.Duplicates, 1)
	assert.Equal(t, 2, resp.Duplicates[0].Index)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 3, resp.Errors[0].Index)
	assert.Equal(t, billing.CodeValidation, resp.Errors[0].Code)
}

func TestAPI_EventTransitions(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	rec := a.do(t, http.MethodPost, "/api/events", eventRequest("PL-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var event api.EventDTO
	decodeInto(t, rec, &event)

	// Hold without a reason -> 400
	rec = a.do(t, http.MethodPost, "/api/events/"+event.ID+"/hold",
		map[string]string{"actor": "manager"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Hold with a reason, then approve lifts it.
	rec = a.do(t, http.MethodPost, "/api/events/"+event.ID+"/hold",
		map[string]string{"actor": "manager", "reason": "client dispute"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &event)
	assert.Equal(t, "HOLD", event.Status)
	assert.Equal(t, "client dispute", event.HoldReason)

	rec = a.do(t, http.MethodPost, "/api/events/"+event.ID+"/approve",
		map[string]string{"actor": "manager"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &event)
	assert.Equal(t, "APPROVED", event.Status)

	// Approving again is an illegal transition -> 409
	rec = a.do(t, http.MethodPost, "/api/events/"+event.ID+"/approve",
		map[string]string{"actor": "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown event -> 404
	rec = a.do(t, http.MethodPost, "/api/events/no-such/approve",
		map[string]string{"actor": "manager"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// INVOICES
// =============================================================================

// approvedEventID creates and approves one event via the API.
func (a *testAPI) approvedEventID(t *testing.T, control string) string {
	t.Helper()

	rec := a.do(t, http.MethodPost, "/api/events", eventRequest(control))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var event api.EventDTO
	decodeInto(t, rec, &event)

	rec = a.do(t, http.MethodPost, "/api/events/"+event.ID+"/approve",
		map[string]string{"actor": "manager"})
	require.Equal(t, http.StatusOK, rec.Code)
	return event.ID
}

func TestAPI_InvoiceAndPaymentFlow(t *testing.T) {
	// End to end through HTTP: approve, invoice, pay in two installments,
	// verify PARTIAL then PAID on both the link and the event.

	a := newTestAPI(t)
	a.seedClientWithPolicy(t)
	eventID := a.approvedEventID(t, "PL-1")

	rec := a.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": eventID, "actor": "manager"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var link api.InvoiceLinkDTO
	decodeInto(t, rec, &link)
	assert.Equal(t, "600.00", link.Amount)
	assert.Equal(t, "PENDING", link.Status)
	assert.Equal(t, "INV-000001", link.InvoiceNumber)

	// Invoicing the same event again -> 409
	rec = a.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": eventID, "actor": "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// First installment.
	rec = a.do(t, http.MethodPost, "/api/invoices/"+link.ID+"/payments", map[string]string{
		"external_payment_id": "pay-1",
		"amount":              "250",
		"currency":            "USD",
		"date":                "2025-06-20",
		"actor":               "clerk",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeInto(t, rec, &link)
	assert.Equal(t, "PARTIAL", link.Status)
	assert.Equal(t, "350.00", link.Balance)

	// Second installment settles it.
	rec = a.do(t, http.MethodPost, "/api/invoices/"+link.ID+"/payments", map[string]string{
		"external_payment_id": "pay-2",
		"amount":              "350",
		"currency":            "USD",
		"date":                "2025-07-01",
		"actor":               "clerk",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &link)
	assert.Equal(t, "PAID", link.Status)
	assert.Equal(t, "0.00", link.Balance)
	assert.Equal(t, "2025-07-01", link.PaidInFullDate)
	require.Len(t, link.Payments, 2)

	// The event followed the invoice.
	rec = a.do(t, http.MethodGet, "/api/events/"+eventID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var event api.EventDTO
	decodeInto(t, rec, &event)
	assert.Equal(t, "PAID", event.Status)
}

func TestAPI_InvoicePendingEventIs409(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	rec := a.do(t, http.MethodPost, "/api/events", eventRequest("PL-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var event api.EventDTO
	decodeInto(t, rec, &event)

	rec = a.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": event.ID, "actor": "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_AccountingDownIs502(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)
	eventID := a.approvedEventID(t, "PL-1")

	a.stub.FailNext = true
	rec := a.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": eventID, "actor": "manager"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var errResp api.ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, billing.CodeIntegrationFailure, errResp.Code)

	// The event survived as APPROVED and can be retried.
	rec = a.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": eventID, "actor": "manager"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

// =============================================================================
// REPORTS AND AUDIT
// =============================================================================

func TestAPI_Reports(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	eventID := a.approvedEventID(t, "PL-1")
	rec := a.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": eventID, "actor": "manager"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/reports/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary invoicing.ReconciliationSummary
	decodeInto(t, rec, &summary)
	assert.Equal(t, 1, summary.TotalLinks)
	assert.Equal(t, "600.00", summary.Outstanding["USD"].StringFixed(2))

	rec = a.do(t, http.MethodGet, "/api/reports/aging", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var aging []invoicing.AgingLine
	decodeInto(t, rec, &aging)
	assert.Empty(t, aging, "freshly issued invoice is not overdue")
}

func TestAPI_AuditTrail(t *testing.T) {
	a := newTestAPI(t)
	a.seedClientWithPolicy(t)

	rec := a.do(t, http.MethodPost, "/api/events", eventRequest("PL-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var event api.EventDTO
	decodeInto(t, rec, &event)

	rec = a.do(t, http.MethodGet,
		fmt.Sprintf("/api/audit?entity_type=event&entity_id=%s", event.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []api.AuditEntryDTO
	decodeInto(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, string(billing.AuditEventCreated), entries[0].Action)
	assert.Equal(t, "tester", entries[0].Actor)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestAPI_LoadScenario(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scenarios []api.ScenarioDTO
	decodeInto(t, rec, &scenarios)
	assert.NotEmpty(t, scenarios)

	rec = a.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"id": "onboarding"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The scenario seeded a client with pending events.
	rec = a.do(t, http.MethodGet, "/api/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var clients []api.ClientDTO
	decodeInto(t, rec, &clients)
	require.NotEmpty(t, clients)

	rec = a.do(t, http.MethodGet, "/api/events?status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []api.EventDTO
	decodeInto(t, rec, &events)
	assert.NotEmpty(t, events)

	// Reloading is idempotent: the engine dedupes the triggers.
	rec = a.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"id": "onboarding"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current api.ScenarioDTO
	decodeInto(t, rec, &current)
	assert.Equal(t, "onboarding", current.ID)

	rec = a.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
