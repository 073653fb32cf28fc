/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Clients:
    GET    /api/clients                 List all clients
    POST   /api/clients                 Register client
    GET    /api/clients/{id}            Get client details
    GET    /api/clients/{id}/events     Client's billable events
    GET    /api/clients/{id}/policies   Client's policy versions
    POST   /api/clients/{id}/policies   Install a new policy version

  Events:
    POST   /api/events                  Record one billable event
    POST   /api/events/bulk             Bulk ingest (partial failure)
    GET    /api/events?status=          List events by status
    GET    /api/events/{id}             Get event with history
    POST   /api/events/{id}/approve     PENDING|HOLD -> APPROVED
    POST   /api/events/{id}/hold        PENDING|APPROVED -> HOLD
    POST   /api/events/{id}/cancel      -> CANCELLED

  Invoices:
    POST   /api/invoices                Invoice an approved event
    GET    /api/invoices                List invoice links
    GET    /api/invoices/overdue        Open links past due date
    GET    /api/invoices/{id}           Get link with payments/history
    POST   /api/invoices/{id}/payments  Apply a payment

  Reports:
    GET    /api/reports/reconciliation  Full reconciliation summary
    GET    /api/reports/aging           Aging buckets over open links

  Audit:
    GET    /api/audit                   Query the audit trail

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario

ERROR HANDLING:
  Domain errors carry stable codes; httpStatus maps them:
  - VALIDATION          400
  - NOT_FOUND           404
  - DUPLICATE           409 (idempotency key, already invoiced)
  - ILLEGAL_TRANSITION  409
  - FEE_UNAVAILABLE     422
  - INTEGRATION_FAILURE 502
  - anything else       500

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/invoicing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// PolicyStore is the slice of the storage layer the API needs for policy
// management. Both the SQLite store and the in-memory store satisfy it.
type PolicyStore interface {
	billing.PolicyProvider
	SavePolicy(ctx context.Context, p *billing.FeePolicy) error
	ListPolicies(ctx context.Context, clientID billing.ClientID) ([]*billing.FeePolicy, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Clients  billing.ClientStore
	Policies PolicyStore
	Events   *billing.EventLedger
	Invoices *invoicing.InvoiceLedger
	Reporter *invoicing.ReconciliationReporter
	Audit    billing.AuditLog
	Factory  *factory.PolicyFactory
	Logger   *zap.Logger

	now func() time.Time

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(clients billing.ClientStore, policies PolicyStore, events *billing.EventLedger, invoices *invoicing.InvoiceLedger, reporter *invoicing.ReconciliationReporter, audit billing.AuditLog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Clients:  clients,
		Policies: policies,
		Events:   events,
		Invoices: invoices,
		Reporter: reporter,
		Audit:    audit,
		Factory:  factory.NewPolicyFactory(),
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// ListClients returns all registered clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Clients.ListClients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list clients", err)
		return
	}

	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClientDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetClient returns a single client.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	client, err := h.Clients.GetClient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get client", err)
		return
	}
	if client == nil {
		writeError(w, http.StatusNotFound, "Client not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(*client))
}

// CreateClient registers a new client.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Code == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id, code and name are required", nil)
		return
	}

	client := billing.Client{
		ID:        billing.ClientID(req.ID),
		Code:      req.Code,
		Name:      req.Name,
		CreatedAt: h.now(),
	}
	if err := h.Clients.SaveClient(r.Context(), client); err != nil {
		writeDomainError(w, "Failed to create client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(client))
}

// ListClientEvents returns a client's billable events, newest first.
func (h *Handler) ListClientEvents(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	events, err := h.Events.ListByClient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListClientPolicies returns all policy versions for a client.
func (h *Handler) ListClientPolicies(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	policies, err := h.Policies.ListPolicies(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list policies", err)
		return
	}

	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = h.toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateClientPolicy installs a new policy version for a client. The
// previous active version, if any, is retired.
func (h *Handler) CreateClientPolicy(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "id"))

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Config.ClientID = string(clientID)

	policy, err := h.Factory.FromJSON(req.Config)
	if err != nil {
		writeDomainError(w, "Invalid policy", err)
		return
	}

	if err := h.Policies.SavePolicy(r.Context(), policy); err != nil {
		writeDomainError(w, "Failed to save policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toPolicyDTO(policy))
}

// GetActivePolicy returns the client's active policy.
func (h *Handler) GetActivePolicy(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "id"))

	policy, err := h.Policies.GetActivePolicyForClient(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get policy", err)
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, "No active policy for client", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.toPolicyDTO(policy))
}

func (h *Handler) toPolicyDTO(p *billing.FeePolicy) PolicyDTO {
	dto := PolicyDTO{
		Config:   h.Factory.ToJSON(p),
		Version:  p.Version,
		IsActive: p.IsActive,
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = p.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// CreateEvent records one billable event from an upstream trigger.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	input, err := h.toCreateInput(req)
	if err != nil {
		writeDomainError(w, "Invalid event", err)
		return
	}

	policy, err := h.Policies.GetActivePolicyForClient(r.Context(), input.ClientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve policy", err)
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, "No active policy for client", nil)
		return
	}
	event, err := h.Events.Create(r.Context(), policy, input)
	if err != nil {
		writeDomainError(w, "Failed to create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(event))
}

// BulkCreateEvents ingests a batch of triggers. Items fail independently;
// the response reports created, duplicate and errored items separately.
func (h *Handler) BulkCreateEvents(w http.ResponseWriter, r *http.Request) {
	var req BulkCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inputs := make([]billing.CreateInput, 0, len(req.Events))
	resp := BulkCreateResponse{
		Created:    []EventDTO{},
		Duplicates: []BulkDuplicateDTO{},
		Errors:     []BulkErrorDTO{},
	}

	indexMap := make([]int, 0, len(req.Events))
	for i, item := range req.Events {
		if item.Actor == "" {
			item.Actor = req.Actor
		}
		input, err := h.toCreateInput(item)
		if err != nil {
			resp.Errors = append(resp.Errors, BulkErrorDTO{
				Index: i, Code: billing.CodeValidation, Message: err.Error(),
			})
			continue
		}
		inputs = append(inputs, input)
		indexMap = append(indexMap, i)
	}

	result, err := h.Events.BulkCreate(r.Context(), inputs)
	if err != nil {
		writeDomainError(w, "Bulk create failed", err)
		return
	}

	resp.Created = toEventDTOs(result.Created)
	for _, d := range result.Duplicates {
		resp.Duplicates = append(resp.Duplicates, BulkDuplicateDTO{
			Index:           indexMap[d.Index],
			IdempotencyKey:  d.Key,
			ExistingEventID: string(d.ExistingEventID),
		})
	}
	for _, e := range result.Errors {
		resp.Errors = append(resp.Errors, BulkErrorDTO{
			Index: indexMap[e.Index], Code: e.Code, Message: e.Message,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) toCreateInput(req CreateEventRequest) (billing.CreateInput, error) {
	triggerDate, err := time.Parse("2006-01-02", req.TriggerDate)
	if err != nil {
		return billing.CreateInput{}, &billing.ValidationError{
			Field: "trigger_date", Message: "use YYYY-MM-DD",
		}
	}

	input := billing.CreateInput{
		ClientID:      billing.ClientID(req.ClientID),
		ControlNumber: req.ControlNumber,
		TriggerDate:   triggerDate,
		TriggerType:   billing.TriggerType(req.TriggerType),
		FeeType:       billing.FeeType(req.FeeType),
		SourceData:    req.SourceData,
		Actor:         req.Actor,
	}
	if input.TriggerType == "" {
		input.TriggerType = billing.TriggerManual
	}

	if req.BaseAmount != "" {
		base, err := decimal.NewFromString(req.BaseAmount)
		if err != nil {
			return billing.CreateInput{}, &billing.ValidationError{
				Field: "base_amount", Message: "invalid decimal",
			}
		}
		input.BaseAmount = &base
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return billing.CreateInput{}, &billing.ValidationError{
				Field: "amount", Message: "invalid decimal",
			}
		}
		input.Amount = &billing.Money{Amount: amount, Currency: req.Currency}
	}

	return input, nil
}

// ListEvents returns events filtered by status (PENDING by default).
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	status := billing.EventStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = billing.EventPending
	}

	events, err := h.Events.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// GetEvent returns one event with its full status history.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := billing.EventID(chi.URLParam(r, "id"))

	event, err := h.Events.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(event))
}

// ApproveEvent moves an event to APPROVED (from PENDING or HOLD).
func (h *Handler) ApproveEvent(w http.ResponseWriter, r *http.Request) {
	h.transitionEvent(w, r, func(id billing.EventID, req TransitionRequest) (*billing.BillableEvent, error) {
		return h.Events.Approve(r.Context(), id, req.Actor, req.Reason)
	})
}

// HoldEvent parks an event pending a dispute or question.
func (h *Handler) HoldEvent(w http.ResponseWriter, r *http.Request) {
	h.transitionEvent(w, r, func(id billing.EventID, req TransitionRequest) (*billing.BillableEvent, error) {
		return h.Events.Hold(r.Context(), id, req.Actor, req.Reason)
	})
}

// CancelEvent terminates an event before invoicing.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	h.transitionEvent(w, r, func(id billing.EventID, req TransitionRequest) (*billing.BillableEvent, error) {
		return h.Events.Cancel(r.Context(), id, req.Actor, req.Reason)
	})
}

func (h *Handler) transitionEvent(w http.ResponseWriter, r *http.Request, fn func(billing.EventID, TransitionRequest) (*billing.BillableEvent, error)) {
	id := billing.EventID(chi.URLParam(r, "id"))

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	event, err := fn(id, req)
	if err != nil {
		writeDomainError(w, "Transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(event))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice pushes an approved event to the accounting system and
// records the 1:1 invoice link.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	link, err := h.Invoices.CreateInvoice(r.Context(), billing.EventID(req.EventID), req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to create invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(link, h.now()))
}

// ListInvoices returns invoice links, optionally filtered by status.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	var (
		links []*invoicing.InvoiceLink
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		links, err = h.Invoices.ListAll(r.Context())
		if err == nil {
			filtered := links[:0]
			for _, link := range links {
				if link.Status == invoicing.InvoiceStatus(status) {
					filtered = append(filtered, link)
				}
			}
			links = filtered
		}
	} else {
		links, err = h.Invoices.ListAll(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTOs(links, h.now()))
}

// ListOverdueInvoices returns open links past their due date.
func (h *Handler) ListOverdueInvoices(w http.ResponseWriter, r *http.Request) {
	links, err := h.Invoices.ListOverdue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list overdue invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTOs(links, h.now()))
}

// GetInvoice returns one invoice link with payments and history.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceLinkID(chi.URLParam(r, "id"))

	link, err := h.Invoices.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link, h.now()))
}

// ApplyPayment records a payment a person entered through the portal.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceLinkID(chi.URLParam(r, "id"))

	var req ApplyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	payment := invoicing.Payment{
		ExternalPaymentID: req.ExternalPaymentID,
		Amount:            billing.Money{Amount: amount, Currency: req.Currency},
	}
	if req.Date != "" {
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
			return
		}
		payment.Date = date
	}

	link, err := h.Invoices.ApplyPayment(r.Context(), id, payment, invoicing.SourcePortal, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to apply payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link, h.now()))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetReconciliationReport returns the full reconciliation summary.
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Reporter.Summarize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetAgingReport returns the aging buckets over open invoices.
func (h *Handler) GetAgingReport(w http.ResponseWriter, r *http.Request) {
	aging, err := h.Reporter.Aging(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build aging report", err)
		return
	}
	if aging == nil {
		aging = []invoicing.AgingLine{}
	}
	writeJSON(w, http.StatusOK, aging)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries matching query parameters.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Actor:      q.Get("actor"),
	}
	if action := q.Get("action"); action != "" {
		filter.Actions = []billing.AuditAction{billing.AuditAction(action)}
	}

	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// HELPERS
// =============================================================================

func toClientDTO(c billing.Client) ClientDTO {
	dto := ClientDTO{
		ID:   string(c.ID),
		Code: c.Code,
		Name: c.Name,
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Code = billing.Code(err)
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an engine error to its HTTP status via the stable
// error codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, httpStatus(err), message, err)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case billing.IsConflict(err), errors.Is(err, billing.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, billing.ErrFeeUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrIntegrationFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
