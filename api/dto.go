/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All amounts cross the wire as strings ("1234.50"). JSON numbers are
  floats and floats do not represent billing amounts.

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs. DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/invoicing"
)

// =============================================================================
// CLIENT TYPES
// =============================================================================

// ClientDTO represents a billed organization in API responses.
type ClientDTO struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateClientRequest is the request to register a client.
type CreateClientRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// =============================================================================
// POLICY TYPES
// =============================================================================

// PolicyDTO represents a fee policy in API responses.
type PolicyDTO struct {
	Config    factory.PolicyJSON `json:"config"`
	Version   int                `json:"version"`
	IsActive  bool               `json:"is_active"`
	CreatedAt string             `json:"created_at,omitempty"`
}

// CreatePolicyRequest is the request to install a new policy version.
type CreatePolicyRequest struct {
	Config factory.PolicyJSON `json:"config"`
}

// =============================================================================
// EVENT TYPES
// =============================================================================

// CreateEventRequest is the request to record one billable event.
type CreateEventRequest struct {
	ClientID      string            `json:"client_id"`
	ControlNumber string            `json:"control_number"`
	TriggerDate   string            `json:"trigger_date"` // YYYY-MM-DD
	TriggerType   string            `json:"trigger_type,omitempty"`
	FeeType       string            `json:"fee_type"`
	BaseAmount    string            `json:"base_amount,omitempty"` // decimal string
	Amount        string            `json:"amount,omitempty"`      // explicit override
	Currency      string            `json:"currency,omitempty"`
	SourceData    map[string]string `json:"source_data,omitempty"`
	Actor         string            `json:"actor"`
}

// BulkCreateRequest carries a batch of events from an upstream report.
type BulkCreateRequest struct {
	Events []CreateEventRequest `json:"events"`
	Actor  string               `json:"actor"`
}

// BulkCreateResponse reports per-item outcomes; the batch never aborts.
type BulkCreateResponse struct {
	Created    []EventDTO         `json:"created"`
	Duplicates []BulkDuplicateDTO `json:"duplicates"`
	Errors     []BulkErrorDTO     `json:"errors"`
}

type BulkDuplicateDTO struct {
	Index           int    `json:"index"`
	IdempotencyKey  string `json:"idempotency_key"`
	ExistingEventID string `json:"existing_event_id"`
}

type BulkErrorDTO struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransitionRequest carries actor and optional reason for a status change.
type TransitionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// EventDTO represents a billable event in API responses.
type EventDTO struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	ClientID       string            `json:"client_id"`
	ClientCode     string            `json:"client_code"`
	ControlNumber  string            `json:"control_number"`
	TriggerDate    string            `json:"trigger_date"`
	TriggerType    string            `json:"trigger_type"`
	FeeType        string            `json:"fee_type"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	PolicyID       string            `json:"policy_id,omitempty"`
	PolicyVersion  int               `json:"policy_version,omitempty"`
	ApprovedAt     string            `json:"approved_at,omitempty"`
	ApprovedBy     string            `json:"approved_by,omitempty"`
	HoldReason     string            `json:"hold_reason,omitempty"`
	SourceData     map[string]string `json:"source_data,omitempty"`
	History        []StatusChangeDTO `json:"history,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

// StatusChangeDTO is one row of status history.
type StatusChangeDTO struct {
	Seq       int    `json:"seq"`
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// =============================================================================
// INVOICE TYPES
// =============================================================================

// CreateInvoiceRequest asks the engine to invoice an approved event.
type CreateInvoiceRequest struct {
	EventID string `json:"event_id"`
	Actor   string `json:"actor"`
}

// ApplyPaymentRequest records one payment against an invoice link.
type ApplyPaymentRequest struct {
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
	Date              string `json:"date,omitempty"` // YYYY-MM-DD
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Actor             string `json:"actor"`
}

// InvoiceLinkDTO represents an invoice link in API responses.
type InvoiceLinkDTO struct {
	ID                string            `json:"id"`
	EventID           string            `json:"event_id"`
	IdempotencyKey    string            `json:"idempotency_key"`
	ExternalInvoiceID string            `json:"external_invoice_id"`
	InvoiceNumber     string            `json:"invoice_number"`
	InvoiceDate       string            `json:"invoice_date"`
	DueDate           string            `json:"due_date"`
	Amount            string            `json:"amount"`
	Currency          string            `json:"currency"`
	TotalPaid         string            `json:"total_paid"`
	Balance           string            `json:"balance"`
	Status            string            `json:"status"`
	Overdue           bool              `json:"overdue"`
	DaysOverdue       int               `json:"days_overdue"`
	AgingBucket       string            `json:"aging_bucket,omitempty"`
	PaidInFullDate    string            `json:"paid_in_full_date,omitempty"`
	Payments          []PaymentDTO      `json:"payments,omitempty"`
	History           []StatusChangeDTO `json:"history,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

// PaymentDTO is one applied payment.
type PaymentDTO struct {
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
	Date              string `json:"date"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditEntryDTO is one audit trail row.
type AuditEntryDTO struct {
	ID         string            `json:"id"`
	Timestamp  string            `json:"timestamp"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Before     string            `json:"before,omitempty"`
	After      string            `json:"after,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// SCENARIO TYPES
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ID string `json:"id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEventDTO(e *billing.BillableEvent) EventDTO {
	dto := EventDTO{
		ID:             string(e.ID),
		IdempotencyKey: e.IdempotencyKey,
		ClientID:       string(e.ClientID),
		ClientCode:     e.ClientCode,
		ControlNumber:  e.ControlNumber,
		TriggerDate:    e.TriggerDate.Format("2006-01-02"),
		TriggerType:    string(e.TriggerType),
		FeeType:        string(e.FeeType),
		Amount:         e.Amount.Amount.StringFixed(2),
		Currency:       e.Amount.Currency,
		Status:         string(e.Status),
		PolicyID:       string(e.PolicyID),
		PolicyVersion:  e.PolicyVersion,
		ApprovedBy:     e.ApprovedBy,
		HoldReason:     e.HoldReason,
		SourceData:     e.SourceData,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      e.UpdatedAt.Format(time.RFC3339),
	}
	if e.ApprovedAt != nil {
		dto.ApprovedAt = e.ApprovedAt.Format(time.RFC3339)
	}
	for _, h := range e.StatusHistory {
		dto.History = append(dto.History, StatusChangeDTO{
			Seq:       h.Seq,
			Status:    string(h.Status),
			Actor:     h.Actor,
			Reason:    h.Reason,
			Timestamp: h.Timestamp.Format(time.RFC3339),
		})
	}
	return dto
}

func toEventDTOs(events []*billing.BillableEvent) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	return dtos
}

func toLinkDTO(link *invoicing.InvoiceLink, asOf time.Time) InvoiceLinkDTO {
	dto := InvoiceLinkDTO{
		ID:                string(link.ID),
		EventID:           string(link.EventID),
		IdempotencyKey:    link.IdempotencyKey,
		ExternalInvoiceID: link.ExternalInvoiceID,
		InvoiceNumber:     link.InvoiceNumber,
		InvoiceDate:       link.InvoiceDate.Format("2006-01-02"),
		DueDate:           link.DueDate.Format("2006-01-02"),
		Amount:            link.Amount.Amount.StringFixed(2),
		Currency:          link.Amount.Currency,
		TotalPaid:         link.TotalPaid.Amount.StringFixed(2),
		Balance:           link.Balance.Amount.StringFixed(2),
		Status:            string(link.Status),
		Overdue:           link.IsOverdue(asOf),
		DaysOverdue:       link.DaysOverdue(asOf),
		CreatedAt:         link.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         link.UpdatedAt.Format(time.RFC3339),
	}
	if dto.Overdue {
		dto.AgingBucket = string(invoicing.Bucket(dto.DaysOverdue))
	}
	if link.PaidInFullDate != nil {
		dto.PaidInFullDate = link.PaidInFullDate.Format("2006-01-02")
	}
	for _, p := range link.Payments {
		dto.Payments = append(dto.Payments, PaymentDTO{
			ExternalPaymentID: p.ExternalPaymentID,
			Date:              p.Date.Format("2006-01-02"),
			Amount:            p.Amount.Amount.StringFixed(2),
			Currency:          p.Amount.Currency,
		})
	}
	for _, h := range link.StatusHistory {
		dto.History = append(dto.History, StatusChangeDTO{
			Seq:       h.Seq,
			Status:    string(h.Status),
			Source:    string(h.Source),
			Actor:     h.Actor,
			Reason:    h.Reason,
			Timestamp: h.Timestamp.Format(time.RFC3339),
		})
	}
	return dto
}

func toLinkDTOs(links []*invoicing.InvoiceLink, asOf time.Time) []InvoiceLinkDTO {
	dtos := make([]InvoiceLinkDTO, len(links))
	for i, link := range links {
		dtos[i] = toLinkDTO(link, asOf)
	}
	return dtos
}

func toAuditDTOs(entries []billing.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:         e.ID,
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			Actor:      e.Actor,
			Action:     string(e.Action),
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Before:     e.Before,
			After:      e.After,
			Metadata:   e.Metadata,
		}
	}
	return dtos
}
