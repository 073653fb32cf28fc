/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error kinds in one place. Every error kind maps to a stable string
  code so callers (and the HTTP layer) branch on code, never on message
  text.

ERROR KINDS:
  VALIDATION          Malformed/missing input - fixable by caller
  DUPLICATE           Idempotency key collision - expected, not exceptional
  NOT_FOUND           Unknown entity id
  ILLEGAL_TRANSITION  State machine violation
  FEE_UNAVAILABLE     No matching fee rule / missing base amount
  INTEGRATION_FAILURE External accounting/trigger-source call failed

USAGE:
  if errors.Is(err, billing.ErrDuplicateKey) { ... }
  var dup *billing.DuplicateKeyError
  if errors.As(err, &dup) { log(dup.Key) }

SEE ALSO:
  - ledger.go: Produces most of these
  - api/handlers.go: Maps codes to HTTP statuses
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// STABLE ERROR CODES
// =============================================================================

const (
	CodeValidation         = "VALIDATION"
	CodeDuplicate          = "DUPLICATE"
	CodeNotFound           = "NOT_FOUND"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeFeeUnavailable     = "FEE_UNAVAILABLE"
	CodeIntegrationFailure = "INTEGRATION_FAILURE"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing required input.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateKey is returned when an event with the same idempotency
	// key already exists. This is expected behavior for repeated triggers.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a status change violates the
	// event or invoice state machine.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrFeeUnavailable is returned when no fee rule matches, no tier
	// matches, or a percentage/tiered rule lacks a base amount.
	ErrFeeUnavailable = errors.New("fee unavailable")

	// ErrIntegrationFailure is returned when a call to the external
	// accounting system or trigger source failed.
	ErrIntegrationFailure = errors.New("integration failure")

	// ErrAlreadyInvoiced is returned when an invoice link already exists
	// for an event. Wraps the 1:1 invariant.
	ErrAlreadyInvoiced = errors.New("event already invoiced")
)

// Code returns the stable code string for an error, or "" if the error is
// not one of the engine's kinds.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrAlreadyInvoiced):
		return CodeDuplicate
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, ErrFeeUnavailable):
		return CodeFeeUnavailable
	case errors.Is(err, ErrIntegrationFailure):
		return CodeIntegrationFailure
	default:
		return ""
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which field failed and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateKeyError carries the offending key and the event that holds it.
type DuplicateKeyError struct {
	Key             string
	ExistingEventID EventID
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %q (event %s)", e.Key, e.ExistingEventID)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// IllegalTransitionError reports the attempted transition.
type IllegalTransitionError struct {
	EventID EventID
	From    EventStatus
	To      EventStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for event %s", e.From, e.To, e.EventID)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// FeeUnavailableError explains why an amount could not be computed.
type FeeUnavailableError struct {
	PolicyID PolicyID
	FeeType  FeeType
	Reason   string // "no_rule", "no_tier", "missing_base"
}

func (e *FeeUnavailableError) Error() string {
	return fmt.Sprintf("fee unavailable for %s on policy %s: %s", e.FeeType, e.PolicyID, e.Reason)
}

func (e *FeeUnavailableError) Unwrap() error { return ErrFeeUnavailable }

// IntegrationError wraps a failed external call with the system name.
type IntegrationError struct {
	System string // "accounting", "trigger_source"
	Op     string
	Err    error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.System, e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return ErrIntegrationFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or an expected conflict (4xx-equivalent).
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrAlreadyInvoiced) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrFeeUnavailable)
}

// IsConflict returns true for expected collision errors.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrAlreadyInvoiced)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
