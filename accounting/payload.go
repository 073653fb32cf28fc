/*
Package accounting defines the contract with the external accounting
system (invoice creation and payment sync).

PURPOSE:
  The core never talks to the accounting system directly; it produces a
  request payload and consumes a response. The one hard wire contract is
  the memo line: every invoice created downstream embeds the event's
  idempotency key in the literal form

      [IDEMPOTENCY_KEY: <key>]

  so reconciliation against the external system can always map an invoice
  back to its billable event, even when external ids were lost or the
  sync is rebuilt from scratch.

FAILURE SEMANTICS:
  A failed CreateInvoice call must leave the billable event in APPROVED -
  the caller only flips it to INVOICED after a confirmed success, so the
  operation is safely retryable.

SEE ALSO:
  - invoicing/ledger.go: The only caller
  - api/scheduler.go: Polls ListPayments on an interval
*/
package accounting

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMO WIRE CONTRACT
// =============================================================================

var memoKeyPattern = regexp.MustCompile(`\[IDEMPOTENCY_KEY:\s*([^\]]+)\]`)

// EmbedKey renders the memo fragment carrying the idempotency key.
func EmbedKey(key string) string {
	return fmt.Sprintf("[IDEMPOTENCY_KEY: %s]", key)
}

// ExtractKey pulls the idempotency key out of a memo string. Returns
// ok=false when no key is embedded.
func ExtractKey(memo string) (string, bool) {
	m := memoKeyPattern.FindStringSubmatch(memo)
	if m == nil {
		return "", false
	}
	key := strings.TrimSpace(m[1])
	return key, key != ""
}

// =============================================================================
// REQUEST / RESPONSE PAYLOADS
// =============================================================================

// InvoiceRequest is what the core hands to the accounting client.
type InvoiceRequest struct {
	ClientCode string
	Amount     decimal.Decimal
	Currency   string
	Memo       string // includes EmbedKey(...)
	DueDate    time.Time
}

// InvoiceResponse is the confirmed external invoice.
type InvoiceResponse struct {
	ExternalID     string
	DocumentNumber string
	InvoiceDate    time.Time
	DueDate        time.Time
}

// PaymentNotice is one payment reported by the external system during sync.
type PaymentNotice struct {
	ExternalInvoiceID string
	ExternalPaymentID string
	Date              time.Time
	Amount            decimal.Decimal
	Currency          string
}

// StatusNotice reports an external status not derivable from payment math
// (e.g. the invoice was voided downstream).
type StatusNotice struct {
	ExternalInvoiceID string
	Status            string
}

// =============================================================================
// CLIENT INTERFACE
// =============================================================================

// Client is the thin I/O boundary to the accounting system.
type Client interface {
	// CreateInvoice creates an invoice downstream. Implementations must
	// return an error on anything short of confirmed success.
	CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResponse, error)

	// ListPayments returns payments recorded since the cursor time.
	ListPayments(ctx context.Context, since time.Time) ([]PaymentNotice, error)
}
