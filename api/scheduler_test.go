/*
scheduler_test.go - Payment sync scheduler tests

Drives RunNow directly instead of Start/Stop so the tests never depend
on ticker timing.
*/
package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/accounting"
	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
)

type schedulerFixture struct {
	*testAPI
	invoices *invoicing.InvoiceLedger
	sched    *api.PaymentSyncScheduler
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	a := newTestAPI(t)
	events := billing.NewEventLedger(a.mem, a.mem, billing.NewFeeCalculator(), a.mem, nil)
	invoices := invoicing.NewInvoiceLedger(a.mem, events, a.stub, a.mem, a.mem, nil)

	return &schedulerFixture{
		testAPI:  a,
		invoices: invoices,
		sched:    api.NewPaymentSyncScheduler(a.stub, invoices, nil),
	}
}

// invoicedLink drives the API to produce one invoiced link and returns it.
func (f *schedulerFixture) invoicedLink(t *testing.T) api.InvoiceLinkDTO {
	t.Helper()

	f.seedClientWithPolicy(t)
	eventID := f.approvedEventID(t, "PL-1")

	rec := f.do(t, http.MethodPost, "/api/invoices",
		map[string]string{"event_id": eventID, "actor": "manager"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var link api.InvoiceLinkDTO
	decodeInto(t, rec, &link)
	return link
}

func TestScheduler_AppliesExternalPayments(t *testing.T) {
	// GIVEN: An invoiced link and a payment notice waiting in accounting
	// WHEN: The scheduler polls
	// THEN: The payment lands on the link, tagged external_sync

	f := newSchedulerFixture(t)
	link := f.invoicedLink(t)

	f.stub.AddPayment(accounting.PaymentNotice{
		ExternalInvoiceID: link.ExternalInvoiceID,
		ExternalPaymentID: "bank-001",
		Date:              time.Now().UTC(),
		Amount:            decimal.NewFromInt(600),
		Currency:          "USD",
	})

	f.sched.RunNow()

	got, err := f.invoices.Get(context.Background(), billing.InvoiceLinkID(link.ID))
	require.NoError(t, err)
	assert.Equal(t, invoicing.InvoicePaid, got.Status)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, "bank-001", got.Payments[0].ExternalPaymentID)

	last := got.StatusHistory[len(got.StatusHistory)-1]
	assert.Equal(t, invoicing.SourceExternalSync, last.Source)
	assert.Equal(t, "sync", last.Actor)
}

func TestScheduler_ReplayNeverDoubleCredits(t *testing.T) {
	// The stub re-serves notices newer than the cursor; a second poll
	// that sees the same notice must leave the link untouched.

	f := newSchedulerFixture(t)
	link := f.invoicedLink(t)

	f.stub.AddPayment(accounting.PaymentNotice{
		ExternalInvoiceID: link.ExternalInvoiceID,
		ExternalPaymentID: "bank-001",
		Date:              time.Now().UTC().Add(time.Hour),
		Amount:            decimal.NewFromInt(250),
		Currency:          "USD",
	})

	f.sched.RunNow()
	f.sched.RunNow()

	got, err := f.invoices.Get(context.Background(), billing.InvoiceLinkID(link.ID))
	require.NoError(t, err)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, "250.00", got.TotalPaid.Amount.StringFixed(2))
	assert.Equal(t, invoicing.InvoicePartial, got.Status)
}

func TestScheduler_UnknownInvoiceIsSkipped(t *testing.T) {
	f := newSchedulerFixture(t)
	link := f.invoicedLink(t)

	f.stub.AddPayment(accounting.PaymentNotice{
		ExternalInvoiceID: "ext-unrelated",
		ExternalPaymentID: "bank-999",
		Date:              time.Now().UTC(),
		Amount:            decimal.NewFromInt(100),
		Currency:          "USD",
	})

	f.sched.RunNow()

	got, err := f.invoices.Get(context.Background(), billing.InvoiceLinkID(link.ID))
	require.NoError(t, err)
	assert.Empty(t, got.Payments)
	assert.Equal(t, invoicing.InvoicePending, got.Status)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	f := newSchedulerFixture(t)
	f.sched.Enabled = false

	f.sched.Start()
	f.sched.Stop()
}
