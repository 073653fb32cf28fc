package invoicing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/accounting"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/invoicing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	events   *billing.EventLedger
	invoices *invoicing.InvoiceLedger
	stub     *accounting.StubClient
	mem      *store.Memory
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	stub := accounting.NewStubClient()
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

	events := billing.NewEventLedger(mem, mem, billing.NewFeeCalculator(), mem, nil)
	events.WithClock(func() time.Time { return now })

	invoices := invoicing.NewInvoiceLedger(mem, events, stub, mem, mem, nil)
	invoices.WithClock(func() time.Time { return now })

	return &fixture{events: events, invoices: invoices, stub: stub, mem: mem, now: now}
}

func dec(s string) decimal.Decimal { return billing.MustParseDecimal(s) }

func usd(s string) billing.Money {
	return billing.NewMoneyFromDecimal(dec(s), "USD")
}

// approvedEvent creates and approves an event billed at $13,500.
func (f *fixture) approvedEvent(t *testing.T, control string) *billing.BillableEvent {
	t.Helper()

	policy := &billing.FeePolicy{
		ID:         "policy-acme",
		ClientID:   "client-1",
		ClientCode: "ACME",
		Rules: []billing.FeeRule{
			{FeeType: billing.FeePlacement, Kind: billing.FeeKindPercentage, Value: dec("15")},
		},
		Currency:         "USD",
		PaymentTermsDays: 30,
		Version:          1,
		IsActive:         true,
	}
	f.mem.SetPolicy("client-1", policy)

	base := dec("90000")
	event, err := f.events.Create(context.Background(), policy, billing.CreateInput{
		ClientID:      "client-1",
		ClientCode:    "ACME",
		ControlNumber: control,
		TriggerDate:   time.Date(2025, time.May, 15, 0, 0, 0, 0, time.UTC),
		TriggerType:   billing.TriggerStartDate,
		FeeType:       billing.FeePlacement,
		BaseAmount:    &base,
		Actor:         "tester",
	})
	require.NoError(t, err)

	approved, err := f.events.Approve(context.Background(), event.ID, "manager", "")
	require.NoError(t, err)
	return approved
}

// =============================================================================
// CREATE INVOICE
// =============================================================================

func TestCreateInvoice_ApprovedEvent(t *testing.T) {
	// GIVEN: An approved $13,500 event under net-30 terms
	// WHEN: Creating the invoice
	// THEN: Link carries frozen amount, due date now+30d; event flips to
	//       INVOICED

	f := newFixture(t)
	ctx := context.Background()
	event := f.approvedEvent(t, "PL-1")

	link, err := f.invoices.CreateInvoice(ctx, event.ID, "manager")
	require.NoError(t, err)

	assert.Equal(t, event.ID, link.EventID)
	assert.Equal(t, event.IdempotencyKey, link.IdempotencyKey)
	assert.Equal(t, "ext-000001", link.ExternalInvoiceID)
	assert.Equal(t, "INV-000001", link.InvoiceNumber)
	assert.Equal(t, "13500.00", link.Amount.String())
	assert.Equal(t, "13500.00", link.Balance.String())
	assert.True(t, link.TotalPaid.IsZero())
	assert.Equal(t, invoicing.InvoicePending, link.Status)

	wantDue := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, wantDue, link.DueDate)

	updated, err := f.events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.EventInvoiced, updated.Status)
}

func TestCreateInvoice_PendingEventRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := f.approvedEvent(t, "PL-1")
	_, err := f.events.Hold(ctx, event.ID, "manager", "awaiting PO")
	require.NoError(t, err)

	_, err = f.invoices.CreateInvoice(ctx, event.ID, "manager")

	var illegal *billing.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, billing.EventHold, illegal.From)
	assert.Equal(t, billing.EventInvoiced, illegal.To)
}

func TestCreateInvoice_SecondInvoiceRejected(t *testing.T) {
	// One event, one invoice. Ever.

	f := newFixture(t)
	ctx := context.Background()
	event := f.approvedEvent(t, "PL-1")

	_, err := f.invoices.CreateInvoice(ctx, event.ID, "manager")
	require.NoError(t, err)

	_, err = f.invoices.CreateInvoice(ctx, event.ID, "manager")
	assert.ErrorIs(t, err, billing.ErrAlreadyInvoiced)
}

func TestCreateInvoice_ExternalFailureIsRetryable(t *testing.T) {
	// GIVEN: The accounting system is down
	// WHEN: CreateInvoice fails at the external call
	// THEN: No link exists, the event stays APPROVED, and a retry succeeds

	f := newFixture(t)
	ctx := context.Background()
	event := f.approvedEvent(t, "PL-1")

	f.stub.FailNext = true
	_, err := f.invoices.CreateInvoice(ctx, event.ID, "manager")

	require.Error(t, err)
	assert.Equal(t, billing.CodeIntegrationFailure, billing.Code(err))

	unchanged, err := f.events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.EventApproved, unchanged.Status, "failed invoice must not half-invoice the event")

	_, err = f.invoices.GetByEventID(ctx, event.ID)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	// Retry
	link, err := f.invoices.CreateInvoice(ctx, event.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, invoicing.InvoicePending, link.Status)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (f *fixture) invoicedLink(t *testing.T, control string) *invoicing.InvoiceLink {
	t.Helper()
	event := f.approvedEvent(t, control)
	link, err := f.invoices.CreateInvoice(context.Background(), event.ID, "manager")
	require.NoError(t, err)
	return link
}

func TestApplyPayment_PartialThenFull(t *testing.T) {
	// GIVEN: A $13,500 invoice
	// WHEN: $5,000 arrives, then the remaining $8,500
	// THEN: PARTIAL then PAID; the event follows; PaidInFullDate is the
	//       final payment's date

	f := newFixture(t)
	ctx := context.Background()
	link := f.invoicedLink(t, "PL-1")

	payday := time.Date(2025, time.June, 20, 0, 0, 0, 0, time.UTC)

	partial, err := f.invoices.ApplyPayment(ctx, link.ID, invoicing.Payment{
		ExternalPaymentID: "pay-1",
		Date:              payday,
		Amount:            usd("5000"),
	}, invoicing.SourcePortal, "clerk")
	require.NoError(t, err)

	assert.Equal(t, invoicing.InvoicePartial, partial.Status)
	assert.Equal(t, "5000.00", partial.TotalPaid.String())
	assert.Equal(t, "8500.00", partial.Balance.String())
	assert.Nil(t, partial.PaidInFullDate)

	event, err := f.events.Get(ctx, link.EventID)
	require.NoError(t, err)
	assert.Equal(t, billing.EventPartial, event.Status)

	finalDay := time.Date(2025, time.July, 5, 0, 0, 0, 0, time.UTC)
	paid, err := f.invoices.ApplyPayment(ctx, link.ID, invoicing.Payment{
		ExternalPaymentID: "pay-2",
		Date:              finalDay,
		Amount:            usd("8500"),
	}, invoicing.SourcePortal, "clerk")
	require.NoError(t, err)

	assert.Equal(t, invoicing.InvoicePaid, paid.Status)
	assert.True(t, paid.Balance.IsZero())
	require.NotNil(t, paid.PaidInFullDate)
	assert.Equal(t, finalDay, *paid.PaidInFullDate)

	event, err = f.events.Get(ctx, link.EventID)
	require.NoError(t, err)
	assert.Equal(t, billing.EventPaid, event.Status)
}

func TestApplyPayment_IdempotentByExternalID(t *testing.T) {
	// The sync may deliver the same notice twice; the second application
	// is a no-op, not a double credit.

	f := newFixture(t)
	ctx := context.Background()
	link := f.invoicedLink(t, "PL-1")

	payment := invoicing.Payment{
		ExternalPaymentID: "pay-1",
		Amount:            usd("5000"),
	}

	first, err := f.invoices.ApplyPayment(ctx, link.ID, payment, invoicing.SourceExternalSync, "sync")
	require.NoError(t, err)
	assert.Equal(t, "5000.00", first.TotalPaid.String())

	replay, err := f.invoices.ApplyPayment(ctx, link.ID, payment, invoicing.SourceExternalSync, "sync")
	require.NoError(t, err)
	assert.Equal(t, "5000.00", replay.TotalPaid.String())
	assert.Len(t, replay.Payments, 1)
}

func TestApplyPayment_CurrencyMismatchRejected(t *testing.T) {
	// No FX at the payment layer: a EUR payment cannot settle a USD
	// invoice, and a wrong-currency sync notice must not corrupt totals.

	f := newFixture(t)
	link := f.invoicedLink(t, "PL-1")

	_, err := f.invoices.ApplyPayment(context.Background(), link.ID, invoicing.Payment{
		ExternalPaymentID: "pay-1",
		Amount:            billing.NewMoneyFromDecimal(dec("5000"), "EUR"),
	}, invoicing.SourcePortal, "clerk")

	assert.Equal(t, billing.CodeValidation, billing.Code(err))
}

func TestApplyPayment_OverpaymentClampsBalance(t *testing.T) {
	f := newFixture(t)
	link := f.invoicedLink(t, "PL-1")

	paid, err := f.invoices.ApplyPayment(context.Background(), link.ID, invoicing.Payment{
		ExternalPaymentID: "pay-1",
		Amount:            usd("20000"),
	}, invoicing.SourcePortal, "clerk")
	require.NoError(t, err)

	assert.Equal(t, invoicing.InvoicePaid, paid.Status)
	assert.True(t, paid.Balance.IsZero(), "balance floors at zero")
	assert.Equal(t, "20000.00", paid.TotalPaid.String(), "total paid records what actually arrived")
}

func TestApplyPayment_NonPositiveRejected(t *testing.T) {
	f := newFixture(t)
	link := f.invoicedLink(t, "PL-1")

	_, err := f.invoices.ApplyPayment(context.Background(), link.ID, invoicing.Payment{
		Amount: usd("0"),
	}, invoicing.SourcePortal, "clerk")
	assert.Equal(t, billing.CodeValidation, billing.Code(err))

	_, err = f.invoices.ApplyPayment(context.Background(), link.ID, invoicing.Payment{
		Amount: usd("-100"),
	}, invoicing.SourcePortal, "clerk")
	assert.Equal(t, billing.CodeValidation, billing.Code(err))
}

func TestApplyPayment_VoidedInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.invoicedLink(t, "PL-1")

	_, err := f.invoices.UpdateStatusFromExternalSync(ctx, link.ID, invoicing.InvoiceVoided, "voided downstream")
	require.NoError(t, err)

	_, err = f.invoices.ApplyPayment(ctx, link.ID, invoicing.Payment{
		ExternalPaymentID: "pay-1",
		Amount:            usd("5000"),
	}, invoicing.SourcePortal, "clerk")
	assert.Equal(t, billing.CodeValidation, billing.Code(err))
}

// =============================================================================
// EXTERNAL SYNC OVERRIDE
// =============================================================================

func TestExternalSyncOverride_TagsHistory(t *testing.T) {
	// Every sync observation lands in history tagged external_sync, even
	// a void. Portal changes stay tagged portal.

	f := newFixture(t)
	ctx := context.Background()
	link := f.invoicedLink(t, "PL-1")

	updated, err := f.invoices.UpdateStatusFromExternalSync(ctx, link.ID, invoicing.InvoiceVoided, "credit memo issued")
	require.NoError(t, err)

	assert.Equal(t, invoicing.InvoiceVoided, updated.Status)

	last := updated.StatusHistory[len(updated.StatusHistory)-1]
	assert.Equal(t, invoicing.SourceExternalSync, last.Source)
	assert.Equal(t, "sync", last.Actor)
	assert.Equal(t, "credit memo issued", last.Reason)

	first := updated.StatusHistory[0]
	assert.Equal(t, invoicing.SourcePortal, first.Source)
}

// =============================================================================
// OVERDUE
// =============================================================================

func TestListOverdue(t *testing.T) {
	// GIVEN: An invoice due July 1
	// WHEN: The clock passes the due date with a balance outstanding
	// THEN: The link is overdue; paying it clears the overdue state

	f := newFixture(t)
	ctx := context.Background()
	link := f.invoicedLink(t, "PL-1")

	// Still before due date: nothing overdue.
	overdue, err := f.invoices.ListOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// 45 days past due.
	f.invoices.WithClock(func() time.Time {
		return time.Date(2025, time.August, 15, 9, 0, 0, 0, time.UTC)
	})

	overdue, err = f.invoices.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, link.ID, overdue[0].ID)
	assert.Equal(t, 45, overdue[0].DaysOverdue(time.Date(2025, time.August, 15, 9, 0, 0, 0, time.UTC)))

	// Settle it; a paid invoice is never overdue.
	_, err = f.invoices.ApplyPayment(ctx, link.ID, invoicing.Payment{
		ExternalPaymentID: "pay-1",
		Amount:            usd("13500"),
	}, invoicing.SourcePortal, "clerk")
	require.NoError(t, err)

	overdue, err = f.invoices.ListOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestAgingBuckets(t *testing.T) {
	cases := []struct {
		days int
		want invoicing.AgingBucket
	}{
		{0, invoicing.BucketCurrent},
		{1, invoicing.Bucket1To30},
		{30, invoicing.Bucket1To30},
		{31, invoicing.Bucket31To60},
		{45, invoicing.Bucket31To60},
		{60, invoicing.Bucket31To60},
		{61, invoicing.Bucket61To90},
		{90, invoicing.Bucket61To90},
		{91, invoicing.Bucket90Plus},
		{400, invoicing.Bucket90Plus},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, invoicing.Bucket(tc.days), "days=%d", tc.days)
	}
}

func TestZeroBalanceNeverOverdue(t *testing.T) {
	link := &invoicing.InvoiceLink{
		DueDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Balance: billing.NewMoneyFromDecimal(dec("0"), "USD"),
	}
	asOf := time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, link.IsOverdue(asOf))
	assert.Equal(t, 0, link.DaysOverdue(asOf))
}
