package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*billing.EventLedger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ledger := billing.NewEventLedger(mem, mem, billing.NewFeeCalculator(), mem, nil)
	return ledger, mem
}

func contingencyPolicy(clientID billing.ClientID, clientCode string) *billing.FeePolicy {
	return &billing.FeePolicy{
		ID:         billing.PolicyID(string(clientID) + "-fees"),
		ClientID:   clientID,
		ClientCode: clientCode,
		Name:       "Standard Contingency",
		Rules: []billing.FeeRule{
			{
				FeeType:   billing.FeePlacement,
				Kind:      billing.FeeKindPercentage,
				Value:     dec("15"),
				BaseField: "annual_salary",
			},
			{
				FeeType: billing.FeeRetainer,
				Kind:    billing.FeeKindFixed,
				Value:   dec("500"),
			},
		},
		Currency:         "USD",
		PaymentTermsDays: 30,
		Version:          1,
		IsActive:         true,
	}
}

func placementInput(clientID billing.ClientID, clientCode, control string) billing.CreateInput {
	return billing.CreateInput{
		ClientID:      clientID,
		ClientCode:    clientCode,
		ControlNumber: control,
		TriggerDate:   march10(),
		TriggerType:   billing.TriggerStartDate,
		FeeType:       billing.FeePlacement,
		BaseAmount:    decPtr("90000"),
		Actor:         "tester",
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestEventLedger_Create_ComputesFeeFromPolicy(t *testing.T) {
	// GIVEN: A 15% contingency policy
	// WHEN: Creating an event with a $90,000 salary base
	// THEN: Amount is $13,500, status PENDING, policy version frozen

	ledger, _ := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")

	event, err := ledger.Create(context.Background(), policy, placementInput("client-1", "ACME", "PL-1001"))
	require.NoError(t, err)

	assert.Equal(t, "13500.00", event.Amount.String())
	assert.Equal(t, "USD", event.Amount.Currency)
	assert.Equal(t, billing.EventPending, event.Status)
	assert.Equal(t, policy.ID, event.PolicyID)
	assert.Equal(t, 1, event.PolicyVersion)
	assert.Equal(t, "ACME-PL-1001-20250310-PLACEMENT", event.IdempotencyKey)

	require.Len(t, event.StatusHistory, 1)
	assert.Equal(t, 1, event.StatusHistory[0].Seq)
	assert.Equal(t, billing.EventPending, event.StatusHistory[0].Status)
	assert.Equal(t, "tester", event.StatusHistory[0].Actor)
}

func TestEventLedger_Create_ClientCodeFilledFromPolicy(t *testing.T) {
	// GIVEN: An upstream row that carries no client code
	// WHEN: Creating the event under the client's policy
	// THEN: The policy's code feeds the key, so the event dedupes against
	//       one created with the code spelled out

	ledger, _ := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")
	ctx := context.Background()

	in := placementInput("client-1", "", "PL-1001")
	event, err := ledger.Create(ctx, policy, in)
	require.NoError(t, err)
	assert.Equal(t, "ACME", event.ClientCode)
	assert.Equal(t, "ACME-PL-1001-20250310-PLACEMENT", event.IdempotencyKey)

	_, err = ledger.Create(ctx, policy, placementInput("client-1", "ACME", "PL-1001"))
	var dup *billing.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, event.ID, dup.ExistingEventID)
}

func TestEventLedger_Create_NegotiatedAmountOverridesPolicy(t *testing.T) {
	// An upstream row that already carries a negotiated figure wins over
	// the computed fee.

	ledger, _ := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")

	in := placementInput("client-1", "ACME", "PL-1001")
	negotiated := billing.NewMoneyFromDecimal(dec("9999.999"), "USD")
	in.Amount = &negotiated

	event, err := ledger.Create(context.Background(), policy, in)
	require.NoError(t, err)
	assert.Equal(t, "10000.00", event.Amount.String(), "override is rounded to cents")
}

func TestEventLedger_Create_DuplicateKeyRejected(t *testing.T) {
	// GIVEN: An event already created for this trigger
	// WHEN: The same trigger is re-read from the source
	// THEN: DuplicateKeyError naming the existing event; no second event

	ledger, mem := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")
	ctx := context.Background()

	first, err := ledger.Create(ctx, policy, placementInput("client-1", "ACME", "PL-1001"))
	require.NoError(t, err)

	_, err = ledger.Create(ctx, policy, placementInput("client-1", "ACME", "PL-1001"))
	require.Error(t, err)

	var dup *billing.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingEventID)
	assert.Equal(t, billing.CodeDuplicate, billing.Code(err))

	events, err := mem.ListEventsByClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "duplicate must not create a second event")
}

func TestEventLedger_Create_ConcurrentSameKey_ExactlyOneWins(t *testing.T) {
	// Two goroutines race on the same idempotency key: exactly one event
	// is created, every other attempt gets a Duplicate failure.

	ledger, mem := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Create(ctx, policy, placementInput("client-1", "ACME", "PL-1001"))
		}(i)
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		var dup *billing.DuplicateKeyError
		require.ErrorAs(t, err, &dup)
		duplicates++
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, duplicates)

	events, err := mem.ListEventsByClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLedger_Create_FeeUnavailableWithoutBase(t *testing.T) {
	// A percentage rule with no base and no override cannot produce an
	// amount; the event must not be created.

	ledger, mem := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")

	in := placementInput("client-1", "ACME", "PL-1001")
	in.BaseAmount = nil

	_, err := ledger.Create(context.Background(), policy, in)
	require.Error(t, err)
	assert.Equal(t, billing.CodeFeeUnavailable, billing.Code(err))

	events, _ := mem.ListEventsByClient(context.Background(), "client-1")
	assert.Empty(t, events)
}

func TestEventLedger_Create_RequiresActor(t *testing.T) {
	ledger, _ := newTestLedger(t)
	policy := contingencyPolicy("client-1", "ACME")

	in := placementInput("client-1", "ACME", "PL-1001")
	in.Actor = ""

	_, err := ledger.Create(context.Background(), policy, in)
	assert.Equal(t, billing.CodeValidation, billing.Code(err))
}

// =============================================================================
// BULK CREATE
// =============================================================================

func TestEventLedger_BulkCreate_PartialFailure(t *testing.T) {
	// GIVEN: A batch of 5 triggers where #2 duplicates #0 and #4 has no
	//        active policy
	// WHEN: BulkCreate runs
	// THEN: 3 created, 1 duplicate, 1 error; good items are unaffected

	ledger, mem := newTestLedger(t)
	mem.SetPolicy("client-1", contingencyPolicy("client-1", "ACME"))

	inputs := []billing.CreateInput{
		placementInput("client-1", "ACME", "PL-1"),
		placementInput("client-1", "ACME", "PL-2"),
		placementInput("client-1", "ACME", "PL-1"), // same trigger as index 0
		placementInput("client-1", "ACME", "PL-3"),
		placementInput("client-unknown", "NOPE", "PL-4"), // no policy
	}

	result, err := ledger.BulkCreate(context.Background(), inputs)
	require.NoError(t, err)

	assert.Len(t, result.Created, 3)

	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, 2, result.Duplicates[0].Index)
	assert.Equal(t, result.Created[0].ID, result.Duplicates[0].ExistingEventID)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, 4, result.Errors[0].Index)
	assert.Equal(t, billing.CodeNotFound, result.Errors[0].Code)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func createPending(t *testing.T, ledger *billing.EventLedger, control string) *billing.BillableEvent {
	t.Helper()
	policy := contingencyPolicy("client-1", "ACME")
	event, err := ledger.Create(context.Background(), policy, placementInput("client-1", "ACME", control))
	require.NoError(t, err)
	return event
}

func TestEventLedger_ApprovalWorkflow(t *testing.T) {
	// PENDING -> APPROVED records approver and timestamp.

	ledger, _ := newTestLedger(t)
	fixed := time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)
	ledger.WithClock(func() time.Time { return fixed })

	event := createPending(t, ledger, "PL-1")
	approved, err := ledger.Approve(context.Background(), event.ID, "manager", "verified")
	require.NoError(t, err)

	assert.Equal(t, billing.EventApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, fixed, *approved.ApprovedAt)
	assert.Equal(t, "manager", approved.ApprovedBy)

	require.Len(t, approved.StatusHistory, 2)
	assert.Equal(t, 2, approved.StatusHistory[1].Seq)
	assert.Equal(t, billing.EventApproved, approved.StatusHistory[1].Status)
}

func TestEventLedger_Hold_RequiresReason(t *testing.T) {
	ledger, _ := newTestLedger(t)
	event := createPending(t, ledger, "PL-1")

	_, err := ledger.Hold(context.Background(), event.ID, "manager", "")
	assert.Equal(t, billing.CodeValidation, billing.Code(err))

	held, err := ledger.Hold(context.Background(), event.ID, "manager", "client dispute")
	require.NoError(t, err)
	assert.Equal(t, billing.EventHold, held.Status)
	assert.Equal(t, "client dispute", held.HoldReason)
}

func TestEventLedger_HoldLiftsToApproved(t *testing.T) {
	// A lifted hold lands on APPROVED and clears the hold reason.

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	event := createPending(t, ledger, "PL-1")

	_, err := ledger.Hold(ctx, event.ID, "manager", "client dispute")
	require.NoError(t, err)

	lifted, err := ledger.Approve(ctx, event.ID, "manager", "dispute resolved")
	require.NoError(t, err)
	assert.Equal(t, billing.EventApproved, lifted.Status)
	assert.Empty(t, lifted.HoldReason)
}

func TestEventLedger_IllegalTransitionRejected(t *testing.T) {
	// A PENDING event cannot be marked invoiced; it must be approved
	// first.

	ledger, _ := newTestLedger(t)
	event := createPending(t, ledger, "PL-1")

	_, err := ledger.MarkInvoiced(context.Background(), event.ID, "system")
	require.Error(t, err)

	var illegal *billing.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, billing.EventPending, illegal.From)
	assert.Equal(t, billing.EventInvoiced, illegal.To)
	assert.Equal(t, billing.CodeIllegalTransition, billing.Code(err))
}

func TestEventLedger_TerminalStatusesReject(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	event := createPending(t, ledger, "PL-1")

	_, err := ledger.Cancel(ctx, event.ID, "manager", "candidate withdrew")
	require.NoError(t, err)

	_, err = ledger.Approve(ctx, event.ID, "manager", "")
	assert.Equal(t, billing.CodeIllegalTransition, billing.Code(err))
}

func TestEventLedger_TransitionUnknownEvent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Approve(context.Background(), "no-such-event", "manager", "")
	assert.Equal(t, billing.CodeNotFound, billing.Code(err))
}

// =============================================================================
// AUDIT
// =============================================================================

func TestEventLedger_AuditTrail(t *testing.T) {
	// Every lifecycle operation leaves an audit entry.

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	event := createPending(t, ledger, "PL-1")
	_, err := ledger.Approve(ctx, event.ID, "manager", "")
	require.NoError(t, err)

	entries, err := mem.Query(ctx, billing.AuditFilter{
		EntityType: "event",
		EntityID:   string(event.ID),
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, billing.AuditEventCreated, entries[0].Action)
	assert.Equal(t, billing.AuditEventApproved, entries[1].Action)
	assert.Equal(t, string(billing.EventPending), entries[1].Before)
	assert.Equal(t, string(billing.EventApproved), entries[1].After)
}
