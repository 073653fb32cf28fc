package accounting

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// STUB CLIENT - Local sequence-numbered invoices, for dev and tests
// =============================================================================

// StubClient fakes the accounting system: it hands out sequential document
// numbers and can be primed with payment notices. The real client (OAuth,
// REST) lives outside this repository.
type StubClient struct {
	mu       sync.Mutex
	seq      int
	payments []PaymentNotice

	// FailNext forces the next CreateInvoice to fail, for retry tests.
	FailNext bool
}

func NewStubClient() *StubClient { return &StubClient{} }

func (c *StubClient) CreateInvoice(_ context.Context, req InvoiceRequest) (InvoiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailNext {
		c.FailNext = false
		return InvoiceResponse{}, fmt.Errorf("accounting system unavailable")
	}

	c.seq++
	now := time.Now().UTC()
	return InvoiceResponse{
		ExternalID:     fmt.Sprintf("ext-%06d", c.seq),
		DocumentNumber: fmt.Sprintf("INV-%06d", c.seq),
		InvoiceDate:    now,
		DueDate:        req.DueDate,
	}, nil
}

func (c *StubClient) ListPayments(_ context.Context, since time.Time) ([]PaymentNotice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PaymentNotice
	for _, p := range c.payments {
		if !p.Date.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// AddPayment primes a payment notice for the next sync poll.
func (c *StubClient) AddPayment(p PaymentNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payments = append(c.payments, p)
}
