/*
scheduler.go - Automated payment sync scheduler

PURPOSE:
  Periodically pulls payment notices from the accounting system and
  applies them to the matching invoice links. This is how payments
  recorded downstream (bank feeds, manual bookkeeping) flow back into
  the ledger without anyone touching the portal.

DESIGN:
  - Runs a background goroutine with configurable poll interval
  - Keeps a cursor: each poll asks for payments since the last one
  - Matches notices to links by external invoice id
  - Applications are idempotent by external payment id, so overlapping
    polls or a rewound cursor never double-credit
  - All applications are tagged external_sync in link history

CONFIGURATION:
  - PollInterval: How often to poll (default: 15 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  sched := NewPaymentSyncScheduler(client, invoices, logger)
  sched.Start()
  // ... later
  sched.Stop()

SEE ALSO:
  - accounting/payload.go: PaymentNotice
  - invoicing/ledger.go: ApplyPayment idempotency
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/accounting"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
)

// PaymentSyncScheduler pulls external payments into the invoice ledger.
type PaymentSyncScheduler struct {
	Client       accounting.Client
	Invoices     *invoicing.InvoiceLedger
	Logger       *zap.Logger
	PollInterval time.Duration
	Enabled      bool

	cursor time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPaymentSyncScheduler creates a new scheduler.
func NewPaymentSyncScheduler(client accounting.Client, invoices *invoicing.InvoiceLedger, logger *zap.Logger) *PaymentSyncScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentSyncScheduler{
		Client:       client,
		Invoices:     invoices,
		Logger:       logger,
		PollInterval: 15 * time.Minute,
		Enabled:      true,
		stop:         make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ps *PaymentSyncScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Logger.Info("payment sync disabled, not starting")
		return
	}

	ps.ticker = time.NewTicker(ps.PollInterval)
	ps.wg.Add(1)

	go ps.run()

	ps.Logger.Info("payment sync started", zap.Duration("poll_interval", ps.PollInterval))
}

// Stop stops the scheduler.
func (ps *PaymentSyncScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.Logger.Info("payment sync stopped")
	}
}

func (ps *PaymentSyncScheduler) run() {
	defer ps.wg.Done()

	// Run immediately on start
	ps.poll()

	for {
		select {
		case <-ps.ticker.C:
			ps.poll()
		case <-ps.stop:
			return
		}
	}
}

func (ps *PaymentSyncScheduler) poll() {
	ctx := context.Background()
	polledAt := time.Now().UTC()

	notices, err := ps.Client.ListPayments(ctx, ps.cursor)
	if err != nil {
		// Cursor stays put; the next poll retries the same window.
		ps.Logger.Warn("payment sync poll failed", zap.Error(err))
		return
	}
	if len(notices) == 0 {
		ps.cursor = polledAt
		return
	}

	applied, skipped, failed := ps.apply(ctx, notices)
	ps.cursor = polledAt

	ps.Logger.Info("payment sync completed",
		zap.Int("notices", len(notices)),
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed))
}

func (ps *PaymentSyncScheduler) apply(ctx context.Context, notices []accounting.PaymentNotice) (applied, skipped, failed int) {
	links, err := ps.Invoices.ListAll(ctx)
	if err != nil {
		ps.Logger.Warn("payment sync could not list links", zap.Error(err))
		return 0, 0, len(notices)
	}

	byExternal := make(map[string]billing.InvoiceLinkID, len(links))
	for _, link := range links {
		byExternal[link.ExternalInvoiceID] = link.ID
	}

	for _, notice := range notices {
		linkID, ok := byExternal[notice.ExternalInvoiceID]
		if !ok {
			// Payment for an invoice this engine did not create.
			ps.Logger.Warn("payment notice for unknown invoice",
				zap.String("external_invoice_id", notice.ExternalInvoiceID),
				zap.String("external_payment_id", notice.ExternalPaymentID))
			skipped++
			continue
		}

		payment := invoicing.Payment{
			ExternalPaymentID: notice.ExternalPaymentID,
			Date:              notice.Date,
			Amount:            billing.Money{Amount: notice.Amount, Currency: notice.Currency},
		}

		before, err := ps.Invoices.Get(ctx, linkID)
		if err != nil {
			failed++
			continue
		}
		prevCount := len(before.Payments)

		link, err := ps.Invoices.ApplyPayment(ctx, linkID, payment, invoicing.SourceExternalSync, "sync")
		if err != nil {
			ps.Logger.Warn("payment sync application failed",
				zap.String("link_id", string(linkID)),
				zap.String("external_payment_id", notice.ExternalPaymentID),
				zap.Error(err))
			failed++
			continue
		}
		if len(link.Payments) == prevCount {
			// Idempotent replay of a payment already applied.
			skipped++
			continue
		}
		applied++
	}
	return applied, skipped, failed
}

// RunNow triggers an immediate poll (for testing/admin).
func (ps *PaymentSyncScheduler) RunNow() {
	ps.poll()
}
