/*
report.go - Reconciliation and aging reports over invoice links

PURPOSE:
  Read-only rollups for the finance view: how much is outstanding, where
  it sits by status, and how stale the overdue portion is. Reports never
  mutate anything; overdue is computed at read time from balance and due
  date, the same way everywhere.

CURRENCY:
  Sums are kept per currency. Mixing currencies into one total would be
  silently wrong, so every aggregate is keyed by currency code.
*/
package invoicing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// REPORT SHAPES
// =============================================================================

// StatusBucket aggregates links sharing a status and currency.
type StatusBucket struct {
	Status   InvoiceStatus   `json:"status"`
	Currency string          `json:"currency"`
	Count    int             `json:"count"`
	Total    decimal.Decimal `json:"total"`
	Balance  decimal.Decimal `json:"balance"`
}

// AgingLine is one row of the aging report: a currency's overdue balance
// split into the standard buckets.
type AgingLine struct {
	Currency string                          `json:"currency"`
	Buckets  map[AgingBucket]decimal.Decimal `json:"buckets"`
	Count    map[AgingBucket]int             `json:"counts"`
	Total    decimal.Decimal                 `json:"total"`
}

// ReconciliationSummary is the full report as of a point in time.
type ReconciliationSummary struct {
	AsOf            time.Time                  `json:"asOf"`
	TotalLinks      int                        `json:"totalLinks"`
	ByStatus        []StatusBucket             `json:"byStatus"`
	Outstanding     map[string]decimal.Decimal `json:"outstanding"`
	OverdueBalance  map[string]decimal.Decimal `json:"overdueBalance"`
	OverdueCount    int                        `json:"overdueCount"`
	Aging           []AgingLine                `json:"aging"`
	OldestOverdueAt *time.Time                 `json:"oldestOverdueAt,omitempty"`
}

// =============================================================================
// REPORTER
// =============================================================================

type ReconciliationReporter struct {
	store InvoiceStore
	now   func() time.Time
}

func NewReconciliationReporter(store InvoiceStore) *ReconciliationReporter {
	return &ReconciliationReporter{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *ReconciliationReporter) WithClock(now func() time.Time) *ReconciliationReporter {
	r.now = now
	return r
}

// Summarize builds the reconciliation report over every link. An empty
// ledger yields a zero summary, not an error.
func (r *ReconciliationReporter) Summarize(ctx context.Context) (*ReconciliationSummary, error) {
	links, err := r.store.ListAllLinks(ctx)
	if err != nil {
		return nil, err
	}
	return r.summarize(links), nil
}

func (r *ReconciliationReporter) summarize(links []*InvoiceLink) *ReconciliationSummary {
	asOf := r.now()
	summary := &ReconciliationSummary{
		AsOf:           asOf,
		TotalLinks:     len(links),
		Outstanding:    map[string]decimal.Decimal{},
		OverdueBalance: map[string]decimal.Decimal{},
	}

	type statusKey struct {
		status   InvoiceStatus
		currency string
	}
	byStatus := map[statusKey]*StatusBucket{}
	aging := map[string]*AgingLine{}

	for _, link := range links {
		currency := link.Amount.Currency

		key := statusKey{link.Status, currency}
		bucket, ok := byStatus[key]
		if !ok {
			bucket = &StatusBucket{Status: link.Status, Currency: currency}
			byStatus[key] = bucket
		}
		bucket.Count++
		bucket.Total = bucket.Total.Add(link.Amount.Amount)
		bucket.Balance = bucket.Balance.Add(link.Balance.Amount)

		if link.Status != InvoiceVoided && link.Balance.IsPositive() {
			summary.Outstanding[currency] = summary.Outstanding[currency].Add(link.Balance.Amount)
		}

		if link.Status == InvoiceVoided || !link.IsOverdue(asOf) {
			continue
		}
		summary.OverdueCount++
		summary.OverdueBalance[currency] = summary.OverdueBalance[currency].Add(link.Balance.Amount)

		due := billing.DateOnly(link.DueDate)
		if summary.OldestOverdueAt == nil || due.Before(*summary.OldestOverdueAt) {
			d := due
			summary.OldestOverdueAt = &d
		}

		line, ok := aging[currency]
		if !ok {
			line = &AgingLine{
				Currency: currency,
				Buckets:  map[AgingBucket]decimal.Decimal{},
				Count:    map[AgingBucket]int{},
			}
			aging[currency] = line
		}
		b := Bucket(link.DaysOverdue(asOf))
		line.Buckets[b] = line.Buckets[b].Add(link.Balance.Amount)
		line.Count[b]++
		line.Total = line.Total.Add(link.Balance.Amount)
	}

	for _, bucket := range byStatus {
		summary.ByStatus = append(summary.ByStatus, *bucket)
	}
	sortStatusBuckets(summary.ByStatus)
	for _, line := range aging {
		summary.Aging = append(summary.Aging, *line)
	}
	sortAgingLines(summary.Aging)

	return summary
}

// Aging builds just the aging report over the currently open links.
func (r *ReconciliationReporter) Aging(ctx context.Context) ([]AgingLine, error) {
	links, err := r.store.ListOpenLinks(ctx)
	if err != nil {
		return nil, err
	}
	return r.summarize(links).Aging, nil
}

// Deterministic output ordering: status then currency, currency alone.
func sortStatusBuckets(buckets []StatusBucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Status != buckets[j].Status {
			return buckets[i].Status < buckets[j].Status
		}
		return buckets[i].Currency < buckets[j].Currency
	})
}

func sortAgingLines(lines []AgingLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].Currency < lines[j].Currency })
}
