package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/billing-engine/billing"
)

func TestMoney_StringIsBareCents(t *testing.T) {
	// String carries the amount only; currency is its own field on every
	// serialized form.

	m := billing.NewMoneyFromDecimal(billing.MustParseDecimal("13500"), "USD")
	assert.Equal(t, "13500.00", m.String())
	assert.Equal(t, "USD", m.Currency)

	assert.Equal(t, "0.00", m.Zero().String())
	assert.Equal(t, "9999.99", billing.NewMoney(9999.99, "EUR").String())
}

func TestMoney_RoundBilling(t *testing.T) {
	m := billing.NewMoneyFromDecimal(billing.MustParseDecimal("41.665"), "USD")
	assert.Equal(t, "41.67", m.RoundBilling().String(), "half up at the cent")

	down := billing.NewMoneyFromDecimal(billing.MustParseDecimal("41.664"), "USD")
	assert.Equal(t, "41.66", down.RoundBilling().String())
}
