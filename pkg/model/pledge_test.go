package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusActive, StatusActive, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusCharged, true},
		{StatusActive, StatusPaymentFailed, true},
		{StatusPaymentFailed, StatusActive, true},
		{StatusPaymentFailed, StatusCharged, true},
		{StatusPaymentFailed, StatusCancelled, false},
		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCharged, StatusActive, false},
		{StatusCharged, StatusCancelled, false},
		{StatusCharged, StatusCharged, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPledge_ReplayHistory(t *testing.T) {
	p := Pledge{
		Subtotal: 8000,
		Tax:      630,
		Amount:   8630,
		History: []Event{
			{Type: EventCreated, SubtotalDelta: 10000, TaxDelta: 788, AmountDelta: 10788},
			{Type: EventModified, SubtotalDelta: -2000, TaxDelta: -158, AmountDelta: -2158},
		},
	}

	subtotal, tax, amount := p.ReplayHistory()
	assert.EqualValues(t, p.Subtotal, subtotal)
	assert.EqualValues(t, p.Tax, tax)
	assert.EqualValues(t, p.Amount, amount)
}

func TestPledge_Chargeable(t *testing.T) {
	p := Pledge{
		Status:                StatusActive,
		StripeCustomerID:      "cus_1",
		StripePaymentMethodID: "pm_1",
	}
	assert.True(t, p.Chargeable())

	failed := p
	failed.Status = StatusPaymentFailed
	assert.False(t, failed.Chargeable())

	charged := p
	charged.Charged = true
	assert.False(t, charged.Chargeable())

	noCredential := p
	noCredential.StripePaymentMethodID = ""
	assert.False(t, noCredential.Chargeable())
}

func TestTax(t *testing.T) {
	assert.EqualValues(t, 788, Tax(10000, DefaultTaxRate))
	assert.EqualValues(t, 0, Tax(0, DefaultTaxRate))
	assert.EqualValues(t, 425, Tax(5394, DefaultTaxRate))
}

func TestCampaign_DeadlinePassed(t *testing.T) {
	c := Campaign{GoalDeadline: "2026-03-01"}

	deadline, err := c.DeadlineTime()
	require.NoError(t, err)

	// End of March 1st in UTC-7 is 06:59:59 UTC on March 2nd
	assert.Equal(t, time.Date(2026, 3, 2, 6, 59, 59, 0, time.UTC).Unix(), deadline.Unix())

	assert.False(t, c.DeadlinePassed(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)))
	assert.True(t, c.DeadlinePassed(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)))

	noDeadline := Campaign{}
	assert.False(t, noDeadline.DeadlinePassed(time.Now()))
}

func TestCampaign_Tier(t *testing.T) {
	c := Campaign{
		Tiers: []Tier{
			{ID: "paperback", Price: 2500, Limit: 100},
			{ID: "deluxe", Price: 10000},
		},
	}

	tier, ok := c.Tier("paperback")
	require.True(t, ok)
	assert.EqualValues(t, 2500, tier.Price)

	_, ok = c.Tier("missing")
	assert.False(t, ok)
}
