package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/model"
)

var testCtx = context.TODO()

func newLedger(t *testing.T) *Ledger {
	t.Helper()

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, storage.Close())
	})

	return New(storage)
}

func getPledge() *model.Pledge {
	return &model.Pledge{
		OrderID:               "ord_1",
		Email:                 "Backer@Example.com",
		CampaignSlug:          "zine",
		TierID:                "paperback",
		TierQty:               1,
		Subtotal:              10000,
		Tax:                   788,
		Amount:                10788,
		StripeCustomerID:      "cus_1",
		StripePaymentMethodID: "pm_1",
		StripeSetupIntentID:   "seti_1",
	}
}

func TestLedger_Create(t *testing.T) {
	l := newLedger(t)

	err := l.Create(testCtx, getPledge())
	require.NoError(t, err)

	actual, err := l.Get(testCtx, "ord_1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusActive, actual.Status)
	assert.False(t, actual.Charged)
	assert.Equal(t, "backer@example.com", actual.Email)
	require.Len(t, actual.History, 1)
	assert.Equal(t, model.EventCreated, actual.History[0].Type)
	assert.EqualValues(t, 10000, actual.History[0].SubtotalDelta)
}

func TestLedger_CreateDuplicate(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	err := l.Create(testCtx, getPledge())
	assert.Equal(t, model.ErrAlreadyExists, err)
}

func TestLedger_OrdersByEmail(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	second := getPledge()
	second.OrderID = "ord_2"
	require.NoError(t, l.Create(testCtx, second))

	orders, err := l.OrdersByEmail(testCtx, "backer@example.com")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ord_1", "ord_2"}, orders)

	orders, err = l.OrdersByEmail(testCtx, "nobody@example.com")
	assert.NoError(t, err)
	assert.Empty(t, orders)
}

func TestLedger_Cancel(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	actual, err := l.Cancel(testCtx, "ord_1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusCancelled, actual.Status)
	assert.False(t, actual.Charged)
	assert.EqualValues(t, 0, actual.Amount)

	// Replaying history still reconstructs the current totals
	subtotal, tax, amount := actual.ReplayHistory()
	assert.EqualValues(t, 0, subtotal)
	assert.EqualValues(t, 0, tax)
	assert.EqualValues(t, 0, amount)

	// Cancelling twice is rejected
	_, err = l.Cancel(testCtx, "ord_1")
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestLedger_Modify(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	actual, err := l.Modify(testCtx, "ord_1", Changes{
		TierID:   "deluxe",
		TierQty:  1,
		Subtotal: 15000,
		Tax:      1181,
		Amount:   16181,
	})
	require.NoError(t, err)

	assert.Equal(t, "deluxe", actual.TierID)
	assert.EqualValues(t, 15000, actual.Subtotal)
	require.Len(t, actual.History, 2)
	assert.Equal(t, model.EventModified, actual.History[1].Type)
	assert.EqualValues(t, 5000, actual.History[1].SubtotalDelta)

	subtotal, tax, amount := actual.ReplayHistory()
	assert.EqualValues(t, actual.Subtotal, subtotal)
	assert.EqualValues(t, actual.Tax, tax)
	assert.EqualValues(t, actual.Amount, amount)
}

func TestLedger_MarkCharged(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	actual, err := l.MarkCharged(testCtx, "ord_1", "pi_1")
	require.NoError(t, err)

	assert.True(t, actual.Charged)
	assert.Equal(t, model.StatusCharged, actual.Status)
	assert.Equal(t, "pi_1", actual.StripePaymentIntentID)
	assert.False(t, actual.ChargedAt.IsZero())
}

func TestLedger_NoMutationOnceCharged(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	_, err := l.MarkCharged(testCtx, "ord_1", "pi_1")
	require.NoError(t, err)

	_, err = l.Cancel(testCtx, "ord_1")
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = l.Modify(testCtx, "ord_1", Changes{TierID: "deluxe", Subtotal: 1})
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = l.MarkCharged(testCtx, "ord_1", "pi_2")
	assert.ErrorIs(t, err, model.ErrForbidden)

	actual, err := l.Get(testCtx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", actual.StripePaymentIntentID)
}

func TestLedger_PaymentFailureAndRecovery(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	actual, err := l.MarkPaymentFailed(testCtx, "ord_1", "card declined")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaymentFailed, actual.Status)
	assert.Equal(t, "card declined", actual.LastPaymentError)
	assert.False(t, actual.Charged)

	actual, err = l.UpdatePaymentMethod(testCtx, "ord_1", "", "pm_2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, actual.Status)
	assert.Equal(t, "pm_2", actual.StripePaymentMethodID)
	assert.Empty(t, actual.LastPaymentError)
}

func TestLedger_WalkCampaign(t *testing.T) {
	l := newLedger(t)

	require.NoError(t, l.Create(testCtx, getPledge()))

	other := getPledge()
	other.OrderID = "ord_2"
	other.CampaignSlug = "album"
	require.NoError(t, l.Create(testCtx, other))

	var slugs []string
	err := l.WalkCampaign(testCtx, "zine", func(p *model.Pledge) error {
		slugs = append(slugs, p.CampaignSlug)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"zine"}, slugs)
}
