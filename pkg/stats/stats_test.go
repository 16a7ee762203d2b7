package stats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/ledger"
	"github.com/fundlane/fundlane/pkg/model"
)

var testCtx = context.TODO()

func newStats(t *testing.T) (*Stats, *ledger.Ledger) {
	t.Helper()

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, storage.Close())
	})

	l := ledger.New(storage)
	return New(storage, l), l
}

func getPledge() *model.Pledge {
	return &model.Pledge{
		OrderID:      "ord_1",
		Email:        "a@x",
		CampaignSlug: "zine",
		TierID:       "paperback",
		TierQty:      2,
		SupportItems: []model.SupportItem{{ID: "coffee", Amount: 500}},
		Subtotal:     10000,
		Tax:          788,
		Amount:       10788,
	}
}

func TestStats_Add(t *testing.T) {
	s, _ := newStats(t)

	require.NoError(t, s.Add(testCtx, getPledge()))

	cached, err := s.Get(testCtx, "zine")
	require.NoError(t, err)

	// Progress counts the pre-tax subtotal
	assert.EqualValues(t, 10000, cached.PledgedAmount)
	assert.Equal(t, 1, cached.PledgeCount)
	assert.Equal(t, 2, cached.TierCounts["paperback"])
	assert.EqualValues(t, 500, cached.SupportItems["coffee"])
	assert.False(t, cached.UpdatedAt.IsZero())
}

func TestStats_AddLegacyAmountFallback(t *testing.T) {
	s, _ := newStats(t)

	legacy := getPledge()
	legacy.Subtotal = 0
	legacy.Amount = 10788

	require.NoError(t, s.Add(testCtx, legacy))

	cached, err := s.Get(testCtx, "zine")
	require.NoError(t, err)
	assert.EqualValues(t, 10788, cached.PledgedAmount)
}

func TestStats_Remove(t *testing.T) {
	s, _ := newStats(t)

	pledge := getPledge()
	require.NoError(t, s.Add(testCtx, pledge))

	err := s.Remove(testCtx, "zine", 10000, pledge.Tiers(), pledge.SupportItems)
	require.NoError(t, err)

	cached, err := s.Get(testCtx, "zine")
	require.NoError(t, err)
	assert.EqualValues(t, 0, cached.PledgedAmount)
	assert.Equal(t, 0, cached.PledgeCount)
	assert.Empty(t, cached.TierCounts)
	assert.Empty(t, cached.SupportItems)
}

func TestStats_ApplyModify(t *testing.T) {
	s, _ := newStats(t)

	before := getPledge()
	require.NoError(t, s.Add(testCtx, before))

	after := getPledge()
	after.TierID = "deluxe"
	after.TierQty = 1
	after.Subtotal = 15000

	err := s.ApplyModify(testCtx, "zine", after.Subtotal-before.Subtotal, before, after)
	require.NoError(t, err)

	cached, err := s.Get(testCtx, "zine")
	require.NoError(t, err)
	assert.EqualValues(t, 15000, cached.PledgedAmount)
	assert.Equal(t, 1, cached.TierCounts["deluxe"])
	assert.NotContains(t, cached.TierCounts, "paperback")
}

func TestStats_Recalculate(t *testing.T) {
	s, l := newStats(t)

	first := getPledge()
	require.NoError(t, l.Create(testCtx, first))

	second := getPledge()
	second.OrderID = "ord_2"
	second.Email = "b@x"
	second.Subtotal = 5000
	second.Tax = 394
	second.Amount = 5394
	require.NoError(t, l.Create(testCtx, second))

	cancelled := getPledge()
	cancelled.OrderID = "ord_3"
	cancelled.Email = "c@x"
	require.NoError(t, l.Create(testCtx, cancelled))
	_, err := l.Cancel(testCtx, "ord_3")
	require.NoError(t, err)

	// Cached totals drifted (never incremented at all), repair them
	rebuilt, err := s.Recalculate(testCtx, "zine")
	require.NoError(t, err)

	assert.EqualValues(t, 15000, rebuilt.PledgedAmount)
	assert.Equal(t, 2, rebuilt.PledgeCount)
	assert.Equal(t, 4, rebuilt.TierCounts["paperback"])
}
