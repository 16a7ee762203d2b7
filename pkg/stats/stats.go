// Package stats maintains cached funding totals per campaign. The cache
// is derived from the pledge ledger by incremental deltas and can always
// be rebuilt from scratch with Recalculate.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/ledger"
	"github.com/fundlane/fundlane/pkg/model"
)

const statsPath = "stats:%s"

type Stats struct {
	storage db.Storage
	ledger  *ledger.Ledger
}

func New(storage db.Storage, l *ledger.Ledger) *Stats {
	return &Stats{storage: storage, ledger: l}
}

// Get returns the cached totals for a campaign, zero-valued if nothing
// has been recorded yet.
func (s *Stats) Get(ctx context.Context, slug string) (*model.CampaignStats, error) {
	cached := model.CampaignStats{}

	err := s.storage.Get(ctx, s.key(slug), &cached)
	if err != nil && err != model.ErrNotFound {
		return nil, err
	}

	if cached.TierCounts == nil {
		cached.TierCounts = map[string]int{}
	}
	if cached.SupportItems == nil {
		cached.SupportItems = map[string]int64{}
	}

	return &cached, nil
}

// Add counts a newly created pledge. The pledged amount uses the
// pre-tax subtotal so displayed progress matches the goal's units.
func (s *Stats) Add(ctx context.Context, pledge *model.Pledge) error {
	return s.apply(ctx, pledge.CampaignSlug, func(cached *model.CampaignStats) {
		cached.PledgedAmount += pledgedAmount(pledge)
		cached.PledgeCount++

		for _, sel := range pledge.Tiers() {
			cached.TierCounts[sel.ID] += sel.Qty
		}
		for _, item := range pledge.SupportItems {
			cached.SupportItems[item.ID] += item.Amount
		}
	})
}

// Remove uncounts a cancelled pledge. Deltas are the pre-cancellation
// values, since cancellation zeroes the record's totals.
func (s *Stats) Remove(ctx context.Context, slug string, subtotal int64, tiers []model.TierSelection, items []model.SupportItem) error {
	return s.apply(ctx, slug, func(cached *model.CampaignStats) {
		cached.PledgedAmount -= subtotal
		if cached.PledgedAmount < 0 {
			cached.PledgedAmount = 0
		}

		if cached.PledgeCount > 0 {
			cached.PledgeCount--
		}

		for _, sel := range tiers {
			cached.TierCounts[sel.ID] -= sel.Qty
			if cached.TierCounts[sel.ID] <= 0 {
				delete(cached.TierCounts, sel.ID)
			}
		}
		for _, item := range items {
			cached.SupportItems[item.ID] -= item.Amount
			if cached.SupportItems[item.ID] <= 0 {
				delete(cached.SupportItems, item.ID)
			}
		}
	})
}

// ApplyModify moves the totals by the same deltas a modify event wrote
// to the ledger.
func (s *Stats) ApplyModify(ctx context.Context, slug string, subtotalDelta int64, before, after *model.Pledge) error {
	return s.apply(ctx, slug, func(cached *model.CampaignStats) {
		cached.PledgedAmount += subtotalDelta
		if cached.PledgedAmount < 0 {
			cached.PledgedAmount = 0
		}

		for _, sel := range before.Tiers() {
			cached.TierCounts[sel.ID] -= sel.Qty
			if cached.TierCounts[sel.ID] <= 0 {
				delete(cached.TierCounts, sel.ID)
			}
		}
		for _, sel := range after.Tiers() {
			cached.TierCounts[sel.ID] += sel.Qty
		}

		for _, item := range before.SupportItems {
			cached.SupportItems[item.ID] -= item.Amount
			if cached.SupportItems[item.ID] <= 0 {
				delete(cached.SupportItems, item.ID)
			}
		}
		for _, item := range after.SupportItems {
			cached.SupportItems[item.ID] += item.Amount
		}
	})
}

// Recalculate rebuilds the totals from the ledger, summing over every
// non-cancelled pledge. This is the canonical correctness check for the
// incremental path.
func (s *Stats) Recalculate(ctx context.Context, slug string) (*model.CampaignStats, error) {
	rebuilt := model.CampaignStats{
		TierCounts:   map[string]int{},
		SupportItems: map[string]int64{},
	}

	err := s.ledger.WalkCampaign(ctx, slug, func(p *model.Pledge) error {
		if p.Status == model.StatusCancelled {
			return nil
		}

		rebuilt.PledgedAmount += pledgedAmount(p)
		rebuilt.PledgeCount++

		for _, sel := range p.Tiers() {
			rebuilt.TierCounts[sel.ID] += sel.Qty
		}
		for _, item := range p.SupportItems {
			rebuilt.SupportItems[item.ID] += item.Amount
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	rebuilt.UpdatedAt = time.Now().UTC()
	if err := s.storage.Put(ctx, s.key(slug), &rebuilt, 0); err != nil {
		return nil, err
	}

	return &rebuilt, nil
}

func (s *Stats) apply(ctx context.Context, slug string, mutate func(cached *model.CampaignStats)) error {
	cached, err := s.Get(ctx, slug)
	if err != nil {
		return err
	}

	mutate(cached)
	cached.UpdatedAt = time.Now().UTC()

	return s.storage.Put(ctx, s.key(slug), cached, 0)
}

// pledgedAmount prefers the pre-tax subtotal, falling back to the
// tax-inclusive amount for records written before subtotals existed.
func pledgedAmount(p *model.Pledge) int64 {
	if p.Subtotal > 0 {
		return p.Subtotal
	}

	return p.Amount
}

func (s *Stats) key(slug string) string {
	return fmt.Sprintf(statsPath, slug)
}
