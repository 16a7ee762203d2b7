// Package inventory tracks claimed units for limited-quantity tiers.
// Counters are a projection over the pledge ledger: under concurrent
// claims the limit can be transiently overshot, and Recalculate is the
// authoritative repair path.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/ledger"
	"github.com/fundlane/fundlane/pkg/model"
)

const inventoryPath = "tier-inventory:%s"

type Inventory struct {
	storage db.Storage
	ledger  *ledger.Ledger
}

func New(storage db.Storage, l *ledger.Ledger) *Inventory {
	return &Inventory{storage: storage, ledger: l}
}

// Get returns the current inventory for a campaign, initializing limits
// from the tier definitions if nothing is stored yet.
func (i *Inventory) Get(ctx context.Context, campaign *model.Campaign) (*model.TierInventory, error) {
	inv := model.TierInventory{}

	err := i.storage.Get(ctx, i.key(campaign.Slug), &inv)
	if err != nil && err != model.ErrNotFound {
		return nil, err
	}

	if inv.Tiers == nil {
		inv.Tiers = map[string]*model.TierCount{}
	}

	// Pick up tiers added to the campaign since the record was written
	for _, tier := range campaign.Tiers {
		if _, ok := inv.Tiers[tier.ID]; !ok {
			inv.Tiers[tier.ID] = &model.TierCount{Limit: tier.Limit}
		}
	}

	return &inv, nil
}

// Claim reserves qty units of a tier. Tiers without a declared limit
// always succeed. Returns the remaining count after the claim, with -1
// meaning unlimited.
func (i *Inventory) Claim(ctx context.Context, campaign *model.Campaign, tierID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, nil
	}

	inv, err := i.Get(ctx, campaign)
	if err != nil {
		return 0, err
	}

	count, ok := inv.Tiers[tierID]
	if !ok {
		count = &model.TierCount{}
		inv.Tiers[tierID] = count
	}

	if count.Limit > 0 {
		remaining := count.Limit - count.Claimed
		if qty > remaining {
			return remaining, &model.InsufficientInventoryError{TierID: tierID, Remaining: remaining}
		}
	}

	count.Claimed += qty

	if err := i.put(ctx, campaign.Slug, inv); err != nil {
		return 0, err
	}

	if count.Limit == 0 {
		return -1, nil
	}

	return count.Limit - count.Claimed, nil
}

// Release returns qty units of a tier, floored at zero to be safe
// against a double release.
func (i *Inventory) Release(ctx context.Context, campaign *model.Campaign, tierID string, qty int) error {
	if qty <= 0 {
		return nil
	}

	inv, err := i.Get(ctx, campaign)
	if err != nil {
		return err
	}

	count, ok := inv.Tiers[tierID]
	if !ok {
		return nil
	}

	count.Claimed -= qty
	if count.Claimed < 0 {
		count.Claimed = 0
	}

	return i.put(ctx, campaign.Slug, inv)
}

// Adjust moves a claim from one tier selection to another, used by the
// modify operation. The old units are released first so a downgrade
// within the same tier never fails.
func (i *Inventory) Adjust(ctx context.Context, campaign *model.Campaign, before, after []model.TierSelection) error {
	for _, sel := range before {
		if err := i.Release(ctx, campaign, sel.ID, sel.Qty); err != nil {
			return err
		}
	}

	for _, sel := range after {
		if _, err := i.Claim(ctx, campaign, sel.ID, sel.Qty); err != nil {
			return err
		}
	}

	return nil
}

// Recalculate rebuilds claimed counts from scratch by scanning active,
// uncharged pledges in the ledger.
func (i *Inventory) Recalculate(ctx context.Context, campaign *model.Campaign) (*model.TierInventory, error) {
	inv := model.TierInventory{Tiers: map[string]*model.TierCount{}}

	for _, tier := range campaign.Tiers {
		inv.Tiers[tier.ID] = &model.TierCount{Limit: tier.Limit}
	}

	err := i.ledger.WalkCampaign(ctx, campaign.Slug, func(p *model.Pledge) error {
		if p.Status != model.StatusActive || p.Charged {
			return nil
		}

		for _, sel := range p.Tiers() {
			count, ok := inv.Tiers[sel.ID]
			if !ok {
				count = &model.TierCount{}
				inv.Tiers[sel.ID] = count
			}

			count.Claimed += sel.Qty
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := i.put(ctx, campaign.Slug, &inv); err != nil {
		return nil, err
	}

	return &inv, nil
}

func (i *Inventory) put(ctx context.Context, slug string, inv *model.TierInventory) error {
	inv.UpdatedAt = time.Now().UTC()
	return i.storage.Put(ctx, i.key(slug), inv, 0)
}

func (i *Inventory) key(slug string) string {
	return fmt.Sprintf(inventoryPath, slug)
}
