// Package ledger keeps pledge records in the key-value store: one record
// per order id plus a secondary email index, with an append-only history
// on every record. It is the single source of truth all aggregates
// (stats, tier inventory) are derived from.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/model"
)

const (
	pledgePrefix = "pledge:"
	pledgePath   = "pledge:%s"
	emailPath    = "email:%s"
)

type Ledger struct {
	storage db.Storage
}

func New(storage db.Storage) *Ledger {
	return &Ledger{storage: storage}
}

// Create inserts a new pledge. A duplicate order id fails with
// ErrAlreadyExists, which is the defense against repeated webhook
// deliveries racing past the event-id dedup.
func (l *Ledger) Create(ctx context.Context, pledge *model.Pledge) error {
	if pledge.OrderID == "" || pledge.Email == "" || pledge.CampaignSlug == "" {
		return errors.New("order id, email and campaign are required")
	}

	now := time.Now().UTC()

	pledge.Email = strings.ToLower(pledge.Email)
	pledge.Status = model.StatusActive
	pledge.Charged = false
	pledge.CreatedAt = now
	pledge.UpdatedAt = now
	pledge.History = []model.Event{
		{
			Type:          model.EventCreated,
			SubtotalDelta: pledge.Subtotal,
			TaxDelta:      pledge.Tax,
			AmountDelta:   pledge.Amount,
			Tiers:         pledge.Tiers(),
			At:            now,
		},
	}

	if err := l.storage.Create(ctx, l.pledgeKey(pledge.OrderID), pledge, 0); err != nil {
		return err
	}

	return l.indexEmail(ctx, pledge.Email, pledge.OrderID)
}

// Get reads one pledge by order id
func (l *Ledger) Get(ctx context.Context, orderID string) (*model.Pledge, error) {
	pledge := model.Pledge{}
	if err := l.storage.Get(ctx, l.pledgeKey(orderID), &pledge); err != nil {
		return nil, err
	}

	return &pledge, nil
}

// OrdersByEmail returns the order ids recorded for an email address
func (l *Ledger) OrdersByEmail(ctx context.Context, email string) ([]string, error) {
	var orders []string
	err := l.storage.Get(ctx, l.emailKey(email), &orders)
	if err == model.ErrNotFound {
		return nil, nil
	}

	return orders, err
}

// Update applies a mutation to a pledge. The callback may change fields
// and return one history event to append. Charged pledges reject any
// mutation, and the charged flag is re-checked right before the write
// since the store offers no compare-and-swap.
func (l *Ledger) Update(ctx context.Context, orderID string, mutate func(p *model.Pledge) (*model.Event, error)) (*model.Pledge, error) {
	pledge, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if pledge.Charged {
		return nil, model.ErrForbidden
	}

	prev := pledge.Status

	event, err := mutate(pledge)
	if err != nil {
		return nil, err
	}

	if !model.CanTransition(prev, pledge.Status) {
		return nil, errors.Wrapf(model.ErrForbidden, "illegal transition %s -> %s", prev, pledge.Status)
	}

	// Last look before the write narrows the window between concurrent
	// settlement runs
	fresh, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if fresh.Charged {
		return nil, model.ErrForbidden
	}

	now := time.Now().UTC()
	pledge.UpdatedAt = now

	if event != nil {
		event.At = now
		pledge.History = append(pledge.History, *event)
	}

	if err := l.storage.Put(ctx, l.pledgeKey(orderID), pledge, 0); err != nil {
		return nil, err
	}

	return pledge, nil
}

// Cancel transitions an active pledge to cancelled, zeroing its totals
// through a final negative-delta history event. The record itself is
// never removed. Deadline enforcement happens in the caller, which knows
// the campaign.
func (l *Ledger) Cancel(ctx context.Context, orderID string) (*model.Pledge, error) {
	return l.Update(ctx, orderID, func(p *model.Pledge) (*model.Event, error) {
		if p.Status != model.StatusActive {
			return nil, model.ErrForbidden
		}

		event := &model.Event{
			Type:          model.EventCancelled,
			SubtotalDelta: -p.Subtotal,
			TaxDelta:      -p.Tax,
			AmountDelta:   -p.Amount,
			Tiers:         p.Tiers(),
		}

		p.Status = model.StatusCancelled
		p.Subtotal = 0
		p.Tax = 0
		p.Amount = 0

		return event, nil
	})
}

// Changes describes a modify operation: a replacement tier/extras
// selection with recomputed totals.
type Changes struct {
	TierID          string
	TierQty         int
	AdditionalTiers []model.TierSelection
	SupportItems    []model.SupportItem
	CustomAmount    int64
	Subtotal        int64
	Tax             int64
	Amount          int64
}

// Modify rewrites an active pledge's selection, recording the difference
// as a delta event so prior history stays intact.
func (l *Ledger) Modify(ctx context.Context, orderID string, changes Changes) (*model.Pledge, error) {
	return l.Update(ctx, orderID, func(p *model.Pledge) (*model.Event, error) {
		if p.Status != model.StatusActive {
			return nil, model.ErrForbidden
		}

		event := &model.Event{
			Type:          model.EventModified,
			SubtotalDelta: changes.Subtotal - p.Subtotal,
			TaxDelta:      changes.Tax - p.Tax,
			AmountDelta:   changes.Amount - p.Amount,
		}

		p.TierID = changes.TierID
		p.TierQty = changes.TierQty
		p.AdditionalTiers = changes.AdditionalTiers
		p.SupportItems = changes.SupportItems
		p.CustomAmount = changes.CustomAmount
		p.Subtotal = changes.Subtotal
		p.Tax = changes.Tax
		p.Amount = changes.Amount

		event.Tiers = p.Tiers()

		return event, nil
	})
}

// MarkCharged finalizes a pledge after a successful settlement charge
func (l *Ledger) MarkCharged(ctx context.Context, orderID, paymentIntentID string) (*model.Pledge, error) {
	return l.Update(ctx, orderID, func(p *model.Pledge) (*model.Event, error) {
		p.Status = model.StatusCharged
		p.Charged = true
		p.ChargedAt = time.Now().UTC()
		p.StripePaymentIntentID = paymentIntentID
		p.LastPaymentError = ""
		return nil, nil
	})
}

// MarkPaymentFailed records a failed or incomplete charge attempt
func (l *Ledger) MarkPaymentFailed(ctx context.Context, orderID, reason string) (*model.Pledge, error) {
	return l.Update(ctx, orderID, func(p *model.Pledge) (*model.Event, error) {
		p.Status = model.StatusPaymentFailed
		p.LastPaymentError = reason
		return nil, nil
	})
}

// UpdatePaymentMethod stores a refreshed credential and moves a failed
// pledge back to active so settlement can retry it.
func (l *Ledger) UpdatePaymentMethod(ctx context.Context, orderID, customerID, paymentMethodID string) (*model.Pledge, error) {
	return l.Update(ctx, orderID, func(p *model.Pledge) (*model.Event, error) {
		if p.Status != model.StatusActive && p.Status != model.StatusPaymentFailed {
			return nil, model.ErrForbidden
		}

		if customerID != "" {
			p.StripeCustomerID = customerID
		}
		p.StripePaymentMethodID = paymentMethodID
		p.LastPaymentError = ""
		p.Status = model.StatusActive

		return nil, nil
	})
}

// WalkAll iterates over every pledge in the ledger
func (l *Ledger) WalkAll(ctx context.Context, cb func(p *model.Pledge) error) error {
	return l.storage.Walk(ctx, pledgePrefix, func(key string, data []byte) error {
		pledge := model.Pledge{}
		if err := json.Unmarshal(data, &pledge); err != nil {
			return errors.Wrapf(err, "failed to decode pledge at %q", key)
		}

		return cb(&pledge)
	})
}

// WalkCampaign iterates over the pledges of one campaign
func (l *Ledger) WalkCampaign(ctx context.Context, slug string, cb func(p *model.Pledge) error) error {
	return l.WalkAll(ctx, func(p *model.Pledge) error {
		if p.CampaignSlug != slug {
			return nil
		}

		return cb(p)
	})
}

func (l *Ledger) indexEmail(ctx context.Context, email, orderID string) error {
	key := l.emailKey(email)

	var orders []string
	if err := l.storage.Get(ctx, key, &orders); err != nil && err != model.ErrNotFound {
		return err
	}

	for _, id := range orders {
		if id == orderID {
			return nil
		}
	}

	orders = append(orders, orderID)
	return l.storage.Put(ctx, key, orders, 0)
}

func (l *Ledger) pledgeKey(orderID string) string {
	return fmt.Sprintf(pledgePath, orderID)
}

func (l *Ledger) emailKey(email string) string {
	return fmt.Sprintf(emailPath, strings.ToLower(email))
}
