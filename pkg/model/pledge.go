package model

import (
	"time"
)

// Status of a pledge
type Status string

const (
	StatusActive        = Status("active")
	StatusCancelled     = Status("cancelled")
	StatusCharged       = Status("charged")
	StatusPaymentFailed = Status("payment_failed")
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusCharged, StatusPaymentFailed:
		return true
	}

	return false
}

// CanTransition reports whether a pledge may move from one status to another.
// Cancelled and charged are terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		// Modify operations rewrite an active pledge in place
		return from == StatusActive
	}

	switch from {
	case StatusActive:
		return to == StatusCancelled || to == StatusCharged || to == StatusPaymentFailed
	case StatusPaymentFailed:
		return to == StatusActive || to == StatusCharged
	default:
		return false
	}
}

// EventType of a ledger history entry
type EventType string

const (
	EventCreated   = EventType("created")
	EventModified  = EventType("modified")
	EventCancelled = EventType("cancelled")
)

// TierSelection is one tier pick with quantity
type TierSelection struct {
	ID  string
	Qty int
}

// SupportItem is an a-la-carte extra with a fixed amount in minor units
type SupportItem struct {
	ID     string
	Amount int64
}

// Event is one append-only history entry. Deltas are signed so that
// replaying the full history from zero reconstructs the pledge totals.
type Event struct {
	Type          EventType
	SubtotalDelta int64
	TaxDelta      int64
	AmountDelta   int64
	Tiers         []TierSelection
	At            time.Time
}

// Pledge is one backer's commitment to one campaign. Amounts are integer
// minor units. The payment credential is held by the provider and not
// charged until settlement.
type Pledge struct {
	OrderID      string
	Email        string
	CampaignSlug string

	TierID          string
	TierQty         int
	AdditionalTiers []TierSelection
	SupportItems    []SupportItem
	CustomAmount    int64

	Subtotal int64
	Tax      int64
	Amount   int64

	StripeCustomerID      string
	StripePaymentMethodID string
	StripeSetupIntentID   string
	StripePaymentIntentID string

	Status           Status
	Charged          bool
	LastPaymentError string

	CreatedAt time.Time
	UpdatedAt time.Time
	ChargedAt time.Time

	History []Event
}

// Chargeable reports whether settlement may attempt to charge this pledge.
func (p *Pledge) Chargeable() bool {
	return p.Status == StatusActive &&
		!p.Charged &&
		p.StripeCustomerID != "" &&
		p.StripePaymentMethodID != ""
}

// Tiers returns the primary tier selection followed by any additional ones.
func (p *Pledge) Tiers() []TierSelection {
	var tiers []TierSelection
	if p.TierID != "" {
		tiers = append(tiers, TierSelection{ID: p.TierID, Qty: p.TierQty})
	}

	return append(tiers, p.AdditionalTiers...)
}

// ReplayHistory sums the event deltas from zero. The result must equal the
// current Subtotal/Tax/Amount, which makes incremental aggregation bugs
// auditable against the ledger.
func (p *Pledge) ReplayHistory() (subtotal, tax, amount int64) {
	for _, event := range p.History {
		subtotal += event.SubtotalDelta
		tax += event.TaxDelta
		amount += event.AmountDelta
	}

	return subtotal, tax, amount
}
