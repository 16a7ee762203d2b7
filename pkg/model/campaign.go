package model

import (
	"time"
)

// Environment the instance runs against. Webhook events tagged with the
// other environment are acknowledged but skipped.
type Environment string

const (
	EnvTest = Environment("test")
	EnvLive = Environment("live")
)

func (e Environment) Live() bool {
	return e == EnvLive
}

// SettlementZone is the fixed organizational timezone used to evaluate
// campaign deadlines (conservatively UTC-7, end of day).
var SettlementZone = time.FixedZone("UTC-7", -7*60*60)

// Tier is a reward a backer selects. Limit == 0 means unlimited.
type Tier struct {
	ID    string
	Title string
	Price int64
	Limit int
}

// Campaign holds the funding parameters the ledger needs. Campaign content
// (copy, images, pages) is authored elsewhere.
type Campaign struct {
	Slug         string
	Title        string
	OwnerEmail   string
	GoalAmount   int64
	GoalDeadline string // YYYY-MM-DD
	Tiers        []Tier
	Milestones   []int // percent thresholds, e.g. 25, 50, 75, 100
}

// Tier looks up a tier definition by ID.
func (c *Campaign) Tier(id string) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.ID == id {
			return t, true
		}
	}

	return Tier{}, false
}

// HasGoal reports whether the campaign is eligible for settlement at all.
func (c *Campaign) HasGoal() bool {
	return c.GoalAmount > 0 && c.GoalDeadline != ""
}

// DeadlineTime returns the end of the deadline day in the settlement zone.
func (c *Campaign) DeadlineTime() (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", c.GoalDeadline, SettlementZone)
	if err != nil {
		return time.Time{}, err
	}

	return day.Add(24*time.Hour - time.Second), nil
}

// DeadlinePassed reports whether the campaign deadline is behind the given
// instant. An unparsable or missing deadline never passes.
func (c *Campaign) DeadlinePassed(now time.Time) bool {
	if c.GoalDeadline == "" {
		return false
	}

	deadline, err := c.DeadlineTime()
	if err != nil {
		return false
	}

	return now.After(deadline)
}

// CampaignStats is a cache of funding totals derived from the pledge
// ledger. It is always recomputable and never authoritative on its own.
type CampaignStats struct {
	PledgedAmount int64
	PledgeCount   int
	TierCounts    map[string]int
	SupportItems  map[string]int64
	UpdatedAt     time.Time
}

// TierCount tracks claimed units against a tier limit.
type TierCount struct {
	Limit   int
	Claimed int
}

// TierInventory is the per-campaign claim ledger for limited tiers.
type TierInventory struct {
	Tiers     map[string]*TierCount
	UpdatedAt time.Time
}

// BroadcastRecord is an append-only set of notification ids already sent
// for a campaign, used to keep milestone and diary emails idempotent.
type BroadcastRecord struct {
	Sent      map[string]time.Time
	UpdatedAt time.Time
}
