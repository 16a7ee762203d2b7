// Package broadcast remembers which one-off notifications were already
// sent per campaign, so milestone and diary emails stay idempotent even
// when stats updates or scheduled runs repeat.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/model"
)

// Kind of notification set
type Kind string

const (
	KindMilestone = Kind("milestones")
	KindDiary     = Kind("diary-sent")
)

type Tracker struct {
	storage db.Storage
}

func New(storage db.Storage) *Tracker {
	return &Tracker{storage: storage}
}

// MarkIfNew records a notification id and reports whether it was new.
// The set only ever grows.
func (t *Tracker) MarkIfNew(ctx context.Context, slug string, kind Kind, id string) (bool, error) {
	record := model.BroadcastRecord{}

	err := t.storage.Get(ctx, t.key(slug, kind), &record)
	if err != nil && err != model.ErrNotFound {
		return false, err
	}

	if record.Sent == nil {
		record.Sent = map[string]time.Time{}
	}

	if _, ok := record.Sent[id]; ok {
		return false, nil
	}

	now := time.Now().UTC()
	record.Sent[id] = now
	record.UpdatedAt = now

	if err := t.storage.Put(ctx, t.key(slug, kind), &record, 0); err != nil {
		return false, err
	}

	return true, nil
}

// Sent returns the already-notified ids for a campaign
func (t *Tracker) Sent(ctx context.Context, slug string, kind Kind) ([]string, error) {
	record := model.BroadcastRecord{}

	err := t.storage.Get(ctx, t.key(slug, kind), &record)
	if err == model.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(record.Sent))
	for id := range record.Sent {
		ids = append(ids, id)
	}

	return ids, nil
}

// CrossedMilestones returns the percent thresholds newly reached by the
// given pledged amount, marking each exactly once.
func (t *Tracker) CrossedMilestones(ctx context.Context, campaign *model.Campaign, pledged int64) ([]int, error) {
	if campaign.GoalAmount <= 0 {
		return nil, nil
	}

	var crossed []int
	for _, percent := range campaign.Milestones {
		if pledged*100 < campaign.GoalAmount*int64(percent) {
			continue
		}

		fresh, err := t.MarkIfNew(ctx, campaign.Slug, KindMilestone, fmt.Sprintf("%d", percent))
		if err != nil {
			return crossed, err
		}

		if fresh {
			crossed = append(crossed, percent)
		}
	}

	return crossed, nil
}

func (t *Tracker) key(slug string, kind Kind) string {
	return fmt.Sprintf("%s:%s", kind, slug)
}
