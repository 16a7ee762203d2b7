// Package ratelimit implements a fixed-window counter per endpoint class
// and client address on top of the key-value store. When the store is
// unreachable the limiter fails open: availability is preferred over
// strict enforcement.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/model"
)

const ratePath = "rate:%s:%s:%d"

type Limiter struct {
	storage db.Storage
	limit   int64
	window  time.Duration
}

func New(storage db.Storage, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = model.DefaultRateLimit
	}
	if window <= 0 {
		window = model.DefaultRateWindow
	}

	return &Limiter{storage: storage, limit: int64(limit), window: window}
}

// Allow counts one request and returns a RateLimitedError when the
// client exceeded the limit for the current window. Every request is
// counted, including ones later rejected for other reasons.
func (l *Limiter) Allow(ctx context.Context, class, clientIP string) error {
	now := time.Now().UTC()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf(ratePath, class, clientIP, windowStart.Unix())

	// Keep counters a bit past the window so a late read never resurrects
	// a fresh one
	count, err := l.storage.Incr(ctx, key, l.window+10*time.Second)
	if err != nil {
		log.WithError(err).WithField("class", class).Warn("rate limit store unavailable, failing open")
		return nil
	}

	if count > l.limit {
		retryAfter := windowStart.Add(l.window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}

		return &model.RateLimitedError{RetryAfter: retryAfter}
	}

	return nil
}
