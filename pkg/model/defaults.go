package model

import "time"

const (
	// DefaultTaxRate applied to pledge subtotals
	DefaultTaxRate = 0.07875

	// DefaultTokenTTL is how long magic-link tokens stay valid
	DefaultTokenTTL = 90 * 24 * time.Hour

	// DefaultWebhookTolerance bounds the signature timestamp skew
	DefaultWebhookTolerance = 5 * time.Minute

	// DefaultEventTTL is how long processed webhook event ids are remembered
	DefaultEventTTL = 24 * time.Hour

	// DefaultPendingTTL is how long an unconfirmed checkout cart is kept
	DefaultPendingTTL = 2 * time.Hour

	// DefaultMailDelay between successive notification sends
	DefaultMailDelay = 500 * time.Millisecond

	// DefaultSettleLeaseTTL bounds how long a settlement run may hold the
	// per-campaign lease
	DefaultSettleLeaseTTL = 15 * time.Minute

	// DefaultRateLimit requests per window per client
	DefaultRateLimit = 30

	// DefaultRateWindow for fixed-window counting
	DefaultRateWindow = 60 * time.Second
)
