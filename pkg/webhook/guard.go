// Package webhook is the ingestion boundary for payment-provider events.
// Delivery upstream is at-least-once, so this package is the sole dedup
// point: signature and timestamp are verified first, then the event id
// is recorded with a TTL before any processing happens.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/model"
)

// SignatureHeader carries the timestamp-bound HMAC, Stripe scheme:
// "t=<unix>,v1=<hex hmac of '<unix>.<body>'>"
const SignatureHeader = "Stripe-Signature"

const eventPath = "stripe-event:%s"

// Kind is the closed set of provider events the core understands.
// Anything else is acknowledged and explicitly ignored.
type Kind string

const (
	KindCheckoutCompleted = Kind("checkout.session.completed")
	KindCheckoutExpired   = Kind("checkout.session.expired")
)

// CheckoutSession is the slice of the provider's session object the
// ledger needs. The saved credential itself is resolved later through
// the setup intent.
type CheckoutSession struct {
	ID          string            `json:"id"`
	Mode        string            `json:"mode"`
	Customer    string            `json:"customer"`
	SetupIntent string            `json:"setup_intent"`
	Metadata    map[string]string `json:"metadata"`

	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Event is the decoded inbound event
type Event struct {
	ID       string
	Kind     Kind
	Livemode bool
	Session  *CheckoutSession
}

type Guard struct {
	storage   db.Storage
	secret    string
	env       model.Environment
	tolerance time.Duration
	eventTTL  time.Duration
}

func NewGuard(storage db.Storage, secret string, env model.Environment) *Guard {
	return &Guard{
		storage:   storage,
		secret:    secret,
		env:       env,
		tolerance: model.DefaultWebhookTolerance,
		eventTTL:  model.DefaultEventTTL,
	}
}

// Admit runs the full gate: signature, environment filter, closed-set
// parse, dedup. The boolean reports whether the caller should process
// the event; false with a nil error means acknowledge without acting.
func (g *Guard) Admit(ctx context.Context, payload []byte, sigHeader string) (*Event, bool, error) {
	if err := g.VerifySignature(payload, sigHeader, time.Now()); err != nil {
		return nil, false, err
	}

	event, err := parseEvent(payload)
	if err != nil {
		return nil, false, err
	}

	logger := log.WithFields(log.Fields{"event_id": event.ID, "type": event.Kind})

	// Events from the other environment would fail signature checks over
	// there and look like attacks, so skip them here instead
	if event.Livemode != g.env.Live() {
		logger.Info("skipping event from another environment")
		return event, false, nil
	}

	switch event.Kind {
	case KindCheckoutCompleted, KindCheckoutExpired:
	default:
		logger.Debug("ignoring unhandled event type")
		return event, false, nil
	}

	// Record the id before processing, repeat deliveries are acknowledged
	// without reprocessing
	err = g.storage.Create(ctx, fmt.Sprintf(eventPath, event.ID), true, g.eventTTL)
	if err == model.ErrAlreadyExists {
		logger.Info("duplicate event delivery, already processed")
		return event, false, nil
	} else if err != nil {
		return nil, false, err
	}

	return event, true, nil
}

// VerifySignature checks the timestamp-bound HMAC over
// "{timestamp}.{body}". A missing secret fails closed.
func (g *Guard) VerifySignature(payload []byte, sigHeader string, now time.Time) error {
	if g.secret == "" {
		return model.ErrNotConfigured
	}

	var (
		timestamp  int64
		signatures [][]byte
	)

	for _, part := range strings.Split(sigHeader, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}

		switch pair[0] {
		case "t":
			ts, err := strconv.ParseInt(pair[1], 10, 64)
			if err != nil {
				return model.ErrUnauthorized
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(pair[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return model.ErrUnauthorized
	}

	// Clock skew and replay defense
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(g.tolerance/time.Second) {
		return model.ErrUnauthorized
	}

	expected := Sign(g.secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}

	return model.ErrUnauthorized
}

// Sign computes the provider's signature for a timestamp and body.
// Exported for tests and the local webhook replay tool.
func Sign(secret string, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureFor builds a complete signature header value
func SignatureFor(secret string, timestamp int64, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(Sign(secret, timestamp, payload)))
}

func parseEvent(payload []byte) (*Event, error) {
	envelope := struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Livemode bool   `json:"livemode"`
		Data     struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}{}

	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, errors.Wrap(err, "failed to decode event payload")
	}

	if envelope.ID == "" || envelope.Type == "" {
		return nil, errors.New("event id and type are required")
	}

	event := &Event{
		ID:       envelope.ID,
		Kind:     Kind(envelope.Type),
		Livemode: envelope.Livemode,
	}

	switch event.Kind {
	case KindCheckoutCompleted, KindCheckoutExpired:
		session := CheckoutSession{}
		if err := json.Unmarshal(envelope.Data.Object, &session); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkout session")
		}
		event.Session = &session
	}

	return event, nil
}
