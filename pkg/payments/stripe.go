// Package payments wraps the Stripe API: hosted checkout sessions in
// setup mode (save a credential, charge nothing) and off-session
// PaymentIntents confirmed against saved credentials at settlement time.
package payments

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// ChargeRequest describes one off-session charge against a saved credential
type ChargeRequest struct {
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
}

// ChargeResult reports the provider's outcome. Succeeded is false for
// any non-terminal state such as requires_action; settlement treats
// those the same as declines.
type ChargeResult struct {
	PaymentIntentID string
	Status          string
	Succeeded       bool
	FailureMessage  string
}

// SessionRequest describes a hosted checkout session in setup mode.
// Purpose distinguishes an initial pledge from a payment-method refresh
// when the completion event comes back.
type SessionRequest struct {
	OrderID       string
	CampaignSlug  string
	CustomerEmail string
	CustomerID    string
	SuccessURL    string
	CancelURL     string
	Purpose       string
}

type Stripe struct {
	api *client.API
}

func NewStripe(apiKey string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)

	return &Stripe{api: api}
}

// Charge confirms a PaymentIntent off-session. Provider declines are
// reported through the result, not the error, so one supporter's bad
// card never reads like an engine failure.
func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}

	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := s.api.PaymentIntents.New(params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok {
			result := &ChargeResult{
				Status:         string(stripeErr.Code),
				FailureMessage: stripeErr.Msg,
			}
			if stripeErr.PaymentIntent != nil {
				result.PaymentIntentID = stripeErr.PaymentIntent.ID
			}
			return result, nil
		}

		return nil, errors.Wrap(err, "charge request failed")
	}

	result := &ChargeResult{
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
		Succeeded:       intent.Status == stripe.PaymentIntentStatusSucceeded,
	}

	if !result.Succeeded {
		result.FailureMessage = "payment requires further action"
		if intent.LastPaymentError != nil {
			result.FailureMessage = intent.LastPaymentError.Msg
		}
	}

	return result, nil
}

// CreateSetupSession starts a hosted checkout that saves a payment
// credential without charging it. The order id and campaign ride along
// in metadata so the completion webhook can attribute the pledge.
func (s *Stripe) CreateSetupSession(ctx context.Context, req SessionRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSetup)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("campaign", req.CampaignSlug)
	if req.Purpose != "" {
		params.AddMetadata("purpose", req.Purpose)
	}

	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", errors.Wrap(err, "failed to create checkout session")
	}

	return session.URL, nil
}

// ResolveSetupIntent returns the customer and payment method a completed
// setup intent saved.
func (s *Stripe) ResolveSetupIntent(ctx context.Context, setupIntentID string) (customerID, paymentMethodID string, err error) {
	intent, err := s.api.SetupIntents.Get(setupIntentID, &stripe.SetupIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", "", errors.Wrap(err, "failed to fetch setup intent")
	}

	if intent.Customer != nil {
		customerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil {
		paymentMethodID = intent.PaymentMethod.ID
	}

	return customerID, paymentMethodID, nil
}
