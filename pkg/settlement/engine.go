// Package settlement executes batch charging for funded campaigns whose
// deadline has passed: enumerate the pledge ledger, aggregate by
// supporter, issue exactly one charge per supporter, and record the
// outcome per pledge. One supporter's declined card never aborts the
// run; errors are collected and reported in the run result.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/ledger"
	"github.com/fundlane/fundlane/pkg/mail"
	"github.com/fundlane/fundlane/pkg/model"
	"github.com/fundlane/fundlane/pkg/payments"
)

const leasePath = "settle-lock:%s"

// ErrNotEligible is returned when a campaign fails the settlement
// preconditions: goal configured, deadline passed, goal met, at least
// one chargeable pledge.
var ErrNotEligible = errors.New("campaign is not eligible for settlement")

// Charger issues one off-session charge against a saved credential
type Charger interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error)
}

// Group is one supporter's aggregated charge: every chargeable pledge
// from the same email, summed tax-inclusive, against the credential of
// the most recently updated pledge.
type Group struct {
	Email           string   `json:"email"`
	Amount          int64    `json:"amount"`
	OrderIDs        []string `json:"orderIds"`
	CustomerID      string   `json:"-"`
	PaymentMethodID string   `json:"-"`
}

// Result reports one settlement run
type Result struct {
	RunID             string   `json:"runId"`
	CampaignSlug      string   `json:"campaign"`
	DryRun            bool     `json:"dryRun"`
	SupportersCharged int      `json:"supportersCharged"`
	SupportersFailed  int      `json:"supportersFailed"`
	PledgesCharged    int      `json:"pledgesCharged"`
	TotalCharged      int64    `json:"totalCharged"`
	Groups            []Group  `json:"groups,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

type Engine struct {
	storage db.Storage
	ledger  *ledger.Ledger
	charger Charger
	sender  mail.Sender

	currency  string
	mailDelay time.Duration
	leaseTTL  time.Duration

	now func() time.Time
}

func New(storage db.Storage, l *ledger.Ledger, charger Charger, sender mail.Sender, currency string) *Engine {
	return &Engine{
		storage:   storage,
		ledger:    l,
		charger:   charger,
		sender:    sender,
		currency:  currency,
		mailDelay: model.DefaultMailDelay,
		leaseTTL:  model.DefaultSettleLeaseTTL,
		now:       time.Now,
	}
}

// SetMailDelay overrides the pause between successive notification
// sends.
func (e *Engine) SetMailDelay(d time.Duration) {
	if d > 0 {
		e.mailDelay = d
	}
}

// Settle runs one settlement pass for a campaign. Dry run stops after
// aggregation and returns the charge preview with zero side effects.
func (e *Engine) Settle(ctx context.Context, campaign *model.Campaign, dryRun bool) (*Result, error) {
	result := &Result{
		RunID:        uuid.NewString(),
		CampaignSlug: campaign.Slug,
		DryRun:       dryRun,
	}

	logger := log.WithFields(log.Fields{"campaign": campaign.Slug, "run_id": result.RunID, "dry_run": dryRun})

	candidates, pledged, err := e.collect(ctx, campaign)
	if err != nil {
		return nil, err
	}

	if err := e.checkEligibility(campaign, pledged, len(candidates)); err != nil {
		return nil, err
	}

	result.Groups = groupBySupporter(candidates)

	if dryRun {
		logger.Infof("dry run: %d supporter(s), %d pledge(s)", len(result.Groups), len(candidates))
		return result, nil
	}

	// Best-effort mutual exclusion between the daily sweep and a manual
	// trigger. The per-pledge charged check below remains the second
	// line of defense.
	leaseKey := fmt.Sprintf(leasePath, campaign.Slug)
	if err := e.storage.Create(ctx, leaseKey, result.RunID, e.leaseTTL); err != nil {
		if err == model.ErrAlreadyExists {
			return nil, errors.Wrap(model.ErrConflict, "another settlement run holds the campaign lease")
		}
		return nil, err
	}
	defer func() {
		if err := e.storage.Delete(ctx, leaseKey); err != nil {
			logger.WithError(err).Warn("failed to release settlement lease")
		}
	}()

	logger.Infof("settling %d supporter group(s)", len(result.Groups))

	for _, group := range result.Groups {
		e.chargeGroup(ctx, campaign, group, result)
	}

	logger.Infof(
		"settlement finished: %d supporter(s) charged, %d failed, total %d",
		result.SupportersCharged, result.SupportersFailed, result.TotalCharged,
	)

	return result, nil
}

// Sweep settles every eligible campaign, the daily scheduled entry
// point. Ineligible campaigns and held leases are skipped quietly; real
// failures are collected and reported together.
func (e *Engine) Sweep(ctx context.Context, campaigns map[string]*model.Campaign) error {
	slugs := make([]string, 0, len(campaigns))
	for slug := range campaigns {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var result *multierror.Error

	for _, slug := range slugs {
		campaign := campaigns[slug]
		if !campaign.HasGoal() || !campaign.DeadlinePassed(e.now()) {
			continue
		}

		_, err := e.Settle(ctx, campaign, false)
		switch errors.Cause(err) {
		case nil, ErrNotEligible:
		case model.ErrConflict:
			log.Infof("skipping %q, settlement already in progress", slug)
		default:
			result = multierror.Append(result, errors.Wrapf(err, "failed to settle %q", slug))
		}
	}

	return result.ErrorOrNil()
}

// RetryPledge charges one pledge immediately after a payment-method
// update, without re-aggregating it with the supporter's other pledges.
func (e *Engine) RetryPledge(ctx context.Context, campaign *model.Campaign, orderID string) (*model.Pledge, error) {
	candidates, pledged, err := e.collect(ctx, campaign)
	if err != nil {
		return nil, err
	}

	if err := e.checkEligibility(campaign, pledged, len(candidates)); err != nil {
		return nil, err
	}

	pledge, err := e.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !pledge.Chargeable() {
		return nil, ErrNotEligible
	}

	outcome, err := e.charge(ctx, campaign, Group{
		Email:           pledge.Email,
		Amount:          pledge.Amount,
		OrderIDs:        []string{pledge.OrderID},
		CustomerID:      pledge.StripeCustomerID,
		PaymentMethodID: pledge.StripePaymentMethodID,
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Succeeded {
		return e.ledger.MarkPaymentFailed(ctx, orderID, outcome.FailureMessage)
	}

	updated, err := e.ledger.MarkCharged(ctx, orderID, outcome.PaymentIntentID)
	if err != nil {
		return nil, err
	}

	e.notifyCharged(ctx, campaign, pledge.Email, pledge.Amount)

	return updated, nil
}

// collect enumerates a campaign's pledges, returning the chargeable
// candidates and the total pledged subtotal over non-cancelled pledges.
func (e *Engine) collect(ctx context.Context, campaign *model.Campaign) ([]*model.Pledge, int64, error) {
	var (
		candidates []*model.Pledge
		pledged    int64
	)

	err := e.ledger.WalkCampaign(ctx, campaign.Slug, func(p *model.Pledge) error {
		if p.Status != model.StatusCancelled {
			if p.Subtotal > 0 {
				pledged += p.Subtotal
			} else {
				pledged += p.Amount
			}
		}

		if p.Chargeable() {
			candidates = append(candidates, p)
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return candidates, pledged, nil
}

func (e *Engine) checkEligibility(campaign *model.Campaign, pledged int64, candidates int) error {
	if !campaign.HasGoal() {
		return errors.Wrap(ErrNotEligible, "no goal configured")
	}

	if !campaign.DeadlinePassed(e.now()) {
		return errors.Wrap(ErrNotEligible, "deadline has not passed")
	}

	if pledged < campaign.GoalAmount {
		return errors.Wrapf(ErrNotEligible, "goal not met (%d of %d)", pledged, campaign.GoalAmount)
	}

	if candidates == 0 {
		return errors.Wrap(ErrNotEligible, "no chargeable pledges")
	}

	return nil
}

// groupBySupporter aggregates chargeable pledges by lower-cased email.
// Amounts are tax-inclusive; the credential comes from the most recently
// updated pledge in the group (last writer wins).
func groupBySupporter(pledges []*model.Pledge) []Group {
	byEmail := map[string][]*model.Pledge{}
	for _, p := range pledges {
		email := strings.ToLower(p.Email)
		byEmail[email] = append(byEmail[email], p)
	}

	emails := make([]string, 0, len(byEmail))
	for email := range byEmail {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	groups := make([]Group, 0, len(emails))
	for _, email := range emails {
		group := Group{Email: email}

		var latest time.Time
		for _, p := range byEmail[email] {
			group.Amount += p.Amount
			group.OrderIDs = append(group.OrderIDs, p.OrderID)

			if p.UpdatedAt.After(latest) {
				latest = p.UpdatedAt
				group.CustomerID = p.StripeCustomerID
				group.PaymentMethodID = p.StripePaymentMethodID
			}
		}

		sort.Strings(group.OrderIDs)
		groups = append(groups, group)
	}

	return groups
}

// chargeGroup issues the group's single charge and records the outcome
// on every member pledge. State writes happen immediately after the
// charge call, so a terminated run leaves processed groups durable.
func (e *Engine) chargeGroup(ctx context.Context, campaign *model.Campaign, group Group, result *Result) {
	logger := log.WithFields(log.Fields{"campaign": campaign.Slug, "email": group.Email, "amount": group.Amount})

	outcome, err := e.charge(ctx, campaign, group)
	if err != nil {
		// Transport-level failure, the provider may or may not have seen
		// the request. Mark the group failed so a later run retries it.
		logger.WithError(err).Error("charge request failed")
		outcome = &payments.ChargeResult{FailureMessage: "charge request failed"}
	}

	if !outcome.Succeeded {
		result.SupportersFailed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", group.Email, outcome.FailureMessage))

		for _, orderID := range group.OrderIDs {
			if _, err := e.ledger.MarkPaymentFailed(ctx, orderID, outcome.FailureMessage); err != nil {
				logger.WithError(err).Errorf("failed to mark pledge %q as failed", orderID)
			}
		}

		return
	}

	charged := 0
	for _, orderID := range group.OrderIDs {
		if _, err := e.ledger.MarkCharged(ctx, orderID, outcome.PaymentIntentID); err != nil {
			// Forbidden here means a concurrent run won the race for this
			// pledge; the charge idempotency window absorbed the money side
			logger.WithError(err).Errorf("failed to mark pledge %q as charged", orderID)
			continue
		}
		charged++
	}

	result.SupportersCharged++
	result.PledgesCharged += charged
	result.TotalCharged += group.Amount

	e.notifyCharged(ctx, campaign, group.Email, group.Amount)
}

func (e *Engine) charge(ctx context.Context, campaign *model.Campaign, group Group) (*payments.ChargeResult, error) {
	return e.charger.Charge(ctx, payments.ChargeRequest{
		Amount:          group.Amount,
		Currency:        e.currency,
		CustomerID:      group.CustomerID,
		PaymentMethodID: group.PaymentMethodID,
		Description:     fmt.Sprintf("Pledge to %s", campaign.Title),
		IdempotencyKey:  uuid.NewString(),
		Metadata: map[string]string{
			"campaign": campaign.Slug,
			"orders":   strings.Join(group.OrderIDs, ","),
		},
	})
}

// notifyCharged sends the single success notification per supporter,
// pausing afterwards to respect the mail provider's rate ceiling.
func (e *Engine) notifyCharged(ctx context.Context, campaign *model.Campaign, email string, amount int64) {
	msg := &mail.Message{
		To:      email,
		Subject: fmt.Sprintf("%s was funded, your pledge has been collected", campaign.Title),
		Text: fmt.Sprintf(
			"Good news: %s reached its goal. Your pledge total of %d.%02d %s has been charged to your saved payment method. Thank you for backing this project!",
			campaign.Title, amount/100, amount%100, strings.ToUpper(e.currency),
		),
	}

	if err := e.sender.Send(ctx, msg); err != nil {
		log.WithError(err).WithField("email", email).Error("failed to send charge notification")
	}

	time.Sleep(e.mailDelay)
}
