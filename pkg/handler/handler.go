// Package handler exposes the HTTP surface: checkout start, the provider
// webhook, token-authorized pledge management, public stats and the admin
// settlement/repair endpoints.
package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io/ioutil"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	shortid "github.com/ventu-io/go-shortid"

	"github.com/fundlane/fundlane/pkg/broadcast"
	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/inventory"
	"github.com/fundlane/fundlane/pkg/ledger"
	"github.com/fundlane/fundlane/pkg/mail"
	"github.com/fundlane/fundlane/pkg/model"
	"github.com/fundlane/fundlane/pkg/payments"
	"github.com/fundlane/fundlane/pkg/ratelimit"
	"github.com/fundlane/fundlane/pkg/settlement"
	"github.com/fundlane/fundlane/pkg/stats"
	"github.com/fundlane/fundlane/pkg/token"
	"github.com/fundlane/fundlane/pkg/webhook"
)

const (
	adminHeader = "X-Admin-Secret"

	pendingPath = "pending-tiers:%s"

	purposeUpdatePayment = "update_payment_method"
)

type checkoutProvider interface {
	CreateSetupSession(ctx context.Context, req payments.SessionRequest) (string, error)
	ResolveSetupIntent(ctx context.Context, setupIntentID string) (customerID, paymentMethodID string, err error)
}

type settler interface {
	Settle(ctx context.Context, campaign *model.Campaign, dryRun bool) (*settlement.Result, error)
	RetryPledge(ctx context.Context, campaign *model.Campaign, orderID string) (*model.Pledge, error)
}

// Limit is one rate limit class configuration
type Limit struct {
	Requests int
	Window   time.Duration
}

type Opts struct {
	PublicURL   string
	TokenSecret string
	TokenTTL    time.Duration
	AdminSecret string
	TaxRate     float64
	PendingTTL  time.Duration

	CheckoutLimit Limit
	ManageLimit   Limit
	PublicLimit   Limit
}

type handler struct {
	storage   db.Storage
	ledger    *ledger.Ledger
	inventory *inventory.Inventory
	stats     *stats.Stats
	broadcast *broadcast.Tracker
	guard     *webhook.Guard
	checkout  checkoutProvider
	settler   settler
	sender    mail.Sender
	sid       *shortid.Shortid

	campaigns map[string]*model.Campaign
	opts      Opts
}

func New(
	storage db.Storage,
	ldg *ledger.Ledger,
	inv *inventory.Inventory,
	st *stats.Stats,
	bc *broadcast.Tracker,
	guard *webhook.Guard,
	checkout checkoutProvider,
	settle settler,
	sender mail.Sender,
	campaigns map[string]*model.Campaign,
	opts Opts,
) http.Handler {
	if opts.PendingTTL == 0 {
		opts.PendingTTL = model.DefaultPendingTTL
	}

	h := handler{
		storage:   storage,
		ledger:    ldg,
		inventory: inv,
		stats:     st,
		broadcast: bc,
		guard:     guard,
		checkout:  checkout,
		settler:   settle,
		sender:    sender,
		sid:       shortid.GetDefault(),
		campaigns: campaigns,
		opts:      opts,
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", h.ping)

	r.POST("/start", h.rateLimit("checkout", opts.CheckoutLimit), h.start)
	r.POST("/webhooks/provider", h.webhook)

	manage := h.rateLimit("manage", opts.ManageLimit)
	r.POST("/pledge/cancel", manage, h.cancelPledge)
	r.POST("/pledge/modify", manage, h.modifyPledge)
	r.POST("/pledge/payment-method/start", manage, h.startPaymentMethodUpdate)

	public := h.rateLimit("public", opts.PublicLimit)
	r.GET("/stats/:slug", public, h.getStats)
	r.GET("/inventory/:slug", public, h.getInventory)

	r.POST("/admin/settle/:slug", h.adminAuth, h.settle)
	r.POST("/stats/:slug/recalculate", h.adminAuth, h.recalculateStats)
	r.POST("/inventory/:slug/recalculate", h.adminAuth, h.recalculateInventory)

	return r
}

func (h handler) ping(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// tierPick is a tier selection as it appears on the wire
type tierPick struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

type supportPick struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// pendingCart is the transient checkout record written at /start and
// consumed by the completion webhook. It expires on its own if the
// supporter abandons the hosted checkout page.
type pendingCart struct {
	Email           string        `json:"email,omitempty"`
	CampaignSlug    string        `json:"campaign"`
	TierID          string        `json:"tierId,omitempty"`
	TierQty         int           `json:"tierQty,omitempty"`
	AdditionalTiers []tierPick    `json:"additionalTiers,omitempty"`
	SupportItems    []supportPick `json:"supportItems,omitempty"`
	CustomAmount    int64         `json:"customAmount,omitempty"`
}

func (cart *pendingCart) tiers() []model.TierSelection {
	var tiers []model.TierSelection
	if cart.TierID != "" {
		tiers = append(tiers, model.TierSelection{ID: cart.TierID, Qty: cart.TierQty})
	}

	for _, pick := range cart.AdditionalTiers {
		tiers = append(tiers, model.TierSelection{ID: pick.ID, Qty: pick.Qty})
	}

	return tiers
}

func (cart *pendingCart) items() []model.SupportItem {
	items := make([]model.SupportItem, 0, len(cart.SupportItems))
	for _, pick := range cart.SupportItems {
		items = append(items, model.SupportItem{ID: pick.ID, Amount: pick.Amount})
	}

	return items
}

type startRequest struct {
	Campaign        string        `json:"campaign"`
	Email           string        `json:"email"`
	TierID          string        `json:"tierId"`
	TierQty         int           `json:"tierQty"`
	AdditionalTiers []tierPick    `json:"additionalTiers"`
	SupportItems    []supportPick `json:"supportItems"`
	CustomAmount    int64         `json:"customAmount"`
}

// start validates the cart against the campaign, checks (without
// reserving) tier availability, stores the transient cart and returns a
// hosted checkout URL. Nothing is committed until the provider confirms
// the credential was saved.
func (h handler) start(c *gin.Context) {
	req := startRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(badRequest(err))
		return
	}

	campaign, ok := h.campaigns[req.Campaign]
	if !ok {
		h.respondError(c, errors.Wrap(model.ErrNotFound, "unknown campaign"))
		return
	}

	if req.TierID != "" && req.TierQty == 0 {
		req.TierQty = 1
	}

	cart := pendingCart{
		Email:           req.Email,
		CampaignSlug:    campaign.Slug,
		TierID:          req.TierID,
		TierQty:         req.TierQty,
		AdditionalTiers: req.AdditionalTiers,
		SupportItems:    req.SupportItems,
		CustomAmount:    req.CustomAmount,
	}

	subtotal, _, _, err := h.computeTotals(campaign, &cart)
	if err != nil {
		c.JSON(badRequest(err))
		return
	}

	if err := h.checkAvailability(c.Request.Context(), campaign, cart.tiers()); err != nil {
		h.respondError(c, err)
		return
	}

	orderID, err := h.sid.Generate()
	if err != nil {
		h.respondError(c, errors.Wrap(err, "failed to generate order id"))
		return
	}

	if err := h.storage.Create(c.Request.Context(), h.pendingKey(orderID), &cart, h.opts.PendingTTL); err != nil {
		h.respondError(c, err)
		return
	}

	checkoutURL, err := h.checkout.CreateSetupSession(c.Request.Context(), payments.SessionRequest{
		OrderID:       orderID,
		CampaignSlug:  campaign.Slug,
		CustomerEmail: req.Email,
		SuccessURL:    h.link("/thanks?order=" + orderID),
		CancelURL:     h.link("/"),
	})
	if err != nil {
		h.respondError(c, errors.Wrap(err, "failed to create checkout session"))
		return
	}

	log.WithFields(log.Fields{"order_id": orderID, "campaign": campaign.Slug, "subtotal": subtotal}).
		Info("checkout started")

	c.JSON(http.StatusOK, gin.H{"orderId": orderID, "checkoutUrl": checkoutURL})
}

// checkAvailability verifies every limited tier still has the requested
// units. It reserves nothing: the claim happens when the completion
// webhook lands.
func (h handler) checkAvailability(ctx context.Context, campaign *model.Campaign, tiers []model.TierSelection) error {
	if len(tiers) == 0 {
		return nil
	}

	inv, err := h.inventory.Get(ctx, campaign)
	if err != nil {
		return err
	}

	for _, sel := range tiers {
		count, ok := inv.Tiers[sel.ID]
		if !ok || count.Limit == 0 {
			continue
		}

		remaining := count.Limit - count.Claimed
		if sel.Qty > remaining {
			return &model.InsufficientInventoryError{TierID: sel.ID, Remaining: remaining}
		}
	}

	return nil
}

// computeTotals prices the cart against the campaign tier definitions
func (h handler) computeTotals(campaign *model.Campaign, cart *pendingCart) (subtotal, tax, amount int64, err error) {
	for _, sel := range cart.tiers() {
		tier, ok := campaign.Tier(sel.ID)
		if !ok {
			return 0, 0, 0, errors.Errorf("unknown tier %q", sel.ID)
		}
		if sel.Qty <= 0 {
			return 0, 0, 0, errors.Errorf("invalid quantity for tier %q", sel.ID)
		}

		subtotal += tier.Price * int64(sel.Qty)
	}

	for _, item := range cart.SupportItems {
		if item.Amount <= 0 {
			return 0, 0, 0, errors.Errorf("invalid amount for support item %q", item.ID)
		}

		subtotal += item.Amount
	}

	if cart.CustomAmount < 0 {
		return 0, 0, 0, errors.New("custom amount cannot be negative")
	}
	subtotal += cart.CustomAmount

	if subtotal <= 0 {
		return 0, 0, 0, errors.New("pledge is empty")
	}

	tax = model.Tax(subtotal, h.opts.TaxRate)
	return subtotal, tax, subtotal + tax, nil
}

// webhook is the single provider ingestion route. The guard verifies the
// signature, filters the environment and dedups the event id before any
// processing happens.
func (h handler) webhook(c *gin.Context) {
	body, err := ioutil.ReadAll(c.Request.Body)
	if err != nil {
		log.WithError(err).Error("failed to read webhook request")
		c.Status(http.StatusBadRequest)
		return
	}

	event, process, err := h.guard.Admit(c.Request.Context(), body, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		switch errors.Cause(err) {
		case model.ErrNotConfigured:
			log.Error("webhook secret is not configured, rejecting event")
			c.Status(http.StatusInternalServerError)
		case model.ErrUnauthorized:
			c.Status(http.StatusUnauthorized)
		default:
			log.WithError(err).Error("failed to admit webhook event")
			c.Status(http.StatusBadRequest)
		}
		return
	}

	if !process {
		c.String(http.StatusOK, "ok")
		return
	}

	switch event.Kind {
	case webhook.KindCheckoutCompleted:
		err = h.checkoutCompleted(c.Request.Context(), event.Session)
	case webhook.KindCheckoutExpired:
		err = h.checkoutExpired(c.Request.Context(), event.Session)
	}

	if err != nil {
		log.WithError(err).WithField("event_id", event.ID).Error("failed to process webhook event")
		c.Status(http.StatusInternalServerError)
		return
	}

	c.String(http.StatusOK, "ok")
}

func (h handler) checkoutCompleted(ctx context.Context, session *webhook.CheckoutSession) error {
	orderID := session.Metadata["order_id"]
	slug := session.Metadata["campaign"]

	logger := log.WithFields(log.Fields{"order_id": orderID, "campaign": slug})

	campaign, ok := h.campaigns[slug]
	if orderID == "" || !ok {
		logger.Warn("completed session without pledge attribution, ignoring")
		return nil
	}

	if session.Metadata["purpose"] == purposeUpdatePayment {
		return h.refreshPaymentMethod(ctx, campaign, orderID, session)
	}

	return h.createPledge(ctx, campaign, orderID, session)
}

// createPledge turns a completed setup session into a ledger record,
// claims inventory, bumps stats and sends the confirmation mail with the
// magic management link.
func (h handler) createPledge(ctx context.Context, campaign *model.Campaign, orderID string, session *webhook.CheckoutSession) error {
	logger := log.WithFields(log.Fields{"order_id": orderID, "campaign": campaign.Slug})

	cart := pendingCart{}
	err := h.storage.Get(ctx, h.pendingKey(orderID), &cart)
	if err == model.ErrNotFound {
		logger.Warn("no pending cart for completed session, likely expired")
		return nil
	} else if err != nil {
		return err
	}

	customerID, paymentMethodID, err := h.checkout.ResolveSetupIntent(ctx, session.SetupIntent)
	if err != nil {
		return errors.Wrap(err, "failed to resolve setup intent")
	}
	if customerID == "" {
		customerID = session.Customer
	}

	email := session.CustomerDetails.Email
	if email == "" {
		email = cart.Email
	}
	if email == "" {
		logger.Error("completed session carries no supporter email, ignoring")
		return nil
	}

	subtotal, tax, amount, err := h.computeTotals(campaign, &cart)
	if err != nil {
		logger.WithError(err).Error("stored cart no longer prices against the campaign, ignoring")
		return nil
	}

	pledge := &model.Pledge{
		OrderID:               orderID,
		Email:                 email,
		CampaignSlug:          campaign.Slug,
		TierID:                cart.TierID,
		TierQty:               cart.TierQty,
		AdditionalTiers:       toSelections(cart.AdditionalTiers),
		SupportItems:          cart.items(),
		CustomAmount:          cart.CustomAmount,
		Subtotal:              subtotal,
		Tax:                   tax,
		Amount:                amount,
		StripeCustomerID:      customerID,
		StripePaymentMethodID: paymentMethodID,
		StripeSetupIntentID:   session.SetupIntent,
	}

	if err := h.ledger.Create(ctx, pledge); err != nil {
		if errors.Cause(err) == model.ErrAlreadyExists {
			logger.Info("pledge already recorded, acknowledging repeat delivery")
			return nil
		}
		return err
	}

	// Oversell is possible under concurrent completions; the claim is a
	// counter, not a lock, and Recalculate repairs drift
	for _, sel := range pledge.Tiers() {
		if _, err := h.inventory.Claim(ctx, campaign, sel.ID, sel.Qty); err != nil {
			logger.WithError(err).Warnf("failed to claim %d unit(s) of tier %q", sel.Qty, sel.ID)
		}
	}

	if err := h.stats.Add(ctx, pledge); err != nil {
		logger.WithError(err).Error("failed to update campaign stats")
	}

	h.notifyMilestones(ctx, campaign)
	h.sendConfirmation(ctx, campaign, pledge)

	if err := h.storage.Delete(ctx, h.pendingKey(orderID)); err != nil {
		logger.WithError(err).Warn("failed to drop pending cart")
	}

	logger.WithField("amount", amount).Info("pledge recorded")
	return nil
}

// refreshPaymentMethod stores the credential a refresh session saved and
// immediately retries the charge if the campaign has already settled.
func (h handler) refreshPaymentMethod(ctx context.Context, campaign *model.Campaign, orderID string, session *webhook.CheckoutSession) error {
	logger := log.WithFields(log.Fields{"order_id": orderID, "campaign": campaign.Slug})

	customerID, paymentMethodID, err := h.checkout.ResolveSetupIntent(ctx, session.SetupIntent)
	if err != nil {
		return errors.Wrap(err, "failed to resolve setup intent")
	}

	if _, err := h.ledger.UpdatePaymentMethod(ctx, orderID, customerID, paymentMethodID); err != nil {
		if errors.Cause(err) == model.ErrForbidden {
			logger.Warn("pledge can no longer accept a payment method update")
			return nil
		}
		return err
	}

	logger.Info("payment method updated")

	_, err = h.settler.RetryPledge(ctx, campaign, orderID)
	switch errors.Cause(err) {
	case nil:
		logger.Info("pledge retried after payment method update")
	case settlement.ErrNotEligible:
		// Campaign has not settled yet, the sweep will pick it up
	default:
		logger.WithError(err).Error("failed to retry pledge after payment method update")
	}

	return nil
}

func (h handler) checkoutExpired(ctx context.Context, session *webhook.CheckoutSession) error {
	orderID := session.Metadata["order_id"]
	if orderID == "" {
		return nil
	}

	err := h.storage.Delete(ctx, h.pendingKey(orderID))
	if err == model.ErrNotFound {
		return nil
	}

	return err
}

type tokenRequest struct {
	Token string `json:"token"`
}

// cancelPledge is the token-authorized cancellation. Rejected once the
// campaign deadline has passed: the goal evaluation must not move after
// the fact.
func (h handler) cancelPledge(c *gin.Context) {
	req := tokenRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(badRequest(err))
		return
	}

	pledge, campaign, ok := h.authorizedPledge(c, req.Token)
	if !ok {
		return
	}

	if campaign.DeadlinePassed(time.Now()) {
		h.respondError(c, errors.Wrap(model.ErrForbidden, "campaign deadline has passed"))
		return
	}

	// Pre-cancellation values, Cancel zeroes the record's totals
	subtotal := pledge.Subtotal
	tiers := pledge.Tiers()
	items := pledge.SupportItems

	cancelled, err := h.ledger.Cancel(c.Request.Context(), pledge.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	for _, sel := range tiers {
		if err := h.inventory.Release(c.Request.Context(), campaign, sel.ID, sel.Qty); err != nil {
			log.WithError(err).Warnf("failed to release tier %q after cancel", sel.ID)
		}
	}

	if err := h.stats.Remove(c.Request.Context(), campaign.Slug, subtotal, tiers, items); err != nil {
		log.WithError(err).Error("failed to update campaign stats after cancel")
	}

	log.WithFields(log.Fields{"order_id": pledge.OrderID, "campaign": campaign.Slug}).Info("pledge cancelled")

	c.JSON(http.StatusOK, pledgeView(cancelled))
}

type modifyRequest struct {
	Token           string        `json:"token"`
	TierID          string        `json:"tierId"`
	TierQty         int           `json:"tierQty"`
	AdditionalTiers []tierPick    `json:"additionalTiers"`
	SupportItems    []supportPick `json:"supportItems"`
	CustomAmount    int64         `json:"customAmount"`
}

// modifyPledge replaces the pledge's selection with a re-priced one,
// moving tier claims and stats by the difference.
func (h handler) modifyPledge(c *gin.Context) {
	req := modifyRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(badRequest(err))
		return
	}

	pledge, campaign, ok := h.authorizedPledge(c, req.Token)
	if !ok {
		return
	}

	if req.TierID != "" && req.TierQty == 0 {
		req.TierQty = 1
	}

	cart := pendingCart{
		CampaignSlug:    campaign.Slug,
		TierID:          req.TierID,
		TierQty:         req.TierQty,
		AdditionalTiers: req.AdditionalTiers,
		SupportItems:    req.SupportItems,
		CustomAmount:    req.CustomAmount,
	}

	subtotal, tax, amount, err := h.computeTotals(campaign, &cart)
	if err != nil {
		c.JSON(badRequest(err))
		return
	}

	before := pledge.Tiers()
	after := cart.tiers()

	if err := h.inventory.Adjust(c.Request.Context(), campaign, before, after); err != nil {
		h.respondError(c, err)
		return
	}

	updated, err := h.ledger.Modify(c.Request.Context(), pledge.OrderID, ledger.Changes{
		TierID:          cart.TierID,
		TierQty:         cart.TierQty,
		AdditionalTiers: toSelections(cart.AdditionalTiers),
		SupportItems:    cart.items(),
		CustomAmount:    cart.CustomAmount,
		Subtotal:        subtotal,
		Tax:             tax,
		Amount:          amount,
	})
	if err != nil {
		// Put the claims back, the ledger rejected the change
		if adjErr := h.inventory.Adjust(c.Request.Context(), campaign, after, before); adjErr != nil {
			log.WithError(adjErr).Warn("failed to revert tier claims after rejected modify")
		}

		h.respondError(c, err)
		return
	}

	if err := h.stats.ApplyModify(c.Request.Context(), campaign.Slug, updated.Subtotal-pledge.Subtotal, pledge, updated); err != nil {
		log.WithError(err).Error("failed to update campaign stats after modify")
	}

	h.notifyMilestones(c.Request.Context(), campaign)

	log.WithFields(log.Fields{"order_id": pledge.OrderID, "campaign": campaign.Slug, "amount": amount}).
		Info("pledge modified")

	c.JSON(http.StatusOK, pledgeView(updated))
}

// startPaymentMethodUpdate opens a setup-mode checkout to replace the
// saved credential. The completion webhook stores the new credential and
// auto-retries the charge when the campaign has already settled.
func (h handler) startPaymentMethodUpdate(c *gin.Context) {
	req := tokenRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(badRequest(err))
		return
	}

	pledge, campaign, ok := h.authorizedPledge(c, req.Token)
	if !ok {
		return
	}

	if pledge.Status != model.StatusActive && pledge.Status != model.StatusPaymentFailed {
		h.respondError(c, errors.Wrap(model.ErrForbidden, "pledge can no longer be updated"))
		return
	}

	checkoutURL, err := h.checkout.CreateSetupSession(c.Request.Context(), payments.SessionRequest{
		OrderID:       pledge.OrderID,
		CampaignSlug:  campaign.Slug,
		CustomerEmail: pledge.Email,
		CustomerID:    pledge.StripeCustomerID,
		SuccessURL:    h.link("/pledge/updated"),
		CancelURL:     h.link("/"),
		Purpose:       purposeUpdatePayment,
	})
	if err != nil {
		h.respondError(c, errors.Wrap(err, "failed to create checkout session"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkoutUrl": checkoutURL})
}

func (h handler) getStats(c *gin.Context) {
	campaign, ok := h.campaignFromParam(c)
	if !ok {
		return
	}

	cached, err := h.stats.Get(c.Request.Context(), campaign.Slug)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaign":      campaign.Slug,
		"goalAmount":    campaign.GoalAmount,
		"goalDeadline":  campaign.GoalDeadline,
		"pledgedAmount": cached.PledgedAmount,
		"pledgeCount":   cached.PledgeCount,
		"tierCounts":    cached.TierCounts,
		"supportItems":  cached.SupportItems,
		"updatedAt":     cached.UpdatedAt,
	})
}

func (h handler) getInventory(c *gin.Context) {
	campaign, ok := h.campaignFromParam(c)
	if !ok {
		return
	}

	inv, err := h.inventory.Get(c.Request.Context(), campaign)
	if err != nil {
		h.respondError(c, err)
		return
	}

	tiers := make(map[string]gin.H, len(inv.Tiers))
	for id, count := range inv.Tiers {
		remaining := -1
		if count.Limit > 0 {
			remaining = count.Limit - count.Claimed
			if remaining < 0 {
				remaining = 0
			}
		}

		tiers[id] = gin.H{"limit": count.Limit, "claimed": count.Claimed, "remaining": remaining}
	}

	c.JSON(http.StatusOK, gin.H{"campaign": campaign.Slug, "tiers": tiers})
}

func (h handler) settle(c *gin.Context) {
	campaign, ok := h.campaignFromParam(c)
	if !ok {
		return
	}

	dryRun := c.Query("dryRun") == "true" || c.Query("dryRun") == "1"

	result, err := h.settler.Settle(c.Request.Context(), campaign, dryRun)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h handler) recalculateStats(c *gin.Context) {
	campaign, ok := h.campaignFromParam(c)
	if !ok {
		return
	}

	rebuilt, err := h.stats.Recalculate(c.Request.Context(), campaign.Slug)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, rebuilt)
}

func (h handler) recalculateInventory(c *gin.Context) {
	campaign, ok := h.campaignFromParam(c)
	if !ok {
		return
	}

	rebuilt, err := h.inventory.Recalculate(c.Request.Context(), campaign)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, rebuilt)
}

// authorizedPledge verifies the magic-link token, loads the pledge and
// cross-checks the claims against the record. The token alone is never
// enough: a stale link to a reassigned order id must not grant access.
func (h handler) authorizedPledge(c *gin.Context, tok string) (*model.Pledge, *model.Campaign, bool) {
	claims, err := token.Verify(h.opts.TokenSecret, tok)
	if err != nil {
		h.respondError(c, err)
		return nil, nil, false
	}

	pledge, err := h.ledger.Get(c.Request.Context(), claims.OrderID)
	if err != nil {
		h.respondError(c, err)
		return nil, nil, false
	}

	if !strings.EqualFold(pledge.Email, claims.Email) || pledge.CampaignSlug != claims.CampaignSlug {
		h.respondError(c, model.ErrUnauthorized)
		return nil, nil, false
	}

	campaign, ok := h.campaigns[pledge.CampaignSlug]
	if !ok {
		h.respondError(c, errors.Wrap(model.ErrNotFound, "unknown campaign"))
		return nil, nil, false
	}

	return pledge, campaign, true
}

func (h handler) adminAuth(c *gin.Context) {
	// No secret configured means no admin surface at all
	if h.opts.AdminSecret == "" {
		h.respondError(c, model.ErrNotConfigured)
		c.Abort()
		return
	}

	provided := c.GetHeader(adminHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.opts.AdminSecret)) != 1 {
		h.respondError(c, model.ErrUnauthorized)
		c.Abort()
		return
	}

	c.Next()
}

func (h handler) rateLimit(class string, limit Limit) gin.HandlerFunc {
	limiter := ratelimit.New(h.storage, limit.Requests, limit.Window)

	return func(c *gin.Context) {
		if err := limiter.Allow(c.Request.Context(), class, c.ClientIP()); err != nil {
			h.respondError(c, err)
			c.Abort()
			return
		}

		c.Next()
	}
}

// notifyMilestones sends the campaign owner a one-time note for every
// goal percentage newly crossed.
func (h handler) notifyMilestones(ctx context.Context, campaign *model.Campaign) {
	if campaign.OwnerEmail == "" {
		return
	}

	cached, err := h.stats.Get(ctx, campaign.Slug)
	if err != nil {
		log.WithError(err).Error("failed to read stats for milestone check")
		return
	}

	crossed, err := h.broadcast.CrossedMilestones(ctx, campaign, cached.PledgedAmount)
	if err != nil {
		log.WithError(err).Error("failed to record crossed milestones")
	}

	for _, percent := range crossed {
		msg := &mail.Message{
			To:      campaign.OwnerEmail,
			Subject: fmt.Sprintf("%s reached %d%% of its goal", campaign.Title, percent),
			Text: fmt.Sprintf(
				"%s has now raised %d of its %d goal (%d%%). Keep it up!",
				campaign.Title, cached.PledgedAmount, campaign.GoalAmount, percent,
			),
		}

		if err := h.sender.Send(ctx, msg); err != nil {
			log.WithError(err).WithField("campaign", campaign.Slug).Error("failed to send milestone notification")
		}
	}
}

// sendConfirmation mails the supporter their receipt with the magic
// management link.
func (h handler) sendConfirmation(ctx context.Context, campaign *model.Campaign, pledge *model.Pledge) {
	text := fmt.Sprintf(
		"Thank you for backing %s! Your pledge of %d.%02d will only be charged if the campaign reaches its goal.",
		campaign.Title, pledge.Amount/100, pledge.Amount%100,
	)

	tok, err := token.Issue(h.opts.TokenSecret, token.Claims{
		OrderID:      pledge.OrderID,
		Email:        pledge.Email,
		CampaignSlug: pledge.CampaignSlug,
	}, h.opts.TokenTTL)
	if err != nil {
		log.WithError(err).Warn("magic link tokens unavailable, sending receipt without management link")
	} else {
		text += fmt.Sprintf("\n\nManage your pledge: %s", h.link("/pledge?token="+tok))
	}

	msg := &mail.Message{
		To:      pledge.Email,
		Subject: fmt.Sprintf("Your pledge to %s", campaign.Title),
		Text:    text,
	}

	if err := h.sender.Send(ctx, msg); err != nil {
		log.WithError(err).WithField("order_id", pledge.OrderID).Error("failed to send pledge confirmation")
	}
}

func (h handler) campaignFromParam(c *gin.Context) (*model.Campaign, bool) {
	campaign, ok := h.campaigns[c.Param("slug")]
	if !ok {
		h.respondError(c, errors.Wrap(model.ErrNotFound, "unknown campaign"))
		return nil, false
	}

	return campaign, true
}

func (h handler) respondError(c *gin.Context, err error) {
	cause := errors.Cause(err)

	switch typed := cause.(type) {
	case *model.RateLimitedError:
		c.Header("Retry-After", fmt.Sprintf("%d", int(math.Ceil(typed.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": typed.Error()})
		return
	case *model.InsufficientInventoryError:
		c.JSON(http.StatusConflict, gin.H{"error": typed.Error()})
		return
	}

	var status int
	switch cause {
	case model.ErrNotFound:
		status = http.StatusNotFound
	case model.ErrForbidden:
		status = http.StatusForbidden
	case model.ErrUnauthorized:
		status = http.StatusUnauthorized
	case model.ErrAlreadyExists, model.ErrConflict, settlement.ErrNotEligible:
		status = http.StatusConflict
	default:
		log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func (h handler) pendingKey(orderID string) string {
	return fmt.Sprintf(pendingPath, orderID)
}

func (h handler) link(path string) string {
	return strings.TrimRight(h.opts.PublicURL, "/") + path
}

func toSelections(picks []tierPick) []model.TierSelection {
	if len(picks) == 0 {
		return nil
	}

	out := make([]model.TierSelection, 0, len(picks))
	for _, pick := range picks {
		out = append(out, model.TierSelection{ID: pick.ID, Qty: pick.Qty})
	}

	return out
}

func pledgeView(p *model.Pledge) gin.H {
	return gin.H{
		"orderId":      p.OrderID,
		"campaign":     p.CampaignSlug,
		"status":       p.Status,
		"subtotal":     p.Subtotal,
		"tax":          p.Tax,
		"amount":       p.Amount,
		"tiers":        p.Tiers(),
		"supportItems": p.SupportItems,
		"customAmount": p.CustomAmount,
		"updatedAt":    p.UpdatedAt,
	}
}

func badRequest(err error) (int, interface{}) {
	return http.StatusBadRequest, gin.H{"error": err.Error()}
}
