package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fundlane/fundlane/pkg/broadcast"
	"github.com/fundlane/fundlane/pkg/config"
	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/handler"
	"github.com/fundlane/fundlane/pkg/inventory"
	"github.com/fundlane/fundlane/pkg/ledger"
	"github.com/fundlane/fundlane/pkg/mail"
	"github.com/fundlane/fundlane/pkg/payments"
	"github.com/fundlane/fundlane/pkg/settlement"
	"github.com/fundlane/fundlane/pkg/stats"
	"github.com/fundlane/fundlane/pkg/webhook"
)

type Opts struct {
	ConfigPath string `long:"config" short:"c" default:"config.toml" env:"FUNDLANE_CONFIG_PATH"`
	Debug      bool   `long:"debug"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	opts := Opts{}
	if _, err := flags.Parse(&opts); err != nil {
		log.WithError(err).Fatal("failed to parse command line arguments")
	}

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}

	log.WithFields(log.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("running fundlane")

	log.Debugf("loading configuration %q", opts.ConfigPath)
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration file")
	}

	storage, err := db.Open(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}

	defer func() {
		if err := storage.Close(); err != nil {
			log.WithError(err).Error("failed to close storage")
		}
	}()

	ldg := ledger.New(storage)
	inv := inventory.New(storage, ldg)
	st := stats.New(storage, ldg)
	bc := broadcast.New(storage)

	guard := webhook.NewGuard(storage, cfg.Stripe.WebhookSecret, cfg.Env())
	stripe := payments.NewStripe(cfg.Stripe.SecretKey)
	sender := mail.NewSender(cfg.Mail)

	engine := settlement.New(storage, ldg, stripe, sender, cfg.Currency)
	engine.SetMailDelay(cfg.Settlement.MailDelay.Duration)

	if cfg.Stripe.WebhookSecret == "" {
		log.Warn("stripe webhook secret is not set, inbound events will be rejected")
	}

	// Daily settlement sweep over every configured campaign
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(nil)))

	if _, err := c.AddFunc(cfg.Settlement.Schedule, func() {
		log.Debug("running settlement sweep")
		if err := engine.Sweep(ctx, cfg.CampaignModels()); err != nil {
			log.WithError(err).Error("settlement sweep failed")
		}
	}); err != nil {
		log.WithError(err).Fatalf("invalid settlement schedule %q", cfg.Settlement.Schedule)
	}

	group.Go(func() error {
		defer func() {
			log.Info("shutting down cron")
			c.Stop()
		}()

		c.Start()

		<-ctx.Done()
		return ctx.Err()
	})

	// Run web server
	srv := NewServer(cfg, handler.New(storage, ldg, inv, st, bc, guard, stripe, engine, sender, cfg.CampaignModels(), handler.Opts{
		PublicURL:     cfg.Server.PublicURL,
		TokenSecret:   cfg.Tokens.Secret,
		TokenTTL:      cfg.TokenTTL(),
		AdminSecret:   cfg.Admin.Secret,
		TaxRate:       cfg.TaxRate,
		CheckoutLimit: handler.Limit{Requests: cfg.RateLimits.Checkout.Requests, Window: cfg.RateLimits.Checkout.Window.Duration},
		ManageLimit:   handler.Limit{Requests: cfg.RateLimits.Manage.Requests, Window: cfg.RateLimits.Manage.Window.Duration},
		PublicLimit:   handler.Limit{Requests: cfg.RateLimits.Public.Requests, Window: cfg.RateLimits.Public.Window.Duration},
	}))

	group.Go(func() error {
		log.Infof("running listener at %s", srv.Addr)
		return srv.ListenAndServe()
	})

	group.Go(func() error {
		defer func() {
			log.Info("shutting down web server")
			if err := srv.Shutdown(ctx); err != nil {
				log.WithError(err).Error("server shutdown failed")
			}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			cancel()
			return nil
		}
	})

	if err := group.Wait(); err != nil && (err != context.Canceled && err != http.ErrServerClosed) {
		log.WithError(err).Error("wait error")
	}

	log.Info("gracefully stopped")
}
