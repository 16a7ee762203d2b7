package config

import (
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/fundlane/fundlane/pkg/db"
	"github.com/fundlane/fundlane/pkg/mail"
	"github.com/fundlane/fundlane/pkg/model"
)

// Server is the web server configuration
type Server struct {
	// BindAddress to listen on, "*" for all interfaces
	BindAddress string `toml:"bind_address"`
	// Port is a server port to listen to
	Port int `toml:"port"`
	// PublicURL is the externally visible base URL, used for checkout
	// redirects and magic links
	PublicURL string `toml:"public_url"`
}

// Stripe credentials
type Stripe struct {
	// SecretKey is the API key matching the configured environment
	SecretKey string `toml:"secret_key"`
	// WebhookSecret signs inbound events. Without it the webhook
	// endpoint fails closed.
	WebhookSecret string `toml:"webhook_secret"`
}

// Tokens configures magic-link issuance
type Tokens struct {
	// Secret signs magic-link tokens
	Secret string `toml:"secret"`
	// TTLDays is how long issued links stay valid
	TTLDays int `toml:"ttl_days"`
}

// Admin protects the settlement and repair endpoints
type Admin struct {
	Secret string `toml:"secret"`
}

// Limits is one fixed-window rate limit class
type Limits struct {
	Requests int      `toml:"requests"`
	Window   Duration `toml:"window"`
}

// RateLimits per endpoint class
type RateLimits struct {
	Checkout Limits `toml:"checkout"`
	Manage   Limits `toml:"manage"`
	Public   Limits `toml:"public"`
}

// Settlement tuning
type Settlement struct {
	// Schedule is a cron expression for the daily sweep
	Schedule string `toml:"schedule"`
	// MailDelay between successive notification sends
	MailDelay Duration `toml:"mail_delay"`
}

// Tier definition within a campaign
type Tier struct {
	ID    string `toml:"id"`
	Title string `toml:"title"`
	// Price in minor units
	Price int64 `toml:"price"`
	// Limit caps how many may be claimed, 0 means unlimited
	Limit int `toml:"limit"`
}

// Campaign holds the funding parameters for one campaign. Content pages
// are authored and rendered outside this service.
type Campaign struct {
	Slug       string `toml:"-"`
	Title      string `toml:"title"`
	OwnerEmail string `toml:"owner_email"`
	// GoalAmount in minor units. Zero disables settlement.
	GoalAmount int64 `toml:"goal_amount"`
	// GoalDeadline as YYYY-MM-DD, evaluated end-of-day in the fixed
	// settlement timezone
	GoalDeadline string `toml:"goal_deadline"`
	// Milestones are percent thresholds that trigger one-time
	// notifications to the owner
	Milestones []int  `toml:"milestones"`
	Tiers      []Tier `toml:"tiers"`
}

type Config struct {
	// Environment is "test" or "live"
	Environment string `toml:"environment"`
	// Currency for all charges, ISO 4217 lower case
	Currency string `toml:"currency"`
	// TaxRate applied to pledge subtotals
	TaxRate float64 `toml:"tax_rate"`

	Server     Server      `toml:"server"`
	Database   db.Config   `toml:"database"`
	Stripe     Stripe      `toml:"stripe"`
	Mail       mail.Config `toml:"mail"`
	Tokens     Tokens      `toml:"tokens"`
	Admin      Admin       `toml:"admin"`
	RateLimits RateLimits  `toml:"rate_limits"`
	Settlement Settlement  `toml:"settlement"`

	// Campaigns this instance accepts pledges for, keyed by slug
	Campaigns map[string]*Campaign
}

// LoadConfig loads TOML configuration from a file path
func LoadConfig(path string) (*Config, error) {
	config := Config{}
	_, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config file")
	}

	for slug, campaign := range config.Campaigns {
		campaign.Slug = slug
	}

	config.applyDefaults(path)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	switch model.Environment(c.Environment) {
	case model.EnvTest, model.EnvLive:
	default:
		result = multierror.Append(result, errors.Errorf("environment must be %q or %q", model.EnvTest, model.EnvLive))
	}

	if len(c.Campaigns) == 0 {
		result = multierror.Append(result, errors.New("at least one campaign must be specified"))
	}

	if c.TaxRate < 0 || c.TaxRate >= 1 {
		result = multierror.Append(result, errors.New("tax rate must be within [0, 1)"))
	}

	for slug, campaign := range c.Campaigns {
		if campaign.Title == "" {
			result = multierror.Append(result, errors.Errorf("title is required for %q", slug))
		}

		if campaign.GoalDeadline != "" {
			if _, err := time.ParseInLocation("2006-01-02", campaign.GoalDeadline, model.SettlementZone); err != nil {
				result = multierror.Append(result, errors.Errorf("invalid goal deadline for %q: %s", slug, campaign.GoalDeadline))
			}
		}

		seen := map[string]bool{}
		for _, tier := range campaign.Tiers {
			if tier.ID == "" {
				result = multierror.Append(result, errors.Errorf("tier id is required for %q", slug))
				continue
			}

			if seen[tier.ID] {
				result = multierror.Append(result, errors.Errorf("duplicate tier %q in %q", tier.ID, slug))
			}
			seen[tier.ID] = true

			if tier.Price < 0 {
				result = multierror.Append(result, errors.Errorf("negative price for tier %q in %q", tier.ID, slug))
			}
		}
	}

	return result.ErrorOrNil()
}

func (c *Config) applyDefaults(configPath string) {
	if c.Environment == "" {
		c.Environment = string(model.EnvTest)
	}

	if c.Currency == "" {
		c.Currency = "usd"
	}

	if c.TaxRate == 0 {
		c.TaxRate = model.DefaultTaxRate
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost"
	}

	if c.Database.Dir == "" {
		c.Database.Dir = filepath.Join(filepath.Dir(configPath), "db")
	}

	if c.Tokens.TTLDays == 0 {
		c.Tokens.TTLDays = int(model.DefaultTokenTTL / (24 * time.Hour))
	}

	if c.Settlement.Schedule == "" {
		c.Settlement.Schedule = "@daily"
	}

	if c.Settlement.MailDelay.Duration == 0 {
		c.Settlement.MailDelay.Duration = model.DefaultMailDelay
	}

	defaults := func(l *Limits) {
		if l.Requests == 0 {
			l.Requests = model.DefaultRateLimit
		}
		if l.Window.Duration == 0 {
			l.Window.Duration = model.DefaultRateWindow
		}
	}
	defaults(&c.RateLimits.Checkout)
	defaults(&c.RateLimits.Manage)
	defaults(&c.RateLimits.Public)
}

// Env returns the typed environment value
func (c *Config) Env() model.Environment {
	return model.Environment(c.Environment)
}

// TokenTTL returns the magic-link lifetime
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Tokens.TTLDays) * 24 * time.Hour
}

// Campaign converts one configured campaign to its model form
func (c *Config) Campaign(slug string) (*model.Campaign, bool) {
	campaign, ok := c.Campaigns[slug]
	if !ok {
		return nil, false
	}

	return campaign.toModel(), true
}

// CampaignModels converts every configured campaign
func (c *Config) CampaignModels() map[string]*model.Campaign {
	out := make(map[string]*model.Campaign, len(c.Campaigns))
	for slug, campaign := range c.Campaigns {
		out[slug] = campaign.toModel()
	}

	return out
}

func (c *Campaign) toModel() *model.Campaign {
	tiers := make([]model.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, model.Tier{ID: t.ID, Title: t.Title, Price: t.Price, Limit: t.Limit})
	}

	return &model.Campaign{
		Slug:         c.Slug,
		Title:        c.Title,
		OwnerEmail:   c.OwnerEmail,
		GoalAmount:   c.GoalAmount,
		GoalDeadline: c.GoalDeadline,
		Tiers:        tiers,
		Milestones:   c.Milestones,
	}
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}
