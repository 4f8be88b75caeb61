// Package config defines the autoresponder configuration: the operator
// settings that drive each processing cycle, the tuning of every engine
// component and the outer surfaces (sources, gateway, scheduler).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/automation"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/delivery"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notice"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify/discord"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify/whatsapp"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/reply"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/spam"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/textgen"
)

// Config is the complete configuration.
type Config struct {
	AutoReply   AutoReplyConfig     `yaml:"auto_reply"`
	API         APIConfig           `yaml:"api"`
	Filter      notify.FilterConfig `yaml:"filter"`
	Spam        spam.Config         `yaml:"spam"`
	Learning    learning.Config     `yaml:"learning"`
	Automation  automation.Config   `yaml:"automation"`
	Delivery    delivery.Config     `yaml:"delivery"`
	Workers     int                 `yaml:"workers"`
	Database    store.Config        `yaml:"database"`
	Channels    ChannelsConfig      `yaml:"channels"`
	Gateway     GatewayConfig       `yaml:"gateway"`
	Maintenance MaintenanceConfig   `yaml:"maintenance"`
	Notices     notice.Config       `yaml:"notices"`
	Logging     LoggingConfig       `yaml:"logging"`
}

// AutoReplyConfig holds the operator settings read at the start of every
// processing cycle.
type AutoReplyConfig struct {
	// Enabled is the master switch.
	Enabled bool `yaml:"enabled"`

	// AIEnabled selects generated replies over the template pools.
	AIEnabled bool `yaml:"ai_enabled"`

	// SpamFilter enables the spam classifier.
	SpamFilter bool `yaml:"spam_filter"`

	Tone            reply.Tone  `yaml:"tone"`
	BuyerProfile    string      `yaml:"buyer_profile"`
	ProductCategory string      `yaml:"product_category"`
	Pools           reply.Pools `yaml:"pools"`

	// DelayMinSeconds and DelayMaxSeconds bound the random pre-send delay.
	DelayMinSeconds int `yaml:"delay_min_seconds"`
	DelayMaxSeconds int `yaml:"delay_max_seconds"`
}

// APIConfig configures the text-generation endpoint.
type APIConfig struct {
	textgen.Config `yaml:",inline"`

	// APIKey is the credential. Prefer ${AUTORESPONDER_API_KEY} or the OS
	// keyring over a literal value.
	APIKey string `yaml:"api_key"`
}

// ChannelsConfig configures the notification sources.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
	Bridge   BridgeConfig    `yaml:"bridge"`
}

// BridgeConfig configures the device bridge endpoint.
type BridgeConfig struct {
	Enabled bool `yaml:"enabled"`

	// Token authenticates the device. Empty disables authentication.
	Token string `yaml:"token"`

	// RequestTimeout bounds every command sent to the device.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PingInterval is the keepalive period.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// GatewayConfig configures the operator HTTP API.
type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default 127.0.0.1:8086).
	Address string `yaml:"address"`

	// AuthToken is the bearer token for /api routes. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// MaintenanceConfig configures the periodic jobs.
type MaintenanceConfig struct {
	// PurgeMarks is the cron spec for dropping expired reply marks.
	PurgeMarks string `yaml:"purge_marks"`

	// PruneActivity is the cron spec for deleting old activity.
	PruneActivity string `yaml:"prune_activity"`

	// ActivityRetention is how long activity records are kept.
	ActivityRetention time.Duration `yaml:"activity_retention"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		AutoReply: AutoReplyConfig{
			Enabled:         true,
			AIEnabled:       false,
			SpamFilter:      true,
			Tone:            reply.ToneFriendly,
			DelayMinSeconds: 3,
			DelayMaxSeconds: 8,
		},
		API:        APIConfig{Config: textgen.DefaultConfig(), APIKey: "${AUTORESPONDER_API_KEY}"},
		Filter:     notify.DefaultFilterConfig(),
		Spam:       spam.DefaultConfig(),
		Learning:   learning.DefaultConfig(),
		Automation: automation.DefaultConfig(),
		Delivery:   delivery.DefaultConfig(),
		Workers:    4,
		Database:   store.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
			Bridge: BridgeConfig{
				Enabled:        true,
				RequestTimeout: 10 * time.Second,
				PingInterval:   30 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: "127.0.0.1:8086",
		},
		Maintenance: MaintenanceConfig{
			PurgeMarks:        "@every 1h",
			PruneActivity:     "@daily",
			ActivityRetention: 720 * time.Hour,
		},
		Notices: notice.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Delay returns the pre-send delay bounds in seconds.
func (c *Config) Delay() delivery.Delay {
	return delivery.Delay{
		Min: c.AutoReply.DelayMinSeconds,
		Max: c.AutoReply.DelayMaxSeconds,
	}
}

// ReplySettings returns the generator settings for one cycle.
func (c *Config) ReplySettings() reply.Settings {
	return reply.Settings{
		AIEnabled:       c.AutoReply.AIEnabled,
		APIKey:          c.API.APIKey,
		Model:           c.API.Model,
		Tone:            c.AutoReply.Tone,
		BuyerProfile:    c.AutoReply.BuyerProfile,
		ProductCategory: c.AutoReply.ProductCategory,
		Pools:           c.AutoReply.Pools,
	}
}

// Clone returns a deep enough copy for safe mutation of top-level fields
// and the operator pools.
func (c *Config) Clone() *Config {
	cp := *c
	cp.AutoReply.Pools = reply.Pools{
		Welcome:  append([]string(nil), c.AutoReply.Pools.Welcome...),
		FollowUp: append([]string(nil), c.AutoReply.Pools.FollowUp...),
		Contact:  append([]string(nil), c.AutoReply.Pools.Contact...),
	}
	return &cp
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	ar := c.AutoReply
	for name, pool := range map[string][]string{
		"welcome":   ar.Pools.Welcome,
		"follow_up": ar.Pools.FollowUp,
		"contact":   ar.Pools.Contact,
	} {
		if len(pool) > reply.MaxPoolSize {
			add("auto_reply.pools.%s: %d entries, at most %d allowed", name, len(pool), reply.MaxPoolSize)
		}
	}
	if ar.DelayMinSeconds < 1 {
		add("auto_reply.delay_min_seconds must be at least 1")
	}
	if ar.DelayMaxSeconds < ar.DelayMinSeconds {
		add("auto_reply.delay_max_seconds (%d) must be >= delay_min_seconds (%d)", ar.DelayMaxSeconds, ar.DelayMinSeconds)
	}
	if ar.Tone != "" && !ar.Tone.Valid() {
		add("auto_reply.tone %q is not one of %v", ar.Tone, reply.Tones)
	}

	if c.Workers < 1 {
		add("workers must be at least 1")
	}
	if c.Delivery.PollInterval <= 0 || c.Delivery.PollInterval >= c.Delivery.PollCeiling {
		add("delivery.poll_interval (%s) must be positive and below poll_ceiling (%s)", c.Delivery.PollInterval, c.Delivery.PollCeiling)
	}
	if c.Spam.Threshold < 1 {
		add("spam.threshold must be positive")
	}
	if c.API.Timeout <= 0 {
		add("api.timeout must be positive")
	}
	if c.Learning.HistoryWindow < 0 || c.Learning.KeepTurns < c.Learning.HistoryWindow {
		add("learning.keep_turns (%d) must be >= history_window (%d)", c.Learning.KeepTurns, c.Learning.HistoryWindow)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"maintenance.purge_marks":    c.Maintenance.PurgeMarks,
		"maintenance.prune_activity": c.Maintenance.PruneActivity,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			add("%s: invalid schedule %q: %v", name, spec, err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format %q is not one of text, json", c.Logging.Format)
	}

	for _, u := range c.Notices.Webhooks {
		if err := notice.ValidateWebhookURL(u, c.Notices.AllowPrivateWebhooks); err != nil {
			add("notices.webhooks: %v", err)
		}
	}

	return errors.Join(errs...)
}
