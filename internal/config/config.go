// Package config provides YAML-based configuration loading for Peerline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or bare integers (seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\" or integer seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Peerline configuration, loaded from config.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Timing   TimingConfig   `yaml:"timing"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// DatabaseConfig selects the session store backend. Driver "sqlite" uses
// Path; driver "mysql" uses Host/Port/Database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// TimingConfig holds the synchronization timing constants. Each is
// independently configurable; zero values take the documented defaults.
type TimingConfig struct {
	SendTimeout        Duration `yaml:"send_timeout"`         // optimistic send confirmation window
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`   // realtime connection health check
	PollInterval       Duration `yaml:"poll_interval"`        // degraded polling transport cadence
	IdleBudget         Duration `yaml:"idle_budget"`          // inactivity window from last_activity
	WarningThreshold   Duration `yaml:"warning_threshold"`    // countdown warning before expiry
	BackoffCeiling     Duration `yaml:"backoff_ceiling"`      // max reconnect delay
	MaxReconnects      int      `yaml:"max_reconnects"`       // heartbeat-driven reconnection attempts
	MaxManualRetries   int      `yaml:"max_manual_retries"`   // UI-surfaced retry affordances
	SweepSchedule      string   `yaml:"sweep_schedule"`       // cron expression for the idle sweep
	WaitingNoticeAfter Duration `yaml:"waiting_notice_after"` // digest threshold for unclaimed sessions
	ProposalTTL        Duration `yaml:"proposal_ttl"`         // pending proposals expire after this
}

// NotifyConfig holds credentials for specialist notification channels.
// Empty tokens disable the corresponding channel.
type NotifyConfig struct {
	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, for callers that
// run without a config file (tests, embedded engines).
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "peerline.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "peerline"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Timing.SendTimeout == 0 {
		c.Timing.SendTimeout = Duration(10 * time.Second)
	}
	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = Duration(15 * time.Second)
	}
	if c.Timing.PollInterval == 0 {
		c.Timing.PollInterval = Duration(5 * time.Second)
	}
	if c.Timing.IdleBudget == 0 {
		c.Timing.IdleBudget = Duration(5 * time.Minute)
	}
	if c.Timing.WarningThreshold == 0 {
		c.Timing.WarningThreshold = Duration(60 * time.Second)
	}
	if c.Timing.BackoffCeiling == 0 {
		c.Timing.BackoffCeiling = Duration(30 * time.Second)
	}
	if c.Timing.MaxReconnects == 0 {
		c.Timing.MaxReconnects = 15
	}
	if c.Timing.MaxManualRetries == 0 {
		c.Timing.MaxManualRetries = 5
	}
	if c.Timing.SweepSchedule == "" {
		c.Timing.SweepSchedule = "* * * * *"
	}
	if c.Timing.WaitingNoticeAfter == 0 {
		c.Timing.WaitingNoticeAfter = Duration(2 * time.Minute)
	}
	if c.Timing.ProposalTTL == 0 {
		c.Timing.ProposalTTL = Duration(24 * time.Hour)
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Database.Driver == "mysql" && c.Database.User == "" {
		errs = append(errs, "database.user is required for mysql")
	}
	if c.Timing.WarningThreshold >= c.Timing.IdleBudget {
		errs = append(errs, "timing.warning_threshold must be smaller than timing.idle_budget")
	}
	if c.Timing.MaxReconnects < 0 || c.Timing.MaxManualRetries < 0 {
		errs = append(errs, "timing retry counts must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
