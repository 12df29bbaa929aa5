package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the configuration omits a value. The reward and
// referral figures mirror the ledger-side contract configuration; the ledger
// remains authoritative at settlement time.
const (
	DefaultListenAddress      = ":8551"
	DefaultMinRewardSeconds   = 10
	DefaultSecondsPerUnit     = 10
	DefaultMaxSessionSeconds  = 3600
	DefaultDailyReferralCap   = 10
	DefaultReferralReward     = 10
	DefaultLedgerCallTimeout  = 10 * time.Second
	DefaultUploadsPerMinute   = 6
	DefaultUploadBurst        = 2
	DefaultMaxUploadBytes     = 512 << 20
	DefaultDatabaseDriver     = "sqlite"
	DefaultMediaPublicBaseURL = "/media"
)

// Duration wraps time.Duration to support YAML unmarshalling from human
// readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings such as "10s" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for senscastd.
type Config struct {
	Service   string         `yaml:"service"`
	Env       string         `yaml:"env"`
	Listen    string         `yaml:"listen"`
	Database  DatabaseConfig `yaml:"database"`
	Media     MediaConfig    `yaml:"media"`
	Ledger    LedgerConfig   `yaml:"ledger"`
	Rewards   RewardConfig   `yaml:"rewards"`
	Referrals ReferralConfig `yaml:"referrals"`
	Uploads   UploadConfig   `yaml:"uploads"`
}

// DatabaseConfig selects the record store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// MediaConfig configures durable blob storage for recorded clips.
type MediaConfig struct {
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// LedgerConfig points at the external settlement ledger.
type LedgerConfig struct {
	RPCURL      string   `yaml:"rpc_url"`
	AuthToken   string   `yaml:"auth_token"`
	ChainID     uint64   `yaml:"chain_id"`
	CallTimeout Duration `yaml:"call_timeout"`
}

// RewardConfig governs recording reward eligibility.
type RewardConfig struct {
	MinSeconds        int `yaml:"min_seconds"`
	SecondsPerUnit    int `yaml:"seconds_per_unit"`
	MaxSessionSeconds int `yaml:"max_session_seconds"`
}

// ReferralConfig holds the off-ledger fallback cap values. The ledger-side
// counters override these when reachable.
type ReferralConfig struct {
	DailyCap          int64 `yaml:"daily_cap"`
	RewardPerReferral int64 `yaml:"reward_per_referral"`
}

// UploadConfig throttles the public upload endpoint.
type UploadConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
	MaxBytes  int64   `yaml:"max_bytes"`
}

// Load reads the YAML configuration at path and applies defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied, suitable for
// local development against an in-process sqlite store and a ledger node on
// its default port. Loaded configurations do not inherit these paths; a
// config file must name its own database, media directory, and ledger URL.
func Default() *Config {
	cfg := &Config{}
	cfg.Database.DSN = "senscast.db"
	cfg.Media.Dir = "media"
	cfg.Ledger.RPCURL = "http://127.0.0.1:8545"
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "senscastd"
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListenAddress
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if strings.TrimSpace(c.Media.PublicBaseURL) == "" {
		c.Media.PublicBaseURL = DefaultMediaPublicBaseURL
	}
	if c.Ledger.CallTimeout.Duration <= 0 {
		c.Ledger.CallTimeout.Duration = DefaultLedgerCallTimeout
	}
	if c.Rewards.MinSeconds <= 0 {
		c.Rewards.MinSeconds = DefaultMinRewardSeconds
	}
	if c.Rewards.SecondsPerUnit <= 0 {
		c.Rewards.SecondsPerUnit = DefaultSecondsPerUnit
	}
	if c.Rewards.MaxSessionSeconds <= 0 {
		c.Rewards.MaxSessionSeconds = DefaultMaxSessionSeconds
	}
	if c.Referrals.DailyCap <= 0 {
		c.Referrals.DailyCap = DefaultDailyReferralCap
	}
	if c.Referrals.RewardPerReferral <= 0 {
		c.Referrals.RewardPerReferral = DefaultReferralReward
	}
	if c.Uploads.PerMinute <= 0 {
		c.Uploads.PerMinute = DefaultUploadsPerMinute
	}
	if c.Uploads.Burst <= 0 {
		c.Uploads.Burst = DefaultUploadBurst
	}
	if c.Uploads.MaxBytes <= 0 {
		c.Uploads.MaxBytes = DefaultMaxUploadBytes
	}
}

// Validate rejects configurations that cannot be served.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Media.Dir) == "" {
		return fmt.Errorf("media dir must be configured")
	}
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger rpc_url must be configured")
	}
	if c.Rewards.MinSeconds > c.Rewards.MaxSessionSeconds {
		return fmt.Errorf("rewards min_seconds %d exceeds max_session_seconds %d", c.Rewards.MinSeconds, c.Rewards.MaxSessionSeconds)
	}
	return nil
}
