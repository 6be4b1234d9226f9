// Package config defines the collectex configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by COLLECTEX_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Exchange ExchangeConfig `toml:"exchange"`
	Access   AccessConfig   `toml:"access"`
	Genesis  GenesisConfig  `toml:"genesis"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
}

// ExchangeConfig holds ledger settings. Custody accounts left empty are
// derived from fixed labels.
type ExchangeConfig struct {
	PlatformFeeRate      uint64   `toml:"platform_fee_rate"`
	PaymentTokens        []string `toml:"payment_tokens"`
	GovernanceToken      string   `toml:"governance_token"`
	PaymentEscrowAccount string   `toml:"payment_escrow_account"`
	AssetEscrowAccount   string   `toml:"asset_escrow_account"`
	FeePoolAccount       string   `toml:"fee_pool_account"`
	StakingAccount       string   `toml:"staking_account"`
	// RateLimit caps ledger mutations per caller per second; 0 disables it.
	RateLimit int `toml:"rate_limit"`
	// WriterLockTTL is the lifetime of the single-writer lease in Redis.
	WriterLockTTL duration `toml:"writer_lock_ttl"`
}

// AccessConfig lists capability grants.
type AccessConfig struct {
	Admins []string `toml:"admins"`
	Grants []Grant  `toml:"grants"`
}

// Grant gives Account a set of capabilities.
type Grant struct {
	Account      string   `toml:"account"`
	Capabilities []string `toml:"capabilities"`
}

// GenesisConfig seeds the in-memory item registry and token bank.
type GenesisConfig struct {
	Items        []GenesisItem         `toml:"items"`
	Tokens       []GenesisTokenBalance `toml:"tokens"`
	ItemBalances []GenesisItemBalance  `toml:"item_balances"`
}

// GenesisItem declares an item kind and the royalties the registry reports
// for it.
type GenesisItem struct {
	ID              uint64         `toml:"id"`
	RoyaltyReceiver string         `toml:"royalty_receiver"`
	RoyaltyRate     uint64         `toml:"royalty_rate"`
	Additional      []GenesisShare `toml:"additional"`
}

// GenesisShare is one additional royalty receiver.
type GenesisShare struct {
	Receiver string `toml:"receiver"`
	Rate     uint64 `toml:"rate"`
}

// GenesisTokenBalance mints Amount of Token to Owner.
type GenesisTokenBalance struct {
	Token  string `toml:"token"`
	Owner  string `toml:"owner"`
	Amount string `toml:"amount"`
}

// GenesisItemBalance mints Amount units of Item to Owner.
type GenesisItemBalance struct {
	Item   uint64 `toml:"item"`
	Owner  string `toml:"owner"`
	Amount string `toml:"amount"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls periodic snapshot archiving.
type ArchiveConfig struct {
	Interval duration `toml:"interval"`
	// Keep is how many snapshots to retain; 0 keeps all.
	Keep int `toml:"keep"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	RequireSignatures bool     `toml:"require_signatures"`
	MaxSkew           duration `toml:"max_skew"`
	// RequestsPerMinute caps requests per client IP; 0 disables it.
	RequestsPerMinute int      `toml:"requests_per_minute"`
	ShutdownTimeout   duration `toml:"shutdown_timeout"`
}

// duration wraps time.Duration for TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config for a single-process deployment with every
// backing service disabled.
func Defaults() Config {
	return Config{
		Mode:     "serve",
		LogLevel: "info",
		Exchange: ExchangeConfig{
			PlatformFeeRate: 3_000,
			RateLimit:       20,
			WriterLockTTL:   duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "collectex",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "collectex",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "collectex-snapshots",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval: duration{time.Hour},
			Keep:     48,
		},
		Server: ServerConfig{
			Port:              8080,
			RequireSignatures: true,
			MaxSkew:           duration{5 * time.Minute},
			RequestsPerMinute: 600,
			ShutdownTimeout:   duration{10 * time.Second},
		},
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"migrate": true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCapabilities = map[domain.Capability]bool{
	domain.CapabilityAdmin:        true,
	domain.CapabilityTokenAdmin:   true,
	domain.CapabilityFeeAdmin:     true,
	domain.CapabilityRoyaltyAdmin: true,
}

// Validate checks Config for invalid or missing values and returns one
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	checkAddr := func(field, v string, optional bool) {
		if v == "" && optional {
			return
		}
		if !common.IsHexAddress(v) {
			add("%s: %q is not a hex address", field, v)
		}
	}
	checkAmount := func(field, v string) {
		if _, err := domain.ParseAmount(v); err != nil {
			add("%s: %q is not a decimal amount", field, v)
		}
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: serve, migrate, archive)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Exchange
	if c.Exchange.PlatformFeeRate > domain.RateCap {
		add("exchange: platform_fee_rate %d above %d", c.Exchange.PlatformFeeRate, domain.RateCap)
	}
	if len(c.Exchange.PaymentTokens) == 0 {
		add("exchange: payment_tokens must not be empty")
	}
	for i, t := range c.Exchange.PaymentTokens {
		checkAddr(fmt.Sprintf("exchange.payment_tokens[%d]", i), t, false)
	}
	checkAddr("exchange.governance_token", c.Exchange.GovernanceToken, false)
	checkAddr("exchange.payment_escrow_account", c.Exchange.PaymentEscrowAccount, true)
	checkAddr("exchange.asset_escrow_account", c.Exchange.AssetEscrowAccount, true)
	checkAddr("exchange.fee_pool_account", c.Exchange.FeePoolAccount, true)
	checkAddr("exchange.staking_account", c.Exchange.StakingAccount, true)
	if c.Exchange.RateLimit < 0 {
		add("exchange: rate_limit must be >= 0")
	}

	// Access
	for i, a := range c.Access.Admins {
		checkAddr(fmt.Sprintf("access.admins[%d]", i), a, false)
	}
	for i, g := range c.Access.Grants {
		checkAddr(fmt.Sprintf("access.grants[%d].account", i), g.Account, false)
		for _, capName := range g.Capabilities {
			if !validCapabilities[domain.Capability(capName)] {
				add("access.grants[%d]: unknown capability %q", i, capName)
			}
		}
	}

	// Genesis
	seen := make(map[uint64]bool, len(c.Genesis.Items))
	for i, it := range c.Genesis.Items {
		if seen[it.ID] {
			add("genesis.items[%d]: duplicate id %d", i, it.ID)
		}
		seen[it.ID] = true
		checkAddr(fmt.Sprintf("genesis.items[%d].royalty_receiver", i), it.RoyaltyReceiver, true)
		if it.RoyaltyRate > domain.RateCap {
			add("genesis.items[%d]: royalty_rate %d above %d", i, it.RoyaltyRate, domain.RateCap)
		}
		for j, s := range it.Additional {
			checkAddr(fmt.Sprintf("genesis.items[%d].additional[%d].receiver", i, j), s.Receiver, false)
		}
	}
	for i, tb := range c.Genesis.Tokens {
		checkAddr(fmt.Sprintf("genesis.tokens[%d].token", i), tb.Token, false)
		checkAddr(fmt.Sprintf("genesis.tokens[%d].owner", i), tb.Owner, false)
		checkAmount(fmt.Sprintf("genesis.tokens[%d].amount", i), tb.Amount)
	}
	for i, ib := range c.Genesis.ItemBalances {
		if !seen[ib.Item] {
			add("genesis.item_balances[%d]: unknown item %d", i, ib.Item)
		}
		checkAddr(fmt.Sprintf("genesis.item_balances[%d].owner", i), ib.Owner, false)
		checkAmount(fmt.Sprintf("genesis.item_balances[%d].amount", i), ib.Amount)
	}

	// Postgres
	needsPostgres := c.Postgres.Enabled || mode == "migrate"
	if needsPostgres && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if needsPostgres {
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Exchange.WriterLockTTL.Duration < time.Second {
			add("exchange: writer_lock_ttl must be at least 1s")
		}
	}

	// S3
	if c.S3.Enabled || mode == "archive" {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}
	if c.S3.Enabled && c.Archive.Interval.Duration <= 0 {
		add("archive: interval must be positive")
	}
	if c.Archive.Keep < 0 {
		add("archive: keep must be >= 0")
	}

	// Server
	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RequestsPerMinute < 0 {
			add("server: requests_per_minute must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
