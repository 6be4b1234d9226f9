package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults, loads a .env file when
// present, and applies COLLECTEX_* environment overrides. An empty path
// skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and endpoints at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setUint64(&cfg.Exchange.PlatformFeeRate, "COLLECTEX_EXCHANGE_PLATFORM_FEE_RATE")
	setStringSlice(&cfg.Exchange.PaymentTokens, "COLLECTEX_EXCHANGE_PAYMENT_TOKENS")
	setStr(&cfg.Exchange.GovernanceToken, "COLLECTEX_EXCHANGE_GOVERNANCE_TOKEN")
	setInt(&cfg.Exchange.RateLimit, "COLLECTEX_EXCHANGE_RATE_LIMIT")
	setDuration(&cfg.Exchange.WriterLockTTL, "COLLECTEX_EXCHANGE_WRITER_LOCK_TTL")

	// ── Access ──
	setStringSlice(&cfg.Access.Admins, "COLLECTEX_ACCESS_ADMINS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "COLLECTEX_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "COLLECTEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COLLECTEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COLLECTEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COLLECTEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COLLECTEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COLLECTEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COLLECTEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COLLECTEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COLLECTEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COLLECTEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COLLECTEX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "COLLECTEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COLLECTEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COLLECTEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COLLECTEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COLLECTEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COLLECTEX_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "COLLECTEX_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COLLECTEX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COLLECTEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COLLECTEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "COLLECTEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COLLECTEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COLLECTEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COLLECTEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COLLECTEX_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "COLLECTEX_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.Keep, "COLLECTEX_ARCHIVE_KEEP")

	// ── Server ──
	setInt(&cfg.Server.Port, "COLLECTEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COLLECTEX_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.RequireSignatures, "COLLECTEX_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.MaxSkew, "COLLECTEX_SERVER_MAX_SKEW")
	setInt(&cfg.Server.RequestsPerMinute, "COLLECTEX_SERVER_REQUESTS_PER_MINUTE")

	// ── Top-level ──
	setStr(&cfg.Mode, "COLLECTEX_MODE")
	setStr(&cfg.LogLevel, "COLLECTEX_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
