package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/collectex/internal/blob/s3"
	"github.com/alanyoungcy/collectex/internal/cache/redis"
	"github.com/alanyoungcy/collectex/internal/config"
	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/exchange"
	"github.com/alanyoungcy/collectex/internal/platform/registry"
	"github.com/alanyoungcy/collectex/internal/service"
	"github.com/alanyoungcy/collectex/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Collaborators
	Registry *registry.Registry
	Bank     *registry.Bank
	ACL      *registry.ACL

	Exchange *exchange.Exchange
	Service  *service.ExchangeService

	// Stores (nil unless postgres is enabled)
	Postgres    *postgres.Client
	LedgerStore domain.LedgerStore
	AuditStore  domain.AuditStore

	// Caches (nil unless redis is enabled)
	Redis       *redis.Client
	RateLimiter domain.RateLimiter
	ReplayGuard domain.ReplayGuard
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless s3 is enabled)
	S3       *s3blob.Client
	Archiver *s3blob.Archiver
}

// Wire constructs every dependency the configuration enables and returns
// them with a cleanup function that releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{
		Registry: registry.NewRegistry(),
		Bank:     registry.NewBank(),
		ACL:      registry.NewACL(),
	}
	if err := seedGenesis(cfg.Genesis, deps.Registry, deps.Bank); err != nil {
		return fail("wire: genesis: %w", err)
	}
	grantAccess(cfg.Access, deps.ACL)

	ex, err := exchange.New(exchangeConfig(cfg.Exchange), deps.Registry, deps.Bank, deps.ACL, logger)
	if err != nil {
		return fail("wire: exchange: %w", err)
	}
	deps.Exchange = ex

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled || cfg.Mode == "migrate" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Postgres = pgClient

		if cfg.Postgres.RunMigrations && cfg.Mode != "migrate" {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "wire: migrations applied", slog.Any("migrations", applied))
			}
		}
		deps.LedgerStore = postgres.NewLedgerStore(pgClient.Pool())
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Redis = redisClient
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	svc := service.NewExchangeService(ex, deps.LedgerStore, deps.SignalBus, deps.AuditStore, deps.RateLimiter, logger).
		WithRateLimit(cfg.Exchange.RateLimit).
		WithRestoreHook(func(_ context.Context, st domain.LedgerState) error {
			return registry.Replay(deps.Registry, deps.Bank, st.Balances)
		})
	deps.Service = svc

	// --- S3 ---
	if cfg.S3.Enabled || cfg.Mode == "archive" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		reader := s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), reader, svc.Snapshot, deps.AuditStore, logger).
			WithRetention(reader, cfg.Archive.Keep)
	}

	return deps, cleanup, nil
}

func exchangeConfig(c config.ExchangeConfig) exchange.Config {
	out := exchange.Config{
		PlatformFeeRate:      c.PlatformFeeRate,
		GovernanceToken:      common.HexToAddress(c.GovernanceToken),
		PaymentEscrowAccount: optionalAddress(c.PaymentEscrowAccount),
		AssetEscrowAccount:   optionalAddress(c.AssetEscrowAccount),
		FeePoolAccount:       optionalAddress(c.FeePoolAccount),
		StakingAccount:       optionalAddress(c.StakingAccount),
	}
	for _, t := range c.PaymentTokens {
		out.PaymentTokens = append(out.PaymentTokens, common.HexToAddress(t))
	}
	return out
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// seedGenesis creates the configured items and mints the configured
// balances. Amounts were validated with the config.
func seedGenesis(g config.GenesisConfig, reg *registry.Registry, bank *registry.Bank) error {
	for _, it := range g.Items {
		primary := domain.RoyaltyShare{Receiver: optionalAddress(it.RoyaltyReceiver), Rate: it.RoyaltyRate}
		additional := make([]domain.RoyaltyShare, 0, len(it.Additional))
		for _, s := range it.Additional {
			additional = append(additional, domain.RoyaltyShare{Receiver: common.HexToAddress(s.Receiver), Rate: s.Rate})
		}
		if err := reg.CreateItem(domain.ItemID(it.ID), primary, additional...); err != nil {
			return err
		}
	}
	for _, tb := range g.Tokens {
		amount, err := domain.ParseAmount(tb.Amount)
		if err != nil {
			return err
		}
		if err := bank.Mint(common.HexToAddress(tb.Token), common.HexToAddress(tb.Owner), amount); err != nil {
			return err
		}
	}
	for _, ib := range g.ItemBalances {
		amount, err := domain.ParseAmount(ib.Amount)
		if err != nil {
			return err
		}
		if err := reg.Mint(common.HexToAddress(ib.Owner), domain.ItemID(ib.Item), amount); err != nil {
			return err
		}
	}
	return nil
}

func grantAccess(a config.AccessConfig, acl *registry.ACL) {
	for _, admin := range a.Admins {
		acl.Grant(common.HexToAddress(admin), domain.CapabilityAdmin)
	}
	for _, g := range a.Grants {
		for _, c := range g.Capabilities {
			acl.Grant(common.HexToAddress(g.Account), domain.Capability(c))
		}
	}
}
