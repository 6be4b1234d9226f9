package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/server"
	"github.com/alanyoungcy/collectex/internal/server/ws"
	"github.com/alanyoungcy/collectex/internal/service"
)

// writerLockKey names the lease held by the single process allowed to
// mutate the ledger.
const writerLockKey = "lock:writer"

// pingFunc adapts a health probe to handler.Pinger.
type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ServeMode runs the HTTP API, the websocket hub, the writer lease refresher
// and the periodic archiver until ctx is cancelled or one of them fails.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting serve mode")

	lease, err := a.acquireWriter(ctx, deps.LockManager)
	if err != nil {
		return err
	}
	if lease != nil {
		defer lease.Release()
	}

	if err := deps.Service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("app: bootstrap: %w", err)
	}

	hub := ws.NewHub(a.logger)
	if deps.SignalBus != nil {
		hub.WithBus(deps.SignalBus, service.EventsChannel)
	} else {
		deps.Service.OnEvent(hub.Publish)
	}

	handlers := server.NewHandlers(deps.Service, a.logger)
	if deps.Postgres != nil {
		handlers.Health.WithDependency("postgres", deps.Postgres)
	}
	if deps.Redis != nil {
		handlers.Health.WithDependency("redis", deps.Redis)
	}
	if deps.S3 != nil {
		handlers.Health.WithDependency("s3", pingFunc(deps.S3.Health))
	}

	srvCfg := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:              srvCfg.Port,
		CORSOrigins:       srvCfg.CORSOrigins,
		RequireSignatures: srvCfg.RequireSignatures,
		MaxSkew:           srvCfg.MaxSkew.Duration,
		RequestsPerMinute: srvCfg.RequestsPerMinute,
		ReplayGuard:       deps.ReplayGuard,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if lease != nil {
		g.Go(func() error {
			return a.refreshWriter(ctx, lease, a.cfg.Exchange.WriterLockTTL.Duration)
		})
	}

	if deps.Archiver != nil && a.cfg.Archive.Interval.Duration > 0 {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	return g.Wait()
}

// acquireWriter takes the writer lease when a lock manager is configured.
// A nil lease means single-process mode.
func (a *App) acquireWriter(ctx context.Context, locks domain.LockManager) (domain.Lease, error) {
	if locks == nil {
		return nil, nil
	}
	lease, err := locks.Acquire(ctx, writerLockKey, a.cfg.Exchange.WriterLockTTL.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: another process holds the writer lease: %w", err)
		}
		return nil, fmt.Errorf("app: acquire writer lease: %w", err)
	}
	a.logger.InfoContext(ctx, "app: writer lease acquired", slog.Duration("ttl", a.cfg.Exchange.WriterLockTTL.Duration))
	return lease, nil
}

// refreshWriter extends the lease every third of its ttl. Losing it stops
// the process so two writers never run at once.
func (a *App) refreshWriter(ctx context.Context, lease domain.Lease, ttl time.Duration) error {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lease.Refresh(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("app: refresh writer lease: %w", err)
			}
		}
	}
}

// MigrateMode applies pending database migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Postgres == nil {
		return fmt.Errorf("app: migrate mode needs postgres")
	}
	applied, err := deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	a.logger.InfoContext(ctx, "app: migrations complete",
		slog.Int("applied", len(applied)),
		slog.Any("migrations", applied),
	)
	return nil
}

// ArchiveMode writes one snapshot of the persisted ledger to object storage,
// reads it back to confirm the upload and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode needs s3")
	}
	if deps.LedgerStore == nil {
		a.logger.WarnContext(ctx, "app: postgres disabled, archiving the genesis ledger")
	}
	if err := deps.Service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("app: bootstrap: %w", err)
	}

	want := deps.Service.Snapshot()
	key, err := deps.Archiver.ArchiveSnapshot(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	got, err := deps.Archiver.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("app: verify archive %s: %w", key, err)
	}
	if got.Params != want.Params || len(got.Orders) != len(want.Orders) {
		return fmt.Errorf("app: verify archive %s: stored snapshot does not match the ledger", key)
	}
	a.logger.InfoContext(ctx, "app: snapshot archived",
		slog.String("key", key),
		slog.Int("orders", len(got.Orders)),
	)
	return nil
}
