// Package app wires the exchange, its persistence and its transports, and
// runs the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/collectex/internal/config"
)

// modeFunc runs one operating mode against wired dependencies.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"serve":   (*App).ServeMode,
	"migrate": (*App).MigrateMode,
	"archive": (*App).ArchiveMode,
}

// App owns the configuration and the cleanup functions of everything Wire
// opened. Cleanups run in reverse order on Close.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies of the configured mode and blocks until the
// mode returns or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	start := time.Now()
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)

	err = run(a, ctx, deps)
	a.logger.InfoContext(ctx, "app: mode finished",
		slog.String("mode", mode),
		slog.Duration("uptime", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	return err
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close runs the registered cleanups newest first. Later calls are no-ops.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	if len(closers) == 0 {
		return
	}
	a.logger.Info("app: shutting down", slog.Int("resources", len(closers)))
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
