// Package server exposes the exchange over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/collectex/internal/crypto"
	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/server/handler"
	"github.com/alanyoungcy/collectex/internal/server/middleware"
	"github.com/alanyoungcy/collectex/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port              int
	CORSOrigins       []string
	RequireSignatures bool
	MaxSkew           time.Duration
	// RequestsPerMinute limits each client IP when a limiter is supplied.
	// Zero disables the limit.
	RequestsPerMinute int
	// ReplayGuard rejects reused request signatures. Nil keeps them in
	// process memory, which only protects a single replica.
	ReplayGuard domain.ReplayGuard
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Orders    *handler.OrderHandler
	Royalties *handler.RoyaltyHandler
	Staking   *handler.StakingHandler
	Admin     *handler.AdminHandler
}

// NewHandlers builds every handler over api.
func NewHandlers(api handler.ExchangeAPI, logger *slog.Logger) Handlers {
	return Handlers{
		Health:    handler.NewHealthHandler(logger),
		Orders:    handler.NewOrderHandler(api, logger),
		Royalties: handler.NewRoyaltyHandler(api, logger),
		Staking:   handler.NewStakingHandler(api, logger),
		Admin:     handler.NewAdminHandler(api, logger),
	}
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, optional IP rate limit, then caller identity.
// limiter and hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/exchange", h.Admin.Params)
	mux.HandleFunc("GET /api/events", h.Admin.Events)

	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", h.Orders.PlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.Orders.GetOrder)
	mux.HandleFunc("POST /api/orders/cancel", h.Orders.CancelOrders)
	mux.HandleFunc("POST /api/orders/fill-buy", h.Orders.FillBuyOrders)
	mux.HandleFunc("POST /api/orders/fill-sell", h.Orders.FillSellOrders)
	mux.HandleFunc("POST /api/orders/claim", h.Orders.ClaimOrders)

	mux.HandleFunc("POST /api/royalties/claim", h.Royalties.Claim)
	mux.HandleFunc("GET /api/royalties/{owner}", h.Royalties.Claimable)
	mux.HandleFunc("GET /api/items/{id}/royalties", h.Royalties.Quote)
	mux.HandleFunc("PUT /api/items/{id}/royalties", h.Royalties.Register)
	mux.HandleFunc("PUT /api/items/{id}/manager", h.Royalties.RegisterManager)

	mux.HandleFunc("POST /api/staking/stake", h.Staking.Stake)
	mux.HandleFunc("POST /api/staking/withdraw", h.Staking.Withdraw)
	mux.HandleFunc("POST /api/staking/claim", h.Staking.Claim)
	mux.HandleFunc("GET /api/staking/{staker}/rewards", h.Staking.Rewards)

	mux.HandleFunc("POST /api/admin/payment-tokens", h.Admin.AddPaymentToken)
	mux.HandleFunc("PUT /api/admin/platform-fee", h.Admin.SetPlatformFee)
	mux.HandleFunc("GET /api/admin/audit", h.Admin.Audit)
	mux.HandleFunc("GET /api/admin/audit-log", h.Admin.AuditLog)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.Identity(crypto.NewVerifier(cfg.MaxSkew), cfg.RequireSignatures, cfg.ReplayGuard)(root)
	if limiter != nil && cfg.RequestsPerMinute > 0 {
		root = middleware.RateLimit(limiter, cfg.RequestsPerMinute, time.Minute, logger)(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
