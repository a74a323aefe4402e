package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/app/core"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/config"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/jobs/reconcile"
	redrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/redis"
	authsvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/auth"
	ratesvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/rate"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/handlers"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	core       *core.Core
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	c, err := core.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	purchaseHandler := handlers.NewPurchaseHandler(c.Purchases, c.Promo, c.Entitlements, log)
	purchaseHandler.AttachRateLimiter(ratesvc.PurchaseInitLimiter(
		redrepo.NewRateRepo(c.Redis),
		cfg.Rate.PurchaseInitPerMinute,
		cfg.Rate.PurchaseInitPerHour,
	))
	reconcileJob := reconcile.New(c.Tx, c.Reconciliation, cfg.Jobs.CreditGrace, log)

	RegisterRoutes(r, Dependencies{
		Tokens:         authsvc.NewJWTManager(cfg.Auth.JWTSecret, 0).WithIssuer(cfg.Auth.Issuer),
		Purchases:      purchaseHandler,
		Gateway:        handlers.NewGatewayHandler(c.Purchases, log),
		Admin:          handlers.NewAdminHandler(c.Refunds, reconcileJob, log),
		Health:         handlers.NewHealthHandler(c.Ready),
		MetricsHandler: c.Metrics.Handler(),
		Logger:         log,
		Config:         cfg,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		core:       c,
		httpRouter: r,
	}, nil
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if err := a.core.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
