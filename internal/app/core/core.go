// Package core wires the purchase engine shared by the api, bot and worker
// processes.
package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/config"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/infra/metrics"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
	redrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/redis"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/catalog"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/refunds"
)

type Core struct {
	Postgres *pgxpool.Pool
	Redis    *goredis.Client
	Metrics  *metrics.Registry

	Tx             *pgrepo.TxManager
	Events         *pgrepo.EventRepo
	Reconciliation *pgrepo.ReconciliationRepo
	Catalog        *catalog.Catalog

	Analytics    *analytics.Service
	Promo        *promo.Service
	Entitlements *entitlements.Service
	Purchases    *purchases.Service
	Refunds      *refunds.Service
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Core, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	products, err := catalog.Load(cfg.Payments.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.Migrate {
		if err := pgrepo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient := redrepo.NewClient(redrepo.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redrepo.Ping(ctx, redisClient); err != nil {
		log.Warn("redis unavailable, rate limits and event stream degraded", zap.Error(err))
	}

	registry := metrics.New()
	txManager := pgrepo.NewTxManager(pool)
	purchaseRepo := pgrepo.NewPurchaseRepo(pool)
	ledgerRepo := pgrepo.NewLedgerRepo(pool)
	walletRepo := pgrepo.NewWalletRepo(pool)
	entitlementRepo := pgrepo.NewEntitlementRepo(pool)
	eventRepo := pgrepo.NewEventRepo(pool)

	analyticsService := analytics.NewService(eventRepo, log)
	analyticsService.AttachPublisher(redrepo.NewEventStreamRepo(redisClient, ""))

	promoService := promo.NewService(promo.Dependencies{
		Tx:     txManager,
		Store:  pgrepo.NewPromoRepo(pool),
		Events: analyticsService,
		Logger: log,
	}, promo.Config{ReservationTTL: cfg.Payments.PromoReservationTTL})

	entitlementService := entitlements.NewService(entitlements.Dependencies{
		Tx:      txManager,
		Store:   entitlementRepo,
		Wallets: walletRepo,
		Logger:  log,
	})

	purchaseService := purchases.NewService(purchases.Dependencies{
		Tx:        txManager,
		Purchases: purchaseRepo,
		Ledger:    ledgerRepo,
		Wallets:   walletRepo,
		Catalog:   products,
		Promo:     promoService,
		Grantor:   entitlementService,
		Events:    analyticsService,
		Metrics:   registry,
		Logger:    log,
	}, purchases.Config{Currency: cfg.Payments.Currency})

	refundService := refunds.NewService(refunds.Dependencies{
		Tx:        txManager,
		Purchases: purchaseRepo,
		Ledger:    ledgerRepo,
		Wallets:   walletRepo,
		Grants:    entitlementService,
		Events:    analyticsService,
		Metrics:   registry,
		Logger:    log,
	})

	return &Core{
		Postgres:       pool,
		Redis:          redisClient,
		Metrics:        registry,
		Tx:             txManager,
		Events:         eventRepo,
		Reconciliation: pgrepo.NewReconciliationRepo(pool),
		Catalog:        products,
		Analytics:      analyticsService,
		Promo:          promoService,
		Entitlements:   entitlementService,
		Purchases:      purchaseService,
		Refunds:        refundService,
	}, nil
}

// Ready reports whether Postgres answers.
func (c *Core) Ready(ctx context.Context) error {
	if c.Postgres == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	return c.Postgres.Ping(ctx)
}

func (c *Core) Close() error {
	if c.Postgres != nil {
		c.Postgres.Close()
	}
	if c.Redis != nil {
		return c.Redis.Close()
	}
	return nil
}
