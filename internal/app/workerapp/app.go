package workerapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/app/core"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/config"
	s3infra "github.com/Valerii-S84/quiz-arena-sub002/internal/infra/s3"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/jobs/cleanup"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/jobs/reconcile"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/jobs/recovery"
	redrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/redis"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/handlers"
)

type App struct {
	cfg       config.Config
	logger    *zap.Logger
	core      *core.Core
	scheduler *scheduler
	recovery  *recovery.Job
	reconcile *reconcile.Job
	cleanup   *cleanup.Job
	server    *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	recoveryJob := recovery.New(c.Purchases, c.Promo, recovery.Config{
		CreditGrace:  cfg.Jobs.CreditGrace,
		InvoiceGrace: cfg.Jobs.InvoiceGrace,
		BatchSize:    cfg.Jobs.BatchSize,
		MaxAttempts:  cfg.Jobs.MaxRecoveryAttempts,
	}, logger)
	recoveryJob.AttachMetrics(c.Metrics)

	reconcileJob := reconcile.New(c.Tx, c.Reconciliation, cfg.Jobs.CreditGrace, logger)
	reconcileJob.AttachMetrics(c.Metrics)
	if strings.TrimSpace(cfg.S3.Endpoint) != "" {
		client, err := s3infra.NewClient(s3infra.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("init s3 for worker: %w", err)
		}
		reconcileJob.AttachArchive(s3infra.NewReportArchive(client, cfg.S3.Bucket, cfg.S3.Prefix))
	} else {
		logger.Warn("S3_ENDPOINT is empty, reconciliation reports are not archived")
	}

	cleanupJob := cleanup.New(logger)
	cleanupJob.Attach("events", c.Events, cfg.Jobs.EventRetention)
	cleanupJob.Attach("reconciliation_runs", c.Reconciliation, cfg.Jobs.ReportRetention)
	cleanupJob.AttachMetrics(c.Metrics)

	r := chi.NewRouter()
	r.Handle("/metrics", c.Metrics.Handler())
	r.Get("/healthz", handlers.NewHealthHandler(c.Ready).Handle)

	return &App{
		cfg:       cfg,
		logger:    logger,
		core:      c,
		scheduler: newScheduler(redrepo.NewLeaseRepo(c.Redis), cfg.Jobs.LeaseTTL, logger),
		recovery:  recoveryJob,
		reconcile: reconcileJob,
		cleanup:   cleanupJob,
		server: &http.Server{
			Addr:              cfg.Jobs.MetricsAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("worker app started")

	hour, minute, err := a.cfg.Jobs.DailyReconcileTime()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	jobs := a.cfg.Jobs

	periodic := []struct {
		interval time.Duration
		task     task
	}{
		{jobs.RecoveryInterval, reportTask(recovery.JobRecoverPaidUncredited, a.recovery.RecoverPaidUncredited)},
		{jobs.ExpiryInterval, reportTask(recovery.JobExpireStaleInvoices, a.recovery.ExpireStaleInvoices)},
		{jobs.PromoRollbackInterval, reportTask(recovery.JobRollbackPromos, a.recovery.RollbackPromos)},
		{jobs.ReconcileInterval, a.reconcileTask(reconcile.JobName)},
		{jobs.CleanupInterval, task{name: "cleanup", run: a.cleanup.Run}},
	}
	for _, p := range periodic {
		p := p
		g.Go(func() error { return a.scheduler.every(ctx, p.interval, p.task) })
	}
	g.Go(func() error { return a.scheduler.daily(ctx, hour, minute, a.reconcileTask(reconcile.JobName+"_daily")) })

	if strings.TrimSpace(a.server.Addr) != "" {
		g.Go(func() error {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("worker metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	a.logger.Info("worker app stopped")
	return err
}

func reportTask(name string, run func(context.Context) (recovery.Report, error)) task {
	return task{name: name, run: func(ctx context.Context) error {
		_, err := run(ctx)
		return err
	}}
}

func (a *App) reconcileTask(name string) task {
	return task{name: name, run: func(ctx context.Context) error {
		_, err := a.reconcile.Run(ctx)
		return err
	}}
}

func (a *App) Close() {
	if err := a.core.Close(); err != nil {
		a.logger.Warn("close worker dependencies", zap.Error(err))
	}
}
