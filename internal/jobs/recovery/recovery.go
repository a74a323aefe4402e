package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
)

const (
	JobRecoverPaidUncredited = "recover_paid_uncredited"
	JobExpireStaleInvoices   = "expire_stale_invoices"
	JobRollbackPromos        = "rollback_promos"

	reasonMissingPayment = "stored payment data is missing"
)

type PurchaseService interface {
	ListPaidUncredited(ctx context.Context, paidBefore time.Time, limit int) ([]model.Purchase, error)
	ListStaleOpen(ctx context.Context, createdBefore time.Time, limit int) ([]model.Purchase, error)
	ApplySuccessfulPayment(ctx context.Context, in purchases.PaymentInput) (purchases.PaymentResult, error)
	RecordRecoveryFailure(ctx context.Context, purchaseID, reason string, maxAttempts int) (model.Purchase, bool, error)
	ExpireStale(ctx context.Context, purchaseID string, cutoff time.Time) (bool, error)
}

type PromoRollback interface {
	RollbackAbandoned(ctx context.Context, limit int) (int, error)
}

type Metrics interface {
	ObserveJobRun(job string, err error)
	ObserveJobItems(job, outcome string, n int)
}

type Config struct {
	CreditGrace  time.Duration
	InvoiceGrace time.Duration
	BatchSize    int
	MaxAttempts  int
}

type Job struct {
	purchases PurchaseService
	promo     PromoRollback
	metrics   Metrics
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// Report summarizes one batch.
type Report struct {
	Scanned   int
	Recovered int
	Failed    int
	Escalated int
	Expired   int
	Revoked   int
}

func New(purchaseSvc PurchaseService, promoSvc PromoRollback, cfg Config, logger *zap.Logger) *Job {
	if cfg.CreditGrace <= 0 {
		cfg.CreditGrace = 10 * time.Minute
	}
	if cfg.InvoiceGrace <= 0 {
		cfg.InvoiceGrace = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = purchases.DefaultRecoveryAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		purchases: purchaseSvc,
		promo:     promoSvc,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

func (j *Job) AttachMetrics(metrics Metrics) {
	j.metrics = metrics
}

// RecoverPaidUncredited re-runs crediting for purchases paid more than the
// credit grace ago. Each failure is persisted on the purchase; the purchase is
// parked for review after MaxAttempts failures.
func (j *Job) RecoverPaidUncredited(ctx context.Context) (Report, error) {
	cutoff := j.now().UTC().Add(-j.cfg.CreditGrace)
	stale, err := j.purchases.ListPaidUncredited(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("list paid uncredited purchases: %w", err)
		j.observeRun(JobRecoverPaidUncredited, err)
		return Report{}, err
	}

	report := Report{Scanned: len(stale)}
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			j.observeRun(JobRecoverPaidUncredited, err)
			return report, err
		}

		reason, ok := j.recoverOne(ctx, p)
		if ok {
			report.Recovered++
			continue
		}
		report.Failed++

		_, escalated, err := j.purchases.RecordRecoveryFailure(ctx, p.ID, reason, j.cfg.MaxAttempts)
		if err != nil {
			j.logger.Error("record recovery failure", zap.String("purchase_id", p.ID), zap.Error(err))
			continue
		}
		if escalated {
			report.Escalated++
		}
	}

	if report.Scanned > 0 {
		j.logger.Info("recover paid uncredited completed",
			zap.Int("scanned", report.Scanned),
			zap.Int("recovered", report.Recovered),
			zap.Int("failed", report.Failed),
			zap.Int("escalated", report.Escalated),
		)
	}
	j.observeItems(JobRecoverPaidUncredited, "recovered", report.Recovered)
	j.observeItems(JobRecoverPaidUncredited, "failed", report.Failed)
	j.observeItems(JobRecoverPaidUncredited, "escalated", report.Escalated)
	j.observeRun(JobRecoverPaidUncredited, nil)
	return report, nil
}

func (j *Job) recoverOne(ctx context.Context, p model.Purchase) (string, bool) {
	if !p.HasStoredPayment() {
		j.logger.Warn("paid purchase has no stored payment", zap.String("purchase_id", p.ID))
		return reasonMissingPayment, false
	}

	_, err := j.purchases.ApplySuccessfulPayment(ctx, purchases.PaymentInput{
		UserID:         p.UserID,
		InvoicePayload: p.InvoicePayload,
		ChargeID:       *p.TelegramPaymentChargeID,
		RawPayload:     p.GatewayPayload(),
		Now:            j.now().UTC(),
	})
	if err == nil {
		return "", true
	}
	if !errors.Is(err, purchases.ErrRecoveryExhausted) {
		j.logger.Warn("purchase recovery attempt failed",
			zap.String("purchase_id", p.ID),
			zap.Int("previous_failures", p.RecoveryFailures()),
			zap.Error(err),
		)
	}
	return err.Error(), false
}

// ExpireStaleInvoices fails purchases that never got paid within the invoice
// grace.
func (j *Job) ExpireStaleInvoices(ctx context.Context) (Report, error) {
	cutoff := j.now().UTC().Add(-j.cfg.InvoiceGrace)
	stale, err := j.purchases.ListStaleOpen(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("list stale invoices: %w", err)
		j.observeRun(JobExpireStaleInvoices, err)
		return Report{}, err
	}

	report := Report{Scanned: len(stale)}
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			j.observeRun(JobExpireStaleInvoices, err)
			return report, err
		}
		expired, err := j.purchases.ExpireStale(ctx, p.ID, cutoff)
		if err != nil {
			report.Failed++
			j.logger.Warn("expire stale invoice failed", zap.String("purchase_id", p.ID), zap.Error(err))
			continue
		}
		if expired {
			report.Expired++
		}
	}

	if report.Expired > 0 {
		j.logger.Info("expire stale invoices completed", zap.Int("expired", report.Expired))
	}
	j.observeItems(JobExpireStaleInvoices, "expired", report.Expired)
	j.observeItems(JobExpireStaleInvoices, "failed", report.Failed)
	j.observeRun(JobExpireStaleInvoices, nil)
	return report, nil
}

func (j *Job) RollbackPromos(ctx context.Context) (Report, error) {
	if j.promo == nil {
		return Report{}, nil
	}
	revoked, err := j.promo.RollbackAbandoned(ctx, j.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("rollback promo reservations: %w", err)
		j.observeRun(JobRollbackPromos, err)
		return Report{}, err
	}
	j.observeItems(JobRollbackPromos, "revoked", revoked)
	j.observeRun(JobRollbackPromos, nil)
	return Report{Revoked: revoked}, nil
}

func (j *Job) observeRun(job string, err error) {
	if j.metrics != nil {
		j.metrics.ObserveJobRun(job, err)
	}
}

func (j *Job) observeItems(job, outcome string, n int) {
	if j.metrics != nil {
		j.metrics.ObserveJobItems(job, outcome, n)
	}
}
