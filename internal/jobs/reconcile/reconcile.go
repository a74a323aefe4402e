package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

const (
	JobName = "reconcile"

	maxDetailIDs = 50
)

var ErrNoRuns = errors.New("no reconciliation runs yet")

type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type Store interface {
	Stats(ctx context.Context, tx pgx.Tx, staleBefore time.Time) (model.ReconciliationStats, error)
	InsertRun(ctx context.Context, tx pgx.Tx, run model.ReconciliationRun) (model.ReconciliationRun, error)
	LatestRun(ctx context.Context, tx pgx.Tx) (model.ReconciliationRun, error)
}

// Archive stores a finished run outside the database and returns the object
// name it was written to.
type Archive interface {
	Archive(ctx context.Context, run model.ReconciliationRun) (string, error)
}

type Metrics interface {
	ObserveJobRun(job string, err error)
	ObserveReconciliation(run model.ReconciliationRun)
}

type Job struct {
	tx         TxRunner
	store      Store
	archive    Archive
	metrics    Metrics
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func New(tx TxRunner, store Store, staleAfter time.Duration, logger *zap.Logger) *Job {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		tx:         tx,
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

func (j *Job) AttachArchive(archive Archive) {
	j.archive = archive
}

func (j *Job) AttachMetrics(metrics Metrics) {
	j.metrics = metrics
}

// Run compares paid purchases against credited ones and persists the result.
func (j *Job) Run(ctx context.Context) (model.ReconciliationRun, error) {
	startedAt := j.now().UTC()

	var run model.ReconciliationRun
	err := j.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		stats, err := j.store.Stats(txCtx, tx, startedAt.Add(-j.staleAfter))
		if err != nil {
			return fmt.Errorf("collect reconciliation stats: %w", err)
		}

		run = buildRun(stats, startedAt, j.now().UTC())
		run, err = j.store.InsertRun(txCtx, tx, run)
		if err != nil {
			return fmt.Errorf("insert reconciliation run: %w", err)
		}
		return nil
	})
	if j.metrics != nil {
		j.metrics.ObserveJobRun(JobName, err)
	}
	if err != nil {
		return model.ReconciliationRun{}, err
	}
	if j.metrics != nil {
		j.metrics.ObserveReconciliation(run)
	}

	fields := []zap.Field{
		zap.Int64("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int64("paid", run.PaidCount),
		zap.Int64("credited", run.CreditedCount),
		zap.Int64("stale_paid_uncredited", run.StalePaidUncreditedCount),
		zap.Int64("amount_mismatch", run.AmountMismatchCount),
		zap.Int64("diff", run.DiffCount),
	}
	if run.Status == enums.ReconciliationDiff {
		j.logger.Warn("reconciliation found differences", fields...)
	} else {
		j.logger.Info("reconciliation completed", fields...)
	}

	if j.archive != nil {
		object, err := j.archive.Archive(ctx, run)
		if err != nil {
			j.logger.Error("archive reconciliation run", zap.Int64("run_id", run.ID), zap.Error(err))
		} else {
			j.logger.Info("reconciliation run archived", zap.Int64("run_id", run.ID), zap.String("object", object))
		}
	}
	return run, nil
}

func (j *Job) Latest(ctx context.Context) (model.ReconciliationRun, error) {
	var run model.ReconciliationRun
	err := j.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var err error
		run, err = j.store.LatestRun(txCtx, tx)
		return err
	})
	if errors.Is(err, pgrepo.ErrReconciliationRunNotFound) {
		return model.ReconciliationRun{}, ErrNoRuns
	}
	if err != nil {
		return model.ReconciliationRun{}, fmt.Errorf("load latest reconciliation run: %w", err)
	}
	return run, nil
}

func buildRun(stats model.ReconciliationStats, startedAt, finishedAt time.Time) model.ReconciliationRun {
	gap := stats.PaidCount - stats.CreditedCount
	if gap < 0 {
		gap = -gap
	}
	diff := gap + stats.StalePaidUncreditedCount + stats.AmountMismatchCount

	status := enums.ReconciliationOK
	if diff > 0 {
		status = enums.ReconciliationDiff
	}

	details := map[string]any{}
	if len(stats.StalePurchaseIDs) > 0 {
		details["stale_purchase_ids"] = capIDs(stats.StalePurchaseIDs)
	}
	if len(stats.MismatchedPurchaseIDs) > 0 {
		details["mismatched_purchase_ids"] = capIDs(stats.MismatchedPurchaseIDs)
	}

	return model.ReconciliationRun{
		StartedAt:                startedAt,
		FinishedAt:               finishedAt,
		Status:                   status,
		PaidCount:                stats.PaidCount,
		CreditedCount:            stats.CreditedCount,
		StalePaidUncreditedCount: stats.StalePaidUncreditedCount,
		AmountMismatchCount:      stats.AmountMismatchCount,
		DiffCount:                diff,
		Details:                  details,
	}
}

func capIDs(ids []string) []string {
	if len(ids) > maxDetailIDs {
		ids = ids[:maxDetailIDs]
	}
	return append([]string(nil), ids...)
}
