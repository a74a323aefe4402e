package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const JobName = "cleanup"

// Pruner deletes rows older than cutoff and reports how many were removed.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Metrics interface {
	ObserveJobRun(job string, err error)
	ObserveJobItems(job, outcome string, n int)
}

type target struct {
	name      string
	pruner    Pruner
	retention time.Duration
}

type Job struct {
	targets []target
	metrics Metrics
	now     func() time.Time
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		now:    time.Now,
		logger: logger,
	}
}

// Attach registers a table to prune. Targets with a non-positive retention
// are kept forever.
func (j *Job) Attach(name string, pruner Pruner, retention time.Duration) {
	if pruner == nil || retention <= 0 {
		return
	}
	j.targets = append(j.targets, target{name: name, pruner: pruner, retention: retention})
}

func (j *Job) AttachMetrics(metrics Metrics) {
	j.metrics = metrics
}

func (j *Job) Run(ctx context.Context) error {
	now := j.now().UTC()
	for _, t := range j.targets {
		rows, err := t.pruner.DeleteOlderThan(ctx, now.Add(-t.retention))
		if err != nil {
			err = fmt.Errorf("cleanup %s: %w", t.name, err)
			j.observeRun(err)
			return err
		}
		if rows > 0 {
			j.logger.Info("cleanup completed", zap.String("target", t.name), zap.Int64("deleted", rows))
		}
		if j.metrics != nil {
			j.metrics.ObserveJobItems(JobName, t.name, int(rows))
		}
	}
	j.observeRun(nil)
	return nil
}

func (j *Job) observeRun(err error) {
	if j.metrics != nil {
		j.metrics.ObserveJobRun(JobName, err)
	}
}
