package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

// Pruner deletes rows older than cutoff and reports how many went.
type Pruner func(ctx context.Context, cutoff time.Time) (int64, error)

// RetentionTarget is one table the retention job keeps bounded.
type RetentionTarget struct {
	Name   string
	Window time.Duration
	Prune  Pruner
}

// NewRetentionJob prunes every target independently: one failing table does
// not stop the others, and the job reports all failures together.
func NewRetentionJob(logg *logger.Logger, targets ...RetentionTarget) (Job, error) {
	if logg == nil {
		return nil, errors.New("logger required")
	}
	if len(targets) == 0 {
		return nil, errors.New("at least one retention target required")
	}
	for _, target := range targets {
		if target.Name == "" || target.Prune == nil {
			return nil, errors.New("retention target needs a name and a pruner")
		}
		if target.Window <= 0 {
			return nil, fmt.Errorf("retention window for %s must be positive", target.Name)
		}
	}
	return &retentionJob{logg: logg, targets: targets, now: time.Now}, nil
}

type retentionJob struct {
	logg    *logger.Logger
	targets []RetentionTarget
	now     func() time.Time
}

func (j *retentionJob) Name() string { return "retention" }

func (j *retentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var errs error
	for _, target := range j.targets {
		cutoff := now.Add(-target.Window)
		deleted, err := target.Prune(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune %s: %w", target.Name, err))
			continue
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"target":       target.Name,
			"cutoff":       cutoff,
			"rows_deleted": deleted,
		}), "retention pass complete")
	}
	return errs
}
