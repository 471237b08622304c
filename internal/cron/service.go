package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
)

const defaultInterval = 5 * time.Minute

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	// Gate spaces out jobs registered with a cadence. Nil keeps the
	// schedule in process memory.
	Gate     Gate
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
}

// Service wakes every Interval and, while holding the lock, runs the jobs
// that are due. One failing job does not stop the others.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	gate     Gate
	metrics  *metrics.CronJobMetrics
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	svc := &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		gate:     params.Gate,
		metrics:  params.Metrics,
		interval: params.Interval,
	}
	if svc.registry == nil {
		svc.registry = NewRegistry()
	}
	if svc.gate == nil {
		svc.gate = newMemoryGate()
	}
	if svc.interval <= 0 {
		svc.interval = defaultInterval
	}
	return svc, nil
}

// Run cycles until ctx is cancelled. Cycle errors are logged, not returned.
func (s *Service) Run(ctx context.Context) error {
	ctx = s.logg.WithField(ctx, "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logg.Error(ctx, "cron cycle finished with errors", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs every due job if this worker wins the lock. The returned
// error combines the failures of individual jobs.
func (s *Service) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Debug(ctx, "cron lock held elsewhere; skipping cycle")
		return nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "release cron lock", err)
		}
	}()

	var errs error
	for _, entry := range s.registry.scheduled() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		name := entry.job.Name()
		if entry.every > 0 {
			due, err := s.gate.Claim(ctx, name, entry.every)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: claim slot: %w", name, err))
				continue
			}
			if !due {
				continue
			}
		}
		if err := s.runJob(ctx, entry.job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			if entry.every > 0 {
				if resetErr := s.gate.Reset(context.WithoutCancel(ctx), name); resetErr != nil {
					s.logg.Error(ctx, "reset cron slot", resetErr)
				}
			}
		}
	}
	return errs
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	start := time.Now()
	err := job.Run(jobCtx)
	elapsed := time.Since(start)
	s.metrics.Observe(job.Name(), elapsed, err)

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "cron job failed", err)
		return err
	}
	s.logg.Info(jobCtx, "cron job completed")
	return nil
}
