package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bazaar-backend/internal/gateway"
	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const (
	defaultReconcileBatch       = 100
	defaultReconcileConcurrency = 4
	defaultReconcileStaleAfter  = 15 * time.Minute
	defaultReconcilePollEvery   = time.Hour
	defaultReconcileAbandon     = 72 * time.Hour
)

type stalePayments interface {
	ListStale(ctx context.Context, q payments.StaleQuery) ([]models.PaymentIntent, error)
	MarkPolled(ctx context.Context, intentID string, at time.Time) error
	ListSucceededWithoutOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error)
}

type statusFetcher interface {
	FetchStatus(ctx context.Context, intentID string) (*gateway.ProviderIntent, error)
}

type observer interface {
	Observe(ctx context.Context, obs payments.Observation) (*payments.Outcome, error)
}

type materializer interface {
	Materialize(ctx context.Context, input orders.MaterializeInput) (*orders.MaterializeResult, error)
}

// ReconcileJobParams configures the payment reconciliation sweep.
type ReconcileJobParams struct {
	Logger       *logger.Logger
	Payments     stalePayments
	Gateway      statusFetcher
	Coordinator  observer
	Materializer materializer
	Config       config.ReconciliationConfig
	Now          func() time.Time
}

// NewReconcileJob builds the sweep that polls the provider for intents stuck
// before a terminal outcome and materializes paid intents that never got
// their orders.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if params.Materializer == nil {
		return nil, fmt.Errorf("materializer required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReconcileBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultReconcileConcurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultReconcileStaleAfter
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultReconcilePollEvery
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = defaultReconcileAbandon
	}
	return &reconcileJob{
		logg:         params.Logger,
		payments:     params.Payments,
		gateway:      params.Gateway,
		coordinator:  params.Coordinator,
		materializer: params.Materializer,
		cfg:          cfg,
		now:          now,
	}, nil
}

type reconcileJob struct {
	logg         *logger.Logger
	payments     stalePayments
	gateway      statusFetcher
	coordinator  observer
	materializer materializer
	cfg          config.ReconciliationConfig
	now          func() time.Time
}

type reconcileStats struct {
	mu           sync.Mutex
	polled       int
	changed      int
	materialized int
	flagged      int
	errs         error
}

func (s *reconcileStats) record(fn func(*reconcileStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (j *reconcileJob) Name() string { return "payment-reconcile" }

// Run polls a batch of stale intents and materializes orphaned paid ones.
// Each poll stamps last_polled_at, so successive sweeps rotate through the
// backlog instead of asking about the same oldest intents every time.
func (j *reconcileJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.cfg.StaleAfter)
	pending, err := j.payments.ListStale(ctx, payments.StaleQuery{
		States: []enums.PaymentState{
			enums.PaymentStateCreated,
			enums.PaymentStateRequiresConfirmation,
		},
		ChangedBefore: cutoff,
		PolledBefore:  now.Add(-j.cfg.PollEvery),
		CreatedAfter:  now.Add(-j.cfg.AbandonAfter),
		Limit:         j.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list stale intents: %w", err)
	}
	orphaned, err := j.payments.ListSucceededWithoutOrders(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list paid intents without orders: %w", err)
	}

	stats := &reconcileStats{}
	var g errgroup.Group
	g.SetLimit(j.cfg.Concurrency)
	for i := range pending {
		intent := pending[i]
		g.Go(func() error {
			j.poll(ctx, intent, stats)
			return nil
		})
	}
	for i := range orphaned {
		intent := orphaned[i]
		g.Go(func() error {
			j.materialize(j.logg.WithIntentID(ctx, intent.IntentID), intent.IntentID, stats)
			return nil
		})
	}
	_ = g.Wait()

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"stale":        len(pending),
		"orphaned":     len(orphaned),
		"polled":       stats.polled,
		"changed":      stats.changed,
		"materialized": stats.materialized,
		"flagged":      stats.flagged,
		"errors":       len(multierr.Errors(stats.errs)),
	})
	j.logg.Info(reportCtx, "payment reconcile sweep complete")
	return stats.errs
}

func (j *reconcileJob) poll(ctx context.Context, intent models.PaymentIntent, stats *reconcileStats) {
	ctx = j.logg.WithIntentID(ctx, intent.IntentID)
	// Stamped before asking so an intent the provider keeps failing on
	// still yields its slot to the rest of the backlog.
	if err := j.payments.MarkPolled(ctx, intent.IntentID, j.now().UTC()); err != nil {
		stats.record(func(s *reconcileStats) {
			s.errs = multierr.Append(s.errs, fmt.Errorf("mark polled %s: %w", intent.IntentID, err))
		})
		return
	}
	provider, err := j.gateway.FetchStatus(ctx, intent.IntentID)
	if err != nil {
		stats.record(func(s *reconcileStats) {
			s.errs = multierr.Append(s.errs, fmt.Errorf("fetch %s: %w", intent.IntentID, err))
		})
		return
	}
	outcome, err := j.coordinator.Observe(ctx, payments.Observation{
		IntentID:       intent.IntentID,
		Source:         enums.SourceProviderPoll,
		State:          provider.State,
		ProviderStatus: provider.Status,
		ReceivedAt:     j.now().UTC(),
	})
	stats.record(func(s *reconcileStats) { s.polled++ })
	if err != nil {
		j.settle(ctx, intent.IntentID, err, stats)
		return
	}
	if outcome.StateAfter != outcome.StateBefore {
		stats.record(func(s *reconcileStats) { s.changed++ })
	}
	if outcome.Alert {
		stats.record(func(s *reconcileStats) { s.flagged++ })
	}
	if outcome.StateAfter == enums.PaymentStateSucceeded && outcome.Intent.CartSnapshot != nil {
		j.materialize(ctx, intent.IntentID, stats)
	}
}

func (j *reconcileJob) materialize(ctx context.Context, intentID string, stats *reconcileStats) {
	result, err := j.materializer.Materialize(ctx, orders.MaterializeInput{
		IntentID: intentID,
		Actor:    string(enums.SourceProviderPoll),
	})
	if err != nil {
		j.settle(ctx, intentID, err, stats)
		return
	}
	if result.Created {
		stats.record(func(s *reconcileStats) { s.materialized++ })
	}
}

// settle counts outcomes that need an operator and keeps real failures for
// the job result.
func (j *reconcileJob) settle(ctx context.Context, intentID string, err error, stats *reconcileStats) {
	switch pkgerrors.ClassOf(err) {
	case pkgerrors.ClassConflict, pkgerrors.ClassConsistency:
		j.logg.Warn(j.logg.WithField(ctx, "code", string(pkgerrors.CodeOf(err))), "intent needs manual reconciliation")
		stats.record(func(s *reconcileStats) { s.flagged++ })
	default:
		stats.record(func(s *reconcileStats) {
			s.errs = multierr.Append(s.errs, fmt.Errorf("reconcile %s: %w", intentID, err))
		})
	}
}
