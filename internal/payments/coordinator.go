package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/payloads"
)

// Observation is one provider status report for an intent, from any channel.
type Observation struct {
	IntentID       string
	Source         enums.NotificationSource
	State          enums.ObservedState
	ProviderStatus string
	EventID        string
	ReceivedAt     time.Time
}

// Outcome describes what the coordinator did with an observation.
type Outcome struct {
	Disposition enums.LedgerDisposition
	StateBefore enums.PaymentState
	StateAfter  enums.PaymentState
	Alert       bool
	Intent      models.PaymentIntent
}

type CoordinatorParams struct {
	Locker  *Locker
	Outbox  outbox.Emitter
	Metrics *metrics.ReconciliationMetrics
	Logger  *logger.Logger
	Now     func() time.Time
}

// Coordinator is the only writer of payment intent state. Client
// confirmations, webhooks and the reconciliation sweep all report through
// Observe; order and refund workflows move the state with Advance inside
// their own critical section.
type Coordinator struct {
	locker  *Locker
	outbox  outbox.Emitter
	metrics *metrics.ReconciliationMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	if params.Locker == nil {
		return nil, fmt.Errorf("payments locker required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		locker:  params.Locker,
		outbox:  params.Outbox,
		metrics: params.Metrics,
		logg:    logg,
		now:     now,
	}, nil
}

// Locker exposes the per-intent critical section to the workflows that
// call Advance.
func (c *Coordinator) Locker() *Locker {
	return c.locker
}

// Observe merges a provider report into the intent. Every report is written
// to the ledger, including the ones that change nothing. A report that
// contradicts a terminal state is ledgered as rejected and returned as
// INVALID_TRANSITION.
func (c *Coordinator) Observe(ctx context.Context, obs Observation) (*Outcome, error) {
	if obs.IntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id is required")
	}
	if !obs.Source.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown notification source")
	}
	if obs.State == "" {
		obs.State = enums.ObservedUnknown
	}
	if obs.ReceivedAt.IsZero() {
		obs.ReceivedAt = c.now()
	}
	ctx = c.logg.WithIntentID(ctx, obs.IntentID)

	var outcome Outcome
	err := c.locker.Exclusive(ctx, obs.IntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		d := decide(intent.State, obs.State)
		outcome = Outcome{Disposition: d.disposition, StateBefore: intent.State}

		reason := fmt.Sprintf("%s reported %s", obs.Source, obs.State)
		for _, to := range d.path {
			if err := c.Advance(ctx, tx, intent, to, string(obs.Source), reason); err != nil {
				return err
			}
		}

		switch d.disposition {
		case enums.DispositionConflict:
			if err := c.FlagForReview(ctx, tx, intent, d.alertReason); err != nil {
				return err
			}
		case enums.DispositionRejected:
			review := reviewTerminalContradicted
			if d.alertReason != "" {
				review = d.alertReason
			}
			if err := c.FlagForReview(ctx, tx, intent, review); err != nil {
				return err
			}
		}

		if d.alertReason != "" {
			outcome.Alert = true
			if err := c.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventPaymentConflicted,
				AggregateType: enums.AggregatePaymentIntent,
				AggregateID:   intent.IntentID,
				Actor:         &outbox.ActorRef{Source: string(obs.Source)},
				Data: payloads.PaymentConflictedEvent{
					IntentID:       intent.IntentID,
					RecordedState:  outcome.StateBefore,
					ObservedState:  obs.State,
					Source:         obs.Source,
					ProviderStatus: obs.ProviderStatus,
					Reason:         d.alertReason,
					DetectedAt:     obs.ReceivedAt,
				},
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment conflict event")
			}
		}

		entry := &models.ReconciliationLedgerEntry{
			ID:             ulid.Make().String(),
			IntentID:       intent.IntentID,
			Source:         obs.Source,
			ObservedState:  obs.State,
			ProviderStatus: obs.ProviderStatus,
			Disposition:    d.disposition,
			StateBefore:    outcome.StateBefore,
			StateAfter:     intent.State,
			ReceivedAt:     obs.ReceivedAt,
		}
		if obs.EventID != "" {
			eventID := obs.EventID
			entry.EventID = &eventID
		}
		if err := NewRepository(tx).InsertLedgerEntry(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append reconciliation ledger")
		}

		outcome.StateAfter = intent.State
		outcome.Intent = *intent
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.IncObservation(string(obs.Source), string(outcome.Disposition))
	if outcome.Alert {
		c.metrics.IncAlert(string(obs.State) + "_vs_" + string(outcome.StateBefore))
		alert := pkgerrors.New(pkgerrors.CodeConsistencyAlert, "provider contradicted recorded payment outcome").
			WithDetails(map[string]any{
				"recorded_state": outcome.StateBefore,
				"observed_state": obs.State,
				"source":         obs.Source,
			})
		c.logg.Error(ctx, "payment consistency alert", alert)
	}

	if outcome.Disposition == enums.DispositionRejected {
		return &outcome, pkgerrors.New(pkgerrors.CodeInvalidTransition, "payment is in a terminal state").
			WithDetails(map[string]any{
				"intent_id":      obs.IntentID,
				"state":          outcome.StateBefore,
				"observed_state": obs.State,
			})
	}
	return &outcome, nil
}

// Advance moves intent to state to within tx, appends the history row and
// emits payment_state_changed. The caller must hold the intent's lock.
func (c *Coordinator) Advance(ctx context.Context, tx *gorm.DB, intent *models.PaymentIntent, to enums.PaymentState, actor, reason string) error {
	if tx == nil || intent == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "advance requires a transaction and intent")
	}
	from := intent.State
	if !CanTransition(from, to) {
		return pkgerrors.New(pkgerrors.CodeInvalidTransition, fmt.Sprintf("cannot move payment from %s to %s", from, to)).
			WithDetails(map[string]any{"intent_id": intent.IntentID, "from": from, "to": to})
	}

	now := c.now()
	repo := NewRepository(tx)
	moved, err := repo.UpdateState(ctx, intent.IntentID, from, to, now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment state")
	}
	if !moved {
		return pkgerrors.New(pkgerrors.CodeConflict, "payment intent changed concurrently")
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := repo.InsertStateChange(ctx, &models.PaymentStateChange{
		ID:        uuid.New(),
		IntentID:  intent.IntentID,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		Reason:    reasonPtr,
		CreatedAt: now,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append payment state history")
	}

	if err := c.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentStateChanged,
		AggregateType: enums.AggregatePaymentIntent,
		AggregateID:   intent.IntentID,
		Actor:         &outbox.ActorRef{Source: actor},
		OccurredAt:    now,
		Data: payloads.PaymentStateChangedEvent{
			IntentID:  intent.IntentID,
			FromState: from,
			ToState:   to,
			Actor:     actor,
			Reason:    reason,
			ChangedAt: now,
		},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment state event")
	}

	intent.State = to
	intent.StateChangedAt = now
	c.metrics.IncTransition(string(from), string(to))
	return nil
}

// FlagForReview marks intent for manual review within tx.
func (c *Coordinator) FlagForReview(ctx context.Context, tx *gorm.DB, intent *models.PaymentIntent, reason string) error {
	if err := NewRepository(tx).FlagForReview(ctx, intent.IntentID, reason, c.now()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "flag payment for review")
	}
	intent.ReviewRequired = true
	intent.ReviewReason = &reason
	logCtx := c.logg.WithField(ctx, "review_reason", reason)
	c.logg.Warn(logCtx, "payment flagged for review")
	return nil
}

// RaiseAlert flags intent for review and emits payment_conflicted within tx
// for a disagreement found outside Observe, such as a provider refund that
// could not be recorded. The caller must hold the intent's lock.
func (c *Coordinator) RaiseAlert(ctx context.Context, tx *gorm.DB, intent *models.PaymentIntent, actor, reason string) error {
	if err := c.FlagForReview(ctx, tx, intent, reason); err != nil {
		return err
	}
	if err := c.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentConflicted,
		AggregateType: enums.AggregatePaymentIntent,
		AggregateID:   intent.IntentID,
		Actor:         &outbox.ActorRef{Source: actor},
		Data: payloads.PaymentConflictedEvent{
			IntentID:      intent.IntentID,
			RecordedState: intent.State,
			Reason:        reason,
			DetectedAt:    c.now(),
		},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment conflict event")
	}
	c.metrics.IncAlert(reason)
	alert := pkgerrors.New(pkgerrors.CodeConsistencyAlert, "payment side effect not recorded").
		WithDetails(map[string]any{"recorded_state": intent.State, "reason": reason})
	c.logg.Error(ctx, "payment consistency alert", alert)
	return nil
}

// IsNotFound reports whether err is a missing-record error from this package
// or gorm.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
}
