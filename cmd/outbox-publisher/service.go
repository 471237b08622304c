package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultConcurrency    = 8
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publisherFactory func(topic string) publisher

// publisher is the slice of *pubsub.Publisher the service needs. Messages
// carry the aggregate id as ordering key, so a failed publish pauses that
// key until ResumePublish is called.
type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	DLQRepository    dlqRepository
	Metrics          *metrics.OutboxMetrics
}

// Service drains outbox_events to Pub/Sub. Each batch is split into lanes,
// one per aggregate. Lanes publish in parallel; rows inside a lane go out
// one at a time in emission order, and a lane stops at its first failure so
// subscribers never see a later state change before an earlier one.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	pubsub       pubSubClient
	registry     registryResolver
	dlq          dlqRepository
	metrics      *metrics.OutboxMetrics
	newPublisher publisherFactory
	batchSize    int
	concurrency  int
	maxAttempts  int
	pollInterval time.Duration

	mu         sync.Mutex
	publishers map[string]publisher
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			return newGCPPublisher(params.PubSub.Publisher(topic))
		}
	}

	cfg := params.Config.Outbox
	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		pubsub:       params.PubSub,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		metrics:      params.Metrics,
		newPublisher: factory,
		batchSize:    positiveOr(cfg.BatchSize, defaultBatchSize),
		concurrency:  positiveOr(cfg.Concurrency, defaultConcurrency),
		maxAttempts:  positiveOr(cfg.MaxAttempts, defaultMaxAttempts),
		pollInterval: time.Duration(positiveOr(cfg.PollIntervalMS, defaultPollMs)) * time.Millisecond,
		publishers:   make(map[string]publisher),
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Run polls until ctx is cancelled. Batch errors back off exponentially up
// to maxBackoff; a batch that found rows is followed immediately by the next.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{"database": s.db.Ping, "pubsub": s.pubsub.Ping} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	defer s.stopPublishers()

	backoff := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		processed, err := s.processBatch(ctx)
		wait := s.pollInterval
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			wait = backoff
		case processed:
			backoff = s.pollInterval
			continue
		default:
			backoff = s.pollInterval
		}
		if err := sleep(ctx, withJitter(wait)); err != nil {
			return err
		}
	}
}

type verdict int

const (
	// verdictDeferred: an earlier row of the same aggregate did not go out.
	verdictDeferred verdict = iota
	verdictPublished
	verdictRetry
	verdictDead
)

type outcome struct {
	verdict  verdict
	topic    string
	reason   enums.OutboxDLQErrorReason
	err      error
	elapsed  time.Duration
	holdLane bool
}

// processBatch claims a batch, publishes it and records every outcome in
// the claiming transaction. A failure to record rolls the batch back; rows
// that did reach Pub/Sub are then sent again and consumers dedupe them on
// event_id.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		processed = true
		return s.settle(ctx, tx, events, s.deliver(ctx, events))
	})
	return processed, err
}

// lanes groups row indexes by aggregate, keeping emission order inside each.
func lanes(events []models.OutboxEvent) [][]int {
	var out [][]int
	index := make(map[string]int)
	for i, event := range events {
		n, ok := index[event.AggregateID]
		if !ok {
			n = len(out)
			index[event.AggregateID] = n
			out = append(out, nil)
		}
		out[n] = append(out[n], i)
	}
	return out
}

func (s *Service) deliver(ctx context.Context, events []models.OutboxEvent) []outcome {
	outcomes := make([]outcome, len(events))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, lane := range lanes(events) {
		g.Go(func() error {
			for _, i := range lane {
				outcomes[i] = s.attempt(ctx, events[i])
				if outcomes[i].holdLane {
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Service) attempt(ctx context.Context, event models.OutboxEvent) outcome {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return outcome{verdict: verdictDead, reason: enums.OutboxDLQReasonNonRetryable, err: err}
	}

	start := time.Now()
	err = s.publish(ctx, event, resolved)
	o := outcome{topic: resolved.Descriptor.Topic, elapsed: time.Since(start)}
	var nonRetry registry.NonRetryableError
	switch {
	case err == nil:
		o.verdict = verdictPublished
	case errors.As(err, &nonRetry):
		o.verdict, o.reason, o.err = verdictDead, enums.OutboxDLQReasonNonRetryable, err
	case event.AttemptCount+1 >= s.maxAttempts:
		o.verdict, o.reason = verdictDead, enums.OutboxDLQReasonMaxAttempts
		o.err = fmt.Errorf("max publish attempts reached: %w", err)
		o.holdLane = true
	default:
		o.verdict, o.err, o.holdLane = verdictRetry, err, true
	}
	return o
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, events []models.OutboxEvent, outcomes []outcome) error {
	for i, event := range events {
		o := outcomes[i]
		logCtx := s.logg.WithFields(ctx, eventFields(event, o))
		eventType := string(event.EventType)

		switch o.verdict {
		case verdictPublished:
			if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
				return fmt.Errorf("mark published %s: %w", event.ID, err)
			}
			s.metrics.Published(eventType, o.topic, o.elapsed, event.CreatedAt)
			s.logg.Info(logCtx, "outbox event published")
		case verdictRetry:
			if err := s.repo.MarkFailedTx(tx, event.ID, o.err); err != nil {
				return fmt.Errorf("mark failure %s: %w", event.ID, err)
			}
			s.metrics.Outcome(eventType, metrics.OutcomeRetry)
			s.logg.Warn(s.logg.WithField(logCtx, "error", o.err.Error()), "outbox publish failed")
		case verdictDead:
			if err := s.deadLetter(tx, event, o); err != nil {
				return err
			}
			s.metrics.Outcome(eventType, metrics.OutcomeDeadLettered)
			s.logg.Warn(s.logg.WithField(logCtx, "error", o.err.Error()), "outbox event moved to dlq")
		default:
			s.metrics.Outcome(eventType, metrics.OutcomeDeferred)
			s.logg.Debug(logCtx, "outbox event deferred behind its aggregate")
		}
	}
	return nil
}

func (s *Service) deadLetter(tx *gorm.DB, event models.OutboxEvent, o outcome) error {
	msg := o.err.Error()
	entry := models.OutboxDLQ{
		ID:            uuid.New(),
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   o.reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, o.err, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publisherFor(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	msg := &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: event.AggregateID,
		Attributes: map[string]string{
			"event_id":       event.ID.String(),
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID,
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		pub.ResumePublish(msg.OrderingKey)
		return err
	}
	return nil
}

func (s *Service) publisherFor(topic string) publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pub, ok := s.publishers[topic]; ok {
		return pub
	}
	pub := s.newPublisher(topic)
	if pub != nil {
		s.publishers[topic] = pub
	}
	return pub
}

func (s *Service) stopPublishers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, pub := range s.publishers {
		pub.Stop()
		delete(s.publishers, topic)
	}
}

func eventFields(event models.OutboxEvent, o outcome) map[string]any {
	fields := map[string]any{
		"event_id":       event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"attempt_count":  event.AttemptCount,
	}
	if event.AggregateType == enums.AggregatePaymentIntent {
		fields["intent_id"] = event.AggregateID
	}
	if o.topic != "" {
		fields["topic"] = o.topic
	}
	if o.reason != "" {
		fields["error_reason"] = o.reason
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, ceiling)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(jitterWindow)
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	p.EnableMessageOrdering = true
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
