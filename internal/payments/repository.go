package payments

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/repo"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

// Repository persists payment intents, their state history and the
// reconciliation ledger.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// WithTx binds the repository to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{Base: repo.NewBase(tx)}
}

func (r *Repository) Create(ctx context.Context, intent *models.PaymentIntent) error {
	return r.DB(ctx).Create(intent).Error
}

func (r *Repository) FindByID(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.DB(ctx).Where("intent_id = ?", intentID).First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// FindForUpdate loads the intent and holds its row lock until the surrounding
// transaction ends.
func (r *Repository) FindForUpdate(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.Locked(ctx).Where("intent_id = ?", intentID).First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.DB(ctx).Where("idempotency_key = ?", key).First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// UpdateState moves the intent from one state to another. It reports false
// when the stored state no longer matches from.
func (r *Repository) UpdateState(ctx context.Context, intentID string, from, to enums.PaymentState, at time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.PaymentIntent{}).
		Where("intent_id = ? AND state = ?", intentID, from).
		Updates(map[string]any{
			"state":            to,
			"state_changed_at": at,
			"updated_at":       at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) FlagForReview(ctx context.Context, intentID, reason string, at time.Time) error {
	return r.DB(ctx).Model(&models.PaymentIntent{}).
		Where("intent_id = ?", intentID).
		Updates(map[string]any{
			"review_required": true,
			"review_reason":   reason,
			"updated_at":      at,
		}).Error
}

func (r *Repository) InsertStateChange(ctx context.Context, change *models.PaymentStateChange) error {
	return r.DB(ctx).Create(change).Error
}

func (r *Repository) ListStateChanges(ctx context.Context, intentID string) ([]models.PaymentStateChange, error) {
	var rows []models.PaymentStateChange
	err := r.DB(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) InsertLedgerEntry(ctx context.Context, entry *models.ReconciliationLedgerEntry) error {
	return r.DB(ctx).Create(entry).Error
}

// ListLedger returns the intent's ledger oldest first. Entry ids sort by time.
func (r *Repository) ListLedger(ctx context.Context, intentID string) ([]models.ReconciliationLedgerEntry, error) {
	var rows []models.ReconciliationLedgerEntry
	err := r.DB(ctx).
		Where("intent_id = ?", intentID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// StaleQuery selects intents the reconciliation sweep should poll.
type StaleQuery struct {
	States []enums.PaymentState
	// ChangedBefore skips intents that moved recently.
	ChangedBefore time.Time
	// PolledBefore skips intents polled since this time.
	PolledBefore time.Time
	// CreatedAfter skips intents old enough to count as abandoned.
	CreatedAfter time.Time
	Limit        int
}

// ListStale returns the intents matching q, least recently polled first.
// Intents never polled sort by how long they have been waiting.
func (r *Repository) ListStale(ctx context.Context, q StaleQuery) ([]models.PaymentIntent, error) {
	var rows []models.PaymentIntent
	err := r.DB(ctx).
		Where("state IN ? AND state_changed_at < ? AND created_at > ?", q.States, q.ChangedBefore, q.CreatedAfter).
		Where("last_polled_at IS NULL OR last_polled_at < ?", q.PolledBefore).
		Order("COALESCE(last_polled_at, state_changed_at) ASC").
		Order("intent_id ASC").
		Limit(q.Limit).
		Find(&rows).Error
	return rows, err
}

// MarkPolled records that the sweep asked the provider about intentID.
func (r *Repository) MarkPolled(ctx context.Context, intentID string, at time.Time) error {
	return r.DB(ctx).Model(&models.PaymentIntent{}).
		Where("intent_id = ?", intentID).
		UpdateColumn("last_polled_at", at).Error
}

// ListSucceededWithoutOrders returns intents paid but never materialized.
// Intents already flagged for review are left to an operator.
func (r *Repository) ListSucceededWithoutOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	var rows []models.PaymentIntent
	err := r.DB(ctx).
		Where("state = ? AND state_changed_at < ? AND cart_snapshot IS NOT NULL AND review_required = ?", enums.PaymentStateSucceeded, cutoff, false).
		Order("state_changed_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
