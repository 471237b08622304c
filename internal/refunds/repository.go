package refunds

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/repo"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

func (r *Repository) Create(ctx context.Context, request *models.RefundRequest) error {
	return r.DB(ctx).Create(request).Error
}

// FindOpenByIntent returns the intent's request that is pending or has an
// approval in flight.
func (r *Repository) FindOpenByIntent(ctx context.Context, intentID string) (*models.RefundRequest, error) {
	var request models.RefundRequest
	err := r.DB(ctx).
		Where("payment_intent_id = ? AND status IN ?", intentID,
			[]enums.RefundRequestStatus{enums.RefundRequestPending, enums.RefundRequestApproving}).
		First(&request).Error
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	var request models.RefundRequest
	if err := r.DB(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *Repository) ListByIntent(ctx context.Context, intentID string) ([]models.RefundRequest, error) {
	var rows []models.RefundRequest
	err := r.DB(ctx).
		Where("payment_intent_id = ?", intentID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ClaimApproval moves a request to approving under token. An approving
// request can be claimed again once its claim was released or went stale.
// It reports false when the request is resolved or held by a live claim.
func (r *Repository) ClaimApproval(ctx context.Context, id, token uuid.UUID, at, staleBefore time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.RefundRequest{}).
		Where("id = ?", id).
		Where(r.DB(ctx).
			Where("status = ?", enums.RefundRequestPending).
			Or("status = ? AND (claimed_at IS NULL OR claimed_at < ?)", enums.RefundRequestApproving, staleBefore)).
		Updates(map[string]any{
			"status":      enums.RefundRequestApproving,
			"claim_token": token,
			"claimed_at":  at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseApproval drops token's claim. With reopen the request goes back to
// pending; otherwise it stays approving so only another approval can finish
// it.
func (r *Repository) ReleaseApproval(ctx context.Context, id, token uuid.UUID, reopen bool) (bool, error) {
	updates := map[string]any{"claim_token": nil, "claimed_at": nil}
	if reopen {
		updates["status"] = enums.RefundRequestPending
	}
	res := r.DB(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, enums.RefundRequestApproving, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Deny closes a pending request. It reports false when the request was no
// longer pending.
func (r *Repository) Deny(ctx context.Context, id, resolvedBy uuid.UUID, at time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ?", id, enums.RefundRequestPending).
		Updates(map[string]any{
			"status":      enums.RefundRequestDenied,
			"resolved_by": resolvedBy,
			"resolved_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Approve closes a request still claimed by token.
func (r *Repository) Approve(ctx context.Context, id, token, resolvedBy uuid.UUID, providerRefundID string, at time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, enums.RefundRequestApproving, token).
		Updates(map[string]any{
			"status":             enums.RefundRequestApproved,
			"resolved_by":        resolvedBy,
			"provider_refund_id": providerRefundID,
			"resolved_at":        at,
			"claim_token":        nil,
			"claimed_at":         nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
