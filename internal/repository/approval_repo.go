package repository

import (
	"context"
	"time"

	"posapproval/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueueFilter selects open requests for an approver's queue
type QueueFilter struct {
	ApproverID  uuid.UUID
	MaxTier     model.Tier
	RequestType model.OverrideType
	Page        int
	Limit       int
}

type ApprovalRepository interface {
	Create(ctx context.Context, req *model.ApprovalRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	FindByToken(ctx context.Context, token string) (*model.ApprovalRequest, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]model.ApprovalRequest, error)
	ListOpen(ctx context.Context) ([]model.ApprovalRequest, error)
	ListQueue(ctx context.Context, filter QueueFilter) ([]model.ApprovalRequest, int64, error)
	Transition(ctx context.Context, id uuid.UUID, from []model.RequestStatus, updates map[string]interface{}) (bool, error)
	TransitionChildren(ctx context.Context, parentID uuid.UUID, from []model.RequestStatus, updates map[string]interface{}) (int64, error)
	ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error)
	ConsumeChildTokens(ctx context.Context, parentID uuid.UUID, now time.Time) (int64, error)
}

type approvalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) ApprovalRepository {
	return &approvalRepository{db: db}
}

func (r *approvalRepository) Create(ctx context.Context, req *model.ApprovalRequest) error {
	return GetDB(ctx, r.db).Omit(clause.Associations).Create(req).Error
}

func (r *approvalRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).First(&req, "id = ?", id).Error; err != nil {
		return nil, translate(err, "approval request", id)
	}
	return &req, nil
}

func (r *approvalRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).Preload("Requester").Preload("Approver").First(&req, "id = ?", id).Error; err != nil {
		return nil, translate(err, "approval request", id)
	}
	return &req, nil
}

func (r *approvalRepository) FindByToken(ctx context.Context, token string) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).First(&req, "token = ?", token).Error; err != nil {
		return nil, translate(err, "approval token", "")
	}
	return &req, nil
}

func (r *approvalRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]model.ApprovalRequest, error) {
	var children []model.ApprovalRequest
	err := GetDB(ctx, r.db).Where("parent_id = ?", parentID).Order("created_at ASC, id ASC").Find(&children).Error
	return children, err
}

// ListOpen returns every pending or countered top-level request, oldest first.
// Batch items are left out: they only change state with their parent.
func (r *approvalRepository) ListOpen(ctx context.Context) ([]model.ApprovalRequest, error) {
	var open []model.ApprovalRequest
	err := GetDB(ctx, r.db).
		Where("status IN ?", []model.RequestStatus{model.StatusPending, model.StatusCountered}).
		Where("parent_id IS NULL").
		Order("created_at ASC").
		Find(&open).Error
	return open, err
}

// ListQueue returns open top-level requests the approver may act on: targeted
// at them or untargeted, and within their tier.
func (r *approvalRepository) ListQueue(ctx context.Context, filter QueueFilter) ([]model.ApprovalRequest, int64, error) {
	db := GetDB(ctx, r.db)
	scope := func(q *gorm.DB) *gorm.DB {
		q = q.Where("status IN ?", []model.RequestStatus{model.StatusPending, model.StatusCountered}).
			Where("parent_id IS NULL").
			Where("required_tier <= ?", filter.MaxTier).
			Where("(target_approver_id IS NULL OR target_approver_id = ?)", filter.ApproverID).
			Where("requester_id <> ?", filter.ApproverID)
		if filter.RequestType != "" {
			q = q.Where("request_type = ?", filter.RequestType)
		}
		return q
	}

	var total int64
	if err := scope(db.Model(&model.ApprovalRequest{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var requests []model.ApprovalRequest
	offset := (filter.Page - 1) * filter.Limit
	if err := scope(db.Preload("Requester")).
		Order("created_at ASC").
		Offset(offset).
		Limit(filter.Limit).
		Find(&requests).Error; err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// Transition applies updates only while the request is still in one of the
// from states. It reports whether this call won the write.
func (r *approvalRepository) Transition(ctx context.Context, id uuid.UUID, from []model.RequestStatus, updates map[string]interface{}) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *approvalRepository) TransitionChildren(ctx context.Context, parentID uuid.UUID, from []model.RequestStatus, updates map[string]interface{}) (int64, error) {
	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("parent_id = ? AND status IN ?", parentID, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}

// ConsumeToken flips token_used exactly once for an approved, unexpired token
func (r *approvalRepository) ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("token = ? AND token_used = ? AND status = ? AND token_expires_at > ?", token, false, model.StatusApproved, now).
		Updates(map[string]interface{}{"token_used": true, "token_used_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *approvalRepository) ConsumeChildTokens(ctx context.Context, parentID uuid.UUID, now time.Time) (int64, error) {
	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("parent_id = ? AND status = ? AND token IS NOT NULL AND token_used = ? AND token_expires_at > ?", parentID, model.StatusApproved, false, now).
		Updates(map[string]interface{}{"token_used": true, "token_used_at": now})
	return res.RowsAffected, res.Error
}
