package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RequestStatus is the lifecycle state of an ApprovalRequest
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCountered RequestStatus = "countered"
	StatusApproved  RequestStatus = "approved"
	StatusDenied    RequestStatus = "denied"
	StatusCancelled RequestStatus = "cancelled"
	StatusTimedOut  RequestStatus = "timed_out"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether no further transition is allowed
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusCancelled, StatusTimedOut, StatusExpired:
		return true
	default:
		return false
	}
}

// Open reports whether the request still awaits a decision
func (s RequestStatus) Open() bool {
	return s == StatusPending || s == StatusCountered
}

// Verification methods recorded on resolution
const (
	MethodAuto    = "auto"
	MethodPIN     = "pin"
	MethodTOTP    = "totp"
	MethodSession = "session"
	MethodSweeper = "sweeper"
)

// ApprovalRequest is one override awaiting (or holding) a decision.
// Children of a batch carry the parent's id in ParentID; the parent has
// RequestType "batch".
type ApprovalRequest struct {
	ID                 uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	ReferenceCode      string              `gorm:"type:varchar(16);uniqueIndex;not null" json:"reference_code"`
	RequestType        OverrideType        `gorm:"type:varchar(30);not null;index" json:"request_type"`
	ThresholdRuleID    *uuid.UUID          `gorm:"type:uuid;index" json:"threshold_rule_id"`
	ThresholdRule      *ThresholdRule      `gorm:"foreignKey:ThresholdRuleID" json:"-"`
	Channel            Channel             `gorm:"type:varchar(10);not null" json:"channel"`
	ProductID          *string             `gorm:"type:varchar(64)" json:"product_id,omitempty"`
	CategoryID         *string             `gorm:"type:varchar(64)" json:"category_id,omitempty"`
	CustomerID         *string             `gorm:"type:varchar(64)" json:"customer_id,omitempty"`
	LineItemID         *string             `gorm:"type:varchar(64)" json:"line_item_id,omitempty"`
	RequesterID        uuid.UUID           `gorm:"type:uuid;not null;index" json:"requester_id"`
	Requester          *User               `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	TargetApproverID   *uuid.UUID          `gorm:"type:uuid;index" json:"target_approver_id"`
	ApproverID         *uuid.UUID          `gorm:"type:uuid;index" json:"approver_id"`
	Approver           *User               `gorm:"foreignKey:ApproverID" json:"approver,omitempty"`
	ApproverTier       Tier                `gorm:"not null;default:0" json:"approver_tier"`
	OriginalValue      decimal.Decimal     `gorm:"type:decimal(14,4);not null" json:"original_value"`
	RequestedValue     decimal.Decimal     `gorm:"type:decimal(14,4);not null" json:"requested_value"`
	CostValue          decimal.NullDecimal `gorm:"type:decimal(14,4)" json:"cost_value"`
	EvaluatedValue     decimal.Decimal     `gorm:"type:decimal(14,4);not null" json:"evaluated_value"`
	ApprovedValue      decimal.NullDecimal `gorm:"type:decimal(14,4)" json:"approved_value"`
	Status             RequestStatus       `gorm:"type:varchar(20);not null;index" json:"status"`
	RequiredTier       Tier                `gorm:"not null;index" json:"required_tier"`
	AutoApproved       bool                `gorm:"not null;default:false" json:"auto_approved"`
	ExceptionID        *uuid.UUID          `gorm:"type:uuid" json:"exception_id,omitempty"`
	VerificationMethod string              `gorm:"type:varchar(20)" json:"verification_method,omitempty"`
	Token              *string             `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	TokenUsed          bool                `gorm:"not null;default:false" json:"token_used"`
	TokenUsedAt        *time.Time          `json:"token_used_at,omitempty"`
	TokenExpiresAt     *time.Time          `json:"token_expires_at,omitempty"`
	ParentID           *uuid.UUID          `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	DelegationID       *uuid.UUID          `gorm:"type:uuid" json:"delegation_id,omitempty"`
	Reason             string              `gorm:"type:text" json:"reason"`
	DenialCode         string              `gorm:"type:varchar(50)" json:"denial_code,omitempty"`
	DenialNote         string              `gorm:"type:text" json:"denial_note,omitempty"`
	ResponseTimeMs     *int64              `json:"response_time_ms,omitempty"`
	RespondedAt        *time.Time          `json:"responded_at,omitempty"`
	CreatedAt          time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func (r *ApprovalRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// IsBatch reports whether r is a batch parent
func (r *ApprovalRequest) IsBatch() bool {
	return r.RequestType == OverrideBatch
}
