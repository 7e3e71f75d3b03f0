package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PolicyException waives approval for one override type within a scope.
// At least one scope field is set; every set field must match the context.
type PolicyException struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	RuleType   OverrideType `gorm:"type:varchar(30);not null;index" json:"rule_type"`
	ProductID  *string      `gorm:"type:varchar(64);index" json:"product_id,omitempty"`
	CategoryID *string      `gorm:"type:varchar(64);index" json:"category_id,omitempty"`
	CustomerID *string      `gorm:"type:varchar(64);index" json:"customer_id,omitempty"`
	UserID     *uuid.UUID   `gorm:"type:uuid;index" json:"user_id,omitempty"`
	ValidFrom  *time.Time   `json:"valid_from,omitempty"`
	ValidUntil *time.Time   `json:"valid_until,omitempty"`
	IsActive   bool         `gorm:"not null;default:true;index" json:"is_active"`
	Reason     string       `gorm:"type:text" json:"reason"`
	CreatedBy  uuid.UUID    `gorm:"type:uuid;not null" json:"created_by"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (e *PolicyException) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// HasScope reports whether at least one scope field is set
func (e *PolicyException) HasScope() bool {
	return e.ProductID != nil || e.CategoryID != nil || e.CustomerID != nil || e.UserID != nil
}

// InWindow reports whether now falls inside the validity window
func (e *PolicyException) InWindow(now time.Time) bool {
	if e.ValidFrom != nil && now.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidUntil != nil && !now.Before(*e.ValidUntil) {
		return false
	}
	return true
}
