package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Delegation lends a delegate approval authority up to MaxTier for a time
// window. Revocation flips IsActive and stamps RevokedAt; rows are never deleted.
type Delegation struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DelegatorID uuid.UUID  `gorm:"type:uuid;not null;index" json:"delegator_id"`
	Delegator   *User      `gorm:"foreignKey:DelegatorID" json:"delegator,omitempty"`
	DelegateID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"delegate_id"`
	Delegate    *User      `gorm:"foreignKey:DelegateID" json:"delegate,omitempty"`
	MaxTier     Tier       `gorm:"not null" json:"max_tier"`
	StartsAt    time.Time  `gorm:"not null" json:"starts_at"`
	ExpiresAt   time.Time  `gorm:"not null;index" json:"expires_at"`
	IsActive    bool       `gorm:"not null;default:true;index" json:"is_active"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	Reason      string     `gorm:"type:text" json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (d *Delegation) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// EffectiveAt reports whether the delegation grants authority at now.
// Expiry is evaluated here, never written.
func (d *Delegation) EffectiveAt(now time.Time) bool {
	return d.IsActive && !now.Before(d.StartsAt) && now.Before(d.ExpiresAt)
}
