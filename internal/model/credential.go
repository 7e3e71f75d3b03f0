package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Credential is a user's override secret. PINHash is a bcrypt hash; the
// counters are mutated on every verification attempt.
type Credential struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	User             *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	PINHash          string     `gorm:"type:varchar(255);not null" json:"-"`
	TOTPSecret       string     `gorm:"type:varchar(64)" json:"-"`
	Tier             Tier       `gorm:"not null" json:"tier"`
	IsActive         bool       `gorm:"not null;default:true" json:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	DailyLimit       *int       `json:"daily_limit,omitempty"`
	FailedAttempts   int        `gorm:"not null;default:0" json:"failed_attempts"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	DailyUsage       int        `gorm:"not null;default:0" json:"daily_usage"`
	LastOverrideDate string     `gorm:"type:varchar(10)" json:"last_override_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// LockedAt reports whether the credential is locked at now
func (c *Credential) LockedAt(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// ExpiredAt reports whether the credential has passed its expiry
func (c *Credential) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// UsageOn returns the usage count that applies on day (YYYY-MM-DD);
// the stored counter belongs to LastOverrideDate only.
func (c *Credential) UsageOn(day string) int {
	if c.LastOverrideDate != day {
		return 0
	}
	return c.DailyUsage
}
