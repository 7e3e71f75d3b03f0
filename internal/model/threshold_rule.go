package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ThresholdRule defines when an override type needs approval and at which level.
// ActiveDays is a weekday bitmask (bit 0 = Sunday), 0 means every day.
// ActiveFromMinute/ActiveToMinute bound the minute of day; the window may wrap midnight.
type ThresholdRule struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name             string          `gorm:"type:varchar(120);not null" json:"name"`
	RuleType         OverrideType    `gorm:"type:varchar(30);not null;index" json:"rule_type"`
	ThresholdValue   decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"threshold_value"`
	DefaultTier      Tier            `gorm:"not null" json:"default_tier"`
	AppliesToPOS     bool            `gorm:"not null;default:true" json:"applies_to_pos"`
	AppliesToQuote   bool            `gorm:"not null;default:false" json:"applies_to_quote"`
	AppliesToOnline  bool            `gorm:"not null;default:false" json:"applies_to_online"`
	CategoryID       *string         `gorm:"type:varchar(64);index" json:"category_id,omitempty"`
	ValidFrom        *time.Time      `json:"valid_from,omitempty"`
	ValidUntil       *time.Time      `json:"valid_until,omitempty"`
	ActiveDays       int             `gorm:"not null;default:0" json:"active_days"`
	ActiveFromMinute *int            `json:"active_from_minute,omitempty"`
	ActiveToMinute   *int            `json:"active_to_minute,omitempty"`
	Priority         int             `gorm:"not null;default:0" json:"priority"`
	IsActive         bool            `gorm:"not null;default:true;index" json:"is_active"`
	RequireReason    bool            `gorm:"not null;default:false" json:"require_reason"`
	TimeoutSeconds   int             `gorm:"not null;default:0" json:"timeout_seconds"`
	Levels           []ApprovalLevel `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"levels"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ApprovalLevel caps the value one tier may authorize under a rule. A null
// MaxValue means unlimited.
type ApprovalLevel struct {
	ID       uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	RuleID   uuid.UUID           `gorm:"type:uuid;not null;index" json:"rule_id"`
	Tier     Tier                `gorm:"not null" json:"tier"`
	MaxValue decimal.NullDecimal `gorm:"type:decimal(14,4)" json:"max_value"`
}

func (r *ThresholdRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (l *ApprovalLevel) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// Unlimited reports whether the level has no ceiling
func (l ApprovalLevel) Unlimited() bool {
	return !l.MaxValue.Valid
}

// AppliesTo reports whether the rule covers channel c
func (r *ThresholdRule) AppliesTo(c Channel) bool {
	switch c {
	case ChannelPOS:
		return r.AppliesToPOS
	case ChannelQuote:
		return r.AppliesToQuote
	case ChannelOnline:
		return r.AppliesToOnline
	default:
		return false
	}
}

// InSchedule reports whether at falls inside the validity window and the
// day/time-of-day scope
func (r *ThresholdRule) InSchedule(at time.Time) bool {
	if r.ValidFrom != nil && at.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !at.Before(*r.ValidUntil) {
		return false
	}
	if r.ActiveDays != 0 && r.ActiveDays&(1<<uint(at.Weekday())) == 0 {
		return false
	}
	if r.ActiveFromMinute != nil && r.ActiveToMinute != nil {
		minute := at.Hour()*60 + at.Minute()
		from, to := *r.ActiveFromMinute, *r.ActiveToMinute
		if from <= to {
			if minute < from || minute >= to {
				return false
			}
		} else if minute < from && minute >= to {
			return false
		}
	}
	return true
}

// Timeout returns the rule's pending timeout, zero when none
func (r *ThresholdRule) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Validate checks the rule and its level ladder: levels strictly ascend by
// tier, ceilings never decrease, and only the last level may be unlimited.
func (r *ThresholdRule) Validate() error {
	if _, err := r.RuleType.Comparison(); err != nil {
		return err
	}
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if !r.DefaultTier.Valid() {
		return fmt.Errorf("default tier %d is out of range", int(r.DefaultTier))
	}
	if !r.AppliesToPOS && !r.AppliesToQuote && !r.AppliesToOnline {
		return errors.New("rule must apply to at least one channel")
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && !r.ValidUntil.After(*r.ValidFrom) {
		return errors.New("valid_until must be after valid_from")
	}
	if (r.ActiveFromMinute == nil) != (r.ActiveToMinute == nil) {
		return errors.New("active_from_minute and active_to_minute must be set together")
	}
	if r.ActiveFromMinute != nil {
		if *r.ActiveFromMinute < 0 || *r.ActiveFromMinute >= 1440 || *r.ActiveToMinute < 0 || *r.ActiveToMinute > 1440 {
			return errors.New("active minutes must be within a day")
		}
	}
	if r.ActiveDays < 0 || r.ActiveDays > 0x7f {
		return errors.New("active_days must be a weekday bitmask")
	}
	if r.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds cannot be negative")
	}

	for i, level := range r.Levels {
		if !level.Tier.Valid() {
			return fmt.Errorf("level %d: tier %d is out of range", i, int(level.Tier))
		}
		if level.Unlimited() && i != len(r.Levels)-1 {
			return fmt.Errorf("level %d: only the highest level may be unlimited", i)
		}
		if i == 0 {
			continue
		}
		prev := r.Levels[i-1]
		if level.Tier <= prev.Tier {
			return fmt.Errorf("level %d: tiers must strictly increase", i)
		}
		if !level.Unlimited() && level.MaxValue.Decimal.LessThan(prev.MaxValue.Decimal) {
			return fmt.Errorf("level %d: max value must not decrease", i)
		}
	}
	return nil
}
