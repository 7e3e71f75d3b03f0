package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditOutcome names what an audit entry records
type AuditOutcome string

const (
	OutcomeCreated           AuditOutcome = "created"
	OutcomeAutoApproved      AuditOutcome = "auto_approved"
	OutcomeExceptionApplied  AuditOutcome = "exception_applied"
	OutcomeApproved          AuditOutcome = "approved"
	OutcomeDenied            AuditOutcome = "denied"
	OutcomeCountered         AuditOutcome = "countered"
	OutcomeCounterAccepted   AuditOutcome = "counter_accepted"
	OutcomeCounterDeclined   AuditOutcome = "counter_declined"
	OutcomeCancelled         AuditOutcome = "cancelled"
	OutcomeTimedOut          AuditOutcome = "timed_out"
	OutcomeExpired           AuditOutcome = "expired"
	OutcomeUnauthorized      AuditOutcome = "unauthorized"
	OutcomeTokenConsumed     AuditOutcome = "token_consumed"
	OutcomeDelegationGranted AuditOutcome = "delegation_granted"
	OutcomeDelegationRevoked AuditOutcome = "delegation_revoked"
)

// AuditEntry is an append-only snapshot. RuleSnapshot holds the rule values in
// effect at decision time rather than a live join.
type AuditEntry struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID      *uuid.UUID          `gorm:"type:uuid;index" json:"request_id,omitempty"`
	OverrideType   OverrideType        `gorm:"type:varchar(30);index" json:"override_type,omitempty"`
	RuleID         *uuid.UUID          `gorm:"type:uuid" json:"rule_id,omitempty"`
	RuleSnapshot   datatypes.JSON      `json:"rule_snapshot,omitempty"`
	RequiredTier   Tier                `gorm:"not null;default:0;index" json:"required_tier"`
	BeforeValue    decimal.NullDecimal `gorm:"type:decimal(14,4)" json:"before_value"`
	AfterValue     decimal.NullDecimal `gorm:"type:decimal(14,4)" json:"after_value"`
	Difference     decimal.NullDecimal `gorm:"type:decimal(14,4)" json:"difference"`
	ActorID        *uuid.UUID          `gorm:"type:uuid;index" json:"actor_id,omitempty"`
	Actor          *User               `gorm:"foreignKey:ActorID" json:"actor,omitempty"`
	ActorTier      Tier                `gorm:"not null;default:0" json:"actor_tier"`
	DelegationID   *uuid.UUID          `gorm:"type:uuid" json:"delegation_id,omitempty"`
	Method         string              `gorm:"type:varchar(20)" json:"method,omitempty"`
	Outcome        AuditOutcome        `gorm:"type:varchar(30);not null;index" json:"outcome"`
	ReasonCode     string              `gorm:"type:varchar(50)" json:"reason_code,omitempty"`
	Reason         string              `gorm:"type:text" json:"reason,omitempty"`
	ResponseTimeMs *int64              `json:"response_time_ms,omitempty"`
	Details        datatypes.JSON      `json:"details,omitempty"`
	CreatedAt      time.Time           `gorm:"index" json:"created_at"`
}

func (a *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// RuleSnapshot is the frozen view of a rule stored with an audit entry
type RuleSnapshot struct {
	RuleID         uuid.UUID       `json:"rule_id"`
	Name           string          `json:"name"`
	RuleType       OverrideType    `json:"rule_type"`
	ThresholdValue decimal.Decimal `json:"threshold_value"`
	DefaultTier    Tier            `json:"default_tier"`
	Priority       int             `json:"priority"`
	RequireReason  bool            `json:"require_reason"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Levels         []LevelSnapshot `json:"levels,omitempty"`
}

type LevelSnapshot struct {
	Tier     Tier             `json:"tier"`
	MaxValue *decimal.Decimal `json:"max_value"`
}

// Snapshot freezes the rule's current values
func (r *ThresholdRule) Snapshot() RuleSnapshot {
	snap := RuleSnapshot{
		RuleID:         r.ID,
		Name:           r.Name,
		RuleType:       r.RuleType,
		ThresholdValue: r.ThresholdValue,
		DefaultTier:    r.DefaultTier,
		Priority:       r.Priority,
		RequireReason:  r.RequireReason,
		TimeoutSeconds: r.TimeoutSeconds,
	}
	for _, l := range r.Levels {
		ls := LevelSnapshot{Tier: l.Tier}
		if !l.Unlimited() {
			v := l.MaxValue.Decimal
			ls.MaxValue = &v
		}
		snap.Levels = append(snap.Levels, ls)
	}
	return snap
}
