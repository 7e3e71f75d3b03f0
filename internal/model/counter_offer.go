package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CounterStatus string

const (
	CounterPending  CounterStatus = "pending"
	CounterAccepted CounterStatus = "accepted"
	CounterDeclined CounterStatus = "declined"
)

// CounterOffer is an approver's alternative price for an open request
type CounterOffer struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"request_id"`
	Price       decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"price"`
	Status      CounterStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedBy   uuid.UUID       `gorm:"type:uuid;not null" json:"created_by"`
	Creator     *User           `gorm:"foreignKey:CreatedBy" json:"creator,omitempty"`
	Note        string          `gorm:"type:text" json:"note,omitempty"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
}

func (c *CounterOffer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
