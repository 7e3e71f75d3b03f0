package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names a push event on the notification channel
type Type string

const (
	TypeConnected            Type = "connected"
	TypeRequestCreated       Type = "request-created"
	TypeApproved             Type = "approved"
	TypeDenied               Type = "denied"
	TypeCountered            Type = "countered"
	TypeCounterAccepted      Type = "counter-accepted"
	TypeCounterDeclined      Type = "counter-declined"
	TypeCancelled            Type = "cancelled"
	TypeTimedOut             Type = "timed-out"
	TypeExpired              Type = "expired"
	TypeBatchCreated         Type = "batch-created"
	TypeBatchApproved        Type = "batch-approved"
	TypeBatchDenied          Type = "batch-denied"
	TypeDelegationGranted    Type = "delegation-granted"
	TypeDelegationRevoked    Type = "delegation-revoked"
	TypeApproverStatusChange Type = "approver-status-change"
)

// Event is published after the transition it describes has committed.
// Recipients and Roles select sessions; both empty means broadcast.
type Event struct {
	Type       Type                   `json:"type"`
	RequestID  *uuid.UUID             `json:"request_id,omitempty"`
	Recipients []uuid.UUID            `json:"-"`
	Roles      []string               `json:"-"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	At         time.Time              `json:"at"`
}

// Key partitions the event stream; request events stay ordered per request
func (e Event) Key() string {
	if e.RequestID != nil {
		return e.RequestID.String()
	}
	return string(e.Type)
}
