package model

import (
	"time"
)

// AnalyticsSummary aggregates audit outcomes over [From, To)
type AnalyticsSummary struct {
	From              time.Time       `json:"from"`
	To                time.Time       `json:"to"`
	TotalRequests     int64           `json:"total_requests"`
	ByTier            []TierCount     `json:"by_tier"`
	ByDay             []DayCount      `json:"by_day"`
	ByApprover        []ApproverCount `json:"by_approver"`
	ByOutcome         []OutcomeCount  `json:"by_outcome"`
	AvgResponseTimeMs float64         `json:"avg_response_time_ms"`
}

type TierCount struct {
	Tier  Tier  `json:"tier"`
	Count int64 `json:"count"`
}

// DayCount is keyed by UTC date (YYYY-MM-DD)
type DayCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// ApproverCount ranks approvers by resolved requests
type ApproverCount struct {
	ApproverID   string `json:"approver_id"`
	ApproverName string `json:"approver_name"`
	Approved     int64  `json:"approved"`
	Denied       int64  `json:"denied"`
	Countered    int64  `json:"countered"`
}

type OutcomeCount struct {
	Outcome AuditOutcome `json:"outcome"`
	Count   int64        `json:"count"`
}
