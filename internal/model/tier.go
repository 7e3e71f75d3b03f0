package model

import (
	"fmt"
	"strings"
)

// Tier is an ordered approval authority rank
type Tier int

const (
	TierNone Tier = iota
	TierShiftLead
	TierManager
	TierAreaManager
	TierAdmin
)

const (
	MinApprovalTier = TierShiftLead
	MaxApprovalTier = TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierShiftLead:
		return "shift_lead"
	case TierManager:
		return "manager"
	case TierAreaManager:
		return "area_manager"
	case TierAdmin:
		return "admin"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is an approval tier (shift_lead..admin)
func (t Tier) Valid() bool {
	return t >= MinApprovalTier && t <= MaxApprovalTier
}

// Covers reports whether authority at t is enough for a request requiring required.
// Direct and delegated checks both go through here.
func (t Tier) Covers(required Tier) bool {
	return t.Valid() && t >= required
}

// ParseTier accepts a level name or its number
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shift_lead", "1":
		return TierShiftLead, nil
	case "manager", "2":
		return TierManager, nil
	case "area_manager", "3":
		return TierAreaManager, nil
	case "admin", "4":
		return TierAdmin, nil
	}
	return TierNone, fmt.Errorf("unknown approval level %q", s)
}

// User roles
const (
	RoleCashier     = "cashier"
	RoleShiftLead   = "shift_lead"
	RoleManager     = "manager"
	RoleAreaManager = "area_manager"
	RoleAdmin       = "admin"
)

// TierForRole returns the direct authority a role carries
func TierForRole(role string) Tier {
	switch role {
	case RoleShiftLead:
		return TierShiftLead
	case RoleManager:
		return TierManager
	case RoleAreaManager:
		return TierAreaManager
	case RoleAdmin:
		return TierAdmin
	default:
		return TierNone
	}
}

// ValidRole reports whether role is one of the known roles
func ValidRole(role string) bool {
	return role == RoleCashier || TierForRole(role) != TierNone
}
