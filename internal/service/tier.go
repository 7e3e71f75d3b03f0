package service

import (
	"posapproval/internal/model"

	"github.com/shopspring/decimal"
)

// RequiredTier walks the rule's ladder from the lowest level and returns the
// first one whose ceiling covers value. A rule without levels falls back to its
// default tier; a value above every finite ceiling escalates to admin.
func RequiredTier(rule *model.ThresholdRule, value decimal.Decimal) model.Tier {
	if rule == nil {
		return model.MinApprovalTier
	}
	if len(rule.Levels) == 0 {
		return rule.DefaultTier
	}
	for _, level := range rule.Levels {
		if level.Unlimited() || level.MaxValue.Decimal.GreaterThanOrEqual(value) {
			return level.Tier
		}
	}
	return model.MaxApprovalTier
}

// CanActorApprove is the one authority check; direct and delegated callers
// pass the tier they act at and get the same answer
func CanActorApprove(level model.Tier, rule *model.ThresholdRule, value decimal.Decimal) bool {
	return level.Covers(RequiredTier(rule, value))
}

// lookupValue turns an evaluated value into the quantity the ladder ceilings
// are expressed in
func lookupValue(rule *model.ThresholdRule, cmp model.Comparison, value decimal.Decimal) decimal.Decimal {
	switch cmp {
	case model.CompareBelow:
		return rule.ThresholdValue.Sub(value)
	case model.CompareNegative:
		return value.Neg()
	default:
		return value
	}
}

// exceeded applies the rule's comparison to value
func exceeded(rule *model.ThresholdRule, cmp model.Comparison, value decimal.Decimal) bool {
	switch cmp {
	case model.CompareExceeds:
		return value.GreaterThan(rule.ThresholdValue)
	case model.CompareBelow:
		return value.LessThan(rule.ThresholdValue)
	case model.CompareNegative:
		return value.IsNegative()
	case model.CompareAlways:
		return true
	default:
		return true
	}
}
