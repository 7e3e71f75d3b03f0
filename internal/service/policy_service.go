package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EvalContext is where and for whom an override happens
type EvalContext struct {
	Channel    model.Channel
	CategoryID *string
	ProductID  *string
	CustomerID *string
	UserID     *uuid.UUID
	At         time.Time
}

// Action is an override as the terminal submits it
type Action struct {
	Type           model.OverrideType
	OriginalValue  decimal.Decimal
	RequestedValue decimal.Decimal
	CostValue      decimal.NullDecimal
	Context        EvalContext
}

// Decision is the outcome of matching an action against the rule set.
// "No rule matched" is a Decision with RequiresApproval false, not an error.
type Decision struct {
	RequiresApproval bool
	RuleType         model.OverrideType
	Rule             *model.ThresholdRule
	Value            decimal.Decimal
	RequiredTier     model.Tier
	ExceptionApplied bool
	Exception        *model.PolicyException
	Message          string
}

type PolicyEvaluator interface {
	Evaluate(ctx context.Context, t model.OverrideType, value decimal.Decimal, ec EvalContext) (*Decision, error)
	EvaluateAction(ctx context.Context, action Action) (*Decision, error)
	Invalidate()
}

type policyEvaluator struct {
	cache      *RuleCache
	exceptions repository.ExceptionRepository
	now        func() time.Time
}

func NewPolicyEvaluator(cache *RuleCache, exceptions repository.ExceptionRepository) PolicyEvaluator {
	return &policyEvaluator{cache: cache, exceptions: exceptions, now: time.Now}
}

func (p *policyEvaluator) Invalidate() {
	p.cache.Invalidate()
}

// Evaluate matches one override type and its evaluated value
func (p *policyEvaluator) Evaluate(ctx context.Context, t model.OverrideType, value decimal.Decimal, ec EvalContext) (*Decision, error) {
	cmp, err := t.Comparison()
	if err != nil {
		return nil, apperror.Validation("%s", err.Error())
	}
	if ec.Channel == "" {
		ec.Channel = model.ChannelPOS
	}
	if ec.At.IsZero() {
		ec.At = p.now().UTC()
	}

	rules, err := p.cache.Rules(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to load threshold rules: %w", err)
	}

	decision := &Decision{RuleType: t, Value: value, RequiredTier: model.MinApprovalTier}
	rule := matchRule(rules, t, ec)
	if rule == nil {
		decision.Message = fmt.Sprintf("no %s rule applies", t)
		return decision, nil
	}
	decision.Rule = rule

	if !exceeded(rule, cmp, value) {
		decision.Message = fmt.Sprintf("%s within %q", describe(t, value), rule.Name)
		return decision, nil
	}

	decision.RequiresApproval = true
	decision.RequiredTier = RequiredTier(rule, lookupValue(rule, cmp, value))
	decision.Message = fmt.Sprintf("%s requires %s approval under %q", describe(t, value), decision.RequiredTier, rule.Name)

	exc, err := p.matchException(ctx, t, ec)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		decision.RequiresApproval = false
		decision.ExceptionApplied = true
		decision.Exception = exc
		decision.Message = fmt.Sprintf("%s waived by policy exception", describe(t, value))
	}
	return decision, nil
}

// EvaluateAction derives the evaluated value from the prices. Price overrides
// with a known cost are also checked against the margin floor and below-cost
// rules; the most demanding outcome wins, ties keep the requested type.
func (p *policyEvaluator) EvaluateAction(ctx context.Context, action Action) (*Decision, error) {
	value, err := EvaluatedValue(action.Type, action.OriginalValue, action.RequestedValue, action.CostValue)
	if err != nil {
		return nil, err
	}
	primary, err := p.Evaluate(ctx, action.Type, value, action.Context)
	if err != nil {
		return nil, err
	}
	if !action.Type.IsPriceType() || !action.CostValue.Valid {
		return primary, nil
	}

	best := primary
	for _, extra := range []model.OverrideType{model.OverrideMarginBelow, model.OverridePriceBelowCost} {
		if extra == action.Type {
			continue
		}
		v, err := EvaluatedValue(extra, action.OriginalValue, action.RequestedValue, action.CostValue)
		if err != nil {
			return nil, err
		}
		d, err := p.Evaluate(ctx, extra, v, action.Context)
		if err != nil {
			return nil, err
		}
		if d.RequiresApproval && (!best.RequiresApproval || d.RequiredTier > best.RequiredTier) {
			best = d
		}
	}
	return best, nil
}

// EvaluatedValue computes the number a rule of type t compares against
func EvaluatedValue(t model.OverrideType, original, requested decimal.Decimal, cost decimal.NullDecimal) (decimal.Decimal, error) {
	switch t {
	case model.OverrideDiscountPercent:
		if !original.IsPositive() {
			return decimal.Zero, apperror.Validation("original value must be positive")
		}
		return original.Sub(requested).Div(original).Mul(hundred).Round(4), nil
	case model.OverrideDiscountAmount:
		return original.Sub(requested).Round(4), nil
	case model.OverrideMarginBelow:
		if !cost.Valid {
			return decimal.Zero, apperror.Validation("cost value is required for %s", t)
		}
		if !requested.IsPositive() {
			return decimal.Zero, apperror.Validation("requested value must be positive")
		}
		return requested.Sub(cost.Decimal).Div(requested).Mul(hundred).Round(4), nil
	case model.OverridePriceBelowCost:
		if !cost.Valid {
			return decimal.Zero, apperror.Validation("cost value is required for %s", t)
		}
		return requested.Sub(cost.Decimal).Round(4), nil
	case model.OverrideRefundAmount, model.OverrideVoidTransaction, model.OverrideVoidItem,
		model.OverrideRefundNoReceipt, model.OverrideDrawerAdjustment:
		return requested.Round(4), nil
	default:
		return decimal.Zero, apperror.Validation("unknown override type %q", string(t))
	}
}

// matchRule picks the single best candidate: category-specific before
// category-agnostic, then higher priority, then the most recently created
func matchRule(rules []model.ThresholdRule, t model.OverrideType, ec EvalContext) *model.ThresholdRule {
	var candidates []*model.ThresholdRule
	for i := range rules {
		r := &rules[i]
		if r.RuleType != t || !r.IsActive || !r.AppliesTo(ec.Channel) || !r.InSchedule(ec.At) {
			continue
		}
		if r.CategoryID != nil && (ec.CategoryID == nil || *r.CategoryID != *ec.CategoryID) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.CategoryID != nil) != (b.CategoryID != nil) {
			return a.CategoryID != nil
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return candidates[0]
}

func (p *policyEvaluator) matchException(ctx context.Context, t model.OverrideType, ec EvalContext) (*model.PolicyException, error) {
	list, err := p.exceptions.ListActive(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy exceptions: %w", err)
	}
	for i := range list {
		exc := &list[i]
		if exc.HasScope() && exc.InWindow(ec.At) && scopeMatches(exc, ec) {
			return exc, nil
		}
	}
	return nil, nil
}

// scopeMatches requires every scope field the exception sets to equal the context
func scopeMatches(exc *model.PolicyException, ec EvalContext) bool {
	if exc.ProductID != nil && (ec.ProductID == nil || *exc.ProductID != *ec.ProductID) {
		return false
	}
	if exc.CategoryID != nil && (ec.CategoryID == nil || *exc.CategoryID != *ec.CategoryID) {
		return false
	}
	if exc.CustomerID != nil && (ec.CustomerID == nil || *exc.CustomerID != *ec.CustomerID) {
		return false
	}
	if exc.UserID != nil && (ec.UserID == nil || *exc.UserID != *ec.UserID) {
		return false
	}
	return true
}

func describe(t model.OverrideType, value decimal.Decimal) string {
	label := strings.ReplaceAll(string(t), "_", " ")
	switch t {
	case model.OverrideDiscountPercent, model.OverrideMarginBelow:
		return fmt.Sprintf("%s of %s%%", label, value.StringFixed(2))
	default:
		return fmt.Sprintf("%s of %s", label, value.StringFixed(2))
	}
}
