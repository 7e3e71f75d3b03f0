package model

import "fmt"

// OverrideType is the closed set of overrides the engine governs
type OverrideType string

const (
	OverrideDiscountPercent  OverrideType = "discount_percent"
	OverrideDiscountAmount   OverrideType = "discount_amount"
	OverrideMarginBelow      OverrideType = "margin_below"
	OverridePriceBelowCost   OverrideType = "price_below_cost"
	OverrideVoidTransaction  OverrideType = "void_transaction"
	OverrideVoidItem         OverrideType = "void_item"
	OverrideRefundAmount     OverrideType = "refund_amount"
	OverrideRefundNoReceipt  OverrideType = "refund_no_receipt"
	OverrideDrawerAdjustment OverrideType = "drawer_adjustment"

	// OverrideBatch marks a batch parent request; no rule uses it.
	OverrideBatch OverrideType = "batch"
)

// AllOverrideTypes lists every rule-capable override type
var AllOverrideTypes = []OverrideType{
	OverrideDiscountPercent,
	OverrideDiscountAmount,
	OverrideMarginBelow,
	OverridePriceBelowCost,
	OverrideVoidTransaction,
	OverrideVoidItem,
	OverrideRefundAmount,
	OverrideRefundNoReceipt,
	OverrideDrawerAdjustment,
}

// Comparison is how a rule's threshold is applied to the evaluated value
type Comparison int

const (
	CompareExceeds Comparison = iota + 1
	CompareBelow
	CompareNegative
	CompareAlways
)

// Comparison returns the comparison semantics of t. Adding a type without
// extending this switch fails every evaluation of it loudly.
func (t OverrideType) Comparison() (Comparison, error) {
	switch t {
	case OverrideDiscountPercent, OverrideDiscountAmount, OverrideRefundAmount:
		return CompareExceeds, nil
	case OverrideMarginBelow:
		return CompareBelow, nil
	case OverridePriceBelowCost:
		return CompareNegative, nil
	case OverrideVoidTransaction, OverrideVoidItem, OverrideRefundNoReceipt, OverrideDrawerAdjustment:
		return CompareAlways, nil
	case OverrideBatch:
		return 0, fmt.Errorf("batch requests are not evaluated against rules")
	default:
		return 0, fmt.Errorf("unknown override type %q", string(t))
	}
}

// Valid reports whether t can be requested or carried by a rule
func (t OverrideType) Valid() bool {
	_, err := t.Comparison()
	return err == nil
}

// IsPriceType reports whether the request replaces a price, which bounds the
// requested value by the original one
func (t OverrideType) IsPriceType() bool {
	switch t {
	case OverrideDiscountPercent, OverrideDiscountAmount, OverrideMarginBelow, OverridePriceBelowCost:
		return true
	default:
		return false
	}
}

// Channel is where the override originates
type Channel string

const (
	ChannelPOS    Channel = "pos"
	ChannelQuote  Channel = "quote"
	ChannelOnline Channel = "online"
)

func (c Channel) Valid() bool {
	return c == ChannelPOS || c == ChannelQuote || c == ChannelOnline
}
