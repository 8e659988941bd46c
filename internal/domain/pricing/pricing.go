// Package pricing turns a cart snapshot and a store's discount rules into a
// deterministic price breakdown.
//
// The package is split along the calculation pipeline: Catalog loads rules,
// Evaluate decides eligibility, Allocate spreads a rule's amount over the
// cart lines and Engine sequences everything into a Result.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of each eligible line's original amount.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount takes a flat amount once from the eligible lines.
	DiscountFixedAmount DiscountType = "fixed_amount"
	// DiscountFreeShipping waives the shipping charge.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixedAmount, DiscountFreeShipping:
		return true
	default:
		return false
	}
}

// Source identifies where an applied discount came from.
type Source string

const (
	SourceAutomatic   Source = "automatic"
	SourceCode        Source = "code"
	SourcePremiumClub Source = "premium_club"
)

// Property is a free-form name/value pair attached to a cart line.
type Property struct {
	Name  string
	Value string
}

// LineItem is one cart entry. VariantID is unique within a cart snapshot.
type LineItem struct {
	VariantID     string
	ProductID     string
	ProductTitle  string
	VariantTitle  string
	UnitPrice     decimal.Decimal
	Quantity      int
	CollectionIDs []string
	Tags          []string
	Properties    []Property
}

// Amount returns unit price times quantity.
func (l LineItem) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// SegmentAll is the customer segment that places no restriction.
const SegmentAll = "all"

// Conditions are the optional gates shared by automatic and code rules.
// A zero field disables its gate.
type Conditions struct {
	MaximumOrderAmount decimal.NullDecimal
	MaximumQuantity    *int
	// DaysOfWeek lists the weekdays the rule is valid on.
	DaysOfWeek []time.Weekday
	// HourStart and HourEnd bound the valid hours as [HourStart, HourEnd).
	// The window applies only when both are set.
	HourStart *int
	HourEnd   *int
	// CustomerSegment restricts the rule to one segment, such as "vip".
	CustomerSegment string
}

// AutomaticRule is a store promotion applied without customer action.
type AutomaticRule struct {
	ID       int64
	StoreID  int64
	Name     string
	Type     DiscountType
	Value    decimal.Decimal
	IsActive bool
	// Priority orders automatic rules; lower values apply first.
	Priority int
	Scope    Scope
	// CanCombineWithCodes is stored for the admin UI but never enforced.
	CanCombineWithCodes bool
	MinimumOrderAmount  decimal.NullDecimal
	MinimumQuantity     *int
	StartsAt            *time.Time
	EndsAt              *time.Time
	Conditions
}

// CodeRule is a discount the customer redeems by entering its code.
type CodeRule struct {
	ID                      int64
	StoreID                 int64
	Code                    string
	Type                    DiscountType
	Value                   decimal.Decimal
	IsActive                bool
	Scope                   Scope
	CanCombineWithAutomatic bool
	MinimumOrderAmount      decimal.NullDecimal
	MinimumQuantity         *int
	UsageLimit              *int
	UsageCount              int
	StartsAt                *time.Time
	EndsAt                  *time.Time
	Conditions
}

// TierDiscount is the premium-club benefit resolved for a customer tier.
type TierDiscount struct {
	Tier         string
	Type         DiscountType
	Value        decimal.Decimal
	FreeShipping bool
}

// ShippingRate is the shipping option selected at checkout.
type ShippingRate struct {
	ID    string
	Name  string
	Price decimal.Decimal
	// FreeShippingThreshold, when set, zeroes the rate once the pre-discount
	// subtotal reaches it.
	FreeShippingThreshold decimal.NullDecimal
}

// Catalog provides read access to a store's discount rules.
type Catalog interface {
	// LoadAutomaticRules returns the store's active automatic rules whose
	// active window contains the current time.
	LoadAutomaticRules(ctx context.Context, storeID int64) ([]AutomaticRule, error)
	// LoadCodeRule returns the active code rule matching code
	// case-insensitively, or ErrCodeNotFound.
	LoadCodeRule(ctx context.Context, storeID int64, code string) (*CodeRule, error)
}

// TierResolver resolves the premium-club discount for a customer tier. It
// returns nil without error when the tier carries no benefit.
type TierResolver interface {
	ResolveTier(ctx context.Context, storeID int64, tier string) (*TierDiscount, error)
}

// Input is a single calculation request.
type Input struct {
	StoreID      int64
	Items        []LineItem
	DiscountCode string
	ShippingRate *ShippingRate
	CustomerTier string
	// CustomerSegment is matched against rules restricted to a segment.
	CustomerSegment string
}

// AppliedDiscount records one rule's total contribution.
type AppliedDiscount struct {
	Source Source
	RuleID int64
	Name   string
	Code   string
	Type   DiscountType
	Amount decimal.Decimal
}

// LineDiscount is one rule's share on a single line.
type LineDiscount struct {
	Source Source
	RuleID int64
	Amount decimal.Decimal
}

// LineResult is a cart line with its discounts resolved.
type LineResult struct {
	Item                   LineItem
	LineSubtotal           decimal.Decimal
	LineDiscount           decimal.Decimal
	LineTotalAfterDiscount decimal.Decimal
	Discounts              []LineDiscount
}

// Result is the complete price breakdown of a cart.
type Result struct {
	Items                  []LineResult
	Discounts              []AppliedDiscount
	Subtotal               decimal.Decimal
	TotalDiscount          decimal.Decimal
	SubtotalAfterDiscount  decimal.Decimal
	ShippingBeforeDiscount decimal.Decimal
	ShippingAfterDiscount  decimal.Decimal
	ShippingDiscount       decimal.Decimal
	ShippingWaived         bool
	Total                  decimal.Decimal
	Warnings               []string
	IsValid                bool
}
