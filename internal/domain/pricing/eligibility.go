package pricing

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection reasons surfaced as cart warnings for requested codes.
const (
	ReasonCodeNotFound      = "invalid or expired code"
	ReasonOutOfScope        = "discount does not apply to any item in the cart"
	ReasonUsageLimit        = "discount code usage limit reached"
	ReasonNotStarted        = "discount code is not active yet"
	ReasonExpired           = "discount code has expired"
	ReasonCombinationVetoed = "cannot be combined with an active automatic discount"
	ReasonNoEffect          = "discount code has no effect on this cart"
	ReasonWrongDay          = "discount is not valid on this day"
	ReasonWrongSegment      = "discount is not available for this customer"
)

// Candidate is the common view of a rule fed through evaluation and
// allocation. Automatic rules, code rules and tier discounts all reduce to it.
type Candidate struct {
	Source             Source
	RuleID             int64
	Name               string
	Code               string
	Type               DiscountType
	Value              decimal.Decimal
	Scope              Scope
	MinimumOrderAmount decimal.NullDecimal
	MinimumQuantity    *int
	Conditions

	// Code-only constraints.
	UsageLimit              *int
	UsageCount              int
	StartsAt                *time.Time
	EndsAt                  *time.Time
	CanCombineWithAutomatic bool
}

// Candidate converts the rule for evaluation.
func (r AutomaticRule) Candidate() Candidate {
	return Candidate{
		Source:             SourceAutomatic,
		RuleID:             r.ID,
		Name:               r.Name,
		Type:               r.Type,
		Value:              r.Value,
		Scope:              r.Scope,
		MinimumOrderAmount: r.MinimumOrderAmount,
		MinimumQuantity:    r.MinimumQuantity,
		Conditions:         r.Conditions,
	}
}

// Candidate converts the rule for evaluation.
func (r CodeRule) Candidate() Candidate {
	return Candidate{
		Source:                  SourceCode,
		RuleID:                  r.ID,
		Name:                    r.Code,
		Code:                    r.Code,
		Type:                    r.Type,
		Value:                   r.Value,
		Scope:                   r.Scope,
		MinimumOrderAmount:      r.MinimumOrderAmount,
		MinimumQuantity:         r.MinimumQuantity,
		Conditions:              r.Conditions,
		UsageLimit:              r.UsageLimit,
		UsageCount:              r.UsageCount,
		StartsAt:                r.StartsAt,
		EndsAt:                  r.EndsAt,
		CanCombineWithAutomatic: r.CanCombineWithAutomatic,
	}
}

// Candidate converts the tier benefit into a cart-wide rule.
func (t TierDiscount) Candidate() Candidate {
	return Candidate{
		Source: SourcePremiumClub,
		Name:   "Premium club: " + t.Tier,
		Type:   t.Type,
		Value:  t.Value,
		Scope:  Scope{AppliesTo: AppliesToAll},
	}
}

// Snapshot is the read-only cart state every rule is evaluated against.
// Subtotal and Quantity are computed once, before any discount.
type Snapshot struct {
	Lines    []LineItem
	Subtotal decimal.Decimal
	Quantity int
	Segment  string
}

// NewSnapshot computes the pre-discount totals of lines. The subtotal is the
// sum of the rounded line amounts, as the result reports them.
func NewSnapshot(lines []LineItem) Snapshot {
	s := Snapshot{Lines: lines, Subtotal: decimal.Zero}
	for _, l := range lines {
		s.Subtotal = s.Subtotal.Add(l.Amount().Round(2))
		s.Quantity += l.Quantity
	}
	return s
}

// Verdict is the outcome of evaluating one rule.
type Verdict struct {
	Eligible bool
	Reason   string
	// Silent marks a rejection that must not become a warning.
	Silent bool
}

func eligible() Verdict { return Verdict{Eligible: true} }

func rejected(reason string) Verdict { return Verdict{Reason: reason} }

// Evaluate decides whether rule qualifies for cart. Checks run in a fixed
// order and the first failure wins. appliedAutomatic is the number of
// automatic rules already applied in this calculation.
func Evaluate(rule Candidate, cart Snapshot, now time.Time, appliedAutomatic int) Verdict {
	if !rule.Scope.CartWide() && len(rule.Scope.eligibleLines(cart.Lines)) == 0 {
		v := rejected(ReasonOutOfScope)
		v.Silent = rule.Source != SourceCode
		return v
	}

	if m := rule.MinimumOrderAmount; m.Valid && cart.Subtotal.LessThan(m.Decimal) {
		return rejected(fmt.Sprintf("minimum order amount of %s not reached", m.Decimal.StringFixed(2)))
	}

	if m := rule.MaximumOrderAmount; m.Valid && cart.Subtotal.GreaterThan(m.Decimal) {
		return rejected(fmt.Sprintf("maximum order amount of %s exceeded", m.Decimal.StringFixed(2)))
	}

	if m := rule.MinimumQuantity; m != nil && cart.Quantity < *m {
		return rejected(fmt.Sprintf("minimum quantity of %d items not reached", *m))
	}
	if m := rule.MaximumQuantity; m != nil && cart.Quantity > *m {
		return rejected(fmt.Sprintf("maximum quantity of %d items exceeded", *m))
	}

	if v, ok := rule.Conditions.checkSchedule(now); !ok {
		return v
	}
	if seg := rule.CustomerSegment; seg != "" && seg != SegmentAll && seg != cart.Segment {
		return rejected(ReasonWrongSegment)
	}

	if rule.Source != SourceCode {
		return eligible()
	}

	if rule.UsageLimit != nil && rule.UsageCount >= *rule.UsageLimit {
		return rejected(ReasonUsageLimit)
	}
	if rule.StartsAt != nil && now.Before(*rule.StartsAt) {
		return rejected(ReasonNotStarted)
	}
	if rule.EndsAt != nil && now.After(*rule.EndsAt) {
		return rejected(ReasonExpired)
	}

	if appliedAutomatic > 0 && !rule.CanCombineWithAutomatic {
		return rejected(ReasonCombinationVetoed)
	}

	return eligible()
}

// checkSchedule applies the weekday and hour gates to now, in now's location.
func (c Conditions) checkSchedule(now time.Time) (Verdict, bool) {
	if len(c.DaysOfWeek) > 0 && !slices.Contains(c.DaysOfWeek, now.Weekday()) {
		return rejected(ReasonWrongDay), false
	}
	if c.HourStart != nil && c.HourEnd != nil {
		if h := now.Hour(); h < *c.HourStart || h >= *c.HourEnd {
			return rejected(fmt.Sprintf("discount is only valid between %02d:00 and %02d:00", *c.HourStart, *c.HourEnd)), false
		}
	}
	return Verdict{}, true
}
