package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeCode returns the canonical form codes are stored and matched in.
func NormalizeCode(code string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(code))
}

// CodeCheck is the outcome of validating a code against a cart.
type CodeCheck struct {
	Code   string
	Valid  bool
	Reason string
	Type   DiscountType
	// Amount is what the code would take off the cart, zero for free
	// shipping or when the code is not valid.
	Amount decimal.Decimal
}

// ValidateCode reports whether in.DiscountCode would be applied to the cart,
// taking the store's automatic discounts into account exactly as Calculate
// does. Shipping and the customer tier are ignored.
func (e *Engine) ValidateCode(ctx context.Context, in Input) (*CodeCheck, error) {
	normalized := NormalizeCode(in.DiscountCode)
	if normalized == "" {
		return nil, fmt.Errorf("%w: discount code is required", ErrInvalidInput)
	}

	_, outcome, err := e.calculate(ctx, Input{
		StoreID:         in.StoreID,
		Items:           in.Items,
		DiscountCode:    normalized,
		CustomerSegment: in.CustomerSegment,
	})
	if err != nil {
		return nil, err
	}

	check := &CodeCheck{
		Code:   normalized,
		Valid:  outcome.verdict.Eligible,
		Reason: outcome.verdict.Reason,
		Amount: decimal.Zero,
	}
	if outcome.rule != nil {
		check.Type = outcome.rule.Type
	}
	if d := outcome.applied; d != nil {
		check.Amount = d.Amount
	}
	return check, nil
}
