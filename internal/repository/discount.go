package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// targetColumns aggregates a rule's scope targets into one array per kind.
const targetColumns = `
	COALESCE(array_agg(t.target_id ORDER BY t.target_id) FILTER (WHERE t.target_kind = 'product'), '{}'),
	COALESCE(array_agg(t.target_id ORDER BY t.target_id) FILTER (WHERE t.target_kind = 'variant'), '{}'),
	COALESCE(array_agg(t.target_id ORDER BY t.target_id) FILTER (WHERE t.target_kind = 'collection'), '{}'),
	COALESCE(array_agg(t.target_id ORDER BY t.target_id) FILTER (WHERE t.target_kind = 'tag'), '{}')`

// conditionColumns are the gates shared by automatic rules and codes. They
// scan through conditionsRow.
const conditionColumns = `
	d.maximum_order_amount, d.maximum_quantity, d.days_of_week,
	d.hour_start, d.hour_end, d.customer_segment,`

// Codes are stored normalized, so lookups compare the column directly.
const (
	listAutomaticRulesSQL = `SELECT d.id, d.store_id, d.name, d.discount_type, d.value, d.is_active,
		d.priority, d.applies_to, d.can_combine_with_codes, d.minimum_order_amount,
		d.minimum_quantity, d.starts_at, d.ends_at,` + conditionColumns + targetColumns + `
		FROM automatic_discounts d
		LEFT JOIN automatic_discount_targets t ON t.discount_id = d.id
		WHERE d.store_id = $1 AND d.is_active
			AND (d.starts_at IS NULL OR d.starts_at <= $2)
			AND (d.ends_at IS NULL OR d.ends_at >= $2)
		GROUP BY d.id
		ORDER BY d.priority, d.id`

	getCodeRuleSQL = `SELECT d.id, d.store_id, d.code, d.discount_type, d.value, d.is_active,
		d.applies_to, d.can_combine_with_automatic, d.minimum_order_amount, d.minimum_quantity,
		d.usage_limit, d.usage_count, d.starts_at, d.ends_at,` + conditionColumns + targetColumns + `
		FROM discount_codes d
		LEFT JOIN discount_code_targets t ON t.discount_id = d.id
		WHERE d.store_id = $1 AND d.code = $2 AND d.is_active
		GROUP BY d.id`

	redeemCodeSQL = `UPDATE discount_codes
		SET usage_count = usage_count + 1, updated_at = now()
		WHERE store_id = $1 AND code = $2 AND is_active
			AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING usage_count`

	codeExistsSQL = `SELECT EXISTS (
		SELECT 1 FROM discount_codes WHERE store_id = $1 AND code = $2 AND is_active)`
)

var _ pricing.Catalog = (*DiscountRepository)(nil)

// DiscountRepository implements pricing.Catalog backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool, now: time.Now}
}

// LoadAutomaticRules returns the store's active automatic rules whose window
// contains the current time, ordered by priority then id.
func (r *DiscountRepository) LoadAutomaticRules(ctx context.Context, storeID int64) ([]pricing.AutomaticRule, error) {
	rows, err := r.pool.Query(ctx, listAutomaticRulesSQL, storeID, r.now())
	if err != nil {
		return nil, fmt.Errorf("listing automatic discounts for store %d: %w", storeID, err)
	}

	rules, err := pgx.CollectRows(rows, scanAutomaticRule)
	if err != nil {
		return nil, fmt.Errorf("listing automatic discounts for store %d: %w", storeID, err)
	}
	return rules, nil
}

// LoadCodeRule looks up an active code by its normalized form. Returns
// pricing.ErrCodeNotFound when no active code matches.
func (r *DiscountRepository) LoadCodeRule(ctx context.Context, storeID int64, code string) (*pricing.CodeRule, error) {
	code = pricing.NormalizeCode(code)
	rows, err := r.pool.Query(ctx, getCodeRuleSQL, storeID, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCodeRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrCodeNotFound
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &rule, nil
}

// RedeemCode atomically increments the usage counter of an active code and
// returns the new count. It refuses to exceed the code's usage limit.
func (r *DiscountRepository) RedeemCode(ctx context.Context, storeID int64, code string) (int, error) {
	code = pricing.NormalizeCode(code)

	var count int32
	err := r.pool.QueryRow(ctx, redeemCodeSQL, storeID, code).Scan(&count)
	if err == nil {
		return int(count), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("redeeming discount code %q: %w", code, err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, codeExistsSQL, storeID, code).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking discount code %q: %w", code, err)
	}
	if !exists {
		return 0, pricing.ErrCodeNotFound
	}
	return 0, pricing.ErrUsageLimitReached
}

func scanAutomaticRule(row pgx.CollectableRow) (pricing.AutomaticRule, error) {
	var (
		rule         pricing.AutomaticRule
		discountType string
		value        decimal.NullDecimal
		priority     int32
		appliesTo    string
		minQuantity  *int32
		cond         conditionsRow
	)
	err := row.Scan(
		&rule.ID, &rule.StoreID, &rule.Name, &discountType, &value, &rule.IsActive,
		&priority, &appliesTo, &rule.CanCombineWithCodes, &rule.MinimumOrderAmount,
		&minQuantity, &rule.StartsAt, &rule.EndsAt,
		&cond.maxAmount, &cond.maxQuantity, &cond.days, &cond.hourStart, &cond.hourEnd, &cond.segment,
		&rule.Scope.ProductIDs, &rule.Scope.VariantIDs, &rule.Scope.CollectionIDs, &rule.Scope.Tags,
	)
	rule.Type = pricing.DiscountType(discountType)
	rule.Value = value.Decimal
	rule.Priority = int(priority)
	rule.Scope.AppliesTo = pricing.AppliesTo(appliesTo)
	rule.MinimumQuantity = intFromNullable(minQuantity)
	rule.Conditions = cond.conditions()
	return rule, err
}

func scanCodeRule(row pgx.CollectableRow) (pricing.CodeRule, error) {
	var (
		rule         pricing.CodeRule
		discountType string
		value        decimal.NullDecimal
		appliesTo    string
		minQuantity  *int32
		usageLimit   *int32
		usageCount   int32
		cond         conditionsRow
	)
	err := row.Scan(
		&rule.ID, &rule.StoreID, &rule.Code, &discountType, &value, &rule.IsActive,
		&appliesTo, &rule.CanCombineWithAutomatic, &rule.MinimumOrderAmount, &minQuantity,
		&usageLimit, &usageCount, &rule.StartsAt, &rule.EndsAt,
		&cond.maxAmount, &cond.maxQuantity, &cond.days, &cond.hourStart, &cond.hourEnd, &cond.segment,
		&rule.Scope.ProductIDs, &rule.Scope.VariantIDs, &rule.Scope.CollectionIDs, &rule.Scope.Tags,
	)
	rule.Type = pricing.DiscountType(discountType)
	rule.Value = value.Decimal
	rule.Scope.AppliesTo = pricing.AppliesTo(appliesTo)
	rule.MinimumQuantity = intFromNullable(minQuantity)
	rule.UsageLimit = intFromNullable(usageLimit)
	rule.UsageCount = int(usageCount)
	rule.Conditions = cond.conditions()
	return rule, err
}

// conditionsRow holds the raw conditionColumns of one row.
type conditionsRow struct {
	maxAmount   decimal.NullDecimal
	maxQuantity *int32
	days        []int16
	hourStart   *int16
	hourEnd     *int16
	segment     string
}

func (c conditionsRow) conditions() pricing.Conditions {
	out := pricing.Conditions{
		MaximumOrderAmount: c.maxAmount,
		MaximumQuantity:    intFromNullable(c.maxQuantity),
		HourStart:          intFromSmall(c.hourStart),
		HourEnd:            intFromSmall(c.hourEnd),
		CustomerSegment:    c.segment,
	}
	for _, d := range c.days {
		out.DaysOfWeek = append(out.DaysOfWeek, time.Weekday(d))
	}
	return out
}

func intFromSmall(v *int16) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func intFromNullable(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
