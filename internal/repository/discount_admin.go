package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

const (
	upsertAutomaticRuleSQL = `INSERT INTO automatic_discounts (
			store_id, name, discount_type, value, is_active, priority, applies_to,
			can_combine_with_codes, minimum_order_amount, minimum_quantity, starts_at, ends_at,
			maximum_order_amount, maximum_quantity, days_of_week, hour_start, hour_end, customer_segment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (store_id, name) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority,
			applies_to = EXCLUDED.applies_to,
			can_combine_with_codes = EXCLUDED.can_combine_with_codes,
			minimum_order_amount = EXCLUDED.minimum_order_amount,
			minimum_quantity = EXCLUDED.minimum_quantity,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			maximum_order_amount = EXCLUDED.maximum_order_amount,
			maximum_quantity = EXCLUDED.maximum_quantity,
			days_of_week = EXCLUDED.days_of_week,
			hour_start = EXCLUDED.hour_start,
			hour_end = EXCLUDED.hour_end,
			customer_segment = EXCLUDED.customer_segment,
			updated_at = now()
		RETURNING id`

	upsertCodeRuleSQL = `INSERT INTO discount_codes (
			store_id, code, discount_type, value, is_active, applies_to,
			can_combine_with_automatic, minimum_order_amount, minimum_quantity,
			usage_limit, starts_at, ends_at,
			maximum_order_amount, maximum_quantity, days_of_week, hour_start, hour_end, customer_segment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (store_id, code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			is_active = EXCLUDED.is_active,
			applies_to = EXCLUDED.applies_to,
			can_combine_with_automatic = EXCLUDED.can_combine_with_automatic,
			minimum_order_amount = EXCLUDED.minimum_order_amount,
			minimum_quantity = EXCLUDED.minimum_quantity,
			usage_limit = EXCLUDED.usage_limit,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			maximum_order_amount = EXCLUDED.maximum_order_amount,
			maximum_quantity = EXCLUDED.maximum_quantity,
			days_of_week = EXCLUDED.days_of_week,
			hour_start = EXCLUDED.hour_start,
			hour_end = EXCLUDED.hour_end,
			customer_segment = EXCLUDED.customer_segment,
			updated_at = now()
		RETURNING id`

	insertCodeIfAbsentSQL = `INSERT INTO discount_codes (
			store_id, code, discount_type, value, is_active, applies_to,
			can_combine_with_automatic, minimum_order_amount, minimum_quantity,
			usage_limit, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, TRUE, 'all', $5, $6, $7, $8, $9, $10)
		ON CONFLICT (store_id, code) DO NOTHING`

	deleteAutomaticTargetsSQL = `DELETE FROM automatic_discount_targets WHERE discount_id = $1`
	insertAutomaticTargetSQL  = `INSERT INTO automatic_discount_targets (discount_id, target_kind, target_id) VALUES ($1, $2, $3)`
	deleteCodeTargetsSQL      = `DELETE FROM discount_code_targets WHERE discount_id = $1`
	insertCodeTargetSQL       = `INSERT INTO discount_code_targets (discount_id, target_kind, target_id) VALUES ($1, $2, $3)`
)

// UpsertAutomaticRule creates or replaces the automatic rule with the same
// store and name, including its scope targets, and returns its id.
func (r *DiscountRepository) UpsertAutomaticRule(ctx context.Context, rule pricing.AutomaticRule) (int64, error) {
	var id int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		args := append([]any{
			rule.StoreID, rule.Name, string(rule.Type), automaticValue(rule), rule.IsActive,
			int32(rule.Priority), appliesTo(rule.Scope), rule.CanCombineWithCodes,
			rule.MinimumOrderAmount, int32Ptr(rule.MinimumQuantity), rule.StartsAt, rule.EndsAt,
		}, conditionArgs(rule.Conditions)...)
		err := tx.QueryRow(ctx, upsertAutomaticRuleSQL, args...).Scan(&id)
		if err != nil {
			return err
		}
		return replaceTargets(ctx, tx, deleteAutomaticTargetsSQL, insertAutomaticTargetSQL, id, rule.Scope)
	})
	if err != nil {
		return 0, fmt.Errorf("upserting automatic discount %q: %w", rule.Name, err)
	}
	return id, nil
}

// UpsertCodeRule creates or replaces the code rule with the same store and
// code. The usage counter of an existing code is preserved.
func (r *DiscountRepository) UpsertCodeRule(ctx context.Context, rule pricing.CodeRule) (int64, error) {
	code := pricing.NormalizeCode(rule.Code)

	var id int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		args := append([]any{
			rule.StoreID, code, string(rule.Type), codeValue(rule), rule.IsActive,
			appliesTo(rule.Scope), rule.CanCombineWithAutomatic, rule.MinimumOrderAmount,
			int32Ptr(rule.MinimumQuantity), int32Ptr(rule.UsageLimit), rule.StartsAt, rule.EndsAt,
		}, conditionArgs(rule.Conditions)...)
		err := tx.QueryRow(ctx, upsertCodeRuleSQL, args...).Scan(&id)
		if err != nil {
			return err
		}
		return replaceTargets(ctx, tx, deleteCodeTargetsSQL, insertCodeTargetSQL, id, rule.Scope)
	})
	if err != nil {
		return 0, fmt.Errorf("upserting discount code %q: %w", code, err)
	}
	return id, nil
}

// ImportCodes inserts one cart-wide code per entry of codes, each shaped like
// template. Codes that already exist are left untouched. It returns the
// number of codes inserted.
func (r *DiscountRepository) ImportCodes(ctx context.Context, template pricing.CodeRule, codes []string) (int64, error) {
	batch := &pgx.Batch{}
	for _, c := range codes {
		batch.Queue(insertCodeIfAbsentSQL,
			template.StoreID, pricing.NormalizeCode(c), string(template.Type), codeValue(template),
			template.CanCombineWithAutomatic, template.MinimumOrderAmount,
			int32Ptr(template.MinimumQuantity), int32Ptr(template.UsageLimit),
			template.StartsAt, template.EndsAt,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var inserted int64
	for i := range codes {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("importing discount code %q: %w", codes[i], err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func replaceTargets(ctx context.Context, tx pgx.Tx, deleteSQL, insertSQL string, id int64, s pricing.Scope) error {
	if _, err := tx.Exec(ctx, deleteSQL, id); err != nil {
		return err
	}
	targets := []struct {
		kind string
		ids  []string
	}{
		{"product", s.ProductIDs},
		{"variant", s.VariantIDs},
		{"collection", s.CollectionIDs},
		{"tag", s.Tags},
	}
	for _, t := range targets {
		for _, targetID := range t.ids {
			if _, err := tx.Exec(ctx, insertSQL, id, t.kind, targetID); err != nil {
				return err
			}
		}
	}
	return nil
}

func appliesTo(s pricing.Scope) string {
	if s.CartWide() {
		return string(pricing.AppliesToAll)
	}
	return string(s.AppliesTo)
}

// automaticValue stores NULL for free shipping, which carries no value.
func automaticValue(rule pricing.AutomaticRule) any {
	if rule.Type == pricing.DiscountFreeShipping {
		return nil
	}
	return rule.Value
}

func codeValue(rule pricing.CodeRule) any {
	if rule.Type == pricing.DiscountFreeShipping {
		return nil
	}
	return rule.Value
}

// conditionArgs returns the arguments for the maximum_order_amount through
// customer_segment columns.
func conditionArgs(c pricing.Conditions) []any {
	var days []int16
	for _, d := range c.DaysOfWeek {
		days = append(days, int16(d))
	}
	segment := c.CustomerSegment
	if segment == "" {
		segment = pricing.SegmentAll
	}
	return []any{
		c.MaximumOrderAmount, int32Ptr(c.MaximumQuantity), days,
		int16Ptr(c.HourStart), int16Ptr(c.HourEnd), segment,
	}
}

func int16Ptr(v *int) *int16 {
	if v == nil {
		return nil
	}
	i := int16(*v)
	return &i
}

func int32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	i := int32(*v)
	return &i
}
