package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

const (
	getPremiumClubConfigSQL = `SELECT enabled, config FROM premium_club_config WHERE store_id = $1`

	upsertPremiumClubConfigSQL = `INSERT INTO premium_club_config (store_id, enabled, config)
		VALUES ($1, $2, $3)
		ON CONFLICT (store_id) DO UPDATE SET
			enabled = EXCLUDED.enabled, config = EXCLUDED.config, updated_at = now()`
)

var _ pricing.TierResolver = (*PremiumClubRepository)(nil)

// PremiumClubRepository resolves premium-club tier benefits from the store's
// JSONB club configuration.
type PremiumClubRepository struct {
	pool *pgxpool.Pool
}

// NewPremiumClubRepository returns a PremiumClubRepository that uses the given pool.
func NewPremiumClubRepository(pool *pgxpool.Pool) *PremiumClubRepository {
	return &PremiumClubRepository{pool: pool}
}

// ResolveTier returns the discount of the tier with the given slug. It
// returns nil when the store has no enabled club or no such tier.
func (r *PremiumClubRepository) ResolveTier(ctx context.Context, storeID int64, tier string) (*pricing.TierDiscount, error) {
	var (
		enabled bool
		config  []byte
	)
	err := r.pool.QueryRow(ctx, getPremiumClubConfigSQL, storeID).Scan(&enabled, &config)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading premium club config for store %d: %w", storeID, err)
	}
	td, err := clubTier(enabled, config, tier)
	if err != nil {
		return nil, fmt.Errorf("parsing premium club config for store %d: %w", storeID, err)
	}
	return td, nil
}

// SaveConfig stores the raw club configuration for a store.
func (r *PremiumClubRepository) SaveConfig(ctx context.Context, storeID int64, enabled bool, config []byte) error {
	if _, err := r.pool.Exec(ctx, upsertPremiumClubConfigSQL, storeID, enabled, config); err != nil {
		return fmt.Errorf("saving premium club config for store %d: %w", storeID, err)
	}
	return nil
}

// clubTier returns the tier with the given slug, or nil when the club is
// disabled.
func clubTier(enabled bool, config []byte, slug string) (*pricing.TierDiscount, error) {
	if !enabled {
		return nil, nil
	}
	return parseTier(config, slug)
}

// parseTier extracts the tier with the given slug from a club configuration
// of the form {"tiers":[{"slug":..., "discount":{"type","value"},
// "benefits":{"freeShipping":bool}}]}. Unknown fields are skipped.
func parseTier(config []byte, slug string) (*pricing.TierDiscount, error) {
	var found *pricing.TierDiscount

	d := jx.DecodeBytes(config)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "tiers" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			t, err := decodeTier(d)
			if err != nil {
				return err
			}
			if found == nil && strings.EqualFold(t.Tier, slug) {
				found = t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func decodeTier(d *jx.Decoder) (*pricing.TierDiscount, error) {
	t := &pricing.TierDiscount{Value: decimal.Zero}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "slug":
			s, err := d.Str()
			t.Tier = s
			return err
		case "discount":
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "type":
					s, err := d.Str()
					t.Type = tierDiscountType(s)
					return err
				case "value":
					v, err := decodeDecimal(d)
					t.Value = v
					return err
				default:
					return d.Skip()
				}
			})
		case "benefits":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "freeShipping" {
					return d.Skip()
				}
				b, err := d.Bool()
				t.FreeShipping = b
				return err
			})
		default:
			return d.Skip()
		}
	})
	return t, err
}

func tierDiscountType(s string) pricing.DiscountType {
	switch strings.ToLower(s) {
	case "percentage":
		return pricing.DiscountPercentage
	case "fixed", "fixed_amount":
		return pricing.DiscountFixedAmount
	default:
		return pricing.DiscountType(strings.ToLower(s))
	}
}

// decodeDecimal reads a JSON number or numeric string without going through
// float64.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(string(n))
	}
}
