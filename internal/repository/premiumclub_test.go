package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

const clubConfig = `{
	"name": "Club",
	"tiers": [
		{"slug": "gold", "discount": {"type": "percentage", "value": 10}, "benefits": {"freeShipping": true}},
		{"slug": "silver", "discount": {"type": "fixed", "value": "12.50"}, "extra": [1, 2]},
		{"slug": "bronze", "discount": {"type": "FIXED_AMOUNT", "value": 5}},
		{"slug": "odd", "discount": {"type": "Cashback", "value": null}}
	]
}`

func TestClubTier(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		config   string
		slug     string
		want     *pricing.TierDiscount
		wantErr  bool
		wantZero bool
	}{
		{
			name: "percentage with free shipping", enabled: true, config: clubConfig, slug: "gold",
			want: &pricing.TierDiscount{Tier: "gold", Type: pricing.DiscountPercentage, FreeShipping: true},
		},
		{
			name: "fixed alias and string value", enabled: true, config: clubConfig, slug: "silver",
			want: &pricing.TierDiscount{Tier: "silver", Type: pricing.DiscountFixedAmount},
		},
		{
			name: "slug matches case-insensitively", enabled: true, config: clubConfig, slug: "BRONZE",
			want: &pricing.TierDiscount{Tier: "bronze", Type: pricing.DiscountFixedAmount},
		},
		{
			name: "unrecognised type passes through lowercased", enabled: true, config: clubConfig, slug: "odd",
			want: &pricing.TierDiscount{Tier: "odd", Type: pricing.DiscountType("cashback")}, wantZero: true,
		},
		{name: "unknown tier", enabled: true, config: clubConfig, slug: "platinum"},
		{name: "disabled club", enabled: false, config: clubConfig, slug: "gold"},
		{name: "no tiers", enabled: true, config: `{}`, slug: "gold"},
		{name: "malformed config", enabled: true, config: `{"tiers": [`, slug: "gold", wantErr: true},
	}

	values := map[string]string{"gold": "10", "silver": "12.5", "bronze": "5"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := clubTier(tt.enabled, []byte(tt.config), tt.slug)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.Tier, got.Tier)
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, tt.want.FreeShipping, got.FreeShipping)
			if tt.wantZero {
				assert.True(t, got.Value.IsZero())
			} else {
				assert.Equal(t, values[got.Tier], got.Value.String())
			}
		})
	}
}

func TestTierDiscountType(t *testing.T) {
	tests := []struct {
		in   string
		want pricing.DiscountType
	}{
		{"percentage", pricing.DiscountPercentage},
		{"Percentage", pricing.DiscountPercentage},
		{"fixed", pricing.DiscountFixedAmount},
		{"fixed_amount", pricing.DiscountFixedAmount},
		{"free_shipping", pricing.DiscountFreeShipping},
		{"", pricing.DiscountType("")},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, tierDiscountType(tt.in))
		})
	}
}
