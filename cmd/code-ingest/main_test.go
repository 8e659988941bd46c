package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

func writeGz(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return path
}

func TestCollectCodes(t *testing.T) {
	dir := t.TempDir()
	a := writeGz(t, dir, "a.gz", "summer25", "SHARED01", "xy", "ONLYINA1")
	b := writeGz(t, dir, "b.gz", "shared01", "SUMMER25", "ONLYINB1")
	c := writeGz(t, dir, "c.gz", "SHARED01")

	base := options{minLen: 4, maxLen: 32}

	tests := []struct {
		name     string
		minFiles int
		want     []string
	}{
		{name: "every distinct code", minFiles: 1, want: []string{"ONLYINA1", "ONLYINB1", "SHARED01", "SUMMER25"}},
		{name: "present in two files", minFiles: 2, want: []string{"SHARED01", "SUMMER25"}},
		{name: "present in all files", minFiles: 3, want: []string{"SHARED01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			opts.minFiles = tt.minFiles

			got, err := collectCodes(context.Background(), []string{a, b, c}, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsTemplate(t *testing.T) {
	opts := options{storeID: 3, discountType: "fixed_amount", value: "15", usageLimit: 1, minOrderAmount: "100", combineAutomatic: true}

	rule, err := opts.template()
	require.NoError(t, err)
	assert.Equal(t, int64(3), rule.StoreID)
	assert.Equal(t, pricing.DiscountFixedAmount, rule.Type)
	assert.Equal(t, "15", rule.Value.String())
	require.NotNil(t, rule.UsageLimit)
	assert.Equal(t, 1, *rule.UsageLimit)
	assert.True(t, rule.MinimumOrderAmount.Valid)
	assert.True(t, rule.Scope.CartWide())

	_, err = options{storeID: 3, discountType: "bogus"}.template()
	assert.Error(t, err)

	_, err = options{discountType: "percentage", value: "10"}.template()
	assert.Error(t, err)
}
