package pricing

import (
	"cmp"
	"math/bits"
	"slices"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Allocation is one rule's contribution. PerLine is index-aligned with the
// cart lines it was computed for.
type Allocation struct {
	PerLine        []decimal.Decimal
	Total          decimal.Decimal
	WaivesShipping bool
}

// Allocate computes how much rule takes off each line. discounted holds the
// amount already taken off each line by earlier rules and may be nil.
// Neither lines nor discounted is modified.
func Allocate(rule Candidate, lines []LineItem, discounted []decimal.Decimal) Allocation {
	a := Allocation{
		PerLine: make([]decimal.Decimal, len(lines)),
		Total:   decimal.Zero,
	}
	for i := range a.PerLine {
		a.PerLine[i] = decimal.Zero
	}

	idx := rule.Scope.eligibleLines(lines)
	original := make([]int64, len(idx))
	remaining := make([]int64, len(idx))
	for k, i := range idx {
		original[k] = toCents(lines[i].Amount())
		remaining[k] = original[k]
		if i < len(discounted) {
			remaining[k] = max(0, original[k]-toCents(discounted[i]))
		}
	}

	var shares []int64
	switch rule.Type {
	case DiscountFreeShipping:
		a.WaivesShipping = true
		return a
	case DiscountPercentage:
		shares = percentageShares(rule.Value, original, remaining)
	case DiscountFixedAmount:
		shares = fixedShares(rule.Value, remaining)
	default:
		return a
	}

	var total int64
	for k, i := range idx {
		a.PerLine[i] = fromCents(shares[k])
		total += shares[k]
	}
	a.Total = fromCents(total)
	return a
}

// percentageShares takes value percent of the eligible original amount,
// rounded once, and spreads it by original line amount. A line never gives
// more than it has left.
func percentageShares(value decimal.Decimal, original, remaining []int64) []int64 {
	if !value.IsPositive() {
		return make([]int64, len(original))
	}
	var base int64
	for _, v := range original {
		base += v
	}
	total := decimal.NewFromInt(base).Mul(value).Div(hundred).Round(0).IntPart()

	shares := splitByWeight(total, original)
	for k := range shares {
		shares[k] = min(shares[k], remaining[k])
	}
	return shares
}

// fixedShares takes value once from the eligible lines, capped at what they
// have left, and spreads it by remaining line amount.
func fixedShares(value decimal.Decimal, remaining []int64) []int64 {
	if !value.IsPositive() {
		return make([]int64, len(remaining))
	}
	var avail int64
	for _, v := range remaining {
		avail += v
	}
	return splitByWeight(min(toCents(value), avail), remaining)
}

// splitByWeight divides amount proportionally to weights using the largest
// remainder method. Shares sum to amount whenever the weights are not all
// zero, and no share exceeds ceil(amount*w/sum). Ties go to the lower index.
// amount*w is formed in 128 bits, so any int64 cents amount is exact.
func splitByWeight(amount int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	var sum int64
	for _, w := range weights {
		sum += max(w, 0)
	}
	if amount <= 0 || sum <= 0 {
		return shares
	}

	type remainder struct {
		idx  int
		frac int64
	}
	rems := make([]remainder, 0, len(weights))
	var used int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		hi, lo := bits.Mul64(uint64(amount), uint64(w))
		// w <= sum, so hi < sum and the quotient fits.
		quo, rem := bits.Div64(hi, lo, uint64(sum))
		shares[i] = int64(quo)
		used += shares[i]
		rems = append(rems, remainder{idx: i, frac: int64(rem)})
	}

	slices.SortStableFunc(rems, func(a, b remainder) int {
		return cmp.Compare(b.frac, a.frac)
	})
	for k := 0; used < amount && k < len(rems); k++ {
		shares[rems[k].idx]++
		used++
	}
	return shares
}

func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
