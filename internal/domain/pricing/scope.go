package pricing

import "slices"

// AppliesTo selects which cart lines a rule targets.
type AppliesTo string

const (
	AppliesToAll                 AppliesTo = "all"
	AppliesToSpecificProducts    AppliesTo = "specific_products"
	AppliesToSpecificCollections AppliesTo = "specific_collections"
	AppliesToSpecificTags        AppliesTo = "specific_tags"
)

// Scope is a rule's target set. ProductIDs and VariantIDs are used with
// AppliesToSpecificProducts, CollectionIDs and Tags with their own modes.
type Scope struct {
	AppliesTo     AppliesTo
	ProductIDs    []string
	VariantIDs    []string
	CollectionIDs []string
	Tags          []string
}

// CartWide reports whether the scope covers every line.
func (s Scope) CartWide() bool {
	return s.AppliesTo == "" || s.AppliesTo == AppliesToAll
}

// Matches reports whether line falls inside the scope.
func (s Scope) Matches(line LineItem) bool {
	switch s.AppliesTo {
	case "", AppliesToAll:
		return true
	case AppliesToSpecificProducts:
		return slices.Contains(s.ProductIDs, line.ProductID) ||
			slices.Contains(s.VariantIDs, line.VariantID)
	case AppliesToSpecificCollections:
		return intersects(s.CollectionIDs, line.CollectionIDs)
	case AppliesToSpecificTags:
		return intersects(s.Tags, line.Tags)
	default:
		return false
	}
}

// eligibleLines returns the indexes of lines matched by the scope.
func (s Scope) eligibleLines(lines []LineItem) []int {
	idx := make([]int, 0, len(lines))
	for i, line := range lines {
		if s.Matches(line) {
			idx = append(idx, i)
		}
	}
	return idx
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
