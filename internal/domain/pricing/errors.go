package pricing

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrInvalidInput marks a structurally invalid calculation request.
	ErrInvalidInput = errors.New("invalid cart input")
	// ErrEmptyCart is returned when the cart has no lines.
	ErrEmptyCart = fmt.Errorf("%w: cart has no items", ErrInvalidInput)
	// ErrCodeNotFound is returned by a Catalog when no active code matches.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrUsageLimitReached is returned when redeeming a code past its limit.
	ErrUsageLimitReached = errors.New("discount code usage limit reached")
)

// InvalidLineError indicates a cart line with an out-of-range field.
type InvalidLineError struct {
	VariantID string
	Field     string
	Reason    string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("item %q: %s %s", e.VariantID, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidInput) match line errors.
func (e *InvalidLineError) Is(target error) bool {
	return target == ErrInvalidInput
}

// CatalogError wraps a failure of a rule-loading collaborator. The
// calculation is aborted and may be retried by the caller.
type CatalogError struct {
	StoreID int64
	Op      string
	Err     error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("store %d: %s: %v", e.StoreID, e.Op, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// Retryable reports that the request can be repeated unchanged.
func (e *CatalogError) Retryable() bool { return true }
