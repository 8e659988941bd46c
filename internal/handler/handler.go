// Package handler exposes the pricing engine over HTTP.
package handler

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// Pricer calculates carts and dry-runs discount codes.
type Pricer interface {
	Calculate(ctx context.Context, in pricing.Input) (*pricing.Result, error)
	ValidateCode(ctx context.Context, in pricing.Input) (*pricing.CodeCheck, error)
}

// Redeemer consumes one usage of a discount code.
type Redeemer interface {
	RedeemCode(ctx context.Context, storeID int64, code string) (int, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// CatalogTimeout bounds a single calculation including its rule lookups.
	// Zero leaves the request context untouched.
	CatalogTimeout time.Duration
	// APIKeyPepper is the HMAC key API keys are hashed with.
	APIKeyPepper []byte
}

// Handler serves the cart pricing API.
type Handler struct {
	pricer         Pricer
	redeemer       Redeemer
	apikeys        auth.Repository
	pepper         []byte
	catalogTimeout time.Duration
	titles         titleSanitizer
}

// New constructs a Handler with the required domain dependencies.
func New(cfg Config, pricer Pricer, redeemer Redeemer, apikeys auth.Repository) *Handler {
	return &Handler{
		pricer:         pricer,
		redeemer:       redeemer,
		apikeys:        apikeys,
		pepper:         cfg.APIKeyPepper,
		catalogTimeout: cfg.CatalogTimeout,
		titles:         newTitleSanitizer(),
	}
}

// Routes registers the API on a new chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/cart/calculate", h.CalculateCart)
		r.Post("/discount-codes/validate", h.ValidateCode)
		r.With(h.RequireAPIKey(auth.ScopeRedeemCodes)).
			Post("/discount-codes/redeem", h.RedeemCode)
	})
	return r
}

func (h *Handler) withCatalogTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.catalogTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.catalogTimeout)
}
