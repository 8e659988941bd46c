package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// CalculateCart handles POST /api/cart/calculate.
func (h *Handler) CalculateCart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")

	req, err := decodeCalculateRequest(newBodyDecoder(w, r), h.titles)
	if err != nil {
		e := badRequest(err)
		e.Invalid = true
		writeError(w, e)
		return
	}

	ctx, cancel := h.withCatalogTimeout(r.Context())
	defer cancel()

	res, err := h.pricer.Calculate(ctx, pricing.Input{
		StoreID:         req.StoreID,
		Items:           req.Items,
		DiscountCode:    req.DiscountCode,
		ShippingRate:    req.ShippingRate,
		CustomerTier:    req.CustomerTier,
		CustomerSegment: req.CustomerSegment,
	})
	if err != nil {
		e := errorFor(r, err)
		e.Invalid = e.Status == http.StatusBadRequest
		writeError(w, e)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeResult(e, res)
	})
}
