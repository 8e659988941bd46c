package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// ValidateCode handles POST /api/discount-codes/validate.
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCalculateRequest(newBodyDecoder(w, r), h.titles)
	if err != nil {
		writeError(w, badRequest(err))
		return
	}

	ctx, cancel := h.withCatalogTimeout(r.Context())
	defer cancel()

	check, err := h.pricer.ValidateCode(ctx, pricing.Input{
		StoreID:         req.StoreID,
		Items:           req.Items,
		DiscountCode:    req.Code,
		CustomerSegment: req.CustomerSegment,
	})
	if err != nil {
		writeError(w, errorFor(r, err))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeCodeCheck(e, check)
	})
}

// RedeemCode handles POST /api/discount-codes/redeem.
func (h *Handler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	storeID, code, err := decodeRedeemRequest(newBodyDecoder(w, r))
	if err != nil {
		writeError(w, badRequest(err))
		return
	}
	code = pricing.NormalizeCode(code)
	if storeID <= 0 || code == "" {
		writeError(w, apiError{Status: http.StatusBadRequest, Message: "storeId and code are required"})
		return
	}

	count, err := h.redeemer.RedeemCode(r.Context(), storeID, code)
	if err != nil {
		writeError(w, errorFor(r, err))
		return
	}

	zctx.From(r.Context()).Info("Discount code redeemed",
		zap.Int64("store_id", storeID),
		zap.String("code", code),
		zap.Int("usage_count", count),
	)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(code)
		e.FieldStart("usageCount")
		e.Int(count)
		e.ObjEnd()
	})
}
