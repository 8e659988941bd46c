package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// apiError is the JSON error envelope {"code","message"}. Calculation errors
// also carry "isValid":false.
type apiError struct {
	Status  int
	Message string
	Invalid bool
}

func (e apiError) encode(enc *jx.Encoder) {
	enc.ObjStart()
	if e.Invalid {
		enc.FieldStart("isValid")
		enc.Bool(false)
	}
	enc.FieldStart("code")
	enc.Int(e.Status)
	enc.FieldStart("message")
	enc.Str(e.Message)
	enc.ObjEnd()
}

func writeError(w http.ResponseWriter, e apiError) {
	if e.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, e.Status, e.encode)
}

// errorFor maps a domain error to its HTTP representation and logs
// unexpected ones.
func errorFor(r *http.Request, err error) apiError {
	var catalogErr *pricing.CatalogError
	switch {
	case errors.Is(err, pricing.ErrInvalidInput):
		return apiError{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.As(err, &catalogErr) && catalogErr.Retryable():
		return apiError{Status: http.StatusServiceUnavailable, Message: "discount catalog unavailable, retry the request"}
	case errors.Is(err, pricing.ErrCodeNotFound):
		return apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, pricing.ErrUsageLimitReached):
		return apiError{Status: http.StatusConflict, Message: err.Error()}
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		return apiError{Status: http.StatusInternalServerError, Message: "internal error"}
	}
}

func badRequest(err error) apiError {
	return apiError{Status: http.StatusBadRequest, Message: "malformed request body: " + err.Error()}
}
