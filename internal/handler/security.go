package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-pricing/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

var errUnauthenticated = errors.New("unauthenticated")

// RequireAPIKey authenticates requests by the HMAC-SHA256 of their API key
// and requires the key to hold scope.
func (h *Handler) RequireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := h.authenticate(r)
			switch {
			case errors.Is(err, errUnauthenticated):
				zctx.From(r.Context()).Debug("API key rejected", zap.Error(err))
				writeError(w, apiError{Status: http.StatusUnauthorized, Message: "unauthorized"})
				return
			case err != nil:
				writeError(w, errorFor(r, err))
				return
			}
			if !info.HasScope(scope) {
				writeError(w, apiError{Status: http.StatusForbidden, Message: "api key lacks scope " + scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate returns an error wrapping errUnauthenticated when the caller
// presented no valid key. Any other error is a key store failure.
func (h *Handler) authenticate(r *http.Request) (*auth.APIKeyInfo, error) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return nil, errors.Wrap(errUnauthenticated, "missing api key")
	}
	hexHash := auth.HashKey(h.pepper, key)

	info, err := h.apikeys.FindByHash(r.Context(), hexHash)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return nil, errors.Wrap(errUnauthenticated, "unknown api key")
	case err != nil:
		return nil, errors.Wrap(err, "lookup api key")
	}

	// The repository matched on the hash; compare again in constant time so a
	// wrong row can never authenticate.
	computed, _ := hex.DecodeString(hexHash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, errors.Wrap(errUnauthenticated, "hash mismatch")
	}
	return info, nil
}
