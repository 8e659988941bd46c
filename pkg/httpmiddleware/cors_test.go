package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/api/cart/calculate", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "content-type")
	}
	return req
}

func TestCORS_Preflight(t *testing.T) {
	tests := []struct {
		name            string
		cfg             CORSConfig
		origin          string
		wantOrigin      string
		wantHeaders     string
		wantMaxAge      string
		wantCredentials string
	}{
		{
			name:        "any origin",
			cfg:         CORSConfig{AllowOrigins: []string{"*"}, MaxAge: 600},
			origin:      "https://shop.example.com",
			wantOrigin:  "*",
			wantHeaders: "Content-Type",
			wantMaxAge:  "600",
		},
		{
			name:        "listed origin matches case-insensitively",
			cfg:         CORSConfig{AllowOrigins: []string{"https://Shop.example.com"}, AllowHeaders: []string{"Content-Type", "api_key"}},
			origin:      "https://shop.example.com",
			wantOrigin:  "https://shop.example.com",
			wantHeaders: "Content-Type",
		},
		{
			name:        "wildcard subdomain",
			cfg:         CORSConfig{AllowOrigins: []string{"https://*.example.com"}},
			origin:      "https://eu.shop.example.com",
			wantOrigin:  "https://eu.shop.example.com",
			wantHeaders: "Content-Type",
		},
		{
			name:   "unlisted origin",
			cfg:    CORSConfig{AllowOrigins: []string{"https://shop.example.com"}, MaxAge: 600},
			origin: "https://evil.example.com",
		},
		{
			name:   "request header not allowed",
			cfg:    CORSConfig{AllowHeaders: []string{"api_key"}},
			origin: "https://shop.example.com",
		},
		{
			name:            "credentials echo the origin",
			cfg:             CORSConfig{AllowCredentials: true, MaxAge: -1},
			origin:          "https://shop.example.com",
			wantOrigin:      "https://shop.example.com",
			wantHeaders:     "Content-Type",
			wantCredentials: "true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

			w := httptest.NewRecorder()
			h.ServeHTTP(w, corsRequest(http.MethodOptions, tt.origin, true))

			assert.False(t, called, "preflight must not reach the handler")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantHeaders, w.Header().Get("Access-Control-Allow-Headers"))
			assert.Equal(t, tt.wantMaxAge, w.Header().Get("Access-Control-Max-Age"))
			assert.Equal(t, tt.wantCredentials, w.Header().Get("Access-Control-Allow-Credentials"))
			assert.Contains(t, w.Header().Values("Vary"), "Origin")
			if tt.wantOrigin != "" {
				assert.Equal(t, http.MethodPost, w.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}

func TestCORS_ActualRequest(t *testing.T) {
	tests := []struct {
		name       string
		cfg        CORSConfig
		origin     string
		wantOrigin string
	}{
		{name: "any origin", cfg: CORSConfig{}, origin: "https://shop.example.com", wantOrigin: "*"},
		{
			name:       "listed origin",
			cfg:        CORSConfig{AllowOrigins: []string{"https://shop.example.com"}},
			origin:     "https://shop.example.com",
			wantOrigin: "https://shop.example.com",
		},
		{name: "unlisted origin", cfg: CORSConfig{AllowOrigins: []string{"https://shop.example.com"}}, origin: "https://evil.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.cfg)(okHandler())

			w := httptest.NewRecorder()
			h.ServeHTTP(w, corsRequest(http.MethodPost, tt.origin, false))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, []string{"Origin"}, w.Header().Values("Vary"))
			if tt.wantOrigin != "" {
				assert.Equal(t, "X-Request-Id, X-Ratelimit-Limit, X-Ratelimit-Remaining, Retry-After",
					w.Header().Get("Access-Control-Expose-Headers"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORS_NoOrigin(t *testing.T) {
	h := CORS(CORSConfig{})(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodPost, "", false))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, []string{"Origin"}, w.Header().Values("Vary"))
}

func TestCORS_DisallowedMethod(t *testing.T) {
	h := CORS(CORSConfig{AllowMethods: []string{http.MethodGet}})(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodPost, "https://shop.example.com", false))

	assert.Equal(t, http.StatusOK, w.Code, "the handler still runs")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
