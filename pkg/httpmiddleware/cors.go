package httpmiddleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	// AllowOrigins lists the origins storefronts call the API from. Empty or
	// "*" allows any origin. Entries may hold one "*" wildcard, as in
	// "https://*.example.com". Matching is case-insensitive.
	AllowOrigins []string
	// AllowMethods defaults to GET, POST and OPTIONS.
	AllowMethods []string
	// AllowHeaders, when empty, echoes Access-Control-Request-Headers.
	AllowHeaders []string
	// ExposeHeaders defaults to the request id, rate limit and Retry-After
	// headers the pricing API sets.
	ExposeHeaders []string
	// AllowCredentials makes an any-origin policy echo the request origin,
	// since browsers reject "*" on credentialed requests.
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds. Zero or less omits
	// the header.
	MaxAge int
}

var defaultExposeHeaders = []string{
	RequestIDHeader,
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"Retry-After",
}

func (cfg CORSConfig) options() cors.Options {
	opts := cors.Options{
		AllowedOrigins:   cfg.AllowOrigins,
		AllowedMethods:   cfg.AllowMethods,
		AllowedHeaders:   cfg.AllowHeaders,
		ExposedHeaders:   cfg.ExposeHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = []string{"*"}
	}
	if opts.ExposedHeaders == nil {
		opts.ExposedHeaders = defaultExposeHeaders
	}
	if cfg.AllowCredentials && anyOrigin(cfg.AllowOrigins) {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return opts
}

func anyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// CORS answers preflight requests with 200 and decorates actual requests
// from allowed origins. Preflights from other origins get a bare 200 the
// browser treats as a refusal.
func CORS(cfg CORSConfig) Middleware {
	return cors.Handler(cfg.options())
}
