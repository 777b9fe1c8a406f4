package nursefi

import (
	"context"
	"net/http"
	"strings"

	"github.com/nursefi/nursefi/identity"
)

type authContextKey string

const (
	apiKeyKey authContextKey = "api_key"
	authKey   authContextKey = "auth"
)

// AuthContext is the verified identity attached to a request by BearerToken.
type AuthContext struct {
	// Subject is the user id the token was issued for.
	Subject string
}

// AuthFromContext returns the identity stored by BearerToken.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authKey).(AuthContext)
	return ac, ok
}

// WithAuthContext returns a copy of ctx carrying ac. Intended for tests and for
// handlers mounted behind a different authentication scheme.
func WithAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authKey, ac)
}

// APIKeyValidator validates an API key and returns true if valid.
// Validators are called concurrently and must be safe for concurrent use.
type APIKeyValidator func(key string) bool

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
	optional  bool
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from (default: "X-API-Key").
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// WithOptionalAPIKey lets requests without a key through unauthenticated.
func WithOptionalAPIKey() APIKeyOption {
	return func(c *apiKeyConfig) {
		c.optional = true
	}
}

// APIKey returns middleware that validates a shared-secret key from a header.
// It guards the operator endpoints; end-user routes use BearerToken.
//
//	r.With(nursefi.APIKey(func(k string) bool {
//		return subtle.ConstantTimeCompare([]byte(k), adminKey) == 1
//	})).Delete("/admin/ratelimit", resetLimits)
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    "X-API-Key",
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)

			if key == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, r, ErrUnauthorized.With("Missing API key"))
				return
			}

			if !cfg.validator(key) {
				writeError(w, r, ErrUnauthorized.With("Invalid API key"))
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext retrieves the validated API key from the request context.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}

// BearerTokenOption configures BearerToken middleware.
type BearerTokenOption func(*bearerTokenConfig)

type bearerTokenConfig struct {
	optional bool
}

// WithOptionalBearerToken lets requests without an Authorization header through
// with no AuthContext. A header that is present is still verified.
func WithOptionalBearerToken() BearerTokenOption {
	return func(c *bearerTokenConfig) {
		c.optional = true
	}
}

// BearerToken returns middleware that authenticates the "Bearer <token>" credential
// in the Authorization header through verifier. The scheme is matched
// case-insensitively (RFC 7235). A missing or malformed header, an empty token, or
// any verification error yields 401 and the rest of the chain does not run. The
// verifier is called at most once per request.
//
// On success the subject is stored as an AuthContext (see AuthFromContext) and
// recorded as user_id on the canonical log line.
func BearerToken(verifier identity.Verifier, opts ...BearerTokenOption) func(http.Handler) http.Handler {
	var cfg bearerTokenConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			if header == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, r, ErrUnauthorized.With("Missing authorization header"))
				return
			}

			token, ok := parseBearer(header)
			if !ok {
				writeError(w, r, ErrUnauthorized.With("Invalid authorization format"))
				return
			}
			if token == "" {
				writeError(w, r, ErrUnauthorized.With("Empty bearer token"))
				return
			}

			subject, err := verifier.Verify(r.Context(), token)
			if err != nil || subject == "" {
				writeError(w, r, ErrUnauthorized.With("Invalid bearer token"))
				return
			}

			logField(r.Context(), "user_id", subject)
			ctx := WithAuthContext(r.Context(), AuthContext{Subject: subject})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseBearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
