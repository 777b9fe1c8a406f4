// Rate limiting middleware for Chi and standard http.Handler.
//
// A RateLimiter counts requests per key in fixed windows held by a store.Store.
// Key dimensions (client IP, forwarded-for IP, authenticated user, header, endpoint)
// are added via options and joined into one key, so a limiter can be single- or
// multi-dimensional. Exceeding the limit returns 429 with the standard rate limit
// headers.
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	perIP := nursefi.NewRateLimiter(st, 5, time.Minute,
//	    nursefi.RateLimitWithName("ip"),
//	    nursefi.RateLimitWithForwardedFor("anonymous"),
//	)
//	perUser := nursefi.NewRateLimiter(st, 10, time.Minute,
//	    nursefi.RateLimitWithName("user"),
//	    nursefi.RateLimitWithUser(),
//	)
//	r.Use(perIP.Handler, perUser.Handler)
//
// A dimension with no value for a request skips limiting for that request, unless
// it was added with a *Required variant, in which case the request fails with 400.
//
// For more than one replica, use the Redis store. The in-memory store counts per process.
package nursefi

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nursefi/nursefi/store"
)

// AnonymousClientKey is the forwarded-for fallback used when a request carries no
// client address header.
const AnonymousClientKey = "anonymous"

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes RateLimit-Limit, RateLimit-Remaining and
	// RateLimit-Reset on every response, plus Retry-After on 429 (default).
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes the headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers.
	RateLimitHeadersNever
)

type rateLimitDimension struct {
	fn       func(*http.Request) string
	required bool
	name     string
}

// RateLimiter implements fixed-window rate limiting middleware.
type RateLimiter struct {
	store      store.Store
	limit      atomic.Int64
	window     time.Duration
	name       string
	keyDims    []rateLimitDimension
	headerMode RateLimitHeaderMode
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithName sets the key prefix. Limiters sharing a store need distinct names.
func RateLimitWithName(name string) RateLimitOption {
	return func(l *RateLimiter) {
		l.name = name
	}
}

// RateLimitWithIP keys on the host part of RemoteAddr, for direct connections.
func RateLimitWithIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			name: "IP",
		})
	}
}

// RateLimitWithForwardedFor keys on the first address in X-Forwarded-For, then
// X-Real-IP. Requests with neither header share the fallback key (default
// AnonymousClientKey), so they are limited as one client rather than skipped.
//
// Only use this behind a trusted proxy that overwrites these headers; otherwise
// clients choose their own key.
func RateLimitWithForwardedFor(fallback string) RateLimitOption {
	if fallback == "" {
		fallback = AnonymousClientKey
	}
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				if ip := forwardedFor(r); ip != "" {
					return ip
				}
				return fallback
			},
			name: "X-Forwarded-For or X-Real-IP header",
		})
	}
}

func forwardedFor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

// RateLimitWithUser keys on the subject stored by BearerToken. Requests without an
// AuthContext skip this limiter.
func RateLimitWithUser() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				ac, _ := AuthFromContext(r.Context())
				return ac.Subject
			},
			name: "authenticated user",
		})
	}
}

// RateLimitWithEndpoint adds "<method>:<path>" to the key.
func RateLimitWithEndpoint() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				return r.Method + ":" + r.URL.Path
			},
			name: "endpoint",
		})
	}
}

// RateLimitWithHeader adds a header value to the key. A missing header skips limiting.
func RateLimitWithHeader(header string) RateLimitOption {
	return rateLimitWithHeader(header, false)
}

// RateLimitWithHeaderRequired adds a header value to the key. A missing header is a 400.
func RateLimitWithHeaderRequired(header string) RateLimitOption {
	return rateLimitWithHeader(header, true)
}

func rateLimitWithHeader(header string, required bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     fmt.Sprintf("header %s", header),
		})
	}
}

// NewRateLimiter creates a rate limiter allowing limit requests per key per window.
// Returns 429 when the limit is exceeded, 400 when a *Required dimension is
// missing, and 500 when the store fails.
//
// Panics if no key dimension option is given.
func NewRateLimiter(st store.Store, limit int, window time.Duration, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		store:      st,
		window:     window,
		headerMode: RateLimitHeadersAlways,
	}
	l.limit.Store(int64(limit))
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyDims) == 0 {
		panic("ratelimit: must configure at least one key dimension option (RateLimitWithIP, RateLimitWithForwardedFor, RateLimitWithUser, RateLimitWithEndpoint, or RateLimitWithHeader)")
	}
	return l
}

// Name returns the key prefix set by RateLimitWithName.
func (l *RateLimiter) Name() string {
	return l.name
}

// Limit returns the current per-window limit.
func (l *RateLimiter) Limit() int64 {
	return l.limit.Load()
}

// SetLimit changes the per-window limit for subsequent requests. Counters already
// in the store are kept.
func (l *RateLimiter) SetLimit(limit int) {
	l.limit.Store(int64(limit))
}

// Handler returns the rate limiting middleware. Depending on the header mode it sets
//   - RateLimit-Limit: the ceiling for the current window
//   - RateLimit-Remaining: requests left in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) whole seconds until the window resets
//
// following draft-ietf-httpapi-ratelimit-headers.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key, missingDim := l.buildKey(r)
		if missingDim != "" {
			writeError(w, r, ErrBadRequest.With(fmt.Sprintf("Missing required %s", missingDim)))
			return
		}
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		limit := l.limit.Load()
		res, err := l.store.Allow(ctx, key, limit, l.window)
		if err != nil {
			logField(ctx, "ratelimit_error", err.Error())
			writeError(w, r, ErrInternal.With("Rate limit check failed"))
			return
		}

		remaining := max(0, limit-res.Count)
		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && !res.Allowed) {
			setRateLimitHeader(w, r, "RateLimit-Limit", strconv.FormatInt(limit, 10))
			setRateLimitHeader(w, r, "RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			setRateLimitHeader(w, r, "RateLimit-Reset", strconv.FormatInt(resetAt(res).Unix(), 10))
			if !res.Allowed {
				setRateLimitHeader(w, r, "Retry-After", strconv.Itoa(retryAfterSeconds(res.TTL)))
			}
		}

		if !res.Allowed {
			writeError(w, r, ErrRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	if HasState(r.Context()) {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

// resetAt prefers the store's own reset time so injected clocks are honored.
func resetAt(res store.Result) time.Time {
	if !res.ResetAt.IsZero() {
		return res.ResetAt
	}
	return time.Now().Add(res.TTL)
}

// retryAfterSeconds rounds up so clients never retry before the window resets.
func retryAfterSeconds(ttl time.Duration) int {
	return max(1, int(math.Ceil(ttl.Seconds())))
}

// buildKey joins the name and all dimension values with ':'.
// Returns ("", "") when an optional dimension has no value, and ("", name) when a
// required one is missing.
func (l *RateLimiter) buildKey(r *http.Request) (string, string) {
	parts := make([]string, 0, len(l.keyDims)+1)
	if l.name != "" {
		parts = append(parts, l.name)
	}

	for _, dim := range l.keyDims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			return "", ""
		}
		parts = append(parts, part)
	}

	return strings.Join(parts, ":"), ""
}
