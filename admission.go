package nursefi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nursefi/nursefi/identity"
	"github.com/nursefi/nursefi/store"
)

// Admission defaults.
const (
	DefaultIPLimit   = 5
	DefaultUserLimit = 10
	DefaultWindow    = 60 * time.Second
)

// AdmissionReason names the step that rejected a request.
type AdmissionReason string

// Rejection reasons reported to the AdmissionObserver and the canonical log.
const (
	ReasonUnauthenticated AdmissionReason = "unauthenticated"
	ReasonPayloadTooLarge AdmissionReason = "payload_too_large"
	ReasonRateLimitedIP   AdmissionReason = "rate_limited_ip"
	ReasonRateLimitedUser AdmissionReason = "rate_limited_user"
)

// AdmissionObserver is notified once for every request Admission rejects.
type AdmissionObserver interface {
	Rejected(r *http.Request, reason AdmissionReason)
}

// AdmissionObserverFunc adapts a function to AdmissionObserver.
type AdmissionObserverFunc func(r *http.Request, reason AdmissionReason)

// Rejected calls f(r, reason).
func (f AdmissionObserverFunc) Rejected(r *http.Request, reason AdmissionReason) {
	f(r, reason)
}

// AdmissionConfig configures Admission. Zero values take the package defaults.
type AdmissionConfig struct {
	Verifier     identity.Verifier
	MaxBodyBytes int64
	Store        store.Store
	IPLimit      int
	UserLimit    int
	Window       time.Duration
	Observer     AdmissionObserver
}

// Guard is the assembled admission chain. Its limiters are exposed so limits can be
// changed at runtime.
type Guard struct {
	IP   *RateLimiter
	User *RateLimiter

	chain func(http.Handler) http.Handler
}

// NewGuard builds the admission chain. It panics if cfg has no Verifier or Store.
func NewGuard(cfg AdmissionConfig) *Guard {
	if cfg.Verifier == nil {
		panic("admission: Verifier is required")
	}
	if cfg.Store == nil {
		panic("admission: Store is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = DefaultIPLimit
	}
	if cfg.UserLimit <= 0 {
		cfg.UserLimit = DefaultUserLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	g := &Guard{
		IP: NewRateLimiter(cfg.Store, cfg.IPLimit, cfg.Window,
			RateLimitWithName("ip"),
			RateLimitWithForwardedFor(AnonymousClientKey),
		),
		User: NewRateLimiter(cfg.Store, cfg.UserLimit, cfg.Window,
			RateLimitWithName("user"),
			RateLimitWithUser(),
		),
	}

	steps := chi.Chain(
		observeStep(BearerToken(cfg.Verifier), ReasonUnauthenticated, ErrUnauthorized, cfg.Observer),
		observeStep(MaxBodySize(cfg.MaxBodyBytes), ReasonPayloadTooLarge, ErrPayloadTooLarge, cfg.Observer),
		observeStep(g.IP.Handler, ReasonRateLimitedIP, ErrRateLimited, cfg.Observer),
		observeStep(g.User.Handler, ReasonRateLimitedUser, ErrRateLimited, cfg.Observer),
	)
	g.chain = steps.Handler
	return g
}

// Handler runs the admission chain in front of next.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return g.chain(next)
}

// Admission returns middleware that admits a request only after, in order:
//  1. BearerToken verifies the Authorization header (401 otherwise)
//  2. MaxBodySize rejects a declared Content-Length above the limit (413) without
//     reading the body
//  3. a fixed-window limiter keyed by forwarded-for client IP (429)
//  4. a fixed-window limiter keyed by the authenticated user (429)
//
// The first failing step ends the request. Binding and validation run in the handler,
// after admission.
func Admission(cfg AdmissionConfig) func(http.Handler) http.Handler {
	return NewGuard(cfg).Handler
}

type passKey struct{ reason AdmissionReason }

// observeStep reports reason when step ends the request with sentinel. Store
// failures inside a limiter surface as ErrInternal and are not counted as rejections.
// Without Handler state the status written by step decides instead.
func observeStep(step func(http.Handler) http.Handler, reason AdmissionReason, sentinel *APIError, obs AdmissionObserver) func(http.Handler) http.Handler {
	key := passKey{reason: reason}

	return func(next http.Handler) http.Handler {
		inner := step(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if passed, ok := r.Context().Value(key).(*bool); ok {
				*passed = true
			}
			next.ServeHTTP(w, r)
		}))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed := false
			ctx := context.WithValue(r.Context(), key, &passed)

			state := getState(r.Context())
			if state != nil {
				inner.ServeHTTP(w, r.WithContext(ctx))
				if passed {
					return
				}
				state.mu.Lock()
				err := state.err
				state.mu.Unlock()
				if err != nil && !errors.Is(err, sentinel) {
					return
				}
			} else {
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				inner.ServeHTTP(ww, r.WithContext(ctx))
				if passed || ww.Status() != sentinel.Status {
					return
				}
			}

			logField(r.Context(), "admission_reason", string(reason))
			if obs != nil {
				obs.Rejected(r, reason)
			}
		})
	}
}
