package nursefi

// Latency objectives per route. A route declares its tier with SLO; when Handler
// runs with WithSLOs, the canonical log line gets slo_class and slo_status, where
// status is FAIL once the request outlasts the tier's target.

import (
	"context"
	"net/http"
	"time"
)

// SLOTier names a latency class for a route.
type SLOTier string

// Tiers used by the ledger API. Health checks sit in SLOCritical, single
// transaction calls in SLOHighFast and the bulk sync endpoint in SLOHighSlow.
const (
	SLOCritical SLOTier = "critical"
	SLOHighFast SLOTier = "high_fast"
	SLOHighSlow SLOTier = "high_slow"
	SLOLow      SLOTier = "low"

	// sloCustom is logged for routes declared with SLOWithTarget.
	sloCustom SLOTier = "custom"
)

// Target returns the latency target for t, or zero for an unknown tier.
func (t SLOTier) Target() time.Duration {
	switch t {
	case SLOCritical:
		return 50 * time.Millisecond
	case SLOHighFast:
		return 100 * time.Millisecond
	case SLOHighSlow:
		return time.Second
	case SLOLow:
		return 5 * time.Second
	}
	return 0
}

type sloKey struct{}

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

func declareSLO(tier SLOTier, target time.Duration) func(http.Handler) http.Handler {
	cfg := &sloConfig{tier: tier, target: target}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Handler reads the tier from state after the route returns.
			if state := getState(r.Context()); state != nil {
				state.mu.Lock()
				state.slo = cfg
				state.mu.Unlock()
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sloKey{}, cfg)))
		})
	}
}

// SLO declares tier for the route.
//
//	r.With(nursefi.SLO(nursefi.SLOHighSlow)).Post("/api/transactions/sync", sync)
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	return declareSLO(tier, tier.Target())
}

// SLOWithTarget declares an ad hoc latency target, logged under the "custom" class.
func SLOWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return declareSLO(sloCustom, target)
}

// GetSLO returns the tier and target declared for the current route.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	cfg, ok := ctx.Value(sloKey{}).(*sloConfig)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}
