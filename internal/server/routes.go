package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nursefi/nursefi"
	"github.com/nursefi/nursefi/offline"
)

const clientRequestIDKey = "client_request_id"

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	r := s.router

	r.Use(requestID)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(nursefi.Handler(
		nursefi.WithCanonlog(),
		nursefi.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": RequestIDFromContext(r.Context())}
		}),
		nursefi.WithSLOs(),
		nursefi.WithErrorFormat(nursefi.ErrorFormatFlat),
	))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		nursefi.SetError(r, nursefi.ErrNotFound.With("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		nursefi.SetError(r, nursefi.ErrMethodNotAllowed)
	})

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route(offline.DefaultPrefix, func(r chi.Router) {
		r.With(nursefi.BearerToken(s.verifier), nursefi.SLO(nursefi.SLOHighFast)).
			Get("/", s.listTransactions)

		r.Group(func(r chi.Router) {
			r.Use(s.guard.Handler)

			r.With(
				nursefi.SLO(nursefi.SLOHighFast),
				nursefi.RequireContentType("application/json"),
				nursefi.ExtractHeader(offline.RequestIDHeader, clientRequestIDKey,
					nursefi.ExtractWithValidator(parseClientRequestID)),
			).Post("/", s.createTransaction)

			r.With(
				nursefi.SLO(nursefi.SLOHighSlow),
				nursefi.RequireContentType("application/json"),
			).Post("/sync", s.syncTransactions)

			r.With(nursefi.SLO(nursefi.SLOHighFast)).Delete("/{id}", s.deleteTransaction)
		})
	})

	if s.adminKey != "" {
		key := []byte(s.adminKey)
		r.With(nursefi.APIKey(func(k string) bool {
			return subtle.ConstantTimeCompare([]byte(k), key) == 1
		})).Delete("/admin/ratelimit", s.resetRateLimits)
		s.logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}

func parseClientRequestID(v string) (any, error) {
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}
