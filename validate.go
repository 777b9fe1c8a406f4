package nursefi

import (
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes is the request body ceiling applied by Admission when none is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// MaxBodySize returns middleware that limits request body size in two stages:
//  1. A declared Content-Length above maxBytes is rejected with 413 before the
//     handler runs. The body is not read, buffered, or wrapped.
//  2. Every other body is wrapped with http.MaxBytesReader, so chunked or
//     mis-declared bodies fail with 413 when JSON decodes past the limit.
//
//	r.Use(nursefi.MaxBodySize(nursefi.DefaultMaxBodyBytes))
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, r, ErrPayloadTooLarge.With("Request body too large"))
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireContentType returns middleware that rejects requests carrying a body whose
// media type is not one of types with 415. Parameters such as charset are ignored
// and the comparison is case-insensitive. Requests without a body pass through.
//
//	r.With(nursefi.RequireContentType("application/json")).Post("/api/transactions", create)
func RequireContentType(types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(t)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Content-Type")
			if header == "" {
				writeError(w, r, ErrUnsupportedMediaType.WithParam("Missing Content-Type header", "Content-Type"))
				return
			}

			mediaType, _, err := mime.ParseMediaType(header)
			if err != nil {
				writeError(w, r, ErrUnsupportedMediaType.WithParam("Malformed Content-Type header", "Content-Type"))
				return
			}
			if _, ok := allowed[mediaType]; !ok {
				writeError(w, r, ErrUnsupportedMediaType.WithParam(
					fmt.Sprintf("Content-Type %s is not supported", mediaType), "Content-Type"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
