package nursefi

import (
	"context"
	"net/http"
)

type headerContextKey string

// HeaderExtractor extracts a header value and stores it in the request context.
type HeaderExtractor struct {
	header     string
	ctxKey     headerContextKey
	required   bool
	defaultVal string
	validator  func(string) (any, error)
}

// HeaderExtractorOption configures a HeaderExtractor middleware.
type HeaderExtractorOption func(*HeaderExtractor)

// ExtractRequired makes a missing header a 400, unless ExtractDefault is also set.
func ExtractRequired() HeaderExtractorOption {
	return func(h *HeaderExtractor) {
		h.required = true
	}
}

// ExtractDefault stores val when the header is missing.
func ExtractDefault(val string) HeaderExtractorOption {
	return func(h *HeaderExtractor) {
		h.defaultVal = val
	}
}

// ExtractWithValidator parses the header value. The returned value is what gets
// stored in the context; an error is a 400.
//
//	nursefi.ExtractWithValidator(func(v string) (any, error) {
//		return uuid.Parse(v)
//	})
func ExtractWithValidator(fn func(string) (any, error)) HeaderExtractorOption {
	return func(h *HeaderExtractor) {
		h.validator = fn
	}
}

// ExtractHeader returns middleware that stores header (or its validated form) in
// the request context under ctxKey, for HeaderFromContext. Missing optional
// headers store nothing.
//
//	r.Use(nursefi.ExtractHeader("X-Client-Request-ID", "client_request_id",
//		nursefi.ExtractWithValidator(parseUUID)))
func ExtractHeader(header, ctxKey string, opts ...HeaderExtractorOption) func(http.Handler) http.Handler {
	h := &HeaderExtractor{
		header: header,
		ctxKey: headerContextKey(ctxKey),
	}
	for _, opt := range opts {
		opt(h)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			val := r.Header.Get(h.header)

			if val == "" {
				switch {
				case h.defaultVal != "":
					val = h.defaultVal
				case h.required:
					writeError(w, r, ErrBadRequest.WithParam("Missing required header: "+h.header, h.header))
					return
				default:
					next.ServeHTTP(w, r)
					return
				}
			}

			var contextVal any = val
			if h.validator != nil {
				var err error
				contextVal, err = h.validator(val)
				if err != nil {
					writeError(w, r, ErrBadRequest.WithParam("Invalid "+h.header+" header: "+err.Error(), h.header))
					return
				}
			}

			ctx := context.WithValue(r.Context(), h.ctxKey, contextVal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HeaderFromContext returns the value stored by ExtractHeader under key.
func HeaderFromContext(ctx context.Context, key string) (any, bool) {
	val := ctx.Value(headerContextKey(key))
	if val == nil {
		return nil, false
	}
	return val, true
}
