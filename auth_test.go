package nursefi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nursefi/nursefi"
	"github.com/nursefi/nursefi/identity"
)

type countingVerifier struct {
	calls atomic.Int32
	valid map[string]string
}

func (v *countingVerifier) Verify(_ context.Context, token string) (string, error) {
	v.calls.Add(1)
	if subject, ok := v.valid[token]; ok {
		return subject, nil
	}
	return "", identity.ErrInvalidToken
}

func newCountingVerifier() *countingVerifier {
	return &countingVerifier{valid: map[string]string{"good-token": "user-42"}}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		wantStatus  int
		wantMessage string
		wantCalls   int32
	}{
		{name: "valid token", header: "Bearer good-token", wantStatus: http.StatusOK, wantCalls: 1},
		{name: "lowercase scheme", header: "bearer good-token", wantStatus: http.StatusOK, wantCalls: 1},
		{name: "uppercase scheme", header: "BEARER good-token", wantStatus: http.StatusOK, wantCalls: 1},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized, wantMessage: "Missing authorization header"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantMessage: "Invalid authorization format"},
		{name: "no token", header: "Bearer", wantStatus: http.StatusUnauthorized, wantMessage: "Invalid authorization format"},
		{name: "empty token", header: "Bearer   ", wantStatus: http.StatusUnauthorized, wantMessage: "Empty bearer token"},
		{name: "rejected token", header: "Bearer forged", wantStatus: http.StatusUnauthorized, wantMessage: "Invalid bearer token", wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := newCountingVerifier()
			var subject string

			handler := nursefi.Handler(nursefi.WithErrorFormat(nursefi.ErrorFormatFlat))(
				nursefi.BearerToken(verifier)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
					ac, ok := nursefi.AuthFromContext(r.Context())
					if !ok {
						t.Error("expected AuthContext in request context")
					}
					subject = ac.Subject
					nursefi.SetResponse(r, http.StatusOK, nil)
				})))

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := verifier.calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d verifier calls, got %d", tt.wantCalls, got)
			}

			if tt.wantStatus == http.StatusOK {
				if subject != "user-42" {
					t.Errorf("expected subject user-42, got %s", subject)
				}
				return
			}

			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body["error"] != tt.wantMessage {
				t.Errorf("expected error %q, got %q", tt.wantMessage, body["error"])
			}
		})
	}
}

func TestBearerToken_WithoutState(t *testing.T) {
	handler := nursefi.BearerToken(newCountingVerifier())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestBearerToken_Optional(t *testing.T) {
	verifier := newCountingVerifier()
	handler := nursefi.Handler()(nursefi.BearerToken(verifier, nursefi.WithOptionalBearerToken())(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			if _, ok := nursefi.AuthFromContext(r.Context()); ok {
				t.Error("expected no AuthContext")
			}
			nursefi.SetResponse(r, http.StatusOK, nil)
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("present but invalid token: expected 401, got %d", rec.Code)
	}
}

func TestAPIKey(t *testing.T) {
	validator := func(key string) bool { return key == "admin-key" }

	tests := []struct {
		name       string
		opts       []nursefi.APIKeyOption
		header     string
		value      string
		wantStatus int
	}{
		{name: "valid", header: "X-API-Key", value: "admin-key", wantStatus: http.StatusOK},
		{name: "invalid", header: "X-API-Key", value: "guess", wantStatus: http.StatusUnauthorized},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "custom header", opts: []nursefi.APIKeyOption{nursefi.WithAPIKeyHeader("X-Admin-Key")}, header: "X-Admin-Key", value: "admin-key", wantStatus: http.StatusOK},
		{name: "optional missing", opts: []nursefi.APIKeyOption{nursefi.WithOptionalAPIKey()}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := nursefi.Handler()(nursefi.APIKey(validator, tt.opts...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				if tt.value != "" {
					if key, ok := nursefi.APIKeyFromContext(r.Context()); !ok || key != tt.value {
						t.Errorf("expected key %q in context, got %q", tt.value, key)
					}
				}
				nursefi.SetResponse(r, http.StatusOK, nil)
			})))

			req := httptest.NewRequest(http.MethodDelete, "/admin/ratelimit", http.NoBody)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
