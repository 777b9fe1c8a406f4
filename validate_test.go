package nursefi_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nursefi/nursefi"
)

// unreadableBody fails the test if anything reads from it.
type unreadableBody struct {
	t    *testing.T
	read bool
}

func (b *unreadableBody) Read([]byte) (int, error) {
	b.read = true
	b.t.Error("request body was read")
	return 0, io.EOF
}

func (b *unreadableBody) Close() error { return nil }

func TestMaxBodySize(t *testing.T) {
	tests := []struct {
		name          string
		limit         int64
		body          string
		contentLength int64
		wantStatus    int
	}{
		{name: "under limit", limit: 100, body: `{"a":1}`, contentLength: 7, wantStatus: http.StatusOK},
		{name: "exactly at limit", limit: 7, body: `{"a":1}`, contentLength: 7, wantStatus: http.StatusOK},
		{name: "declared over limit", limit: 5, body: `{"a":1}`, contentLength: 7, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "undeclared over limit", limit: 5, body: `{"a":12345}`, contentLength: -1, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "undeclared under limit", limit: 100, body: `{"a":1}`, contentLength: -1, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := nursefi.Handler()(nursefi.MaxBodySize(tt.limit)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				var dest map[string]any
				if !nursefi.JSON(r, &dest) {
					return
				}
				nursefi.SetResponse(r, http.StatusOK, nil)
			})))

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.ContentLength = tt.contentLength
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestMaxBodySize_DeclaredOverLimitNeverReads(t *testing.T) {
	handlerRan := false
	handler := nursefi.Handler()(nursefi.MaxBodySize(1024)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		handlerRan = true
		nursefi.SetResponse(r, http.StatusOK, nil)
	})))

	body := &unreadableBody{t: t}
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.Body = body
	req.ContentLength = 2 << 20
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
	if handlerRan {
		t.Error("handler ran for an oversized request")
	}
	if body.read {
		t.Error("body was read")
	}
}

func TestMaxBodySize_WithoutState(t *testing.T) {
	handler := nursefi.MaxBodySize(10)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 20)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}

func TestRequireContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{name: "json", contentType: "application/json", body: `{}`, wantStatus: http.StatusOK},
		{name: "json with charset", contentType: "application/json; charset=utf-8", body: `{}`, wantStatus: http.StatusOK},
		{name: "mixed case", contentType: "Application/JSON", body: `{}`, wantStatus: http.StatusOK},
		{name: "form", contentType: "application/x-www-form-urlencoded", body: `a=1`, wantStatus: http.StatusUnsupportedMediaType},
		{name: "missing", contentType: "", body: `{}`, wantStatus: http.StatusUnsupportedMediaType},
		{name: "malformed", contentType: "application/json; =", body: `{}`, wantStatus: http.StatusUnsupportedMediaType},
		{name: "no body", contentType: "", body: "", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := nursefi.Handler()(nursefi.RequireContentType("application/json")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				nursefi.SetResponse(r, http.StatusOK, nil)
			})))

			var body io.Reader = http.NoBody
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(http.MethodPost, "/", body)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
