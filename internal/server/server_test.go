package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nursefi/nursefi/identity"
	"github.com/nursefi/nursefi/internal/config"
	"github.com/nursefi/nursefi/internal/metrics"
	"github.com/nursefi/nursefi/ledger"
	"github.com/nursefi/nursefi/offline"
	"github.com/nursefi/nursefi/offline/store"
	counters "github.com/nursefi/nursefi/store"
)

func TestMain(m *testing.M) {
	if err := ledger.RegisterValidators(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

var tokens = map[string]string{
	"alice-token": "alice",
	"bob-token":   "bob",
}

type fixture struct {
	srv      *Server
	repo     *ledger.MemoryRepository
	counters *counters.Memory
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Admission: config.AdmissionConfig{
			MaxBodyBytes: 4096,
			IPLimit:      5,
			UserLimit:    10,
			Window:       time.Minute,
		},
		Admin: config.AdminConfig{APIKey: "admin-secret"},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	f := &fixture{
		repo:     ledger.NewMemoryRepository(),
		counters: counters.NewMemory(counters.WithCleanupInterval(0)),
		registry: prometheus.NewRegistry(),
	}
	t.Cleanup(func() { _ = f.counters.Close() })
	f.metrics = metrics.NewWithRegistry(f.registry)

	verifier := identity.VerifierFunc(func(_ context.Context, token string) (string, error) {
		if sub, ok := tokens[token]; ok {
			return sub, nil
		}
		return "", errors.New("unknown token")
	})

	f.srv = New(cfg, Options{
		Verifier: verifier,
		Counters: f.counters,
		Repo:     f.repo,
		Metrics:  f.metrics,
		Gatherer: f.registry,
	})
	return f
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type reqOpt func(*http.Request)

func withToken(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func fromIP(ip string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-Forwarded-For", ip) }
}

func withHeader(key, value string) reqOpt {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

func (f *fixture) do(method, target, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

const lunch = `{"amount":"-12.50","currency":"eur","category":"food","occurred_at":"2026-03-01T12:00:00Z"}`

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/health", "", withHeader(RequestIDHeader, "req-123"))

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestNotFound_FlatError(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"The requested resource was not found"}`, rec.Body.String())
}

func TestCreateTransaction(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.NewString()

	rec := f.do(http.MethodPost, "/api/transactions", lunch,
		withToken("alice-token"), fromIP("10.0.0.1"), withHeader(offline.RequestIDHeader, id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tx ledger.Transaction
	decodeBody(t, rec, &tx)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "alice", tx.UserID)
	assert.Equal(t, "EUR", tx.Currency)
	assert.Equal(t, id, tx.ClientRequestID)
	assert.Equal(t, "-12.5", tx.Amount.String())

	// Same client request id is answered with the stored transaction.
	rec = f.do(http.MethodPost, "/api/transactions", lunch,
		withToken("alice-token"), fromIP("10.0.0.1"), withHeader(offline.RequestIDHeader, id))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var again ledger.Transaction
	decodeBody(t, rec, &again)
	assert.Equal(t, tx.ID, again.ID)

	list, err := f.repo.List(context.Background(), "alice", ledger.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateTransaction_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		opts   []reqOpt
		status int
	}{
		{
			name:   "no token",
			body:   lunch,
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown token",
			body:   lunch,
			opts:   []reqOpt{withToken("mallory")},
			status: http.StatusUnauthorized,
		},
		{
			name:   "declared body too large",
			body:   `{"description":"` + strings.Repeat("x", 5000) + `"}`,
			opts:   []reqOpt{withToken("alice-token")},
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "invalid json",
			body:   `{"amount":`,
			opts:   []reqOpt{withToken("alice-token")},
			status: http.StatusBadRequest,
		},
		{
			name:   "zero amount",
			body:   `{"amount":"0","currency":"EUR","category":"food","occurred_at":"2026-03-01T12:00:00Z"}`,
			opts:   []reqOpt{withToken("alice-token")},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed client request id",
			body:   lunch,
			opts:   []reqOpt{withToken("alice-token"), withHeader(offline.RequestIDHeader, "not-a-uuid")},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(http.MethodPost, "/api/transactions", tt.body, append(tt.opts, fromIP("10.0.0.9"))...)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateTransaction_UnsupportedMediaType(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/transactions", lunch,
		withToken("alice-token"), withHeader("Content-Type", "text/plain"))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAdmission_IPLimit(t *testing.T) {
	f := newFixture(t, nil)

	// Two users behind the same address share the IP budget of 5.
	for i := range 5 {
		token := "alice-token"
		if i%2 == 1 {
			token = "bob-token"
		}
		rec := f.do(http.MethodPost, "/api/transactions", lunch, withToken(token), fromIP("203.0.113.7"))
		require.Equal(t, http.StatusCreated, rec.Code, "request %d: %s", i+1, rec.Body.String())
	}

	rec := f.do(http.MethodPost, "/api/transactions", lunch, withToken("bob-token"), fromIP("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = f.do(http.MethodPost, "/api/transactions", lunch, withToken("bob-token"), fromIP("203.0.113.8"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rejected := f.metrics.AdmissionRejections.WithLabelValues("rate_limited_ip")
	assert.Equal(t, float64(1), testutil.ToFloat64(rejected))
}

func TestAdmission_UserLimit(t *testing.T) {
	f := newFixture(t, nil)

	for i := range 10 {
		rec := f.do(http.MethodPost, "/api/transactions", lunch,
			withToken("alice-token"), fromIP(fmt.Sprintf("198.51.100.%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i+1)
	}

	rec := f.do(http.MethodPost, "/api/transactions", lunch,
		withToken("alice-token"), fromIP("198.51.100.200"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rejected := f.metrics.AdmissionRejections.WithLabelValues("rate_limited_user")
	assert.Equal(t, float64(1), testutil.ToFloat64(rejected))
}

func TestApplyAdmission(t *testing.T) {
	f := newFixture(t, nil)

	f.srv.ApplyAdmission(config.AdmissionConfig{IPLimit: 1, UserLimit: 10})

	rec := f.do(http.MethodPost, "/api/transactions", lunch, withToken("alice-token"), fromIP("10.1.1.1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(http.MethodPost, "/api/transactions", lunch, withToken("alice-token"), fromIP("10.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, day := range []int{1, 3, 2} {
		body := fmt.Sprintf(`{"amount":"5","currency":"USD","category":"misc","occurred_at":"2026-03-0%dT00:00:00Z"}`, day)
		rec := f.do(http.MethodPost, "/api/transactions", body, withToken("alice-token"), fromIP(fmt.Sprintf("10.2.0.%d", day)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	_, _, err := f.repo.Create(ctx, ledger.Transaction{UserID: "bob", Currency: "USD"})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/transactions?limit=2", "", withToken("alice-token"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Transactions []ledger.Transaction `json:"transactions"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Transactions, 2)
	assert.Equal(t, 3, resp.Transactions[0].OccurredAt.Day())
	assert.Equal(t, 2, resp.Transactions[1].OccurredAt.Day())

	rec = f.do(http.MethodGet, "/api/transactions?limit=1000", "", withToken("alice-token"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/transactions", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteTransaction(t *testing.T) {
	f := newFixture(t, nil)
	tx, _, err := f.repo.Create(context.Background(), ledger.Transaction{UserID: "alice", Currency: "EUR"})
	require.NoError(t, err)

	rec := f.do(http.MethodDelete, "/api/transactions/"+tx.ID, "", withToken("bob-token"), fromIP("10.3.0.1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/transactions/"+tx.ID, "", withToken("alice-token"), fromIP("10.3.0.2"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(http.MethodDelete, "/api/transactions/"+tx.ID, "", withToken("alice-token"), fromIP("10.3.0.3"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncTransactions(t *testing.T) {
	f := newFixture(t, nil)
	existing, _, err := f.repo.Create(context.Background(), ledger.Transaction{UserID: "alice", Currency: "EUR"})
	require.NoError(t, err)

	first := uuid.NewString()
	batch := fmt.Sprintf(`[
		{"id":%q,"method":"POST","path":"/api/transactions","body":%s},
		{"id":%q,"method":"POST","path":"/api/transactions","body":%s},
		{"id":%q,"method":"POST","path":"/api/transactions","body":{"amount":"1"}},
		{"id":%q,"method":"DELETE","path":"/api/transactions/%s","body":null},
		{"id":%q,"method":"DELETE","path":"/api/transactions/missing","body":null},
		{"id":%q,"method":"PATCH","path":"/api/accounts/1","body":{}},
		{"id":"","method":"POST","path":"/api/transactions","body":%s}
	]`,
		first, lunch,
		first, lunch,
		uuid.NewString(),
		uuid.NewString(), existing.ID,
		uuid.NewString(),
		uuid.NewString(),
		lunch,
	)

	rec := f.do(http.MethodPost, "/api/transactions/sync", batch, withToken("alice-token"), fromIP("10.4.0.1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result SyncResult
	decodeBody(t, rec, &result)
	assert.Equal(t, 2, result.Accepted)   // first create, existing delete
	assert.Equal(t, 2, result.Duplicates) // repeated id, missing delete
	assert.Equal(t, 3, result.Rejected)   // invalid body, unsupported op, missing id
	assert.Len(t, result.Errors, 3)

	list, err := f.repo.List(context.Background(), "alice", ledger.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first, list[0].ClientRequestID)
}

func TestSyncTransactions_RequiresArray(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/transactions/sync", `{"id":"x"}`, withToken("alice-token"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetRateLimits(t *testing.T) {
	f := newFixture(t, nil)

	for range 5 {
		f.do(http.MethodPost, "/api/transactions", lunch, withToken("alice-token"), fromIP("10.5.0.1"))
	}
	rec := f.do(http.MethodPost, "/api/transactions", lunch, withToken("alice-token"), fromIP("10.5.0.1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/ratelimit", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/ratelimit", "", withHeader("X-API-Key", "admin-secret"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"reset":"all"}`, rec.Body.String())
	assert.Zero(t, f.counters.Len())

	rec = f.do(http.MethodPost, "/api/transactions", lunch, withToken("alice-token"), fromIP("10.5.0.1"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/ratelimit?key=anything", "", withHeader("X-API-Key", "admin-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reset":"anything"}`, rec.Body.String())
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.APIKey = ""
	f := newFixture(t, cfg)

	rec := f.do(http.MethodDelete, "/admin/ratelimit", "", withHeader("X-API-Key", ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/health", "")

	rec := f.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nursefi_http_requests_total")
}

// A client whose server is unreachable queues its writes, then replays them once the
// server comes back; the server applies each exactly once.
func TestOfflineReplayEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	live := httptest.NewServer(f.srv.Handler())
	t.Cleanup(live.Close)

	queue := offline.NewQueue(store.NewMemory())
	down := offline.NewClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}), queue)

	for range 3 {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, live.URL+"/api/transactions", strings.NewReader(lunch))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")

		resp, err := down.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		_ = resp.Body.Close()
	}
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	replayer := offline.NewReplayer(queue, live.URL+offline.DefaultSyncPath, offline.StaticToken("alice-token"))

	res, err := replayer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)

	n, err = queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := f.repo.List(ctx, "alice", ledger.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestBuildVerifier(t *testing.T) {
	ctx := context.Background()

	t.Run("test token without key material", func(t *testing.T) {
		v, err := BuildVerifier(config.AuthConfig{
			SigningMethod: "HS256",
			TestToken:     "sentinel",
			TestSubject:   "tester",
			Environment:   "development",
		})
		require.NoError(t, err)

		sub, err := v.Verify(ctx, "sentinel")
		require.NoError(t, err)
		assert.Equal(t, "tester", sub)

		_, err = v.Verify(ctx, "other")
		assert.Error(t, err)
	})

	t.Run("production requires key material", func(t *testing.T) {
		_, err := BuildVerifier(config.AuthConfig{
			SigningMethod: "HS256",
			TestToken:     "sentinel",
			Environment:   identity.ProductionEnv,
		})
		assert.Error(t, err)
	})

	t.Run("secret", func(t *testing.T) {
		v, err := BuildVerifier(config.AuthConfig{SigningMethod: "HS256", JWTSecret: "s3cret", Timeout: time.Second})
		require.NoError(t, err)
		_, err = v.Verify(ctx, "not-a-jwt")
		assert.Error(t, err)
	})
}

func TestBuildCounterStore(t *testing.T) {
	st, err := BuildCounterStore(config.RateLimitStoreConfig{Driver: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	assert.IsType(t, &counters.Memory{}, st)

	_, err = BuildCounterStore(config.RateLimitStoreConfig{Driver: "etcd"})
	assert.Error(t, err)
}
