package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	gw       *Gateway
	handler  http.Handler
	backend  *httptest.Server
	calls    atomic.Int32
	devKey   string
	tinyKey  string
	adminKey string
}

func backendTarget(t *testing.T, srv *httptest.Server) config.BackendTargetConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.BackendTargetConfig{ServiceID: "orders", Host: host, Port: port}
}

func consumer(t *testing.T, id, keyID, role, tier string) (config.ConsumerConfig, string) {
	t.Helper()
	key, err := auth.GenerateAPIKey(keyID)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(key, bcrypt.MinCost)
	require.NoError(t, err)
	return config.ConsumerConfig{
		ID:             id,
		TenantID:       "t1",
		AuthMethod:     string(model.AuthMethodAPIKey),
		KeyID:          keyID,
		CredentialHash: hash,
		Roles:          []string{role},
		Scopes:         []string{"orders:read", "orders:write"},
		RateLimitTier:  tier,
	}, key
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(f.backend.Close)

	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.RateLimit.Tiers["tiny"] = config.TierConfig{RPSLimit: 0.001, BurstCapacity: 1, DailyQuota: 1000}

	dev, devKey := consumer(t, "acme", "ak_acme", "developer", "premium")
	tiny, tinyKey := consumer(t, "tiny", "ak_tiny", "developer", "tiny")
	admin, adminKey := consumer(t, "root", "ak_root", "admin", "premium")
	billing := config.ConsumerConfig{
		ID:              "billing",
		TenantID:        "t1",
		AuthMethod:      string(model.AuthMethodMTLS),
		CertFingerprint: billingFingerprint,
		Roles:           []string{"developer"},
		Scopes:          []string{"orders:read"},
		RateLimitTier:   "premium",
	}
	cfg.Consumers = []config.ConsumerConfig{dev, tiny, admin, billing}
	cfg.Server.TrustedProxies = []string{"10.0.0.1"}
	f.devKey, f.tinyKey, f.adminKey = devKey, tinyKey, adminKey

	target := backendTarget(t, f.backend)
	cfg.Routes = []config.RouteConfig{
		{ID: "orders", Path: "/v1/orders", Methods: []string{"GET", "POST"}, Backends: []config.BackendTargetConfig{target}},
		{ID: "order", Path: "/v1/orders/{id}", Methods: []string{"GET"}, Backends: []config.BackendTargetConfig{target}},
		{ID: "admin", Path: "/v1/admin/*", MinRole: "admin", Backends: []config.BackendTargetConfig{target}},
		{ID: "reports", Path: "/v1/reports", Methods: []string{"POST"}, Async: true, Backends: []config.BackendTargetConfig{target}},
	}

	gw, err := New(context.Background(), cfg, WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	f.gw = gw
	f.handler = gw.Handler()
	return f
}

const billingFingerprint = "3a7b1c0f9e42d58861aa0c13f45eb297c6082de174395fa0bb126ce8d340917f"

func (f *fixture) from(remoteAddr, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(method, path, key string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apierror.Code {
	t.Helper()
	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

// ============================================================
// Pipeline end to end
// ============================================================

func TestGateway_ProxiesAuthenticatedRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/orders/42", f.devKey, "", map[string]string{HeaderRequestID: "req-123"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"path":"/v1/orders/42"}`, rec.Body.String())
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGateway_CertificateFingerprintRequiresTrustedProxy(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		wantStatus int
	}{
		{name: "trusted proxy", remoteAddr: "10.0.0.1:443", wantStatus: http.StatusOK},
		{name: "direct client", remoteAddr: "203.0.113.9:51234", wantStatus: http.StatusUnauthorized},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.from(tt.remoteAddr, http.MethodGet, "/v1/orders", map[string]string{
				auth.HeaderCertFingerprint: billingFingerprint,
			})
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, apierror.CodeMissingCredentials, errorCode(t, rec))
			}
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := parseTrustedProxies([]string{"10.0.0.1", "192.168.0.0/16", "::1"})
	require.NoError(t, err)
	s := &Server{trusted: prefixes}

	assert.True(t, s.fromTrustedProxy("10.0.0.1"))
	assert.True(t, s.fromTrustedProxy("192.168.4.2"))
	assert.True(t, s.fromTrustedProxy("::1"))
	assert.False(t, s.fromTrustedProxy("10.0.0.2"))
	assert.False(t, s.fromTrustedProxy(""))

	_, err = parseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestGateway_PropagatesTraceParent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/orders", f.devKey, "", map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get("X-Trace-ID"))
}

func TestGateway_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		key        func(f *fixture) string
		wantStatus int
		wantCode   apierror.Code
	}{
		{
			name:       "missing credentials",
			method:     http.MethodGet,
			path:       "/v1/orders",
			key:        func(*fixture) string { return "" },
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierror.CodeMissingCredentials,
		},
		{
			name:       "wrong key",
			method:     http.MethodGet,
			path:       "/v1/orders",
			key:        func(*fixture) string { return "ak_acme_notthesecret" },
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierror.CodeInvalidKey,
		},
		{
			name:       "unknown route",
			method:     http.MethodGet,
			path:       "/v2/nothing",
			key:        func(f *fixture) string { return f.devKey },
			wantStatus: http.StatusNotFound,
			wantCode:   apierror.CodeRouteNotFound,
		},
		{
			name:       "role too low",
			method:     http.MethodGet,
			path:       "/v1/admin/users",
			key:        func(f *fixture) string { return f.devKey },
			wantStatus: http.StatusForbidden,
			wantCode:   apierror.CodeInsufficientRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(tt.method, tt.path, tt.key(f), "", nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, int32(0), f.calls.Load())
		})
	}
}

func TestGateway_AdminPassesRoleCheck(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/admin/users", f.adminKey, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGateway_RateLimited(t *testing.T) {
	f := newFixture(t)

	first := f.do(http.MethodGet, "/v1/orders", f.tinyKey, "", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodGet, "/v1/orders", f.tinyKey, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, apierror.CodeBurstExceeded, errorCode(t, second))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGateway_RejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/orders", f.devKey, `{"sku":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierror.CodeMalformedJSON, errorCode(t, rec))
	assert.Equal(t, int32(0), f.calls.Load())
}

// ============================================================
// Idempotency
// ============================================================

func TestGateway_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}

	first := f.do(http.MethodPost, "/v1/orders", f.devKey, `{"sku":"a"}`, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))

	second := f.do(http.MethodPost, "/v1/orders", f.devKey, `{"sku":"a"}`, headers)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGateway_IdempotencyKeyScopedToConsumer(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/v1/orders", f.devKey, `{}`, headers).Code)
	rec := f.do(http.MethodPost, "/v1/orders", f.adminKey, `{}`, headers)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGateway_InvalidIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/orders", f.devKey, `{}`, map[string]string{"Idempotency-Key": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierror.CodeInvalidIdempotencyKey, errorCode(t, rec))
}

// ============================================================
// Async operations
// ============================================================

func TestGateway_AsyncOperation(t *testing.T) {
	f := newFixture(t)

	accepted := f.do(http.MethodPost, "/v1/reports", f.devKey, `{"range":"7d"}`, nil)
	require.Equal(t, http.StatusAccepted, accepted.Code, accepted.Body.String())

	location := accepted.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/v1/operations/"), location)

	require.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, location, f.devKey, "", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var op model.AsyncOperation
		if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
			return false
		}
		return op.Status == model.OperationCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// Another consumer may not read it.
	rec := f.do(http.MethodGet, location, f.adminKey, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apierror.CodeOperationForbidden, errorCode(t, rec))
}

func TestGateway_PollUnknownOperation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/operations/"+uuid.NewString(), f.devKey, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierror.CodeOperationNotFound, errorCode(t, rec))
}

// ============================================================
// Probes, metrics and lifecycle
// ============================================================

func TestGateway_ProbesAndMetrics(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/startupz"} {
		rec := f.do(http.MethodGet, path, "", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	f.do(http.MethodGet, "/v1/orders", f.devKey, "", nil)

	rec := f.do(http.MethodGet, MetricsPath, "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_requests_total")
	assert.Contains(t, rec.Body.String(), `route="orders"`)
}

func TestGateway_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.gw.Start(ctx))
	assert.Equal(t, StateRunning, f.gw.State())
	assert.Error(t, f.gw.Start(ctx))

	req, err := http.NewRequest(http.MethodGet, "http://"+f.gw.Addr().String()+"/v1/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.devKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.gw.Stop(ctx))
	assert.Equal(t, StateStopped, f.gw.State())
	assert.Error(t, f.gw.Stop(ctx))
}

func TestGateway_ReloadRoutes(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v2/orders", f.devKey, "", nil).Code)

	cfg := *f.gw.config
	cfg.Routes = append([]config.RouteConfig{
		{ID: "orders-v2", Path: "/v2/orders", Backends: []config.BackendTargetConfig{backendTarget(t, f.backend)}},
	}, cfg.Routes...)
	require.NoError(t, f.gw.Reload(context.Background(), &cfg))

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v2/orders", f.devKey, "", nil).Code)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
