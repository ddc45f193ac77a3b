package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gatehouse/internal/api"
	"gatehouse/internal/observability/logging"
	"gatehouse/internal/observability/metrics"
)

type stubStore struct {
	pingErr error
}

func (s *stubStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *stubStore) Database() string               { return "gatehouse" }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	handler := api.NewHandler(&stubStore{}, "development")
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestNewRejectsInvalidOriginWhitelist(t *testing.T) {
	handler := api.NewHandler(&stubStore{}, "production")
	_, err := New(handler, Config{Origin: OriginPolicyConfig{
		Environment: "production",
		Origins:     []string{"no scheme here"},
	}})
	if err == nil {
		t.Fatalf("expected error for malformed whitelist entry")
	}
}

func TestServerServesHealthThroughChain(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on every response")
	}
}

func TestServerRejectsUnlistedOriginInProduction(t *testing.T) {
	recorder := metrics.New()
	handler := api.NewHandler(&stubStore{}, "production")
	srv, err := New(handler, Config{
		Origin: OriginPolicyConfig{
			Environment:      "production",
			Origins:          []string{"https://app.example.com"},
			AllowEmptyOrigin: true,
		},
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rejections := recorder.OriginRejections(); rejections["https://evil.example.com"] != 1 {
		t.Fatalf("expected a recorded rejection, got %v", rejections)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("whitelisted origin should pass, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServerPreflightContract(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, PATCH, DELETE" {
		t.Fatalf("Access-Control-Allow-Methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
		t.Fatalf("Access-Control-Allow-Headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q", got)
	}
}

func TestServerGuardsMetricsWithOpsToken(t *testing.T) {
	hash, err := HashOpsToken("ops-secret")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	srv := newTestServer(t, Config{OpsTokenHash: hash})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gatehouse_http_requests_total") {
		t.Fatalf("expected metrics exposition, got %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rec.Code)
	}
}

func TestServerGlobalRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] == "" {
		t.Fatalf("expected JSON error payload, got %v", payload)
	}
}

func TestTelemetryMiddlewareObservesOnce(t *testing.T) {
	recorder := metrics.New()
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Writer: &buf})

	var inner http.ResponseWriter
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = w
		w.WriteHeader(http.StatusTeapot)
	})
	handler := telemetryMiddleware(logger, recorder, next)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	sr, ok := inner.(*statusRecorder)
	if !ok {
		t.Fatalf("handler should see the status recorder, got %T", inner)
	}
	if _, nested := sr.ResponseWriter.(*statusRecorder); nested {
		t.Fatal("response writer must not be wrapped twice")
	}

	var exposition strings.Builder
	recorder.Write(&exposition)
	if !strings.Contains(exposition.String(), `method="GET",path="/healthz",status="418"} 1`) {
		t.Fatalf("expected one observation with the handler status, got %q", exposition.String())
	}
	if !strings.Contains(buf.String(), `"status":418`) {
		t.Fatalf("expected request log with the handler status, got %q", buf.String())
	}
}

func TestServerRecordsRequestMetrics(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	var exposition strings.Builder
	recorder.Write(&exposition)
	if !strings.Contains(exposition.String(), `path="/healthz"`) {
		t.Fatalf("expected healthz sample, got %q", exposition.String())
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:52000"
	if got := extractClientIP(req); got != "192.0.2.10" {
		t.Fatalf("remote addr ip = %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := extractClientIP(req); got != "198.51.100.4" {
		t.Fatalf("x-real-ip = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.1" {
		t.Fatalf("x-forwarded-for = %q", got)
	}
}
