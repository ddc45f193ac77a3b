package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAppearsInExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/healthz", http.StatusOK, 25*time.Millisecond)
	recorder.ObserveRequest("get", "/healthz", http.StatusOK, 25*time.Millisecond)

	var out strings.Builder
	recorder.Write(&out)

	body := out.String()
	if !strings.Contains(body, `gatehouse_http_requests_total{method="GET",path="/healthz",status="200"} 2`) {
		t.Fatalf("expected request counter in output:\n%s", body)
	}
	if !strings.Contains(body, "gatehouse_http_request_duration_seconds_sum") {
		t.Fatalf("expected duration series in output:\n%s", body)
	}
}

func TestNormalizePathCollapsesIdentifierSegments(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/":                         "/",
		"/healthz":                  "/healthz",
		"/statusz/":                 "/statusz",
		"/clients/8f14e45f/profile": "/clients/:id/profile",
		"/clients/4021/profile":     "/clients/:id/profile",
		"/aVeryLongSegmentName":     "/:id",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestObserveRequestBoundsPathLabelCardinality(t *testing.T) {
	recorder := New()
	for i := 0; i < 10000; i++ {
		path := fmt.Sprintf("/clients/%08d/profile", i)
		recorder.ObserveRequest("get", path, http.StatusNotFound, time.Millisecond)
	}

	recorder.mu.RLock()
	labels := len(recorder.requestCount)
	recorder.mu.RUnlock()
	if labels != 1 {
		t.Fatalf("expected a single collapsed label, got %d", labels)
	}

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `path="/clients/:id/profile"`) {
		t.Fatalf("expected collapsed path label in output:\n%s", out.String())
	}
}

func TestOriginRejectionCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveOriginRejected("https://evil.example.com")
	recorder.ObserveOriginRejected("HTTPS://EVIL.EXAMPLE.COM")
	recorder.ObserveOriginRejected("")

	rejections := recorder.OriginRejections()
	if rejections["https://evil.example.com"] != 2 {
		t.Fatalf("expected normalized origin counted twice, got %v", rejections)
	}
	if rejections["unknown"] != 1 {
		t.Fatalf("expected empty origin recorded as unknown, got %v", rejections)
	}
}

func TestConnectCountersAndReadyGauge(t *testing.T) {
	recorder := New()
	recorder.ObserveConnectAttempt()
	recorder.ObserveConnectFailure()
	recorder.ObserveConnectAttempt()
	recorder.SetStoreReady(true)

	attempts, failures := recorder.ConnectCounts()
	if attempts != 2 || failures != 1 {
		t.Fatalf("unexpected connect counts: attempts=%d failures=%d", attempts, failures)
	}
	if !recorder.StoreReady() {
		t.Fatal("expected store ready gauge set")
	}

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), "gatehouse_store_ready 1") {
		t.Fatalf("expected ready gauge in output:\n%s", out.String())
	}
}

func TestHandlerServesTextExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "gatehouse_http_requests_total") {
		t.Fatal("expected request counter in response body")
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
	recorder.ObserveConnectAttempt()
	recorder.SetStoreReady(true)
	recorder.Reset()

	attempts, failures := recorder.ConnectCounts()
	if attempts != 0 || failures != 0 || recorder.StoreReady() {
		t.Fatal("expected recorder cleared after Reset")
	}
}
