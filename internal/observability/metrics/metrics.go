package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters for HTTP traffic, origin admission
// decisions, and store connection attempts. It coordinates concurrent writers
// via a RWMutex while exposing an atomic gauge for store readiness.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	originRejections map[string]uint64
	connectAttempts  uint64
	connectFailures  uint64
	storeReady       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		originRejections: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// need a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveOriginRejected records a denied cross-origin request keyed by the
// rejected origin so operators can spot misconfigured clients.
func (r *Recorder) ObserveOriginRejected(origin string) {
	normalized := strings.ToLower(strings.TrimSpace(origin))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	r.originRejections[normalized]++
	r.mu.Unlock()
}

// ObserveConnectAttempt records one store connection attempt.
func (r *Recorder) ObserveConnectAttempt() {
	r.mu.Lock()
	r.connectAttempts++
	r.mu.Unlock()
}

// ObserveConnectFailure records a failed store connection attempt. The caller
// should also record the attempt separately.
func (r *Recorder) ObserveConnectFailure() {
	r.mu.Lock()
	r.connectFailures++
	r.mu.Unlock()
}

// SetStoreReady flips the store readiness gauge.
func (r *Recorder) SetStoreReady(ready bool) {
	if ready {
		r.storeReady.Store(1)
		return
	}
	r.storeReady.Store(0)
}

// StoreReady reports the current readiness gauge value.
func (r *Recorder) StoreReady() bool {
	return r.storeReady.Load() == 1
}

// ConnectCounts returns the attempt and failure counters for reporting and
// tests.
func (r *Recorder) ConnectCounts() (attempts, failures uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectAttempts, r.connectFailures
}

// OriginRejections returns a copy of the per-origin rejection counters.
func (r *Recorder) OriginRejections() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.originRejections))
	for k, v := range r.originRejections {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.originRejections = make(map[string]uint64)
	r.connectAttempts = 0
	r.connectFailures = 0
	r.storeReady.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	rejectedOrigins := r.sortedRejectedOrigins()

	fmt.Fprintln(w, "# HELP gatehouse_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE gatehouse_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "gatehouse_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP gatehouse_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE gatehouse_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "gatehouse_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP gatehouse_origin_rejections_total Cross-origin requests denied by the admission policy")
	fmt.Fprintln(w, "# TYPE gatehouse_origin_rejections_total counter")
	for _, origin := range rejectedOrigins {
		count := r.originRejections[origin]
		fmt.Fprintf(w, "gatehouse_origin_rejections_total{origin=%q} %d\n", origin, count)
	}

	fmt.Fprintln(w, "# HELP gatehouse_store_connect_attempts_total Store connection attempts at startup")
	fmt.Fprintln(w, "# TYPE gatehouse_store_connect_attempts_total counter")
	fmt.Fprintf(w, "gatehouse_store_connect_attempts_total %d\n", r.connectAttempts)

	fmt.Fprintln(w, "# HELP gatehouse_store_connect_failures_total Failed store connection attempts at startup")
	fmt.Fprintln(w, "# TYPE gatehouse_store_connect_failures_total counter")
	fmt.Fprintf(w, "gatehouse_store_connect_failures_total %d\n", r.connectFailures)

	fmt.Fprintln(w, "# HELP gatehouse_store_ready Whether the backing store connection is established")
	fmt.Fprintln(w, "# TYPE gatehouse_store_ready gauge")
	fmt.Fprintf(w, "gatehouse_store_ready %d\n", r.storeReady.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedRejectedOrigins() []string {
	origins := make([]string, 0, len(r.originRejections))
	for origin := range r.originRejections {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins
}

// normalizePath collapses identifier-like path segments to :id so hostile or
// scanner traffic cannot grow the label space without bound.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "/" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}
