package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gatehouse/internal/config"
	"gatehouse/internal/observability/metrics"
)

// ErrOriginNotAllowed is returned by OriginPolicy.Decide for a cross-origin
// request whose origin is not whitelisted in production.
var ErrOriginNotAllowed = errors.New("origin not allowed")

const (
	allowedMethods = "GET, POST, PUT, PATCH, DELETE"
	allowedHeaders = "Content-Type, Authorization"
)

// OriginPolicyConfig declares the origins allowed to reach the API across
// domains. The whitelist is only consulted in production; every other
// environment admits all origins as a development convenience.
type OriginPolicyConfig struct {
	Environment string
	Origins     []string

	// AllowEmptyOrigin admits requests without an Origin header even in
	// production. Same-origin browser requests and server-to-server clients
	// send no Origin, so most deployments want this on; it is an explicit
	// policy knob because it widens the trust boundary.
	AllowEmptyOrigin bool
}

// OriginPolicy is the pure request-admission decision. It holds only
// immutable configuration and performs no I/O, so per-request evaluation
// needs no locking.
type OriginPolicy struct {
	production bool
	allowEmpty bool
	allowed    map[string]struct{}
}

// NewOriginPolicy normalizes and validates the configured origins.
func NewOriginPolicy(cfg OriginPolicyConfig) (OriginPolicy, error) {
	policy := OriginPolicy{
		production: strings.ToLower(strings.TrimSpace(cfg.Environment)) == config.EnvProduction,
		allowEmpty: cfg.AllowEmptyOrigin,
		allowed:    make(map[string]struct{}),
	}
	for _, origin := range cfg.Origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return OriginPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

// Decide returns nil when the origin is admitted and ErrOriginNotAllowed when
// it is rejected. Outside production every origin is admitted.
func (p OriginPolicy) Decide(origin string) error {
	if !p.production {
		return nil
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.allowEmpty {
			return nil
		}
		return ErrOriginNotAllowed
	}
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return ErrOriginNotAllowed
	}
	if _, ok := p.allowed[normalized]; ok {
		return nil
	}
	return ErrOriginNotAllowed
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

// originMiddleware applies the admission policy per request and writes the
// CORS response contract for admitted cross-origin callers. A rejection is
// local to the request: it produces a 403 and never affects other in-flight
// requests.
func originMiddleware(policy OriginPolicy, logger *slog.Logger, recorder *metrics.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if err := policy.Decide(origin); err != nil {
			if recorder != nil {
				recorder.ObserveOriginRejected(origin)
			}
			if logger != nil {
				logger.Warn("blocked origin", "origin", origin, "path", r.URL.Path)
			}
			writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
