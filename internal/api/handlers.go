// Package api holds the HTTP handlers for the service's operational surface.
// The service intentionally exposes no business routes; health and status
// exist to prove the admission gate and store connection are alive.
package api

import (
	"context"
	"net/http"
	"time"
)

// Store is the view of the connection handle the handlers need. The pool
// itself is never exposed here.
type Store interface {
	Ping(ctx context.Context) error
	Database() string
}

// Handler serves the operational endpoints.
type Handler struct {
	Store       Store
	Environment string

	// PingTimeout bounds the store probe performed by Health and Status.
	PingTimeout time.Duration
}

// NewHandler wires the handler with its store and environment identity.
func NewHandler(store Store, environment string) *Handler {
	return &Handler{
		Store:       store,
		Environment: environment,
		PingTimeout: 2 * time.Second,
	}
}

func (h *Handler) pingStore(ctx context.Context) error {
	if h.Store == nil {
		return nil
	}
	timeout := h.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.Store.Ping(pingCtx)
}

// Health reports process liveness plus store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.pingStore(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the resolved environment and store identity for operators.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload := map[string]interface{}{
		"environment": h.Environment,
		"store":       "ok",
	}
	if h.Store != nil {
		payload["database"] = h.Store.Database()
	}
	if err := h.pingStore(r.Context()); err != nil {
		payload["store"] = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// Index answers the root path with a service banner and every other path
// with a JSON 404.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service":     "gatehouse",
		"environment": h.Environment,
	})
}
