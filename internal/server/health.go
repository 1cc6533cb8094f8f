// Package server exposes liveness and readiness endpoints for worker processes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Check reports nil when the named dependency is usable.
type Check func(ctx context.Context) error

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []checkResult `json:"checks,omitempty"`
}

// Health serves /healthz (process alive) and /readyz (all checks pass).
type Health struct {
	router *mux.Router

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealth() *Health {
	h := &Health{checks: make(map[string]Check)}
	h.router = mux.NewRouter()
	h.router.HandleFunc("/healthz", h.handleLive).Methods(http.MethodGet)
	h.router.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet)
	return h
}

// Register adds a readiness check.
func (h *Health) Register(name string, c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = c
}

func (h *Health) Handler() http.Handler { return h.router }

func (h *Health) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

func (h *Health) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC()}
	code := http.StatusOK
	for i, c := range checks {
		res := checkResult{Name: names[i], Status: "ok"}
		if err := c(ctx); err != nil {
			res.Status = "failing"
			res.Error = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		resp.Checks = append(resp.Checks, res)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Serve listens on addr until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
