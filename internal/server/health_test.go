package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth_Live(t *testing.T) {
	h := NewHealth()
	h.Register("index", func(ctx context.Context) error { return errors.New("not loaded") })

	rec, body := get(t, h.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body.Status)
}

func TestHealth_Ready(t *testing.T) {
	h := NewHealth()
	ready := false
	h.Register("index", func(ctx context.Context) error { return nil })
	h.Register("driver", func(ctx context.Context) error {
		if !ready {
			return errors.New("driver not started")
		}
		return nil
	})

	rec, body := get(t, h.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body.Status)
	require.Len(t, body.Checks, 2)
	assert.Equal(t, "driver", body.Checks[0].Name)
	assert.Equal(t, "driver not started", body.Checks[0].Error)
	assert.Equal(t, "ok", body.Checks[1].Status)

	ready = true
	rec, body = get(t, h.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body.Status)
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealth().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
