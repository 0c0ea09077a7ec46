package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d Delta
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		assert.Equal(t, http.MethodPost, r.Method)
		if r.URL.Path == "/quotas/big/check" {
			_ = json.NewEncoder(w).Encode(checkResponse{Allowed: true})
			return
		}
		_ = json.NewEncoder(w).Encode(checkResponse{Allowed: false, Reason: "max 2 devices"})
	}))
	defer srv.Close()

	c := NewHTTPChecker(srv.URL, 0)
	ctx := context.Background()
	require.NoError(t, c.Check(ctx, "big", Delta{Devices: 1, CPUCores: 2}))

	err := c.Check(ctx, "small", Delta{Devices: 1})
	assert.ErrorIs(t, err, ErrExceeded)
	assert.Contains(t, err.Error(), "max 2 devices")
}

func TestHTTPCheckerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPChecker(srv.URL, 0).Check(context.Background(), "t", Delta{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExceeded)
}
