package cloudhttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-orchestrator/internal/core/provider"
)

func TestCallReturnsBodyAndStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"X"}`))
	}))
	defer srv.Close()
	c := New(provider.Huawei, Options{}, zerolog.Nop())
	ctx := context.Background()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	body, err := c.Call(ctx, "describe", req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/bad", nil)
	_, err = c.Call(ctx, "describe", req)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(provider.Aliyun, Options{Timeout: time.Second}, zerolog.Nop())
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	_, err := c.Call(context.Background(), "describe", req)
	assert.True(t, provider.IsTransient(err))
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	c := New(provider.Aliyun, Options{RPS: 0.001, Burst: 1}, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Call(context.Background(), "describe", req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err = c.Call(ctx, "describe", req)
	assert.True(t, provider.IsTransient(err))
}

func TestFromStatus(t *testing.T) {
	cause := errors.New("x")
	assert.True(t, provider.IsNotFound(FromStatus(provider.Huawei, "op", 404, cause)))
	assert.True(t, provider.IsTransient(FromStatus(provider.Huawei, "op", 429, cause)))
	assert.True(t, provider.IsTransient(FromStatus(provider.Huawei, "op", 503, cause)))
	assert.True(t, provider.IsFatal(FromStatus(provider.Huawei, "op", 401, cause)))
}
