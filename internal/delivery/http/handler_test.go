package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-orchestrator/internal/adapters/memory"
	"device-orchestrator/internal/core/apps"
	"device-orchestrator/internal/core/batch"
	"device-orchestrator/internal/core/connect"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/provider/providertest"
	"device-orchestrator/internal/core/quota"
	"device-orchestrator/internal/core/saga"
)

var fast = provider.Backoff{Initial: time.Millisecond, Multiplier: 1.5, Max: 5 * time.Millisecond}

type env struct {
	srv    *httptest.Server
	orch   *saga.Orchestrator
	docker *providertest.Adapter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	docker := providertest.New(provider.Docker, false)
	set := provider.NewSet(docker)
	reg := devices.New(memory.NewDeviceStore(), set, nil, devices.Options{PollBackoff: fast, RetryBackoff: fast}, zerolog.Nop())
	t.Cleanup(reg.Close)
	orch := saga.New(saga.Deps{Store: memory.NewSagaStore(), Registry: reg, Adapters: set}, saga.Options{
		Timeout: 5 * time.Second, StepTimeout: time.Second, RetryBackoff: fast, PollBackoff: fast, DefaultReadiness: time.Second,
	}, zerolog.Nop())
	t.Cleanup(orch.Wait)
	catalog := apps.Static{"notes": {ID: "notes", PackageName: "com.example.notes", Location: "/sdcard/notes.apk"}}

	h := New(Deps{
		Registry:    reg,
		Sagas:       orch,
		Connections: connect.NewBroker(reg, set, []string{"stun:stun.example:3478"}, zerolog.Nop()),
		Batches:     batch.New(reg, catalog, batch.Config{Concurrency: 4, MemberTimeout: time.Second}, zerolog.Nop()),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	}, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, orch: orch, docker: docker}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(TenantHeader, "acme")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

// createDevice runs a docker creation saga to completion and returns the device id.
func (e *env) createDevice(t *testing.T) string {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/devices", map[string]any{"name": "phone", "provider": "docker", "cpuCores": 2, "memoryMB": 4096})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	created := decode[createDeviceResponse](t, raw)
	require.NotEmpty(t, created.SagaID)
	assert.Equal(t, devices.StatusCreating, created.Device.Status)

	e.orch.Wait()
	resp, raw = e.do(t, http.MethodGet, "/devices/saga/"+created.SagaID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[saga.View](t, raw)
	require.Equal(t, saga.StatusCompleted, v.Status, v.Error)
	require.NotNil(t, v.Device)
	return v.Device.ID
}

func TestCreateAndConnect(t *testing.T) {
	e := newEnv(t)
	id := e.createDevice(t)

	resp, raw := e.do(t, http.MethodGet, "/devices/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[devices.Device](t, raw)
	assert.Equal(t, devices.StatusRunning, d.Status)
	assert.Equal(t, "acme", d.TenantID)

	resp, raw = e.do(t, http.MethodGet, "/devices/"+id+"/connection-info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	ci := decode[provider.ConnectionInfo](t, raw)
	require.NotNil(t, ci.ADB)
	assert.NotZero(t, ci.ADB.Port)

	resp, raw = e.do(t, http.MethodGet, "/devices?provider=docker&status=running,stopped", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]devices.Device](t, raw), 1)
}

func TestLifecycleRoutes(t *testing.T) {
	e := newEnv(t)
	id := e.createDevice(t)

	resp, raw := e.do(t, http.MethodPost, "/devices/"+id+"/stop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	assert.Equal(t, devices.StatusStopped, decode[devices.Device](t, raw).Status)

	resp, raw = e.do(t, http.MethodPost, "/devices/"+id+"/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "illegal_transition", decode[errorBody](t, raw).Code)

	resp, raw = e.do(t, http.MethodGet, "/devices/"+id+"/connection-info", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "not_connectable", decode[errorBody](t, raw).Code)

	resp, _ = e.do(t, http.MethodPost, "/devices/"+id+"/start", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/devices/"+id+"/reboot", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, raw = e.do(t, http.MethodPost, "/devices/"+id+"/refresh", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "docker devices are not refreshable")
	assert.Equal(t, "validation_error", decode[errorBody](t, raw).Code)

	resp, _ = e.do(t, http.MethodDelete, "/devices/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, raw = e.do(t, http.MethodGet, "/devices/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, raw).Code)
	assert.Empty(t, e.docker.Live())
}

func TestBatchRoutes(t *testing.T) {
	e := newEnv(t)
	a, b := e.createDevice(t), e.createDevice(t)

	resp, raw := e.do(t, http.MethodPost, "/devices/batch/restart", batchRequest{DeviceIDs: []string{a, "missing", b}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	res := decode[batchResponse](t, raw).Results
	require.Len(t, res, 3)
	assert.True(t, res[0].Success)
	assert.False(t, res[1].Success)
	assert.Equal(t, "missing", res[1].DeviceID)
	assert.True(t, res[2].Success)

	resp, raw = e.do(t, http.MethodPost, "/devices/batch/install-app", batchRequest{DeviceIDs: []string{a}, AppID: "notes"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.True(t, decode[batchResponse](t, raw).Results[0].Success)

	resp, raw = e.do(t, http.MethodPost, "/devices/batch/install-app", batchRequest{DeviceIDs: []string{a}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decode[errorBody](t, raw).Code)

	resp, _ = e.do(t, http.MethodPost, "/devices/batch/explode", batchRequest{DeviceIDs: []string{a}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/devices/batch/start", batchRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = e.do(t, http.MethodDelete, "/devices/batch", batchRequest{DeviceIDs: []string{a, b}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, r := range decode[batchResponse](t, raw).Results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Empty(t, e.docker.Live())
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t)

	resp, raw := e.do(t, http.MethodPost, "/devices", map[string]any{"name": "x", "provider": "nokia"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decode[errorBody](t, raw).Code)

	resp, _ = e.do(t, http.MethodPost, "/devices", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/devices?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/devices/saga/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/devices/saga/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperationalRoutes(t *testing.T) {
	e := newEnv(t)

	resp, raw := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	resp, raw = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "# metrics")

	resp, raw = e.do(t, http.MethodGet, "/devices", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&saga.ValidationError{Field: "quota", Reason: "over", Err: quota.ErrExceeded}, 400, "quota_exceeded"},
		{&saga.ValidationError{Field: "name", Reason: "empty"}, 400, "validation_error"},
		{saga.ErrQuotaUnavailable, 503, "quota_unavailable"},
		{provider.ResourceExhausted(provider.Huawei, "provision", errors.New("no stock")), 503, "provider_resource_exhausted"},
		{provider.Transient(provider.Aliyun, "start", errors.New("throttled")), 503, "provider_transient"},
		{provider.Fatal(provider.Aliyun, "start", errors.New("bad key")), 502, "provider_fatal"},
		{provider.Fatal(provider.Physical, "install_app", provider.ErrUnsupported), 400, "unsupported"},
		{&devices.TransitionError{From: devices.StatusStopped, To: devices.StatusStopping}, 409, "illegal_transition"},
		{devices.ErrStale, 409, "stale"},
		{saga.ErrFinished, 409, "conflict"},
		{errors.New("boom"), 500, "internal_error"},
	}
	for _, c := range cases {
		status, code := classify(c.err)
		assert.Equal(t, c.status, status, c.err.Error())
		assert.Equal(t, c.code, code, c.err.Error())
	}
}

