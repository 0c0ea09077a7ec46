package connect_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-orchestrator/internal/adapters/memory"
	"device-orchestrator/internal/core/connect"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/provider/providertest"
)

func setup(t *testing.T) (*devices.Manager, *connect.Broker, *providertest.Adapter, *providertest.Adapter) {
	t.Helper()
	docker := providertest.New(provider.Docker, false)
	huawei := providertest.New(provider.Huawei, true)
	huawei.WebRTC = true
	set := provider.NewSet(docker, huawei)
	mgr := devices.New(memory.NewDeviceStore(), set, nil, devices.Options{}, zerolog.Nop())
	t.Cleanup(mgr.Close)
	return mgr, connect.NewBroker(mgr, set, []string{"stun:stun.l.google.com:19302"}, zerolog.Nop()), docker, huawei
}

func register(t *testing.T, mgr *devices.Manager, a *providertest.Adapter, id string) *devices.Device {
	t.Helper()
	inst, err := a.Provision(context.Background(), provider.Spec{IdempotencyKey: id})
	require.NoError(t, err)
	a.SetStatus(inst.ID, provider.StatusRunning)
	d, err := mgr.Register(context.Background(), &devices.Device{ID: id, Provider: a.Name()}, inst,
		provider.Description{Status: provider.StatusRunning})
	require.NoError(t, err)
	return d
}

func TestConnectionInfoForRunningDevice(t *testing.T) {
	mgr, b, docker, _ := setup(t)
	register(t, mgr, docker, "d1")

	ci, err := b.ConnectionInfo(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, ci.ADB)
	assert.NotZero(t, ci.ADB.Port)
	assert.Nil(t, ci.WebRTC)
}

func TestWebRTCGetsDefaultSTUN(t *testing.T) {
	mgr, b, _, huawei := setup(t)
	register(t, mgr, huawei, "h1")

	ci, err := b.ConnectionInfo(context.Background(), "h1")
	require.NoError(t, err)
	require.NotNil(t, ci.WebRTC)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, ci.WebRTC.STUNServers)
	assert.Equal(t, 1, huawei.Calls("connection_info"))

	_, err = b.ConnectionInfo(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, huawei.Calls("connection_info"), "results are not cached")
}

func TestNoConnectionInfoUnlessRunning(t *testing.T) {
	mgr, b, docker, _ := setup(t)
	ctx := context.Background()
	d := register(t, mgr, docker, "d1")

	_, err := mgr.Stop(ctx, "d1")
	require.NoError(t, err)
	ci, err := b.ConnectionInfo(ctx, "d1")
	assert.ErrorIs(t, err, connect.ErrNotConnectable)
	assert.True(t, ci.Empty())
	assert.Equal(t, 0, docker.Calls("connection_info"), "registry status gates the adapter call")

	_, err = mgr.Start(ctx, "d1")
	require.NoError(t, err)
	docker.SetStatus(d.InstanceID(), provider.StatusStopped)
	_, err = b.ConnectionInfo(ctx, "d1")
	assert.ErrorIs(t, err, connect.ErrNotConnectable)
}
