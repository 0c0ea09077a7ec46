package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/provider/providertest"
)

func TestClassify(t *testing.T) {
	boom := errors.New("boom")

	assert.Nil(t, provider.Classify(provider.Docker, "start", nil))
	assert.True(t, provider.IsFatal(provider.Classify(provider.Docker, "start", boom)))
	assert.True(t, provider.IsTransient(provider.Classify(provider.Docker, "start", context.DeadlineExceeded)))

	nf := provider.NotFound(provider.Huawei, "describe", boom)
	assert.Same(t, nf, provider.Classify(provider.Docker, "start", nf), "classified errors pass through")
	assert.ErrorIs(t, nf, boom)

	k, ok := provider.KindOf(boom)
	assert.False(t, ok)
	assert.Equal(t, provider.KindFatal, k)
}

func TestBackoffSchedule(t *testing.T) {
	b := provider.ReadinessBackoff
	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 10; i++ {
		d = b.Next(d)
		got = append(got, d)
	}
	assert.Equal(t, 2*time.Second, got[0])
	assert.Equal(t, 3*time.Second, got[1])
	assert.Equal(t, 4500*time.Millisecond, got[2])
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
		assert.LessOrEqual(t, got[i], 30*time.Second)
	}
	assert.Equal(t, 30*time.Second, got[len(got)-1])
}

func TestGuardClassifiesAndObserves(t *testing.T) {
	fake := providertest.New(provider.Aliyun, true)
	fake.Fail("start", errors.New("opaque"))

	var ops []string
	g := provider.Guard(fake, provider.GuardOptions{
		CallTimeout: time.Second,
		Observe: func(p provider.Name, op string, _ time.Duration, _ error) {
			assert.Equal(t, provider.Aliyun, p)
			ops = append(ops, op)
		},
	})

	err := g.Start(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, provider.IsFatal(err))

	_, err = g.Describe(context.Background(), "nope")
	assert.True(t, provider.IsNotFound(err))
	assert.Equal(t, []string{"start", "describe"}, ops)
	assert.True(t, g.Capabilities().Async)
}

func TestWaitForBecomesReady(t *testing.T) {
	fake := providertest.New(provider.Huawei, true)
	fake.ReadyAfter = 3
	inst, err := fake.Provision(context.Background(), provider.Spec{IdempotencyKey: "k"})
	require.NoError(t, err)
	fake.Fail("describe", provider.Transient(provider.Huawei, "describe", errors.New("throttled")))

	fast := provider.Backoff{Initial: time.Millisecond, Multiplier: 1.5, Max: 5 * time.Millisecond}
	d, err := provider.WaitFor(context.Background(), fake, inst.ID, fast, func(d provider.Description) (bool, error) {
		return d.Status == provider.StatusRunning, nil
	})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, d.Status)
	assert.Equal(t, 4, fake.Calls("describe"))
}

func TestWaitForHonoursDeadline(t *testing.T) {
	fake := providertest.New(provider.Huawei, true)
	fake.ProvisionStatus = provider.StatusPending
	inst, err := fake.Provision(context.Background(), provider.Spec{IdempotencyKey: "k"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = provider.WaitFor(ctx, fake, inst.ID, provider.ReadinessBackoff, func(d provider.Description) (bool, error) {
		return d.Status == provider.StatusRunning, nil
	})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second, "wait must not outlive its context")
}

func TestConnectionInfoMerge(t *testing.T) {
	a := provider.ConnectionInfo{WebRTC: &provider.WebRTC{SessionID: "s"}}
	b := provider.ConnectionInfo{ADB: &provider.ADB{Host: "h", Port: 5555}, WebRTC: &provider.WebRTC{SessionID: "other"}}
	m := a.Merge(b)
	assert.Equal(t, "s", m.WebRTC.SessionID)
	assert.Equal(t, "h", m.ADB.Host)
	assert.True(t, provider.ConnectionInfo{}.Empty())
}
