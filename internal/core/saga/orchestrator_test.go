package saga_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-orchestrator/internal/adapters/memory"
	"device-orchestrator/internal/core/connect"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/provider/providertest"
	"device-orchestrator/internal/core/quota"
	"device-orchestrator/internal/core/saga"
)

var fast = provider.Backoff{Initial: time.Millisecond, Multiplier: 1.5, Max: 5 * time.Millisecond}

type counters struct {
	mu           sync.Mutex
	finished     map[saga.Status]int
	compensation int
}

func (c *counters) SagaFinished(_ provider.Name, s saga.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished == nil {
		c.finished = map[saga.Status]int{}
	}
	c.finished[s]++
}

func (c *counters) StepObserved(saga.Step, saga.Outcome, time.Duration) {}

func (c *counters) CompensationFailed(provider.Name, saga.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compensation++
}

type harness struct {
	sagas    *memory.SagaStore
	devStore *memory.DeviceStore
	registry *devices.Manager
	docker   *providertest.Adapter
	huawei   *providertest.Adapter
	set      *provider.Set
	metrics  *counters
	lg       zerolog.Logger
	orch     *saga.Orchestrator
}

type option func(*harness, *saga.Deps, *saga.Options)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		sagas:    memory.NewSagaStore(),
		devStore: memory.NewDeviceStore(),
		docker:   providertest.New(provider.Docker, false),
		huawei:   providertest.New(provider.Huawei, true),
		metrics:  &counters{},
		lg:       zerolog.Nop(),
	}
	h.huawei.ReadyAfter = 2
	h.set = provider.NewSet(h.docker, h.huawei)
	h.registry = devices.New(h.devStore, h.set, nil, devices.Options{PollBackoff: fast, RetryBackoff: fast}, zerolog.Nop())
	t.Cleanup(h.registry.Close)

	deps := saga.Deps{Store: h.sagas, Registry: h.registry, Adapters: h.set}
	o := saga.Options{
		Timeout:          5 * time.Second,
		StepTimeout:      time.Second,
		StepRetries:      2,
		RetryBackoff:     fast,
		PollBackoff:      fast,
		Readiness:        map[provider.Name]time.Duration{provider.Docker: time.Second, provider.Huawei: time.Second},
		DefaultReadiness: time.Second,
		Metrics:          h.metrics,
	}
	for _, fn := range opts {
		fn(h, &deps, &o)
	}
	h.orch = saga.New(deps, o, h.lg)
	t.Cleanup(h.orch.Wait)
	return h
}

func (h *harness) create(t *testing.T, p provider.Name) *saga.Saga {
	t.Helper()
	s, dev, err := h.orch.Start(context.Background(), saga.CreateRequest{
		TenantID: "t1", Name: "phone", Provider: p, CPUCores: 2, MemoryMB: 4096,
	})
	require.NoError(t, err)
	require.Equal(t, devices.StatusCreating, dev.Status)
	require.Equal(t, s.PendingDeviceID, dev.ID)
	return s
}

func (h *harness) finish(t *testing.T, id string) *saga.View {
	t.Helper()
	h.orch.Wait()
	v, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestDockerSagaEndToEnd(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, provider.Docker)

	v := h.finish(t, s.ID)
	require.Equal(t, saga.StatusCompleted, v.Status, v.Error)
	assert.Equal(t, saga.StepFinalize, v.CurrentStep)
	require.NotNil(t, v.Device)
	assert.Equal(t, devices.StatusRunning, v.Device.Status)
	assert.NotEmpty(t, v.Device.InstanceID())

	broker := connect.NewBroker(h.registry, h.set, nil, zerolog.Nop())
	ci, err := broker.ConnectionInfo(context.Background(), v.Device.ID)
	require.NoError(t, err)
	require.NotNil(t, ci.ADB)
	assert.NotZero(t, ci.ADB.Port)

	spec, ok := h.docker.Provisioned(v.Device.InstanceID())
	require.True(t, ok)
	assert.Equal(t, 2, spec.CPUCores)
	assert.Equal(t, 4096, spec.MemoryMB)
	assert.Equal(t, saga.IdempotencyKey(s.ID, saga.StepAllocate), spec.IdempotencyKey)
	assert.Equal(t, 1, h.metrics.finished[saga.StatusCompleted])
}

func TestHuaweiReadinessDeadlineFails(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ *saga.Deps, o *saga.Options) {
		o.Readiness[provider.Huawei] = 60 * time.Millisecond
	})
	h.huawei.ProvisionStatus = provider.StatusPending

	s := h.create(t, provider.Huawei)
	v := h.finish(t, s.ID)

	assert.Equal(t, saga.StatusFailed, v.Status)
	assert.Equal(t, saga.StepAwaitReadiness, v.FailedStep)
	assert.Contains(t, v.Error, "await-readiness")
	assert.Nil(t, v.Device)
	assert.Equal(t, 1, h.huawei.Calls("terminate"))
	assert.Empty(t, h.huawei.Live())

	list, err := h.registry.List(context.Background(), devices.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// failingRegistry lets Register write its row and then fail.
type failingRegistry struct {
	*devices.Manager
	partial bool
}

func (f *failingRegistry) Register(ctx context.Context, d *devices.Device, inst provider.Instance, ready provider.Description) (*devices.Device, error) {
	if f.partial {
		if _, err := f.Manager.Register(ctx, d, inst, ready); err != nil {
			return nil, err
		}
	}
	return nil, errors.New("database unavailable")
}

func TestCompensationCompleteness(t *testing.T) {
	cases := []struct {
		name       string
		setup      option
		failedStep saga.Step
		terminates int
	}{
		{
			name: "allocate",
			setup: func(h *harness, _ *saga.Deps, _ *saga.Options) {
				h.docker.Fail("provision", provider.Fatal(provider.Docker, "provision", errors.New("bad image")))
			},
			failedStep: saga.StepAllocate,
		},
		{
			name: "await-readiness",
			setup: func(h *harness, _ *saga.Deps, _ *saga.Options) {
				h.docker.ProvisionStatus = provider.StatusError
			},
			failedStep: saga.StepAwaitReadiness,
			terminates: 1,
		},
		{
			name: "register-device",
			setup: func(h *harness, d *saga.Deps, _ *saga.Options) {
				d.Registry = &failingRegistry{Manager: h.registry}
			},
			failedStep: saga.StepRegister,
			terminates: 1,
		},
		{
			name: "register-device with partial row",
			setup: func(h *harness, d *saga.Deps, _ *saga.Options) {
				d.Registry = &failingRegistry{Manager: h.registry, partial: true}
			},
			failedStep: saga.StepRegister,
			terminates: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.setup)
			s := h.create(t, provider.Docker)
			v := h.finish(t, s.ID)

			assert.Equal(t, saga.StatusFailed, v.Status)
			assert.Equal(t, tc.failedStep, v.FailedStep)
			assert.Equal(t, tc.terminates, h.docker.Calls("terminate"))
			assert.Empty(t, h.docker.Live(), "no provider resource may outlive a failed saga")

			list, err := h.registry.List(context.Background(), devices.Filter{})
			require.NoError(t, err)
			assert.Empty(t, list)
			assert.False(t, v.NeedsReconciliation)
		})
	}
}

// lossy creates the instance but loses the first response.
type lossy struct {
	*providertest.Adapter
	mu   sync.Mutex
	lost bool
}

func (l *lossy) Provision(ctx context.Context, spec provider.Spec) (provider.Instance, error) {
	inst, err := l.Adapter.Provision(ctx, spec)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil && !l.lost {
		l.lost = true
		return provider.Instance{}, provider.Transient(provider.Docker, "provision", errors.New("connection reset"))
	}
	return inst, err
}

func TestProvisionRetryIsIdempotent(t *testing.T) {
	var wrapped *lossy
	h := newHarness(t, func(h *harness, d *saga.Deps, _ *saga.Options) {
		wrapped = &lossy{Adapter: h.docker}
		d.Adapters = provider.NewSet(wrapped, h.huawei)
	})
	s := h.create(t, provider.Docker)
	v := h.finish(t, s.ID)

	require.Equal(t, saga.StatusCompleted, v.Status, v.Error)
	assert.Equal(t, 2, h.docker.Calls("provision"))
	assert.Len(t, h.docker.Live(), 1, "a retried provision must not allocate twice")
}

// dropRetry fails the first save of a retrying outcome.
type dropRetry struct {
	*memory.SagaStore
	dropped atomic.Bool
}

func (d *dropRetry) Save(ctx context.Context, s *saga.Saga, expected int64) error {
	last := s.History[len(s.History)-1]
	if last.Outcome == saga.OutcomeRetrying && d.dropped.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return d.SagaStore.Save(ctx, s, expected)
}

func TestLostRetryRecordIsLogged(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, func(h *harness, d *saga.Deps, _ *saga.Options) {
		d.Store = &dropRetry{SagaStore: h.sagas}
		h.lg = zerolog.New(&buf)
	})
	h.docker.Fail("provision", provider.Transient(provider.Docker, "provision", errors.New("timeout")))

	s := h.create(t, provider.Docker)
	v := h.finish(t, s.ID)

	require.Equal(t, saga.StatusCompleted, v.Status, v.Error)
	assert.Contains(t, buf.String(), "persist saga history")
	assert.Contains(t, buf.String(), "connection reset")
}

func TestInstanceOwnedByAnotherDeviceIsNotTerminated(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Register(context.Background(), &devices.Device{ID: "existing", Provider: provider.Docker},
		provider.Instance{ID: "docker-1"}, provider.Description{Status: provider.StatusRunning})
	require.NoError(t, err)

	s := h.create(t, provider.Docker)
	v := h.finish(t, s.ID)

	assert.Equal(t, saga.StatusFailed, v.Status)
	assert.Equal(t, saga.StepAllocate, v.FailedStep)
	assert.Equal(t, 0, h.docker.Calls("terminate"))
	_, err = h.registry.Get(context.Background(), "existing")
	assert.NoError(t, err)
}

type indexRecorder struct {
	*memory.SagaStore
	mu      sync.Mutex
	indexes []int
}

func (r *indexRecorder) Save(ctx context.Context, s *saga.Saga, expected int64) error {
	r.mu.Lock()
	r.indexes = append(r.indexes, s.StepIndex)
	r.mu.Unlock()
	return r.SagaStore.Save(ctx, s, expected)
}

func TestStepIndexNeverDecreases(t *testing.T) {
	for _, failing := range []bool{false, true} {
		rec := &indexRecorder{SagaStore: memory.NewSagaStore()}
		h := newHarness(t, func(h *harness, d *saga.Deps, _ *saga.Options) {
			d.Store = rec
			if failing {
				d.Registry = &failingRegistry{Manager: h.registry, partial: true}
			}
		})
		s := h.create(t, provider.Huawei)
		h.finish(t, s.ID)

		require.NotEmpty(t, rec.indexes)
		for i := 1; i < len(rec.indexes); i++ {
			assert.GreaterOrEqual(t, rec.indexes[i], rec.indexes[i-1])
		}
	}
}

type denyAll struct{}

func (denyAll) Check(context.Context, string, quota.Delta) error {
	return errors.Join(quota.ErrExceeded, errors.New("tenant limit reached"))
}

func TestQuotaExceededIsValidationError(t *testing.T) {
	h := newHarness(t, func(_ *harness, d *saga.Deps, _ *saga.Options) { d.Quota = denyAll{} })

	_, _, err := h.orch.Start(context.Background(), saga.CreateRequest{Name: "p", Provider: provider.Docker})
	var ve *saga.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, quota.ErrExceeded)

	pending, err := h.sagas.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, h.docker.Calls("provision"))
}

func TestInputValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ve *saga.ValidationError

	_, _, err := h.orch.Start(ctx, saga.CreateRequest{Provider: provider.Docker})
	assert.ErrorAs(t, err, &ve)
	_, _, err = h.orch.Start(ctx, saga.CreateRequest{Name: "p", Provider: "genymotion"})
	assert.ErrorAs(t, err, &ve)
	_, _, err = h.orch.Start(ctx, saga.CreateRequest{Name: "p", Provider: provider.Aliyun})
	assert.ErrorAs(t, err, &ve, "known but unconfigured provider")
	_, _, err = h.orch.Start(ctx, saga.CreateRequest{Name: "p", Provider: provider.Docker, CPUCores: -1})
	assert.ErrorAs(t, err, &ve)
}

func TestCancelInterruptsReadinessWait(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ *saga.Deps, o *saga.Options) {
		o.Readiness[provider.Huawei] = time.Minute
		o.PollBackoff = provider.ReadinessBackoff
	})
	h.huawei.ProvisionStatus = provider.StatusPending
	s := h.create(t, provider.Huawei)

	require.Eventually(t, func() bool {
		v, err := h.orch.Status(context.Background(), s.ID)
		return err == nil && v.CurrentStep == saga.StepAwaitReadiness
	}, time.Second, 5*time.Millisecond)

	began := time.Now()
	require.NoError(t, h.orch.Cancel(context.Background(), s.ID))
	v := h.finish(t, s.ID)

	assert.Less(t, time.Since(began), time.Second, "cancel must not wait for the next poll")
	assert.Equal(t, saga.StatusFailed, v.Status)
	assert.Contains(t, v.Error, "cancelled")
	assert.True(t, v.Cancelled)
	assert.Equal(t, 1, h.huawei.Calls("terminate"))
	assert.ErrorIs(t, h.orch.Cancel(context.Background(), s.ID), saga.ErrFinished)
}

func TestCompensationFailureIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.docker.ProvisionStatus = provider.StatusError
	h.docker.Fail("terminate", provider.Fatal(provider.Docker, "terminate", errors.New("daemon gone")))

	s := h.create(t, provider.Docker)
	v := h.finish(t, s.ID)

	assert.Equal(t, saga.StatusFailed, v.Status)
	assert.True(t, v.NeedsReconciliation)
	assert.Equal(t, 1, h.metrics.compensation)
	last := v.History[len(v.History)-1]
	assert.Equal(t, saga.OutcomeCompensationFailed, last.Outcome)
}

// busyOnce refuses the first Acquire as if another replica held the lease.
type busyOnce struct {
	saga.Lease
	refused atomic.Bool
}

func (b *busyOnce) Acquire(ctx context.Context, id string) (func(), error) {
	if b.refused.CompareAndSwap(false, true) {
		return nil, saga.ErrLeaseHeld
	}
	return b.Lease.Acquire(ctx, id)
}

func TestRecoverySweepResumesUnleasedSaga(t *testing.T) {
	lease := &busyOnce{Lease: saga.NewLocalLease()}
	h := newHarness(t, func(_ *harness, d *saga.Deps, _ *saga.Options) { d.Lease = lease })
	s := h.create(t, provider.Docker)
	assert.Zero(t, h.docker.Calls("provision"), "nothing runs without the lease")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.RunRecovery(ctx, 10*time.Millisecond)
	}()
	require.Eventually(t, func() bool {
		cur, err := h.sagas.Get(context.Background(), s.ID)
		return err == nil && cur.Status == saga.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	v := h.finish(t, s.ID)
	assert.Equal(t, 1, h.docker.Calls("provision"))
	require.NotNil(t, v.Device)
	assert.Equal(t, devices.StatusRunning, v.Device.Status)
}

func TestHealReleasesFlaggedInstance(t *testing.T) {
	h := newHarness(t)
	h.docker.ProvisionStatus = provider.StatusError
	h.docker.Fail("terminate", provider.Fatal(provider.Docker, "terminate", errors.New("daemon gone")))

	s := h.create(t, provider.Docker)
	v := h.finish(t, s.ID)
	require.True(t, v.NeedsReconciliation)
	require.Len(t, h.docker.Live(), 1)

	n, err := h.orch.Heal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.docker.Live())

	v = h.finish(t, s.ID)
	assert.Equal(t, saga.StatusFailed, v.Status)
	assert.False(t, v.NeedsReconciliation)

	n, err = h.orch.Heal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "healed sagas leave the sweep")
}

func TestHealKeepsFlagWhileProviderFails(t *testing.T) {
	h := newHarness(t)
	h.docker.ProvisionStatus = provider.StatusError
	gone := provider.Fatal(provider.Docker, "terminate", errors.New("daemon gone"))
	h.docker.Fail("terminate", gone, gone)

	s := h.create(t, provider.Docker)
	h.finish(t, s.ID)

	n, err := h.orch.Heal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	v := h.finish(t, s.ID)
	assert.True(t, v.NeedsReconciliation)
	assert.Len(t, h.docker.Live(), 1)
}

func seedPending(t *testing.T, h *harness, deadline time.Time) (*saga.Saga, string) {
	t.Helper()
	ctx := context.Background()
	id := "11111111-2222-3333-4444-555555555555"
	inst, err := h.docker.Provision(ctx, provider.Spec{IdempotencyKey: saga.IdempotencyKey(id, saga.StepAllocate)})
	require.NoError(t, err)
	now := time.Now().UTC()
	s := &saga.Saga{
		ID:              id,
		PendingDeviceID: "RECOVERED0000001",
		TenantID:        "t1",
		Provider:        provider.Docker,
		Request:         saga.CreateRequest{TenantID: "t1", Name: "phone", Provider: provider.Docker, CPUCores: 2, MemoryMB: 4096},
		Status:          saga.StatusPending,
		CurrentStep:     saga.StepAllocate,
		StepIndex:       saga.StepAllocate.Index(),
		InstanceID:      inst.ID,
		ReadyStatus:     inst.Status,
		History: []saga.HistoryEntry{
			{Step: saga.StepValidateQuota, Outcome: saga.OutcomeSucceeded, At: now},
			{Step: saga.StepAllocate, Outcome: saga.OutcomeStarted, At: now},
			{Step: saga.StepAllocate, Outcome: saga.OutcomeSucceeded, At: now},
		},
		Deadline: deadline,
	}
	require.NoError(t, h.sagas.Create(ctx, s))
	return s, inst.ID
}

func TestRecoverResumesFromCurrentStep(t *testing.T) {
	h := newHarness(t)
	s, inst := seedPending(t, h, time.Now().Add(time.Minute))

	n, err := h.orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v := h.finish(t, s.ID)
	require.Equal(t, saga.StatusCompleted, v.Status, v.Error)
	assert.Equal(t, 1, h.docker.Calls("provision"), "allocation is not repeated")
	assert.Equal(t, inst, v.Device.InstanceID())
}

func TestRecoverExpiredSagaCompensates(t *testing.T) {
	h := newHarness(t)
	s, _ := seedPending(t, h, time.Now().Add(-time.Second))

	_, err := h.orch.Recover(context.Background())
	require.NoError(t, err)
	v := h.finish(t, s.ID)

	assert.Equal(t, saga.StatusFailed, v.Status)
	assert.Contains(t, v.Error, "deadline")
	assert.Equal(t, 1, h.docker.Calls("terminate"))
	assert.Empty(t, h.docker.Live())
}

func TestStatusIsPureRead(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, provider.Huawei)
	v := h.finish(t, s.ID)
	require.Equal(t, saga.StatusCompleted, v.Status, v.Error)

	describes := h.huawei.Calls("describe")
	for i := 0; i < 5; i++ {
		again, err := h.orch.Status(context.Background(), s.ID)
		require.NoError(t, err)
		assert.Equal(t, v.StepIndex, again.StepIndex)
	}
	assert.Equal(t, describes, h.huawei.Calls("describe"))
	assert.Equal(t, 1, h.huawei.Calls("provision"))
}
