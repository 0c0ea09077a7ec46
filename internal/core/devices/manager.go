package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"device-orchestrator/internal/core/provider"

	"github.com/rs/zerolog"
)

var (
	ErrNotRunning     = errors.New("device is not running")
	ErrNotRefreshable = errors.New("device provider does not support refresh")
	ErrNoInstance     = errors.New("device has no provider instance")
	ErrInstanceInUse  = errors.New("provider instance already bound to another device")
)

// Metrics receives registry-level signals.
type Metrics interface {
	ReconcileMismatch(p provider.Name, from, to Status)
}

type nopMetrics struct{}

func (nopMetrics) ReconcileMismatch(provider.Name, Status, Status) {}

type Options struct {
	// OpTimeout bounds how long an async provider gets to complete a lifecycle operation.
	OpTimeout time.Duration
	// OpRetries is the number of extra attempts for Transient adapter errors.
	OpRetries    int
	StaleRetries int
	PollBackoff  provider.Backoff
	RetryBackoff provider.Backoff
	Metrics      Metrics
}

func (o *Options) defaults() {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Minute
	}
	if o.StaleRetries <= 0 {
		o.StaleRetries = 3
	}
	if o.PollBackoff.Initial <= 0 {
		o.PollBackoff = provider.ReadinessBackoff
	}
	if o.RetryBackoff.Initial <= 0 {
		o.RetryBackoff = provider.Backoff{Initial: 500 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second}
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
}

// Manager is the device registry: the only writer of Device.Status.
type Manager struct {
	store    Store
	adapters *provider.Set
	events   EventPublisher
	opts     Options
	lg       zerolog.Logger

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, adapters *provider.Set, events EventPublisher, opts Options, lg zerolog.Logger) *Manager {
	opts.defaults()
	if events == nil {
		events = NopPublisher{}
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		adapters: adapters,
		events:   events,
		opts:     opts,
		lg:       lg.With().Str("component", "registry").Logger(),
		bg:       bg,
		cancel:   cancel,
	}
}

// Close stops background completions and waits for them to settle.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until background completions have finished.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) Get(ctx context.Context, id string) (*Device, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f Filter) ([]Device, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) FindByInstance(ctx context.Context, p provider.Name, instanceID string) (*Device, error) {
	return m.store.FindByInstance(ctx, p, instanceID)
}

func (m *Manager) publish(ctx context.Context, e Event) {
	e.At = time.Now().UTC()
	if err := m.events.Publish(ctx, e); err != nil {
		m.lg.Warn().Err(err).Str("device", e.DeviceID).Str("event", string(e.Type)).Msg("publish event")
	}
}

// mutate is the read-validate-write cycle. fn edits the device in place;
// a stale write is retried against a fresh read.
func (m *Manager) mutate(ctx context.Context, id string, ev EventType, fn func(*Device) error) (*Device, Status, error) {
	for attempt := 0; ; attempt++ {
		d, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, "", err
		}
		prev := d.Status
		if err := fn(d); err != nil {
			return d, prev, err
		}
		err = m.store.Update(ctx, d, d.Version)
		if errors.Is(err, ErrStale) && attempt < m.opts.StaleRetries {
			continue
		}
		if err != nil {
			return nil, prev, err
		}
		if d.Status != prev {
			m.publish(ctx, Event{
				Type: ev, DeviceID: d.ID, TenantID: d.TenantID, Provider: d.Provider,
				From: prev, To: d.Status, Reason: d.LastError,
			})
		}
		return d, prev, nil
	}
}

func (m *Manager) retry(ctx context.Context, fn func(context.Context) error) error {
	var delay time.Duration
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !provider.IsTransient(err) || attempt >= m.opts.OpRetries {
			return err
		}
		delay = m.opts.RetryBackoff.Next(delay)
		if serr := provider.Sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// ---------- saga-facing writes ----------

// Register inserts a freshly provisioned device and walks it to its first
// stable status. A row left by an earlier attempt of the same saga is resumed.
func (m *Manager) Register(ctx context.Context, d *Device, inst provider.Instance, ready provider.Description) (*Device, error) {
	if other, err := m.store.FindByInstance(ctx, d.Provider, inst.ID); err == nil && other.ID != d.ID {
		return nil, fmt.Errorf("%w: %s held by %s", ErrInstanceInUse, inst.ID, other.ID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := *d
	row.Status = StatusCreating
	row.ProviderInstanceID = nil
	row.IPAddress = nil
	row.Version = 0
	cur := &row
	if err := m.store.Insert(ctx, &row); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		existing, gerr := m.store.Get(ctx, d.ID)
		if gerr != nil {
			return nil, gerr
		}
		if existing.SagaID != d.SagaID {
			return nil, err
		}
		cur = existing
	}

	final := StatusRunning
	if ready.Status == provider.StatusStopped {
		final = StatusStopped
	}
	ip := ready.IPAddress
	if ip == "" {
		ip = inst.IPAddress
	}

	for {
		var fn func(*Device) error
		switch cur.Status {
		case StatusCreating:
			fn = func(x *Device) error { return x.setStatus(StatusProvisioning) }
		case StatusProvisioning:
			fn = func(x *Device) error {
				if err := x.setStatus(StatusStarting); err != nil {
					return err
				}
				x.ProviderInstanceID = strPtr(inst.ID)
				x.IPAddress = strPtr(ip)
				if inst.ADBPort > 0 {
					x.ADBPort = inst.ADBPort
				}
				if len(inst.Config) > 0 {
					if x.ProviderSpecificConfig == nil {
						x.ProviderSpecificConfig = map[string]any{}
					}
					for k, v := range inst.Config {
						x.ProviderSpecificConfig[k] = v
					}
				}
				return nil
			}
		case StatusStarting:
			fn = func(x *Device) error { return x.setStatus(final) }
		default:
			return cur, nil
		}
		next, _, err := m.mutate(ctx, d.ID, EventStatusChanged, fn)
		if err != nil {
			return nil, err
		}
		cur = next
	}
}

// Remove drops a device row without touching the provider. Used to undo Register.
func (m *Manager) Remove(ctx context.Context, id string) error {
	d, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	m.publish(ctx, Event{Type: EventDeleted, DeviceID: id, TenantID: d.TenantID, Provider: d.Provider, From: d.Status, Reason: "provisioning rolled back"})
	return nil
}

// ---------- lifecycle ----------

type lifecycleOp struct {
	name   string
	via    Status
	target Status
	want   provider.InstanceStatus
	call   func(context.Context, provider.Adapter, string) error
}

var (
	opStart = lifecycleOp{"start", StatusStarting, StatusRunning, provider.StatusRunning,
		func(ctx context.Context, a provider.Adapter, id string) error { return a.Start(ctx, id) }}
	opStop = lifecycleOp{"stop", StatusStopping, StatusStopped, provider.StatusStopped,
		func(ctx context.Context, a provider.Adapter, id string) error { return a.Stop(ctx, id) }}
	opReboot = lifecycleOp{"reboot", StatusRebooting, StatusRunning, provider.StatusRunning,
		func(ctx context.Context, a provider.Adapter, id string) error { return a.Reboot(ctx, id) }}
)

// Start, Stop and Reboot make one adapter call through the state machine.
// Synchronous providers return the completed device. Async providers return
// the in-flight device and complete in the background.
func (m *Manager) Start(ctx context.Context, id string) (*Device, error) {
	return m.lifecycle(ctx, id, opStart)
}

func (m *Manager) Stop(ctx context.Context, id string) (*Device, error) {
	return m.lifecycle(ctx, id, opStop)
}

func (m *Manager) Reboot(ctx context.Context, id string) (*Device, error) {
	return m.lifecycle(ctx, id, opReboot)
}

func (m *Manager) lifecycle(ctx context.Context, id string, op lifecycleOp) (*Device, error) {
	d, prev, err := m.mutate(ctx, id, EventStatusChanged, func(d *Device) error {
		if d.InstanceID() == "" {
			return ErrNoInstance
		}
		return d.setStatus(op.via)
	})
	if err != nil {
		return nil, err
	}
	// The transition is closed even when the caller has gone away.
	sctx, cancel := detached(ctx)
	defer cancel()

	a, err := m.adapters.Get(d.Provider)
	if err != nil {
		m.settle(sctx, id, op, prev, err)
		return nil, err
	}

	lg := m.lg.With().Str("device", id).Str("op", op.name).Logger()
	if err := m.retry(ctx, func(ctx context.Context) error { return op.call(ctx, a, d.InstanceID()) }); err != nil {
		lg.Warn().Err(err).Msg("adapter call failed")
		m.settle(sctx, id, op, prev, err)
		return nil, err
	}

	if !a.Capabilities().Async {
		return m.settle(sctx, id, op, prev, nil)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wctx, cancel := context.WithTimeout(m.bg, m.opts.OpTimeout)
		defer cancel()
		_, werr := provider.WaitFor(wctx, a, d.InstanceID(), m.opts.PollBackoff, func(desc provider.Description) (bool, error) {
			if desc.Status == provider.StatusError {
				return false, provider.Fatal(a.Name(), op.name, errors.New("instance reported error"))
			}
			return desc.Status == op.want, nil
		})
		if werr != nil {
			lg.Warn().Err(werr).Msg("async completion failed")
		}
		m.settle(m.bg, id, op, prev, werr)
	}()
	return d, nil
}

// settle closes an in-flight transition. Only a device still in op.via is
// touched: anything else means another writer moved it on.
func (m *Manager) settle(ctx context.Context, id string, op lifecycleOp, prev Status, cause error) (*Device, error) {
	d, _, err := m.mutate(ctx, id, EventStatusChanged, func(d *Device) error {
		if d.Status != op.via {
			return errSkip
		}
		switch {
		case cause == nil:
			d.LastError = ""
			return d.setStatus(op.target)
		case provider.IsNotFound(cause):
			d.LastError = cause.Error()
			return d.setStatus(StatusError)
		default:
			d.LastError = cause.Error()
			if CanTransition(op.via, prev) {
				return d.setStatus(prev)
			}
			return d.setStatus(StatusError)
		}
	})
	if errors.Is(err, errSkip) {
		return d, nil
	}
	if err != nil {
		m.lg.Error().Err(err).Str("device", id).Str("op", op.name).Msg("settle transition")
	}
	return d, err
}

var errSkip = errors.New("skip")

// settleTimeout bounds writes that finish a transition on a detached context.
const settleTimeout = 10 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// Delete terminates the provider instance, then removes the row. The row is
// never removed while the instance may still exist.
func (m *Manager) Delete(ctx context.Context, id string) error {
	d, _, err := m.mutate(ctx, id, EventStatusChanged, func(d *Device) error {
		if d.Status == StatusDeleting {
			return nil
		}
		return d.setStatus(StatusDeleting)
	})
	if err != nil {
		return err
	}

	sctx, cancel := detached(ctx)
	defer cancel()

	if inst := d.InstanceID(); inst != "" {
		a, err := m.adapters.Get(d.Provider)
		if err == nil {
			err = m.retry(ctx, func(ctx context.Context) error { return a.Terminate(ctx, inst) })
		}
		if err != nil && !provider.IsNotFound(err) {
			m.lg.Error().Err(err).Str("device", id).Msg("terminate failed, device kept")
			_, _, merr := m.mutate(sctx, id, EventStatusChanged, func(d *Device) error {
				if d.Status != StatusDeleting {
					return errSkip
				}
				d.LastError = "terminate: " + err.Error()
				return d.setStatus(StatusError)
			})
			if merr != nil && !errors.Is(merr, errSkip) {
				m.lg.Error().Err(merr).Str("device", id).Msg("mark device error after failed terminate")
			}
			return err
		}
	}

	if _, _, err := m.mutate(sctx, id, EventStatusChanged, func(d *Device) error {
		return d.setStatus(StatusDeleted)
	}); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := m.store.Delete(sctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	m.publish(sctx, Event{Type: EventDeleted, DeviceID: id, TenantID: d.TenantID, Provider: d.Provider, From: StatusDeleted})
	m.lg.Info().Str("device", id).Msg("device deleted")
	return nil
}

// InstallApp pushes a package to a running device.
func (m *Manager) InstallApp(ctx context.Context, id string, app provider.App) error {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != StatusRunning {
		return fmt.Errorf("%w: status %s", ErrNotRunning, d.Status)
	}
	a, err := m.adapters.Get(d.Provider)
	if err != nil {
		return err
	}
	inst, ok := a.(provider.AppInstaller)
	if !ok || !a.Capabilities().InstallApp {
		return provider.Fatal(a.Name(), "install_app", provider.ErrUnsupported)
	}
	return m.retry(ctx, func(ctx context.Context) error { return inst.InstallApp(ctx, d.InstanceID(), app) })
}
