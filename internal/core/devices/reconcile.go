package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"device-orchestrator/internal/core/provider"
)

func observed(s provider.InstanceStatus) (Status, bool) {
	switch s {
	case provider.StatusRunning:
		return StatusRunning, true
	case provider.StatusStopped:
		return StatusStopped, true
	case provider.StatusError:
		return StatusError, true
	}
	return "", false
}

// Refresh forces a Describe for a cloud device and reconciles the result.
func (m *Manager) Refresh(ctx context.Context, id string) (*Device, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := m.adapters.Get(d.Provider)
	if err != nil {
		return nil, err
	}
	if !a.Capabilities().Async {
		return nil, fmt.Errorf("%w: %s", ErrNotRefreshable, d.Provider)
	}
	return m.reconcileOne(ctx, a, d)
}

// RefreshInstance reconciles the device bound to a provider instance. It is
// driven by status notifications coming from providers.
func (m *Manager) RefreshInstance(ctx context.Context, p provider.Name, instanceID string) (*Device, error) {
	d, err := m.store.FindByInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	a, err := m.adapters.Get(p)
	if err != nil {
		return nil, err
	}
	return m.reconcileOne(ctx, a, d)
}

// Reconcile sweeps all devices in a stable status and corrects the ones the
// provider disagrees with. It returns the number of corrections.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	list, err := m.store.List(ctx, Filter{Statuses: []Status{StatusRunning, StatusStopped, StatusError}})
	if err != nil {
		return 0, err
	}
	fixed := 0
	for i := range list {
		if ctx.Err() != nil {
			return fixed, ctx.Err()
		}
		d := &list[i]
		if d.InstanceID() == "" {
			continue
		}
		a, err := m.adapters.Get(d.Provider)
		if err != nil {
			continue
		}
		before := d.Status
		after, err := m.reconcileOne(ctx, a, d)
		if err != nil {
			m.lg.Warn().Err(err).Str("device", d.ID).Msg("reconcile")
			continue
		}
		if after.Status != before {
			fixed++
		}
	}
	return fixed, nil
}

func (m *Manager) reconcileOne(ctx context.Context, a provider.Adapter, d *Device) (*Device, error) {
	inst := d.InstanceID()
	if inst == "" {
		return d, nil
	}
	desc, err := a.Describe(ctx, inst)

	var want Status
	reason := ""
	switch {
	case provider.IsNotFound(err):
		want, reason = StatusError, "provider instance vanished"
	case err != nil:
		return nil, err
	default:
		s, ok := observed(desc.Status)
		if !ok {
			return d, nil
		}
		want = s
	}

	seen := d.Status
	if !seen.Stable() {
		return d, nil
	}
	if want == seen {
		if want == StatusRunning && desc.IPAddress != "" && d.IPAddress != nil && *d.IPAddress != desc.IPAddress {
			out, _, err := m.mutate(ctx, d.ID, EventStatusChanged, func(x *Device) error {
				if x.Status != seen {
					return errSkip
				}
				x.IPAddress = strPtr(desc.IPAddress)
				return nil
			})
			if errors.Is(err, errSkip) {
				return out, nil
			}
			return out, err
		}
		return d, nil
	}
	if !CanTransition(seen, want) {
		return d, nil
	}

	m.lg.Warn().Str("device", d.ID).Str("provider", string(d.Provider)).
		Str("registry", string(seen)).Str("observed", string(want)).
		Msg("reconciliation mismatch")
	m.opts.Metrics.ReconcileMismatch(d.Provider, seen, want)

	out, _, err := m.mutate(ctx, d.ID, EventReconciled, func(x *Device) error {
		if x.Status != seen {
			return errSkip
		}
		if reason != "" {
			x.LastError = reason
		}
		if err := x.setStatus(want); err != nil {
			return err
		}
		if want == StatusRunning && desc.IPAddress != "" {
			x.IPAddress = strPtr(desc.IPAddress)
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return out, nil
	}
	return out, err
}

// RunReconciler sweeps every interval until ctx is done.
func (m *Manager) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Reconcile(ctx)
			if err != nil && ctx.Err() == nil {
				m.lg.Error().Err(err).Msg("reconcile sweep")
				continue
			}
			m.lg.Debug().Int("corrected", n).Msg("reconcile sweep done")
		}
	}
}
