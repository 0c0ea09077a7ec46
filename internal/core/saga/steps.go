package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
)

func (o *Orchestrator) do(ctx context.Context, s *Saga, step Step, a provider.Adapter) error {
	switch step {
	case StepAllocate:
		return o.allocate(ctx, s, a)
	case StepAwaitReadiness:
		return o.awaitReadiness(ctx, s, a)
	case StepRegister:
		return o.register(ctx, s)
	case StepFinalize:
		return o.finalize(ctx, s)
	}
	// validate-quota runs synchronously in Start.
	return nil
}

func (o *Orchestrator) allocate(ctx context.Context, s *Saga, a provider.Adapter) error {
	r := s.Request
	inst, err := a.Provision(ctx, provider.Spec{
		IdempotencyKey: IdempotencyKey(s.ID, StepAllocate),
		DeviceID:       s.PendingDeviceID,
		TenantID:       s.TenantID,
		Name:           r.Name,
		CPUCores:       r.CPUCores,
		MemoryMB:       r.MemoryMB,
		StorageMB:      r.StorageMB,
		AndroidVersion: r.AndroidVersion,
		Config:         r.ProviderSpecificConfig,
	})
	if err != nil {
		return err
	}

	// The instance belongs to someone else: never record it, so it is never terminated by us.
	owner, err := o.reg.FindByInstance(ctx, s.Provider, inst.ID)
	switch {
	case err == nil && owner.ID != s.PendingDeviceID:
		return provider.Fatal(s.Provider, "provision",
			fmt.Errorf("%w: %s belongs to %s", devices.ErrInstanceInUse, inst.ID, owner.ID))
	case err != nil && !errors.Is(err, devices.ErrNotFound):
		return err
	}

	s.InstanceID = inst.ID
	s.InstanceIP = inst.IPAddress
	s.InstanceADBPort = inst.ADBPort
	s.InstanceConfig = inst.Config
	s.ReadyStatus = inst.Status
	return nil
}

func (o *Orchestrator) awaitReadiness(ctx context.Context, s *Saga, a provider.Adapter) error {
	kicked := false
	d, err := provider.WaitFor(ctx, a, s.InstanceID, o.opts.PollBackoff, func(d provider.Description) (bool, error) {
		switch d.Status {
		case provider.StatusRunning:
			return true, nil
		case provider.StatusError:
			return false, provider.Fatal(s.Provider, "await", errors.New("instance entered error state"))
		case provider.StatusStopped:
			if kicked {
				return false, nil
			}
			kicked = true
			if err := a.Start(ctx, s.InstanceID); err != nil {
				if provider.IsTransient(err) {
					kicked = false
					return false, nil
				}
				return false, err
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	s.ReadyStatus = d.Status
	if d.IPAddress != "" {
		s.InstanceIP = d.IPAddress
	}
	return nil
}

func (o *Orchestrator) register(ctx context.Context, s *Saga) error {
	r := s.Request
	cfg := make(map[string]any, len(r.ProviderSpecificConfig))
	for k, v := range r.ProviderSpecificConfig {
		cfg[k] = v
	}
	dev, err := o.reg.Register(ctx, &devices.Device{
		ID:                     s.PendingDeviceID,
		TenantID:               s.TenantID,
		OwnerID:                r.OwnerID,
		Name:                   r.Name,
		Provider:               s.Provider,
		CPUCores:               r.CPUCores,
		MemoryMB:               r.MemoryMB,
		StorageMB:              r.StorageMB,
		AndroidVersion:         r.AndroidVersion,
		ProviderSpecificConfig: cfg,
		SagaID:                 s.ID,
	}, provider.Instance{
		ID:        s.InstanceID,
		Status:    s.ReadyStatus,
		IPAddress: s.InstanceIP,
		ADBPort:   s.InstanceADBPort,
		Config:    s.InstanceConfig,
	}, provider.Description{Status: s.ReadyStatus, IPAddress: s.InstanceIP})
	if err != nil {
		return err
	}
	id := dev.ID
	s.DeviceID = &id
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, s *Saga) error {
	if err := o.events.Publish(ctx, devices.Event{
		Type:     devices.EventCreated,
		DeviceID: s.PendingDeviceID,
		TenantID: s.TenantID,
		Provider: s.Provider,
		To:       devices.StatusRunning,
		At:       time.Now().UTC(),
	}); err != nil {
		o.lg.Warn().Err(err).Str("saga", s.ID).Msg("publish device.created")
	}
	return nil
}

// note appends a history entry without moving the saga's step cursor.
func (o *Orchestrator) note(ctx context.Context, s *Saga, step Step, out Outcome, detail string) {
	s.History = append(s.History, HistoryEntry{Step: step, Outcome: out, Detail: detail, At: time.Now().UTC()})
	if err := o.store.Save(ctx, s, s.Version); err != nil {
		o.lg.Error().Err(err).Str("saga", s.ID).Msg("persist saga history")
	}
}

// fail records the failing step, compensates in reverse order and only then
// marks the saga failed.
func (o *Orchestrator) fail(s *Saga, step Step, cause error, a provider.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CompensationTimeout)
	defer cancel()

	reason := cause.Error()
	switch {
	case o.wasCancelled(s.ID):
		reason = "cancelled by request"
		s.Cancelled = true
	case !time.Now().Before(s.Deadline):
		reason = "saga deadline exceeded: " + reason
	}
	lg := o.lg.With().Str("saga", s.ID).Str("step", string(step)).Logger()
	lg.Warn().Err(cause).Msg("saga step failed, compensating")

	if err := o.record(ctx, s, step, OutcomeFailed, reason); err != nil {
		lg.Error().Err(err).Msg("persist step failure")
	}
	o.compensate(ctx, s, step, a)

	s.Status = StatusFailed
	s.FailedStep = step
	s.Error = fmt.Sprintf("%s: %s", step, reason)
	if k, ok := provider.KindOf(cause); ok {
		s.ErrorKind = k.String()
	} else {
		s.ErrorKind = "internal"
	}
	if err := o.store.Save(ctx, s, s.Version); err != nil {
		lg.Error().Err(err).Msg("persist saga failure")
	}
	o.opts.Metrics.SagaFinished(s.Provider, StatusFailed)
}

// compensate undoes applied steps from failed back to the first. The failing
// step is included so that its own partial work is undone too.
func (o *Orchestrator) compensate(ctx context.Context, s *Saga, failed Step, a provider.Adapter) {
	for i := failed.Index(); i >= 0; i-- {
		step := Steps[i]
		var err error
		switch step {
		case StepRegister:
			if !s.reached(StepRegister, OutcomeStarted) {
				continue
			}
			err = o.removeRow(ctx, s)
		case StepAllocate:
			// Also covers await-readiness, which shares this Terminate.
			if s.InstanceID == "" || a == nil {
				continue
			}
			err = o.terminate(ctx, s, a)
		default:
			continue
		}

		if err != nil {
			s.NeedsReconciliation = true
			o.opts.Metrics.CompensationFailed(s.Provider, step)
			o.lg.Error().Err(err).Str("saga", s.ID).Str("step", string(step)).
				Str("instance", s.InstanceID).Msg("compensation failed, flagged for reconciliation")
			o.note(ctx, s, step, OutcomeCompensationFailed, err.Error())
			continue
		}
		o.note(ctx, s, step, OutcomeCompensated, "")
	}
}

func (o *Orchestrator) removeRow(ctx context.Context, s *Saga) error {
	d, err := o.reg.Get(ctx, s.PendingDeviceID)
	if errors.Is(err, devices.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.SagaID != s.ID {
		return nil
	}
	return o.reg.Remove(ctx, s.PendingDeviceID)
}

func (o *Orchestrator) terminate(ctx context.Context, s *Saga, a provider.Adapter) error {
	var delay time.Duration
	for attempt := 0; ; attempt++ {
		err := a.Terminate(ctx, s.InstanceID)
		if err == nil || provider.IsNotFound(err) {
			return nil
		}
		if !provider.IsTransient(err) || attempt >= o.opts.StepRetries {
			return err
		}
		delay = o.opts.RetryBackoff.Next(delay)
		if provider.Sleep(ctx, delay) != nil {
			return err
		}
	}
}

// View is the read model served to clients polling a saga.
type View struct {
	SagaID              string          `json:"sagaId"`
	Status              Status          `json:"status"`
	CurrentStep         Step            `json:"currentStep"`
	StepIndex           int             `json:"stepIndex"`
	Device              *devices.Device `json:"device,omitempty"`
	Error               string          `json:"error,omitempty"`
	FailedStep          Step            `json:"failedStep,omitempty"`
	NeedsReconciliation bool            `json:"needsReconciliation,omitempty"`
	Cancelled           bool            `json:"cancelled,omitempty"`
	History             []HistoryEntry  `json:"history"`
}

// Status reads saga state. It never drives the saga.
func (o *Orchestrator) Status(ctx context.Context, id string) (*View, error) {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{
		SagaID:              s.ID,
		Status:              s.Status,
		CurrentStep:         s.CurrentStep,
		StepIndex:           s.StepIndex,
		Error:               s.Error,
		FailedStep:          s.FailedStep,
		NeedsReconciliation: s.NeedsReconciliation,
		Cancelled:           s.Cancelled,
		History:             s.History,
	}
	switch {
	case s.DeviceID != nil:
		d, err := o.reg.Get(ctx, *s.DeviceID)
		if err != nil && !errors.Is(err, devices.ErrNotFound) {
			return nil, err
		}
		v.Device = d
	case s.Status == StatusPending:
		v.Device = partialDevice(s)
	}
	return v, nil
}
