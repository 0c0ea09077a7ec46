package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/quota"
	"device-orchestrator/pkg/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrQuotaUnavailable means the quota service could not answer.
	ErrQuotaUnavailable = errors.New("quota service unavailable")
	ErrFinished         = errors.New("saga already finished")
	ErrNotOwned         = errors.New("saga is driven by another process")
)

// ValidationError is reported synchronously; no saga is started.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Registry is the part of the device registry the saga writes through.
type Registry interface {
	Register(ctx context.Context, d *devices.Device, inst provider.Instance, ready provider.Description) (*devices.Device, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*devices.Device, error)
	FindByInstance(ctx context.Context, p provider.Name, instanceID string) (*devices.Device, error)
}

type Metrics interface {
	SagaFinished(p provider.Name, s Status)
	StepObserved(step Step, o Outcome, took time.Duration)
	CompensationFailed(p provider.Name, step Step)
}

type nopMetrics struct{}

func (nopMetrics) SagaFinished(provider.Name, Status)        {}
func (nopMetrics) StepObserved(Step, Outcome, time.Duration) {}
func (nopMetrics) CompensationFailed(provider.Name, Step)    {}

// Resources are applied to requests that leave shape fields empty.
type Resources struct {
	CPUCores       int
	MemoryMB       int
	StorageMB      int
	AndroidVersion string
}

type Options struct {
	Timeout             time.Duration
	StepTimeout         time.Duration
	StepRetries         int
	CompensationTimeout time.Duration
	RetryBackoff        provider.Backoff
	PollBackoff         provider.Backoff
	// Readiness is the await-readiness deadline per provider; DefaultReadiness otherwise.
	Readiness        map[provider.Name]time.Duration
	DefaultReadiness time.Duration
	Defaults         Resources
	Metrics          Metrics
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 2 * time.Minute
	}
	if o.StepRetries < 0 {
		o.StepRetries = 0
	}
	if o.CompensationTimeout <= 0 {
		o.CompensationTimeout = 2 * time.Minute
	}
	if o.RetryBackoff.Initial <= 0 {
		o.RetryBackoff = provider.Backoff{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second}
	}
	if o.PollBackoff.Initial <= 0 {
		o.PollBackoff = provider.ReadinessBackoff
	}
	if o.DefaultReadiness <= 0 {
		o.DefaultReadiness = 5 * time.Minute
	}
	if o.Defaults.CPUCores == 0 {
		o.Defaults = Resources{CPUCores: 2, MemoryMB: 4096, StorageMB: 10240, AndroidVersion: "11"}
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
}

// Orchestrator runs creation sagas.
type Orchestrator struct {
	store    Store
	reg      Registry
	adapters *provider.Set
	quota    quota.Checker
	events   devices.EventPublisher
	lease    Lease
	opts     Options
	lg       zerolog.Logger
	tracer   trace.Tracer

	bg       context.Context
	stop     context.CancelFunc
	stopping atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

type Deps struct {
	Store    Store
	Registry Registry
	Adapters *provider.Set
	Quota    quota.Checker
	Events   devices.EventPublisher
	Lease    Lease
}

func New(deps Deps, opts Options, lg zerolog.Logger) *Orchestrator {
	opts.defaults()
	if deps.Quota == nil {
		deps.Quota = quota.Unlimited{}
	}
	if deps.Events == nil {
		deps.Events = devices.NopPublisher{}
	}
	if deps.Lease == nil {
		deps.Lease = NewLocalLease()
	}
	bg, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     deps.Store,
		reg:       deps.Registry,
		adapters:  deps.Adapters,
		quota:     deps.Quota,
		events:    deps.Events,
		lease:     deps.Lease,
		opts:      opts,
		lg:        lg.With().Str("component", "saga").Logger(),
		tracer:    otel.Tracer("device-orchestrator/saga"),
		bg:        bg,
		stop:      stop,
		running:   map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
	}
}

// IdempotencyKey derives the provider idempotency key for one step of a saga.
func IdempotencyKey(sagaID string, step Step) string {
	return uuid.NewSHA1(keySpace, []byte(sagaID+":"+string(step))).String()
}

var keySpace = uuid.MustParse("6f1c2a0e-5b7d-4c39-9a8e-3d2f1b0c4e5a")

func (o *Orchestrator) validate(req *CreateRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if _, ok := provider.ParseName(string(req.Provider)); !ok {
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", req.Provider)}
	}
	if _, err := o.adapters.Get(req.Provider); err != nil {
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("provider %q is not configured", req.Provider), Err: err}
	}
	if req.CPUCores < 0 || req.MemoryMB < 0 || req.StorageMB < 0 {
		return &ValidationError{Field: "resources", Reason: "must not be negative"}
	}
	d := o.opts.Defaults
	if req.CPUCores == 0 {
		req.CPUCores = d.CPUCores
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = d.MemoryMB
	}
	if req.StorageMB == 0 {
		req.StorageMB = d.StorageMB
	}
	if req.AndroidVersion == "" {
		req.AndroidVersion = d.AndroidVersion
	}
	return nil
}

// Start validates the request and checks quota synchronously, persists the
// saga and runs the remaining steps in the background. The returned device is
// the partial view handed to the caller.
func (o *Orchestrator) Start(ctx context.Context, req CreateRequest) (*Saga, *devices.Device, error) {
	if err := o.validate(&req); err != nil {
		return nil, nil, err
	}

	began := time.Now()
	err := o.quota.Check(ctx, req.TenantID, quota.Delta{
		Devices: 1, CPUCores: req.CPUCores, MemoryMB: req.MemoryMB, StorageMB: req.StorageMB,
	})
	switch {
	case errors.Is(err, quota.ErrExceeded):
		o.opts.Metrics.StepObserved(StepValidateQuota, OutcomeFailed, time.Since(began))
		return nil, nil, &ValidationError{Field: "quota", Reason: err.Error(), Err: err}
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}
	o.opts.Metrics.StepObserved(StepValidateQuota, OutcomeSucceeded, time.Since(began))

	now := time.Now().UTC()
	s := &Saga{
		ID:              uuid.NewString(),
		PendingDeviceID: rand.ID16(),
		TenantID:        req.TenantID,
		Provider:        req.Provider,
		Request:         req,
		Status:          StatusPending,
		CurrentStep:     StepValidateQuota,
		StepIndex:       StepValidateQuota.Index(),
		History: []HistoryEntry{
			{Step: StepValidateQuota, Outcome: OutcomeStarted, At: now},
			{Step: StepValidateQuota, Outcome: OutcomeSucceeded, At: now},
		},
		Deadline: now.Add(o.opts.Timeout),
	}
	if err := o.store.Create(ctx, s); err != nil {
		return nil, nil, fmt.Errorf("persist saga: %w", err)
	}

	view := *s
	view.History = append([]HistoryEntry(nil), s.History...)

	release, err := o.lease.Acquire(ctx, s.ID)
	if err != nil {
		o.lg.Warn().Err(err).Str("saga", s.ID).Msg("lease not acquired, recovery will pick it up")
	} else {
		o.launch(s, release)
	}
	return &view, partialDevice(&view), nil
}

func partialDevice(s *Saga) *devices.Device {
	return &devices.Device{
		ID:             s.PendingDeviceID,
		TenantID:       s.TenantID,
		OwnerID:        s.Request.OwnerID,
		Name:           s.Request.Name,
		Provider:       s.Provider,
		CPUCores:       s.Request.CPUCores,
		MemoryMB:       s.Request.MemoryMB,
		StorageMB:      s.Request.StorageMB,
		AndroidVersion: s.Request.AndroidVersion,
		Status:         devices.StatusCreating,
		SagaID:         s.ID,
	}
}

func (o *Orchestrator) launch(s *Saga, release func()) {
	ctx, cancel := context.WithDeadline(o.bg, s.Deadline)
	o.mu.Lock()
	o.running[s.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.running, s.ID)
			delete(o.cancelled, s.ID)
			o.mu.Unlock()
		}()
		o.run(ctx, s)
	}()
}

func (o *Orchestrator) run(ctx context.Context, s *Saga) {
	lg := o.lg.With().Str("saga", s.ID).Str("provider", string(s.Provider)).Logger()
	a, err := o.adapters.Get(s.Provider)
	if err != nil {
		o.fail(s, s.CurrentStep, err, nil)
		return
	}

	for idx := s.StepIndex; idx < len(Steps); idx++ {
		step := Steps[idx]
		if s.reached(step, OutcomeSucceeded) {
			continue
		}
		err := ctx.Err()
		if err != nil {
			err = provider.Transient(s.Provider, string(step), err)
		} else {
			err = o.execute(ctx, s, step, a)
		}
		if err != nil {
			if o.interruptedByShutdown(ctx, s.ID) {
				lg.Info().Str("step", string(step)).Msg("shutdown interrupted saga, leaving it for recovery")
				return
			}
			o.fail(s, step, err, a)
			return
		}
	}
	lg.Info().Str("device", s.PendingDeviceID).Msg("saga completed")
}

func (o *Orchestrator) wasCancelled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[id]
}

func (o *Orchestrator) interruptedByShutdown(ctx context.Context, id string) bool {
	return o.stopping.Load() && errors.Is(ctx.Err(), context.Canceled) && !o.wasCancelled(id)
}

// record appends a history entry and writes the saga durably.
func (o *Orchestrator) record(ctx context.Context, s *Saga, step Step, out Outcome, detail string) error {
	s.CurrentStep = step
	if idx := step.Index(); idx > s.StepIndex {
		s.StepIndex = idx
	}
	s.History = append(s.History, HistoryEntry{Step: step, Outcome: out, Detail: detail, At: time.Now().UTC()})
	// Outcomes are written even when the saga context is already done.
	if err := o.store.Save(context.WithoutCancel(ctx), s, s.Version); err != nil {
		return fmt.Errorf("record %s %s: %w", step, out, err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, s *Saga, step Step, a provider.Adapter) error {
	if err := o.record(ctx, s, step, OutcomeStarted, ""); err != nil {
		return err
	}

	timeout := o.opts.StepTimeout
	if step == StepAwaitReadiness {
		timeout = o.opts.DefaultReadiness
		if d, ok := o.opts.Readiness[s.Provider]; ok {
			timeout = d
		}
	}
	// WithTimeout keeps the saga deadline when it is the tighter one.
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx, span := o.tracer.Start(sctx, string(step), trace.WithAttributes(
		attribute.String("saga.id", s.ID),
		attribute.String("provider", string(s.Provider)),
	))
	defer span.End()

	began := time.Now()
	var err error
	var delay time.Duration
	for attempt := 0; ; attempt++ {
		err = o.do(sctx, s, step, a)
		if err == nil || !provider.IsTransient(err) || attempt >= o.opts.StepRetries || sctx.Err() != nil {
			break
		}
		if rerr := o.record(ctx, s, step, OutcomeRetrying, err.Error()); rerr != nil {
			o.lg.Error().Err(rerr).Str("saga", s.ID).Msg("persist saga history")
		}
		delay = o.opts.RetryBackoff.Next(delay)
		if provider.Sleep(sctx, delay) != nil {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.opts.Metrics.StepObserved(step, OutcomeFailed, time.Since(began))
		return err
	}

	if step == StepFinalize {
		s.Status = StatusCompleted
	}
	if err := o.record(ctx, s, step, OutcomeSucceeded, ""); err != nil {
		if step == StepFinalize {
			s.Status = StatusPending
		}
		return err
	}
	o.opts.Metrics.StepObserved(step, OutcomeSucceeded, time.Since(began))
	if step == StepFinalize {
		o.opts.Metrics.SagaFinished(s.Provider, StatusCompleted)
	}
	return nil
}

// Cancel interrupts a saga driven by this process; compensation then runs as
// for any failure.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	cancel, ok := o.running[id]
	if ok {
		o.cancelled[id] = true
	}
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Finished() {
		return ErrFinished
	}
	return ErrNotOwned
}

// Recover resumes pending sagas this process can lease. Sagas past their
// deadline fail with full compensation.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range pending {
		s := pending[i]
		o.mu.Lock()
		_, local := o.running[s.ID]
		o.mu.Unlock()
		if local {
			continue
		}
		release, err := o.lease.Acquire(ctx, s.ID)
		if err != nil {
			o.lg.Debug().Err(err).Str("saga", s.ID).Msg("skip saga")
			continue
		}
		// The listing may predate a run that finished in the meantime.
		cur, err := o.store.Get(ctx, s.ID)
		if err != nil || cur.Status != StatusPending {
			release()
			continue
		}
		o.lg.Info().Str("saga", cur.ID).Str("step", string(cur.CurrentStep)).Msg("resuming saga")
		resumed++
		o.launch(cur, release)
	}
	return resumed, nil
}

// Heal retries the compensation of failed sagas flagged NeedsReconciliation:
// the device row is removed and the provider instance terminated. A saga is
// cleared only when both succeed.
func (o *Orchestrator) Heal(ctx context.Context) (int, error) {
	flagged, err := o.store.ListUnreconciled(ctx)
	if err != nil {
		return 0, err
	}
	healed := 0
	for i := range flagged {
		s := flagged[i]
		release, err := o.lease.Acquire(ctx, s.ID)
		if err != nil {
			continue
		}
		cur, err := o.store.Get(ctx, s.ID)
		if err == nil && cur.Status == StatusFailed && cur.NeedsReconciliation && o.heal(ctx, cur) {
			healed++
		}
		release()
	}
	return healed, nil
}

func (o *Orchestrator) heal(ctx context.Context, s *Saga) bool {
	lg := o.lg.With().Str("saga", s.ID).Str("instance", s.InstanceID).Logger()
	cctx, cancel := context.WithTimeout(ctx, o.opts.CompensationTimeout)
	defer cancel()

	if err := o.removeRow(cctx, s); err != nil {
		lg.Warn().Err(err).Msg("orphan row still present")
		return false
	}
	if s.InstanceID != "" {
		a, err := o.adapters.Get(s.Provider)
		if err == nil {
			err = o.terminate(cctx, s, a)
		}
		if err != nil {
			lg.Warn().Err(err).Msg("orphan instance still present")
			return false
		}
	}
	s.NeedsReconciliation = false
	o.note(ctx, s, StepAllocate, OutcomeCompensated, "reconciled after failed compensation")
	lg.Info().Msg("orphaned resources released")
	return true
}

// RunRecovery resumes stranded sagas and heals failed compensations every
// interval until ctx is done.
func (o *Orchestrator) RunRecovery(ctx context.Context, interval time.Duration) {
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
			if o.stopping.Load() {
				return
			}
			if n, err := o.Recover(ctx); err != nil && ctx.Err() == nil {
				o.lg.Error().Err(err).Msg("saga recovery sweep")
			} else if n > 0 {
				o.lg.Info().Int("sagas", n).Msg("resumed stranded sagas")
			}
			if n, err := o.Heal(ctx); err != nil && ctx.Err() == nil {
				o.lg.Error().Err(err).Msg("saga heal sweep")
			} else if n > 0 {
				o.lg.Info().Int("sagas", n).Msg("healed failed compensations")
			}
		}
	}
}

// Wait blocks until all sagas driven by this process have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown waits for in-flight sagas until ctx expires, then interrupts the
// rest without compensating so that recovery can resume them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.stopping.Store(true)
		o.stop()
		<-done
	}
}
