// Package providertest offers a scriptable in-memory Adapter.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"device-orchestrator/internal/core/provider"
)

type instance struct {
	status  provider.InstanceStatus
	target  provider.InstanceStatus
	settle  int
	ip      string
	apps    []string
	spec    provider.Spec
	removed bool
}

// Adapter is a fake backend. Sync adapters reach the target status at once;
// async ones after ReadyAfter Describe calls.
type Adapter struct {
	mu sync.Mutex

	name  provider.Name
	caps  provider.Capabilities
	next  int
	insts map[string]*instance
	byKey map[string]string
	calls map[string]int
	fails map[string][]error

	// ReadyAfter is the number of Describe calls an async transition takes.
	ReadyAfter int
	// ProvisionStatus overrides the status a fresh instance reports.
	ProvisionStatus provider.InstanceStatus
	// DescribeHook, when set, replaces the Describe result.
	DescribeHook func(id string, calls int) (provider.Description, error)
	// WebRTC makes FetchConnectionInfo return a WebRTC fragment instead of ADB.
	WebRTC bool
}

func New(name provider.Name, async bool) *Adapter {
	return &Adapter{
		name:  name,
		caps:  provider.Capabilities{Async: async, InstallApp: true},
		insts: map[string]*instance{},
		byKey: map[string]string{},
		calls: map[string]int{},
		fails: map[string][]error{},
	}
}

// Fail queues errors returned by the next calls of op, one per call.
func (a *Adapter) Fail(op string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fails[op] = append(a.fails[op], errs...)
}

// Calls reports how many times op was invoked.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Live reports the ids of instances that have not been terminated.
func (a *Adapter) Live() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for id, in := range a.insts {
		if !in.removed {
			out = append(out, id)
		}
	}
	return out
}

// Status returns the instance's current status.
func (a *Adapter) Status(id string) (provider.InstanceStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.insts[id]
	if !ok || in.removed {
		return "", false
	}
	return in.status, true
}

// SetStatus forces an instance into st, simulating out-of-band changes.
func (a *Adapter) SetStatus(id string, st provider.InstanceStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if in, ok := a.insts[id]; ok {
		in.status, in.target, in.settle = st, st, 0
	}
}

// Apps lists the app ids installed on an instance.
func (a *Adapter) Apps(id string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if in, ok := a.insts[id]; ok {
		return append([]string(nil), in.apps...)
	}
	return nil
}

// Provisioned returns the spec an instance was created from.
func (a *Adapter) Provisioned(id string) (provider.Spec, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.insts[id]
	if !ok {
		return provider.Spec{}, false
	}
	return in.spec, true
}

func (a *Adapter) enter(op string) error {
	a.calls[op]++
	if q := a.fails[op]; len(q) > 0 {
		a.fails[op] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	return nil
}

func (a *Adapter) lookup(op, id string) (*instance, error) {
	in, ok := a.insts[id]
	if !ok || in.removed {
		return nil, provider.NotFound(a.name, op, fmt.Errorf("instance %s", id))
	}
	return in, nil
}

func (a *Adapter) transition(in *instance, via, to provider.InstanceStatus) {
	if !a.caps.Async || a.ReadyAfter == 0 {
		in.status, in.target, in.settle = to, to, 0
		return
	}
	in.status, in.target, in.settle = via, to, a.ReadyAfter
}

func (a *Adapter) Name() provider.Name                 { return a.name }
func (a *Adapter) Capabilities() provider.Capabilities { return a.caps }

func (a *Adapter) Provision(_ context.Context, spec provider.Spec) (provider.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("provision"); err != nil {
		return provider.Instance{}, err
	}
	if id, ok := a.byKey[spec.IdempotencyKey]; ok && spec.IdempotencyKey != "" {
		in := a.insts[id]
		return provider.Instance{ID: id, Status: in.status, IPAddress: in.ip, ADBPort: 5555}, nil
	}
	a.next++
	id := fmt.Sprintf("%s-%d", a.name, a.next)
	in := &instance{ip: fmt.Sprintf("10.0.0.%d", a.next), spec: spec}
	a.insts[id] = in
	a.byKey[spec.IdempotencyKey] = id
	if a.caps.Async {
		in.status, in.target, in.settle = provider.StatusPending, provider.StatusRunning, a.ReadyAfter
	} else {
		in.status, in.target = provider.StatusRunning, provider.StatusRunning
	}
	if a.ProvisionStatus != "" {
		in.status, in.target, in.settle = a.ProvisionStatus, a.ProvisionStatus, 0
	}
	return provider.Instance{ID: id, Status: in.status, IPAddress: in.ip, ADBPort: 5555}, nil
}

func (a *Adapter) Start(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("start"); err != nil {
		return err
	}
	in, err := a.lookup("start", id)
	if err != nil {
		return err
	}
	a.transition(in, provider.StatusPending, provider.StatusRunning)
	return nil
}

func (a *Adapter) Stop(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("stop"); err != nil {
		return err
	}
	in, err := a.lookup("stop", id)
	if err != nil {
		return err
	}
	a.transition(in, provider.StatusPending, provider.StatusStopped)
	return nil
}

func (a *Adapter) Reboot(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("reboot"); err != nil {
		return err
	}
	in, err := a.lookup("reboot", id)
	if err != nil {
		return err
	}
	a.transition(in, provider.StatusRebooting, provider.StatusRunning)
	return nil
}

func (a *Adapter) Terminate(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("terminate"); err != nil {
		return err
	}
	in, err := a.lookup("terminate", id)
	if err != nil {
		return err
	}
	in.removed = true
	return nil
}

func (a *Adapter) Describe(_ context.Context, id string) (provider.Description, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("describe"); err != nil {
		return provider.Description{}, err
	}
	if a.DescribeHook != nil {
		return a.DescribeHook(id, a.calls["describe"])
	}
	in, err := a.lookup("describe", id)
	if err != nil {
		return provider.Description{}, err
	}
	if in.settle > 0 {
		in.settle--
		if in.settle == 0 {
			in.status = in.target
		}
	}
	return provider.Description{Status: in.status, IPAddress: in.ip}, nil
}

func (a *Adapter) FetchConnectionInfo(_ context.Context, id string) (provider.ConnectionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("connection_info"); err != nil {
		return provider.ConnectionInfo{}, err
	}
	in, err := a.lookup("connection_info", id)
	if err != nil {
		return provider.ConnectionInfo{}, err
	}
	if in.status != provider.StatusRunning {
		return provider.ConnectionInfo{}, provider.ErrNotRunning
	}
	if a.WebRTC {
		return provider.ConnectionInfo{WebRTC: &provider.WebRTC{SessionID: "session-" + id, Ticket: "ticket"}}, nil
	}
	return provider.ConnectionInfo{ADB: &provider.ADB{Host: in.ip, Port: 5555}}, nil
}

func (a *Adapter) InstallApp(_ context.Context, id string, app provider.App) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("install_app"); err != nil {
		return err
	}
	in, err := a.lookup("install_app", id)
	if err != nil {
		return err
	}
	if app.Location == "" {
		return provider.Fatal(a.name, "install_app", errors.New("empty location"))
	}
	in.apps = append(in.apps, app.ID)
	return nil
}
