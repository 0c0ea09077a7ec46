package provider

import (
	"context"
	"time"
)

// Observer receives one record per adapter call.
type Observer func(p Name, op string, took time.Duration, err error)

type GuardOptions struct {
	// CallTimeout bounds each call; the caller's deadline wins when it is tighter.
	CallTimeout time.Duration
	Observe     Observer
}

type guarded struct {
	inner Adapter
	opts  GuardOptions
}

// Guard wraps an adapter with a per-call deadline, error classification and
// call observation. The returned adapter always implements AppInstaller.
func Guard(a Adapter, opts GuardOptions) Adapter {
	return &guarded{inner: a, opts: opts}
}

func (g *guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
	}
	start := time.Now()
	err := Classify(g.inner.Name(), op, fn(ctx))
	if g.opts.Observe != nil {
		g.opts.Observe(g.inner.Name(), op, time.Since(start), err)
	}
	return err
}

func (g *guarded) Name() Name { return g.inner.Name() }

func (g *guarded) Capabilities() Capabilities {
	c := g.inner.Capabilities()
	if _, ok := g.inner.(AppInstaller); !ok {
		c.InstallApp = false
	}
	return c
}

func (g *guarded) Provision(ctx context.Context, spec Spec) (inst Instance, err error) {
	err = g.call(ctx, "provision", func(ctx context.Context) error {
		inst, err = g.inner.Provision(ctx, spec)
		return err
	})
	return inst, err
}

func (g *guarded) Start(ctx context.Context, id string) error {
	return g.call(ctx, "start", func(ctx context.Context) error { return g.inner.Start(ctx, id) })
}

func (g *guarded) Stop(ctx context.Context, id string) error {
	return g.call(ctx, "stop", func(ctx context.Context) error { return g.inner.Stop(ctx, id) })
}

func (g *guarded) Reboot(ctx context.Context, id string) error {
	return g.call(ctx, "reboot", func(ctx context.Context) error { return g.inner.Reboot(ctx, id) })
}

func (g *guarded) Terminate(ctx context.Context, id string) error {
	return g.call(ctx, "terminate", func(ctx context.Context) error { return g.inner.Terminate(ctx, id) })
}

func (g *guarded) Describe(ctx context.Context, id string) (d Description, err error) {
	err = g.call(ctx, "describe", func(ctx context.Context) error {
		d, err = g.inner.Describe(ctx, id)
		return err
	})
	return d, err
}

func (g *guarded) FetchConnectionInfo(ctx context.Context, id string) (ci ConnectionInfo, err error) {
	err = g.call(ctx, "connection_info", func(ctx context.Context) error {
		ci, err = g.inner.FetchConnectionInfo(ctx, id)
		return err
	})
	return ci, err
}

func (g *guarded) InstallApp(ctx context.Context, id string, app App) error {
	inst, ok := g.inner.(AppInstaller)
	if !ok {
		return Fatal(g.inner.Name(), "install_app", ErrUnsupported)
	}
	return g.call(ctx, "install_app", func(ctx context.Context) error { return inst.InstallApp(ctx, id, app) })
}
