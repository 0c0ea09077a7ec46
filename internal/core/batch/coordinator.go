// Package batch fans one lifecycle operation out across many devices.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"device-orchestrator/internal/core/apps"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
)

type Op string

const (
	OpStart      Op = "start"
	OpStop       Op = "stop"
	OpReboot     Op = "reboot"
	OpDelete     Op = "delete"
	OpInstallApp Op = "install-app"
)

// ParseOp accepts restart as an alias of reboot.
func ParseOp(s string) (Op, bool) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case OpStart, OpStop, OpReboot, OpDelete, OpInstallApp:
		return op, true
	case "restart":
		return OpReboot, true
	}
	return "", false
}

var (
	ErrUnknownOp  = errors.New("unknown batch operation")
	ErrNoDevices  = errors.New("no device ids given")
	ErrAppMissing = errors.New("appId is required for install-app")
)

// Result is the outcome for one requested device id.
type Result struct {
	DeviceID string `json:"deviceId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Registry is the slice of the device registry batch operations drive.
type Registry interface {
	Start(ctx context.Context, id string) (*devices.Device, error)
	Stop(ctx context.Context, id string) (*devices.Device, error)
	Reboot(ctx context.Context, id string) (*devices.Device, error)
	Delete(ctx context.Context, id string) error
	InstallApp(ctx context.Context, id string, app provider.App) error
}

type Metrics interface {
	MemberFinished(op Op, ok bool, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) MemberFinished(Op, bool, time.Duration) {}

type Config struct {
	Concurrency   int
	MemberTimeout time.Duration
	Metrics       Metrics
}

type Coordinator struct {
	reg     Registry
	catalog apps.Catalog
	cfg     Config
	lg      zerolog.Logger
}

func New(reg Registry, catalog apps.Catalog, cfg Config, lg zerolog.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MemberTimeout <= 0 {
		cfg.MemberTimeout = 2 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if catalog == nil {
		catalog = apps.Static{}
	}
	return &Coordinator{reg: reg, catalog: catalog, cfg: cfg, lg: lg.With().Str("component", "batch").Logger()}
}

type Options struct {
	AppID string
}

// Run applies op to every id and returns one Result per id, in request order.
// Member failures are reported in the results, never as the returned error.
func (c *Coordinator) Run(ctx context.Context, op Op, ids []string, opts Options) ([]Result, error) {
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}
	call, err := c.member(ctx, op, opts)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(ids))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = c.runOne(ctx, op, id, call)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	c.lg.Info().Str("op", string(op)).Int("devices", len(ids)).Int("failed", failed).Msg("batch finished")
	return results, nil
}

func (c *Coordinator) member(ctx context.Context, op Op, opts Options) (func(context.Context, string) error, error) {
	switch op {
	case OpStart:
		return discard(c.reg.Start), nil
	case OpStop:
		return discard(c.reg.Stop), nil
	case OpReboot:
		return discard(c.reg.Reboot), nil
	case OpDelete:
		return c.reg.Delete, nil
	case OpInstallApp:
		if strings.TrimSpace(opts.AppID) == "" {
			return nil, ErrAppMissing
		}
		app, err := c.catalog.Resolve(ctx, opts.AppID)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, id string) error { return c.reg.InstallApp(ctx, id, app) }, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op)
}

func discard(fn func(context.Context, string) (*devices.Device, error)) func(context.Context, string) error {
	return func(ctx context.Context, id string) error {
		_, err := fn(ctx, id)
		return err
	}
}

func (c *Coordinator) runOne(ctx context.Context, op Op, id string, call func(context.Context, string) error) (res Result) {
	res.DeviceID = id
	began := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.lg.Error().Str("device", id).Str("op", string(op)).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("batch member panicked")
			res = Result{DeviceID: id, Error: fmt.Sprintf("internal error: %v", r)}
		}
		c.cfg.Metrics.MemberFinished(op, res.Success, time.Since(began))
	}()

	mctx, cancel := context.WithTimeout(ctx, c.cfg.MemberTimeout)
	defer cancel()
	if err := call(mctx, id); err != nil {
		c.lg.Debug().Err(err).Str("device", id).Str("op", string(op)).Msg("batch member failed")
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}
