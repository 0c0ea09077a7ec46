// Package docker runs Redroid cloud phones as local Docker containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"device-orchestrator/internal/core/provider"
)

const (
	DefaultImageTemplate = "redroid/redroid:%s.0.0-latest"

	labelDevice = "device-orchestrator.device"
	labelTenant = "device-orchestrator.tenant"
	labelKey    = "device-orchestrator.key"
)

// Router publishes a container's ADB port behind a reverse proxy.
type Router interface {
	ADBRoute(containerName, deviceID string, port int) (labels map[string]string, address string)
}

type Config struct {
	// ImageTemplate is formatted with the Android version.
	ImageTemplate string
	// ADBHost is the address clients reach published ports on.
	ADBHost string
	Scrcpy  bool
}

// Adapter provisions Redroid containers. All operations complete before returning.
type Adapter struct {
	eng    Engine
	cfg    Config
	router Router
	lg     zerolog.Logger
}

// New builds the adapter; router may be nil.
func New(eng Engine, cfg Config, router Router, lg zerolog.Logger) *Adapter {
	if cfg.ImageTemplate == "" {
		cfg.ImageTemplate = DefaultImageTemplate
	}
	if cfg.ADBHost == "" {
		cfg.ADBHost = "127.0.0.1"
	}
	return &Adapter{eng: eng, cfg: cfg, router: router, lg: lg.With().Str("adapter", "docker").Logger()}
}

func (a *Adapter) Name() provider.Name { return provider.Docker }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Async: false, InstallApp: true}
}

// ContainerName derives a stable container name from an idempotency key.
func ContainerName(key string) string {
	k := strings.ReplaceAll(key, "-", "")
	if len(k) > 16 {
		k = k[:16]
	}
	return "redroid-" + strings.ToLower(k)
}

func (a *Adapter) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoContainer):
		return provider.NotFound(provider.Docker, op, err)
	case errors.Is(err, ErrDaemonUnavailable):
		return provider.Transient(provider.Docker, op, err)
	}
	return provider.Classify(provider.Docker, op, err)
}

func (a *Adapter) Provision(ctx context.Context, spec provider.Spec) (provider.Instance, error) {
	if spec.IdempotencyKey == "" {
		return provider.Instance{}, provider.Fatal(provider.Docker, "provision", errors.New("idempotency key required"))
	}
	name := ContainerName(spec.IdempotencyKey)
	lg := a.lg.With().Str("container", name).Str("device", spec.DeviceID).Logger()

	c, err := a.eng.Inspect(ctx, name)
	switch {
	case err == nil:
		lg.Info().Str("state", c.State).Msg("container already provisioned for key")
		if c.State != "running" {
			if err := a.eng.Start(ctx, name); err != nil {
				return provider.Instance{}, a.classify("provision", err)
			}
		}
		return a.instance(ctx, name, spec.DeviceID)
	case !errors.Is(err, ErrNoContainer):
		return provider.Instance{}, a.classify("provision", err)
	}

	image := fmt.Sprintf(a.cfg.ImageTemplate, spec.AndroidVersion)
	if v, ok := spec.Config["image"].(string); ok && v != "" {
		image = v
	}
	labels := map[string]string{
		labelDevice: spec.DeviceID,
		labelTenant: spec.TenantID,
		labelKey:    spec.IdempotencyKey,
	}
	if a.router != nil {
		extra, _ := a.router.ADBRoute(name, spec.DeviceID, 5555)
		for k, v := range extra {
			labels[k] = v
		}
	}

	if _, err := a.eng.Create(ctx, name, ContainerSpec{
		Image:    image,
		NanoCPUs: int64(spec.CPUCores) * 1e9,
		Memory:   int64(spec.MemoryMB) * 1024 * 1024,
		Labels:   labels,
		Scrcpy:   a.cfg.Scrcpy,
	}); err != nil {
		return provider.Instance{}, a.classify("provision", err)
	}
	if err := a.eng.Start(ctx, name); err != nil {
		return provider.Instance{}, a.classify("provision", err)
	}
	lg.Info().Str("image", image).Msg("redroid container started")
	return a.instance(ctx, name, spec.DeviceID)
}

func (a *Adapter) instance(ctx context.Context, name, deviceID string) (provider.Instance, error) {
	c, err := a.eng.Inspect(ctx, name)
	if err != nil {
		return provider.Instance{}, a.classify("provision", err)
	}
	host, port := a.adbEndpoint(c)
	inst := provider.Instance{
		ID:        name,
		Status:    mapState(c.State),
		IPAddress: host,
		ADBPort:   port,
		Config:    map[string]any{"containerId": c.ID},
	}
	if a.router != nil {
		_, addr := a.router.ADBRoute(name, deviceID, 5555)
		inst.Config["publicAdbAddress"] = addr
	}
	return inst, nil
}

// adbEndpoint prefers the published host port over the container address.
func (a *Adapter) adbEndpoint(c Container) (string, int) {
	if c.ADBPort > 0 {
		return a.cfg.ADBHost, c.ADBPort
	}
	return c.IP, 5555
}

func mapState(s string) provider.InstanceStatus {
	switch s {
	case "running":
		return provider.StatusRunning
	case "created", "restarting":
		return provider.StatusPending
	case "exited", "dead", "paused":
		return provider.StatusStopped
	case "removing":
		return provider.StatusDeleting
	}
	return provider.StatusUnknown
}

func (a *Adapter) Start(ctx context.Context, id string) error {
	return a.classify("start", a.eng.Start(ctx, id))
}

func (a *Adapter) Stop(ctx context.Context, id string) error {
	return a.classify("stop", a.eng.Stop(ctx, id))
}

func (a *Adapter) Reboot(ctx context.Context, id string) error {
	return a.classify("reboot", a.eng.Restart(ctx, id))
}

// Terminate force-removes the container; an absent container is reported as NotFound.
func (a *Adapter) Terminate(ctx context.Context, id string) error {
	err := a.eng.Remove(ctx, id)
	if err == nil {
		a.lg.Info().Str("container", id).Msg("container removed")
	}
	return a.classify("terminate", err)
}

func (a *Adapter) Describe(ctx context.Context, id string) (provider.Description, error) {
	c, err := a.eng.Inspect(ctx, id)
	if err != nil {
		return provider.Description{}, a.classify("describe", err)
	}
	host, _ := a.adbEndpoint(c)
	return provider.Description{Status: mapState(c.State), IPAddress: host}, nil
}

func (a *Adapter) FetchConnectionInfo(ctx context.Context, id string) (provider.ConnectionInfo, error) {
	c, err := a.eng.Inspect(ctx, id)
	if err != nil {
		return provider.ConnectionInfo{}, a.classify("connection_info", err)
	}
	if mapState(c.State) != provider.StatusRunning {
		return provider.ConnectionInfo{}, provider.ErrNotRunning
	}
	host, port := a.adbEndpoint(c)
	ci := provider.ConnectionInfo{ADB: &provider.ADB{Host: host, Port: port, SerialNumber: fmt.Sprintf("%s:%d", host, port)}}
	if a.cfg.Scrcpy && c.ScrcpyPort > 0 {
		ci.Scrcpy = &provider.Scrcpy{Host: a.cfg.ADBHost, Port: c.ScrcpyPort, MaxBitrate: 8_000_000, Codec: "h264"}
	}
	return ci, nil
}

// InstallApp installs an APK that is reachable from inside the container.
func (a *Adapter) InstallApp(ctx context.Context, id string, app provider.App) error {
	if app.Location == "" {
		return provider.Fatal(provider.Docker, "install_app", errors.New("app location is empty"))
	}
	out, code, err := a.eng.Exec(ctx, id, []string{"pm", "install", "-r", app.Location})
	if err != nil {
		return a.classify("install_app", err)
	}
	if code != 0 || !strings.Contains(out, "Success") {
		return provider.Fatal(provider.Docker, "install_app",
			fmt.Errorf("pm install %s exited %d: %s", app.PackageName, code, strings.TrimSpace(out)))
	}
	a.lg.Info().Str("container", id).Str("package", app.PackageName).Msg("app installed")
	return nil
}
