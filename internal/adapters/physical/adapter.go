// Package physical exposes handsets attached to an ADB server as devices.
// Binding a handset never wipes it; Terminate only releases it.
package physical

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"device-orchestrator/internal/core/provider"
)

const (
	scrcpyPort    = 27183
	scrcpyBitrate = 8000000
	scrcpyCodec   = "h264"
)

var errNoSerial = errors.New("providerSpecificConfig.serialNumber is required")

type Config struct {
	// ADBServerHost/Port is where USB-attached handsets are reached.
	ADBServerHost string
	ADBServerPort int
}

type Adapter struct {
	bridge Bridge
	cfg    Config
	lg     zerolog.Logger
}

func New(b Bridge, cfg Config, lg zerolog.Logger) *Adapter {
	if cfg.ADBServerHost == "" {
		cfg.ADBServerHost = "127.0.0.1"
	}
	if cfg.ADBServerPort == 0 {
		cfg.ADBServerPort = 5037
	}
	return &Adapter{bridge: b, cfg: cfg, lg: lg.With().Str("adapter", "physical").Logger()}
}

func (a *Adapter) Name() provider.Name { return provider.Physical }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Async: false, InstallApp: true}
}

// attached fails NotFound when the serial is unknown to the server and
// Transient when it is listed but not usable.
func (a *Adapter) attached(ctx context.Context, op, serial string) error {
	states, err := a.bridge.States(ctx)
	if err != nil {
		return provider.Transient(provider.Physical, op, err)
	}
	st, ok := states[serial]
	switch {
	case !ok:
		return provider.NotFound(provider.Physical, op, errors.Errorf("device %s not attached", serial))
	case st != Online:
		return provider.Transient(provider.Physical, op, errors.Errorf("device %s is %s", serial, st))
	}
	return nil
}

func (a *Adapter) shell(ctx context.Context, op, serial string, args ...string) (string, error) {
	out, err := a.bridge.Shell(ctx, serial, args...)
	if err != nil {
		return "", provider.Transient(provider.Physical, op, err)
	}
	return strings.TrimSpace(out), nil
}

func (a *Adapter) booted(ctx context.Context, op, serial string) (bool, error) {
	out, err := a.shell(ctx, op, serial, "getprop", "sys.boot_completed")
	return out == "1", err
}

func (a *Adapter) awake(ctx context.Context, op, serial string) (bool, error) {
	out, err := a.shell(ctx, op, serial, "dumpsys", "power")
	return strings.Contains(out, "mWakefulness=Awake"), err
}

// Provision binds the handset named by serialNumber. The serial is the
// instance id, so repeating the call binds the same handset again.
func (a *Adapter) Provision(ctx context.Context, spec provider.Spec) (provider.Instance, error) {
	serial, _ := spec.Config["serialNumber"].(string)
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return provider.Instance{}, provider.Fatal(provider.Physical, "provision", errNoSerial)
	}
	if err := a.attached(ctx, "provision", serial); err != nil {
		return provider.Instance{}, err
	}
	adb := a.adbFragment(serial)
	a.lg.Info().Str("serial", serial).Str("device", spec.DeviceID).Msg("handset bound")
	return provider.Instance{
		ID:        serial,
		Status:    provider.StatusRunning,
		IPAddress: adb.Host,
		ADBPort:   adb.Port,
		Config:    map[string]any{"serialNumber": serial},
	}, nil
}

func (a *Adapter) Start(ctx context.Context, serial string) error {
	if err := a.attached(ctx, "start", serial); err != nil {
		return err
	}
	if _, err := a.shell(ctx, "start", serial, "input", "keyevent", "KEYCODE_WAKEUP"); err != nil {
		return err
	}
	ok, err := a.booted(ctx, "start", serial)
	if err != nil {
		return err
	}
	if !ok {
		return provider.Transient(provider.Physical, "start", errors.Errorf("device %s has not finished booting", serial))
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context, serial string) error {
	if err := a.attached(ctx, "stop", serial); err != nil {
		return err
	}
	_, err := a.shell(ctx, "stop", serial, "input", "keyevent", "KEYCODE_SLEEP")
	return err
}

func (a *Adapter) Reboot(ctx context.Context, serial string) error {
	if err := a.attached(ctx, "reboot", serial); err != nil {
		return err
	}
	_, err := a.shell(ctx, "reboot", serial, "reboot")
	return err
}

// Terminate puts the screen to sleep and lets the handset go.
func (a *Adapter) Terminate(ctx context.Context, serial string) error {
	if err := a.attached(ctx, "terminate", serial); err != nil {
		return err
	}
	if _, err := a.shell(ctx, "terminate", serial, "input", "keyevent", "KEYCODE_SLEEP"); err != nil {
		return err
	}
	a.lg.Info().Str("serial", serial).Msg("handset released")
	return nil
}

func (a *Adapter) Describe(ctx context.Context, serial string) (provider.Description, error) {
	states, err := a.bridge.States(ctx)
	if err != nil {
		return provider.Description{}, provider.Transient(provider.Physical, "describe", err)
	}
	st, ok := states[serial]
	if !ok {
		return provider.Description{}, provider.NotFound(provider.Physical, "describe", errors.Errorf("device %s not attached", serial))
	}
	d := provider.Description{IPAddress: a.adbFragment(serial).Host}
	if st != Online {
		d.Status = provider.StatusError
		return d, nil
	}
	booted, err := a.booted(ctx, "describe", serial)
	if err != nil {
		return provider.Description{}, err
	}
	if !booted {
		d.Status = provider.StatusPending
		return d, nil
	}
	awake, err := a.awake(ctx, "describe", serial)
	if err != nil {
		return provider.Description{}, err
	}
	d.Status = provider.StatusStopped
	if awake {
		d.Status = provider.StatusRunning
	}
	return d, nil
}

// adbFragment addresses network handsets directly and USB handsets through
// the adb server.
func (a *Adapter) adbFragment(serial string) *provider.ADB {
	if host, p, err := net.SplitHostPort(serial); err == nil {
		if port, err := strconv.Atoi(p); err == nil {
			return &provider.ADB{Host: host, Port: port, SerialNumber: serial}
		}
	}
	return &provider.ADB{Host: a.cfg.ADBServerHost, Port: a.cfg.ADBServerPort, SerialNumber: serial}
}

func (a *Adapter) FetchConnectionInfo(ctx context.Context, serial string) (provider.ConnectionInfo, error) {
	if err := a.attached(ctx, "connection_info", serial); err != nil {
		if provider.IsTransient(err) {
			return provider.ConnectionInfo{}, provider.ErrNotRunning
		}
		return provider.ConnectionInfo{}, err
	}
	adb := a.adbFragment(serial)
	return provider.ConnectionInfo{
		ADB: adb,
		Scrcpy: &provider.Scrcpy{
			Host:       adb.Host,
			Port:       scrcpyPort,
			MaxBitrate: scrcpyBitrate,
			Codec:      scrcpyCodec,
		},
	}, nil
}

// InstallApp installs an APK already present on the handset.
func (a *Adapter) InstallApp(ctx context.Context, serial string, app provider.App) error {
	if app.Location == "" {
		return provider.Fatal(provider.Physical, "install_app", errors.Errorf("app %s has no location", app.ID))
	}
	if err := a.attached(ctx, "install_app", serial); err != nil {
		return err
	}
	out, err := a.shell(ctx, "install_app", serial, "pm", "install", "-r", app.Location)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return provider.Fatal(provider.Physical, "install_app", errors.Errorf("pm install %s: %s", app.Location, out))
	}
	a.lg.Info().Str("serial", serial).Str("package", app.PackageName).Msg("app installed")
	return nil
}
