package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

var (
	ErrNoContainer       = errors.New("no such container")
	ErrDaemonUnavailable = errors.New("docker daemon unavailable")
)

const (
	adbPort    nat.Port = "5555/tcp"
	scrcpyPort nat.Port = "27183/tcp"
)

// Container is what the adapter needs to know about a Redroid container.
type Container struct {
	ID         string
	Name       string
	State      string
	IP         string
	ADBPort    int
	ScrcpyPort int
	Labels     map[string]string
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Image    string
	NanoCPUs int64
	Memory   int64
	Labels   map[string]string
	Scrcpy   bool
}

// Engine is the subset of the Docker API the Redroid adapter drives.
type Engine interface {
	Inspect(ctx context.Context, name string) (Container, error)
	Create(ctx context.Context, name string, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string) (string, int, error)
}

// RegistryAuth is used for private Redroid images.
type RegistryAuth struct {
	Server   string
	Username string
	Token    string
}

// SDK implements Engine on top of the Docker Engine client.
type SDK struct {
	cli        *client.Client
	lg         zerolog.Logger
	authHeader string
	networks   []string
}

func NewSDK(auth RegistryAuth, lg zerolog.Logger) (*SDK, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	e := &SDK{cli: cli, lg: lg.With().Str("adapter", "docker").Logger()}

	if auth.Token != "" {
		if hdr, err := e.login(context.Background(), auth); err == nil {
			e.authHeader = hdr
			e.lg.Info().Str("registry", auth.Server).Msg("logged in to image registry")
		} else {
			e.lg.Warn().Err(err).Msg("registry login failed; will try anonymous pulls")
		}
	}

	if nets, err := currentContainerNetworks(cli); err == nil {
		e.networks = nets
		e.lg.Debug().Strs("networks", nets).Msg("parent networks detected")
	} else {
		e.lg.Debug().Msg("running outside a container; using default bridge")
	}

	return e, nil
}

func (e *SDK) Close() error { return e.cli.Close() }

func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", ErrNoContainer, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return err
}

func (e *SDK) Inspect(ctx context.Context, name string) (Container, error) {
	ins, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Container{}, wrap(err)
	}
	return fromInspect(ins), nil
}

func fromInspect(ins types.ContainerJSON) Container {
	var c Container
	if ins.ContainerJSONBase != nil {
		c.ID = ins.ID
		c.Name = trimSlash(ins.Name)
		if ins.State != nil {
			c.State = ins.State.Status
		}
	}
	if ins.Config != nil {
		c.Labels = ins.Config.Labels
	}
	if ns := ins.NetworkSettings; ns != nil {
		c.IP = ns.IPAddress
		for _, ep := range ns.Networks {
			if c.IP == "" && ep != nil {
				c.IP = ep.IPAddress
			}
		}
		c.ADBPort = hostPort(ns.Ports, adbPort)
		c.ScrcpyPort = hostPort(ns.Ports, scrcpyPort)
	}
	return c
}

func hostPort(ports nat.PortMap, p nat.Port) int {
	for _, b := range ports[p] {
		if n, err := strconv.Atoi(b.HostPort); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func trimSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func (e *SDK) Create(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return "", wrap(err)
	}

	exposed := nat.PortSet{adbPort: struct{}{}}
	bindings := nat.PortMap{adbPort: {{HostIP: "0.0.0.0"}}}
	if spec.Scrcpy {
		exposed[scrcpyPort] = struct{}{}
		bindings[scrcpyPort] = []nat.PortBinding{{HostIP: "0.0.0.0"}}
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}, &container.HostConfig{
		Privileged:   true,
		PortBindings: bindings,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.Memory,
		},
	}, nil, nil, name)
	if err != nil {
		return "", wrap(err)
	}

	for _, n := range e.networks {
		if err := e.cli.NetworkConnect(ctx, n, resp.ID, nil); err != nil {
			e.lg.Warn().Err(err).Str("network", n).Msg("connect redroid to network")
		}
	}
	return resp.ID, nil
}

func (e *SDK) Start(ctx context.Context, id string) error {
	return wrap(e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}))
}

func (e *SDK) Stop(ctx context.Context, id string) error {
	return wrap(e.cli.ContainerStop(ctx, id, container.StopOptions{}))
}

func (e *SDK) Restart(ctx context.Context, id string) error {
	return wrap(e.cli.ContainerRestart(ctx, id, container.StopOptions{}))
}

// Remove force-removes the container together with its anonymous volumes.
func (e *SDK) Remove(ctx context.Context, id string) error {
	return wrap(e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}))
}

// Exec runs cmd inside the container and returns its combined output and exit code.
func (e *SDK) Exec(ctx context.Context, id string, cmd []string) (string, int, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, wrap(err)
	}
	att, err := e.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", 0, wrap(err)
	}
	defer att.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, att.Reader); err != nil {
		return "", 0, err
	}
	ins, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return out.String(), 0, wrap(err)
	}
	return out.String(), ins.ExitCode, nil
}

func (e *SDK) ensureImage(ctx context.Context, img string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}
	opts := types.ImagePullOptions{}
	if e.authHeader != "" {
		opts.RegistryAuth = e.authHeader
	}
	e.lg.Info().Str("image", img).Msg("pulling image")
	rc, err := e.cli.ImagePull(ctx, img, opts)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *SDK) login(ctx context.Context, auth RegistryAuth) (string, error) {
	cfg := registrytypes.AuthConfig{
		ServerAddress: auth.Server,
		Username:      auth.Username,
		Password:      auth.Token,
	}
	if _, err := e.cli.RegistryLogin(ctx, cfg); err != nil {
		return "", err
	}
	raw, _ := json.Marshal(cfg)
	return base64.StdEncoding.EncodeToString(raw), nil
}

func currentContainerNetworks(cli *client.Client) ([]string, error) {
	contID, err := os.Hostname()
	if err != nil || len(contID) < 12 {
		return nil, errors.New("not in a container")
	}
	ins, err := cli.ContainerInspect(context.Background(), contID)
	if err != nil {
		return nil, err
	}
	nets := make([]string, 0, len(ins.NetworkSettings.Networks))
	for n := range ins.NetworkSettings.Networks {
		nets = append(nets, n)
	}
	return nets, nil
}
