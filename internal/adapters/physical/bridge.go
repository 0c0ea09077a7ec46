package physical

import (
	"context"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// AttachState is how the ADB server sees a handset.
type AttachState string

const (
	Online  AttachState = "online"
	Offline AttachState = "offline"
)

// Bridge is the slice of an ADB server the adapter needs.
type Bridge interface {
	States(ctx context.Context) (map[string]AttachState, error)
	Shell(ctx context.Context, serial string, args ...string) (string, error)
}

// GADB talks to a running adb server through gadb.
type GADB struct {
	client gadb.Client
}

// NewGADB connects to the adb server at host:port.
func NewGADB(host string, port int) (*GADB, error) {
	client, err := gadb.NewClientWith(host, port)
	if err != nil {
		return nil, errors.Wrapf(err, "init adb client %s:%d", host, port)
	}
	return &GADB{client: client}, nil
}

func (g *GADB) States(ctx context.Context) (map[string]AttachState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := g.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	out := make(map[string]AttachState, len(devs))
	for _, d := range devs {
		if d == nil {
			continue
		}
		serial := strings.TrimSpace(d.Serial())
		if serial == "" {
			continue
		}
		st, err := d.State()
		if err != nil || st != gadb.StateOnline {
			out[serial] = Offline
			continue
		}
		out[serial] = Online
	}
	return out, nil
}

func (g *GADB) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("empty shell command")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	devs, err := g.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == serial {
			out, err := d.RunShellCommand(args[0], args[1:]...)
			return out, errors.Wrapf(err, "shell %s on %s", args[0], serial)
		}
	}
	return "", errors.Errorf("device %s not attached", serial)
}
