// Package connect turns provider connectivity facts into one uniform response.
package connect

import (
	"context"
	"errors"
	"fmt"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"

	"github.com/rs/zerolog"
)

// ErrNotConnectable is returned for devices that are not running or expose nothing.
var ErrNotConnectable = errors.New("device is not connectable")

// DeviceReader is the slice of the registry the broker needs.
type DeviceReader interface {
	Get(ctx context.Context, id string) (*devices.Device, error)
}

type Broker struct {
	devices  DeviceReader
	adapters *provider.Set
	stun     []string
	lg       zerolog.Logger
}

func NewBroker(reg DeviceReader, adapters *provider.Set, stunServers []string, lg zerolog.Logger) *Broker {
	return &Broker{
		devices:  reg,
		adapters: adapters,
		stun:     stunServers,
		lg:       lg.With().Str("component", "broker").Logger(),
	}
}

// ConnectionInfo asks the owning adapter for fresh connection facts. Results
// are never cached: WebRTC sessions in particular are short-lived.
func (b *Broker) ConnectionInfo(ctx context.Context, deviceID string) (provider.ConnectionInfo, error) {
	d, err := b.devices.Get(ctx, deviceID)
	if err != nil {
		return provider.ConnectionInfo{}, err
	}
	if d.Status != devices.StatusRunning || d.InstanceID() == "" {
		return provider.ConnectionInfo{}, fmt.Errorf("%w: status %s", ErrNotConnectable, d.Status)
	}
	a, err := b.adapters.Get(d.Provider)
	if err != nil {
		return provider.ConnectionInfo{}, err
	}

	ci, err := a.FetchConnectionInfo(ctx, d.InstanceID())
	if errors.Is(err, provider.ErrNotRunning) {
		b.lg.Info().Str("device", d.ID).Msg("provider reports instance not running")
		return provider.ConnectionInfo{}, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	if err != nil {
		return provider.ConnectionInfo{}, err
	}

	if ci.ADB != nil {
		adb := *ci.ADB
		if adb.Host == "" && d.IPAddress != nil {
			adb.Host = *d.IPAddress
		}
		if adb.Port == 0 {
			adb.Port = d.ADBPort
		}
		ci.ADB = &adb
	}
	if ci.WebRTC != nil && len(ci.WebRTC.STUNServers) == 0 && len(b.stun) > 0 {
		w := *ci.WebRTC
		w.STUNServers = append([]string(nil), b.stun...)
		ci.WebRTC = &w
	}
	if ci.Empty() {
		return provider.ConnectionInfo{}, fmt.Errorf("%w: provider returned no endpoints", ErrNotConnectable)
	}
	return ci, nil
}
