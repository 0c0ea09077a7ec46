package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
)

// StatusSubjects carries provider notifications, one subject per provider:
// providers.<name>.status with a {"instanceId": "..."} body.
const StatusSubjects = "providers.*.status"

// Refresher reconciles the device bound to an instance.
type Refresher interface {
	RefreshInstance(ctx context.Context, p provider.Name, instanceID string) (*devices.Device, error)
}

type statusNotice struct {
	InstanceID string `json:"instanceId"`
}

// StatusSubscriber turns provider notifications into device refreshes.
type StatusSubscriber struct {
	reg     Refresher
	timeout time.Duration
	lg      zerolog.Logger
	sub     *natsgo.Subscription
}

func NewStatusSubscriber(reg Refresher, timeout time.Duration, lg zerolog.Logger) *StatusSubscriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StatusSubscriber{reg: reg, timeout: timeout, lg: lg.With().Str("component", "status-subscriber").Logger()}
}

// Subscribe starts a queue subscription so each notice is handled by one replica.
func (s *StatusSubscriber) Subscribe(c *Client, subject, queue string) error {
	sub, err := c.nc.QueueSubscribe(subject, queue, func(m *natsgo.Msg) {
		s.handle(m.Subject, m.Data)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *StatusSubscriber) Unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *StatusSubscriber) handle(subject string, data []byte) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		s.lg.Warn().Str("subject", subject).Msg("unexpected status subject")
		return
	}
	p, ok := provider.ParseName(parts[1])
	if !ok {
		s.lg.Warn().Str("provider", parts[1]).Msg("status notice for unknown provider")
		return
	}
	var n statusNotice
	if err := json.Unmarshal(data, &n); err != nil || n.InstanceID == "" {
		s.lg.Warn().Str("subject", subject).Msg("malformed status notice")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	d, err := s.reg.RefreshInstance(ctx, p, n.InstanceID)
	switch {
	case errors.Is(err, devices.ErrNotFound):
		s.lg.Debug().Str("provider", string(p)).Str("instance", n.InstanceID).Msg("notice for unknown instance")
	case err != nil:
		s.lg.Error().Err(err).Str("provider", string(p)).Str("instance", n.InstanceID).Msg("refresh from notice")
	default:
		s.lg.Debug().Str("device", d.ID).Str("status", string(d.Status)).Msg("refreshed from notice")
	}
}
