package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	natsgo "github.com/nats-io/nats.go"

	"device-orchestrator/internal/core/devices"
)

// EventSubjects is the subject filter of the events stream.
const EventSubjects = "devices.*.events"

func eventSubject(deviceID string) string { return "devices." + deviceID + ".events" }

type jsPublisher interface {
	Publish(subj string, data []byte, opts ...natsgo.PubOpt) (*natsgo.PubAck, error)
}

// EventPublisher publishes registry events to JetStream.
type EventPublisher struct {
	js jsPublisher
}

// Publisher returns an EventPublisher; the stream must exist (EnsureStream).
func (c *Client) Publisher() *EventPublisher { return &EventPublisher{js: c.js} }

func (p *EventPublisher) Publish(ctx context.Context, e devices.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Redelivered publishes of the same event are dropped by the stream.
	msgID := e.DeviceID + ":" + string(e.Type) + ":" + strconv.FormatInt(e.At.UnixNano(), 10)
	if _, err := p.js.Publish(eventSubject(e.DeviceID), data, natsgo.Context(ctx), natsgo.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
