package devices

import (
	"context"
	"time"

	"device-orchestrator/internal/core/provider"
)

type EventType string

const (
	EventCreated       EventType = "device.created"
	EventStatusChanged EventType = "device.status_changed"
	EventReconciled    EventType = "device.reconciled"
	EventDeleted       EventType = "device.deleted"
)

// Event is emitted after a registry write commits.
type Event struct {
	Type     EventType     `json:"type"`
	DeviceID string        `json:"deviceId"`
	TenantID string        `json:"tenantId"`
	Provider provider.Name `json:"provider"`
	From     Status        `json:"from,omitempty"`
	To       Status        `json:"to,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
