// Package saga drives device creation as a durable multi-step workflow with
// per-step compensation.
package saga

import (
	"time"

	"device-orchestrator/internal/core/provider"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step names, in execution order.
type Step string

const (
	StepValidateQuota  Step = "validate-quota"
	StepAllocate       Step = "allocate-provider-resource"
	StepAwaitReadiness Step = "await-readiness"
	StepRegister       Step = "register-device"
	StepFinalize       Step = "finalize"
)

var Steps = []Step{StepValidateQuota, StepAllocate, StepAwaitReadiness, StepRegister, StepFinalize}

// Index is the position of s in Steps, -1 if unknown.
func (s Step) Index() int {
	for i, v := range Steps {
		if v == s {
			return i
		}
	}
	return -1
}

type Outcome string

const (
	OutcomeStarted            Outcome = "started"
	OutcomeRetrying           Outcome = "retrying"
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeFailed             Outcome = "failed"
	OutcomeCompensated        Outcome = "compensated"
	OutcomeCompensationFailed Outcome = "compensation_failed"
)

type HistoryEntry struct {
	Step    Step      `json:"step"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// CreateRequest is the validated input of a creation saga.
type CreateRequest struct {
	TenantID               string         `json:"tenantId"`
	OwnerID                string         `json:"ownerId,omitempty"`
	Name                   string         `json:"name"`
	Provider               provider.Name  `json:"provider"`
	CPUCores               int            `json:"cpuCores"`
	MemoryMB               int            `json:"memoryMB"`
	StorageMB              int            `json:"storageMB"`
	AndroidVersion         string         `json:"androidVersion"`
	ProviderSpecificConfig map[string]any `json:"providerSpecificConfig,omitempty"`
}

// Saga is one device creation attempt.
type Saga struct {
	ID              string        `gorm:"primaryKey" json:"sagaId"`
	DeviceID        *string       `json:"deviceId,omitempty"`
	PendingDeviceID string        `json:"pendingDeviceId"`
	TenantID        string        `gorm:"index" json:"tenantId"`
	Provider        provider.Name `json:"provider"`
	Request         CreateRequest `gorm:"type:jsonb;serializer:json" json:"request"`

	Status      Status `gorm:"index" json:"status"`
	CurrentStep Step   `json:"currentStep"`
	// StepIndex never decreases.
	StepIndex int `json:"stepIndex"`

	InstanceID      string                  `json:"instanceId,omitempty"`
	InstanceIP      string                  `json:"instanceIp,omitempty"`
	InstanceADBPort int                     `json:"instanceAdbPort,omitempty"`
	InstanceConfig  map[string]any          `gorm:"type:jsonb;serializer:json" json:"instanceConfig,omitempty"`
	ReadyStatus     provider.InstanceStatus `json:"readyStatus,omitempty"`

	Error      string `json:"error,omitempty"`
	FailedStep Step   `json:"failedStep,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
	// NeedsReconciliation flags a compensation that did not complete.
	NeedsReconciliation bool `json:"needsReconciliation,omitempty"`
	Cancelled           bool `json:"cancelled,omitempty"`

	History  []HistoryEntry `gorm:"type:jsonb;serializer:json" json:"history"`
	Deadline time.Time      `json:"deadline"`
	Version  int64          `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// reached reports whether step has an entry with outcome o.
func (s *Saga) reached(step Step, o Outcome) bool {
	for _, h := range s.History {
		if h.Step == step && h.Outcome == o {
			return true
		}
	}
	return false
}

// Finished is true for completed and failed sagas.
func (s *Saga) Finished() bool { return s.Status != StatusPending }
