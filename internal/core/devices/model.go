package devices

import (
	"time"

	"device-orchestrator/internal/core/provider"
)

// Status is the registry's lifecycle state of a device.
type Status string

const (
	StatusCreating     Status = "creating"
	StatusProvisioning Status = "provisioning"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusRebooting    Status = "rebooting"
	StatusError        Status = "error"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
)

// Device is a rented Android device.
// It includes GORM tags for database mapping and JSON tags for API responses.
type Device struct {
	ID       string `gorm:"primaryKey" json:"id" example:"EDIVRWCLGGPGCW7M"`
	TenantID string `gorm:"index" json:"tenantId" example:"acme"`
	OwnerID  string `json:"ownerId,omitempty" example:"user-42"`
	Name     string `json:"name" example:"qa-phone-1"`

	Provider           provider.Name `gorm:"index" json:"provider" example:"docker"`
	ProviderInstanceID *string       `gorm:"index" json:"providerInstanceId,omitempty" example:"redroid-3f2a9c01"`

	CPUCores       int    `json:"cpuCores" example:"2"`
	MemoryMB       int    `json:"memoryMB" example:"4096"`
	StorageMB      int    `json:"storageMB" example:"10240"`
	AndroidVersion string `json:"androidVersion" example:"11"`

	Status    Status  `gorm:"index" json:"status" example:"running"`
	IPAddress *string `json:"ipAddress,omitempty" example:"172.18.0.5"`
	ADBPort   int     `json:"adbPort,omitempty" example:"49153"`
	VNCPort   int     `json:"vncPort,omitempty"`

	// ProviderSpecificConfig is only interpreted by the owning adapter.
	ProviderSpecificConfig map[string]any `gorm:"type:jsonb;serializer:json" json:"providerSpecificConfig,omitempty"`

	LastError string `json:"lastError,omitempty"`
	SagaID    string `gorm:"index" json:"sagaId,omitempty"`
	Version   int64  `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InstanceID returns the provider handle or "".
func (d *Device) InstanceID() string {
	if d.ProviderInstanceID == nil {
		return ""
	}
	return *d.ProviderInstanceID
}

// setStatus moves d along a legal edge and keeps the field invariants:
// no instance handle before provisioning completes, no IP in creating/error.
func (d *Device) setStatus(to Status) error {
	if !CanTransition(d.Status, to) {
		return &TransitionError{From: d.Status, To: to}
	}
	d.Status = to
	switch to {
	case StatusCreating, StatusProvisioning:
		d.ProviderInstanceID = nil
		d.IPAddress = nil
	case StatusError:
		d.IPAddress = nil
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
