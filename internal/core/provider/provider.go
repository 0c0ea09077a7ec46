// Package provider defines the contract every device backend implements.
package provider

import "context"

// Name identifies a backend.
type Name string

const (
	Docker   Name = "docker"
	Huawei   Name = "huawei"
	Aliyun   Name = "aliyun"
	Physical Name = "physical"
)

// ParseName validates a provider name coming from the outside world.
func ParseName(s string) (Name, bool) {
	switch n := Name(s); n {
	case Docker, Huawei, Aliyun, Physical:
		return n, true
	}
	return "", false
}

// InstanceStatus is the provider's own view of an instance, normalised.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusRunning   InstanceStatus = "running"
	StatusStopped   InstanceStatus = "stopped"
	StatusRebooting InstanceStatus = "rebooting"
	StatusDeleting  InstanceStatus = "deleting"
	StatusError     InstanceStatus = "error"
	StatusUnknown   InstanceStatus = "unknown"
)

// Spec is what the orchestrator asks a provider to allocate.
type Spec struct {
	IdempotencyKey string
	DeviceID       string
	TenantID       string
	Name           string
	CPUCores       int
	MemoryMB       int
	StorageMB      int
	AndroidVersion string
	// Config is providerSpecificConfig; only the owning adapter reads it.
	Config map[string]any
}

// Instance is the result of a successful Provision.
type Instance struct {
	ID        string
	Status    InstanceStatus
	IPAddress string
	ADBPort   int
	// Config holds adapter-owned facts merged back into the device's
	// provider config (region, chosen spec, container name...).
	Config map[string]any
}

// Description is one observation of an instance.
type Description struct {
	Status    InstanceStatus
	IPAddress string
}

// Capabilities describes how an adapter behaves.
type Capabilities struct {
	// Async adapters return pending instances; readiness is learned by polling Describe.
	Async      bool
	InstallApp bool
}

// App is a package to be installed on a device.
type App struct {
	ID          string `json:"id"`
	PackageName string `json:"packageName"`
	// Location is a device path, an obs://bucket/key reference or a download URL,
	// depending on what the provider understands.
	Location string `json:"location"`
}

// Adapter is the uniform capability set of a backend. Adapters hold no
// orchestration state; every error they return is classified (see Error).
type Adapter interface {
	Name() Name
	Capabilities() Capabilities
	Provision(ctx context.Context, spec Spec) (Instance, error)
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Reboot(ctx context.Context, instanceID string) error
	Terminate(ctx context.Context, instanceID string) error
	Describe(ctx context.Context, instanceID string) (Description, error)
	FetchConnectionInfo(ctx context.Context, instanceID string) (ConnectionInfo, error)
}

// AppInstaller is implemented by adapters that can push packages to an instance.
type AppInstaller interface {
	InstallApp(ctx context.Context, instanceID string, app App) error
}
