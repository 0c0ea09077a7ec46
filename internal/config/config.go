// Package config loads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"device-orchestrator/internal/core/apps"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"device-orchestrator"`
	// DatabaseURL empty keeps devices and sagas in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	// NATSURL empty disables events, status notifications and the shared saga lease.
	NATSURL         string `env:"NATS_URL"`
	EventStream     string `env:"EVENT_STREAM" envDefault:"DEVICE_EVENTS"`
	StatusSubject   string `env:"STATUS_SUBJECT" envDefault:"providers.*.status"`
	SagaLeaseBucket string `env:"SAGA_LEASE_BUCKET" envDefault:"saga_leases"`

	Saga   Saga   `envPrefix:"SAGA_"`
	Device Device `envPrefix:"DEVICE_"`
	Batch  Batch  `envPrefix:"BATCH_"`

	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	AdapterCallTimeout time.Duration `env:"ADAPTER_CALL_TIMEOUT" envDefault:"1m"`
	STUNServers        []string      `env:"STUN_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	QuotaURL           string        `env:"QUOTA_URL"`
	QuotaTimeout       time.Duration `env:"QUOTA_TIMEOUT" envDefault:"5s"`
	AppCatalogJSON     string        `env:"APP_CATALOG_JSON"`
	OTLPEndpoint       string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Docker   Docker   `envPrefix:"DOCKER_"`
	Registry Registry `envPrefix:"REGISTRY_"`
	Traefik  Traefik  `envPrefix:"TRAEFIK_"`
	Huawei   Huawei   `envPrefix:"HUAWEI_"`
	Aliyun   Aliyun   `envPrefix:"ALIYUN_"`
	Physical Physical `envPrefix:"PHYSICAL_"`
}

type Saga struct {
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"10m"`
	StepTimeout         time.Duration `env:"STEP_TIMEOUT" envDefault:"2m"`
	StepRetries         int           `env:"STEP_RETRIES" envDefault:"3"`
	CompensationTimeout time.Duration `env:"COMPENSATION_TIMEOUT" envDefault:"2m"`
	ReadinessTimeout    time.Duration `env:"READINESS_TIMEOUT" envDefault:"5m"`
	RecoveryInterval    time.Duration `env:"RECOVERY_INTERVAL" envDefault:"1m"`
}

type Device struct {
	OpTimeout time.Duration `env:"OP_TIMEOUT" envDefault:"5m"`
	OpRetries int           `env:"OP_RETRIES" envDefault:"2"`
}

type Batch struct {
	Concurrency   int           `env:"CONCURRENCY" envDefault:"8"`
	MemberTimeout time.Duration `env:"MEMBER_TIMEOUT" envDefault:"2m"`
}

type Docker struct {
	Enabled          bool          `env:"ENABLED" envDefault:"true"`
	ImageTemplate    string        `env:"IMAGE_TEMPLATE" envDefault:"redroid/redroid:%s.0.0-latest"`
	ADBHost          string        `env:"ADB_HOST" envDefault:"127.0.0.1"`
	Scrcpy           bool          `env:"SCRCPY"`
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT" envDefault:"2m"`
}

// Registry is the container image registry the Redroid images are pulled from.
type Registry struct {
	Server   string `env:"SERVER"`
	Username string `env:"USERNAME"`
	Token    string `env:"TOKEN"`
}

// Traefik routing stays off while BaseDomain is empty.
type Traefik struct {
	BaseDomain   string `env:"BASE_DOMAIN"`
	EntryPoint   string `env:"ENTRYPOINT" envDefault:"adb"`
	CertResolver string `env:"CERT_RESOLVER"`
	Network      string `env:"NETWORK"`
	PublicPort   int    `env:"PUBLIC_PORT" envDefault:"443"`
}

// Huawei is enabled by setting ProjectID.
type Huawei struct {
	Region           string        `env:"REGION" envDefault:"cn-north-4"`
	ProjectID        string        `env:"PROJECT_ID"`
	Token            string        `env:"TOKEN"`
	Endpoint         string        `env:"ENDPOINT"`
	ServerID         string        `env:"SERVER_ID"`
	ImageID          string        `env:"IMAGE_ID"`
	RPS              float64       `env:"RPS" envDefault:"5"`
	Burst            int           `env:"BURST" envDefault:"10"`
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT" envDefault:"10m"`
}

// Aliyun is enabled by setting AccessKeyID.
type Aliyun struct {
	AccessKeyID      string        `env:"ACCESS_KEY_ID"`
	AccessKeySecret  string        `env:"ACCESS_KEY_SECRET"`
	Region           string        `env:"REGION" envDefault:"cn-hangzhou"`
	Endpoint         string        `env:"ENDPOINT"`
	ImageID          string        `env:"IMAGE_ID"`
	OfficeSiteID     string        `env:"OFFICE_SITE_ID"`
	VSwitchID        string        `env:"VSWITCH_ID"`
	RPS              float64       `env:"RPS" envDefault:"5"`
	Burst            int           `env:"BURST" envDefault:"10"`
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT" envDefault:"10m"`
}

type Physical struct {
	Enabled          bool          `env:"ENABLED"`
	ADBHost          string        `env:"ADB_HOST" envDefault:"127.0.0.1"`
	ADBPort          int           `env:"ADB_PORT" envDefault:"5037"`
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT" envDefault:"1m"`
}

func (c Config) HuaweiEnabled() bool { return c.Huawei.ProjectID != "" }
func (c Config) AliyunEnabled() bool { return c.Aliyun.AccessKeyID != "" }

// Load reads the given dotenv files (".env" when none are named; missing
// files are skipped), then the environment, then validates the result.
// Variables already set in the environment win over dotenv values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// MustLoad is Load for main; it panics on invalid settings.
func MustLoad() Config {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks the rules that span several variables.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.Saga.StepRetries < 0 {
		errs = append(errs, errors.New("SAGA_STEP_RETRIES must be >= 0"))
	}
	if c.Saga.Timeout <= c.Saga.StepTimeout {
		errs = append(errs, errors.New("SAGA_TIMEOUT must exceed SAGA_STEP_TIMEOUT"))
	}
	if c.Batch.Concurrency <= 0 {
		errs = append(errs, errors.New("BATCH_CONCURRENCY must be > 0"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be >= 0"))
	}
	if c.Saga.RecoveryInterval < 0 {
		errs = append(errs, errors.New("SAGA_RECOVERY_INTERVAL must be >= 0"))
	}
	if c.HuaweiEnabled() && c.Huawei.Token == "" {
		errs = append(errs, errors.New("HUAWEI_TOKEN is required with HUAWEI_PROJECT_ID"))
	}
	if c.AliyunEnabled() && c.Aliyun.AccessKeySecret == "" {
		errs = append(errs, errors.New("ALIYUN_ACCESS_KEY_SECRET is required with ALIYUN_ACCESS_KEY_ID"))
	}
	if !c.Docker.Enabled && !c.HuaweiEnabled() && !c.AliyunEnabled() && !c.Physical.Enabled {
		errs = append(errs, errors.New("no provider enabled"))
	}
	if c.AppCatalogJSON != "" {
		if _, err := apps.ParseStatic(c.AppCatalogJSON); err != nil {
			errs = append(errs, fmt.Errorf("APP_CATALOG_JSON: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
