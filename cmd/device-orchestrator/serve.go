package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"device-orchestrator/internal/adapters/aliyun"
	"device-orchestrator/internal/adapters/cloudhttp"
	"device-orchestrator/internal/adapters/docker"
	"device-orchestrator/internal/adapters/gorm"
	"device-orchestrator/internal/adapters/huawei"
	"device-orchestrator/internal/adapters/memory"
	natsadapter "device-orchestrator/internal/adapters/nats"
	"device-orchestrator/internal/adapters/physical"
	"device-orchestrator/internal/adapters/traefik"
	"device-orchestrator/internal/config"
	"device-orchestrator/internal/core/apps"
	"device-orchestrator/internal/core/batch"
	"device-orchestrator/internal/core/connect"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/quota"
	"device-orchestrator/internal/core/saga"
	api "device-orchestrator/internal/delivery/http"
	"device-orchestrator/internal/observability"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply the schema before serving")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info().Str("listen", cfg.ListenAddr).Bool("postgres", cfg.DatabaseURL != "").
		Bool("nats", cfg.NATSURL != "").Msg("boot")

	// graceful-shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()
	metrics := observability.NewMetrics()

	deviceStore, sagaStore, err := openStores(cfg, log)
	if err != nil {
		return err
	}

	var (
		events devices.EventPublisher
		lease  saga.Lease
		nc     *natsadapter.Client
	)
	if cfg.NATSURL != "" {
		nc, err = natsadapter.New(cfg.NATSURL, cfg.ServiceName, log)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		if err := nc.EnsureStream(cfg.EventStream, natsadapter.EventSubjects); err != nil {
			return err
		}
		events = nc.Publisher()
		kv, err := nc.EnsureBucket(cfg.SagaLeaseBucket, cfg.Saga.Timeout+time.Minute)
		if err != nil {
			return err
		}
		lease = natsadapter.NewLease(kv, ownerID(), log)
	}

	set, readiness, err := buildAdapters(cfg, metrics, log)
	if err != nil {
		return err
	}

	var checker quota.Checker = quota.Unlimited{}
	if cfg.QuotaURL != "" {
		checker = quota.NewHTTPChecker(cfg.QuotaURL, cfg.QuotaTimeout)
	}
	catalog, err := apps.ParseStatic(cfg.AppCatalogJSON)
	if err != nil {
		return err
	}

	registry := devices.New(deviceStore, set, events, devices.Options{
		OpTimeout: cfg.Device.OpTimeout,
		OpRetries: cfg.Device.OpRetries,
		Metrics:   metrics,
	}, log)
	defer registry.Close()

	orch := saga.New(saga.Deps{
		Store:    sagaStore,
		Registry: registry,
		Adapters: set,
		Quota:    checker,
		Events:   events,
		Lease:    lease,
	}, saga.Options{
		Timeout:             cfg.Saga.Timeout,
		StepTimeout:         cfg.Saga.StepTimeout,
		StepRetries:         cfg.Saga.StepRetries,
		CompensationTimeout: cfg.Saga.CompensationTimeout,
		Readiness:           readiness,
		DefaultReadiness:    cfg.Saga.ReadinessTimeout,
		Metrics:             metrics,
	}, log)

	if n, err := orch.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("saga recovery")
	} else if n > 0 {
		log.Info().Int("sagas", n).Msg("resumed pending sagas")
	}

	if nc != nil {
		sub := natsadapter.NewStatusSubscriber(registry, cfg.Device.OpTimeout, log)
		if err := sub.Subscribe(nc, cfg.StatusSubject, cfg.ServiceName); err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	handler := api.New(api.Deps{
		Registry:    registry,
		Sagas:       orch,
		Connections: connect.NewBroker(registry, set, cfg.STUNServers, log),
		Batches: batch.New(registry, catalog, batch.Config{
			Concurrency:   cfg.Batch.Concurrency,
			MemberTimeout: cfg.Batch.MemberTimeout,
			Metrics:       metrics,
		}, log),
		Metrics: metrics.Handler(),
	}, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		registry.RunReconciler(gctx, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		orch.RunRecovery(gctx, cfg.Saga.RecoveryInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		orch.Shutdown(sctx)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("bye")
	return err
}

func openStores(cfg config.Config, lg zerolog.Logger) (devices.Store, saga.Store, error) {
	if cfg.DatabaseURL == "" {
		lg.Warn().Msg("DATABASE_URL not set, state is kept in memory")
		return memory.NewDeviceStore(), memory.NewSagaStore(), nil
	}
	db, err := gorm.Open(cfg.DatabaseURL, lg)
	if err != nil {
		return nil, nil, err
	}
	if autoMigrate {
		if err := gorm.Migrate(db, lg); err != nil {
			return nil, nil, err
		}
	}
	return gorm.NewDeviceStore(db), gorm.NewSagaStore(db), nil
}

// buildAdapters wires every enabled provider behind the call guard and
// returns the per-provider readiness deadlines.
func buildAdapters(cfg config.Config, m *observability.Metrics, lg zerolog.Logger) (*provider.Set, map[provider.Name]time.Duration, error) {
	guard := provider.GuardOptions{CallTimeout: cfg.AdapterCallTimeout, Observe: m.ObserveCall}
	var adapters []provider.Adapter
	readiness := map[provider.Name]time.Duration{}

	if cfg.Docker.Enabled {
		eng, err := docker.NewSDK(docker.RegistryAuth{
			Server:   cfg.Registry.Server,
			Username: cfg.Registry.Username,
			Token:    cfg.Registry.Token,
		}, lg)
		if err != nil {
			return nil, nil, fmt.Errorf("docker connect: %w", err)
		}
		var router docker.Router
		if cfg.Traefik.BaseDomain != "" {
			router = traefik.New(traefik.Config{
				BaseDomain:   cfg.Traefik.BaseDomain,
				EntryPoint:   cfg.Traefik.EntryPoint,
				CertResolver: cfg.Traefik.CertResolver,
				Network:      cfg.Traefik.Network,
				PublicPort:   cfg.Traefik.PublicPort,
			})
		}
		adapters = append(adapters, provider.Guard(docker.New(eng, docker.Config{
			ImageTemplate: cfg.Docker.ImageTemplate,
			ADBHost:       cfg.Docker.ADBHost,
			Scrcpy:        cfg.Docker.Scrcpy,
		}, router, lg), guard))
		readiness[provider.Docker] = cfg.Docker.ReadinessTimeout
	}

	if cfg.HuaweiEnabled() {
		hc := cloudhttp.New(provider.Huawei, cloudhttp.Options{RPS: cfg.Huawei.RPS, Burst: cfg.Huawei.Burst}, lg)
		adapters = append(adapters, provider.Guard(huawei.New(huawei.Config{
			Region:    cfg.Huawei.Region,
			ProjectID: cfg.Huawei.ProjectID,
			Token:     cfg.Huawei.Token,
			Endpoint:  cfg.Huawei.Endpoint,
			ServerID:  cfg.Huawei.ServerID,
			ImageID:   cfg.Huawei.ImageID,
		}, hc, lg), guard))
		readiness[provider.Huawei] = cfg.Huawei.ReadinessTimeout
	}

	if cfg.AliyunEnabled() {
		hc := cloudhttp.New(provider.Aliyun, cloudhttp.Options{RPS: cfg.Aliyun.RPS, Burst: cfg.Aliyun.Burst}, lg)
		adapters = append(adapters, provider.Guard(aliyun.New(aliyun.Config{
			AccessKeyID:     cfg.Aliyun.AccessKeyID,
			AccessKeySecret: cfg.Aliyun.AccessKeySecret,
			Region:          cfg.Aliyun.Region,
			Endpoint:        cfg.Aliyun.Endpoint,
			ImageID:         cfg.Aliyun.ImageID,
			OfficeSiteID:    cfg.Aliyun.OfficeSiteID,
			VSwitchID:       cfg.Aliyun.VSwitchID,
		}, hc, lg), guard))
		readiness[provider.Aliyun] = cfg.Aliyun.ReadinessTimeout
	}

	if cfg.Physical.Enabled {
		bridge, err := physical.NewGADB(cfg.Physical.ADBHost, cfg.Physical.ADBPort)
		if err != nil {
			return nil, nil, fmt.Errorf("adb server: %w", err)
		}
		adapters = append(adapters, provider.Guard(physical.New(bridge, physical.Config{
			ADBServerHost: cfg.Physical.ADBHost,
			ADBServerPort: cfg.Physical.ADBPort,
		}, lg), guard))
		readiness[provider.Physical] = cfg.Physical.ReadinessTimeout
	}

	for _, a := range adapters {
		lg.Info().Str("provider", string(a.Name())).Msg("provider enabled")
	}
	return provider.NewSet(adapters...), readiness, nil
}

// ownerID names this replica in the shared saga lease.
func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}
