// SPDX-License-Identifier: MIT

// dalstond is the dalston control plane in one process: the gateway API,
// the scheduler, the session router monitor and the retention purger.
// Engines and rtworkers scale as separate processes; in virtual mode the
// daemon additionally hosts one synthetic engine per catalogued
// descriptor so a single binary serves local runs end to end.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/api"
	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/daemon"
	"github.com/dalstonhq/dalston/internal/engine"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/retention"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/scheduler"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/telemetry"
	"github.com/dalstonhq/dalston/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dalstond %s\n", version.String())
		return
	}

	log.Configure(log.Config{Service: "dalstond", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version.Version).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("dalstond exited with error")
	}
	logger.Info().Msg("dalstond stopped")
}

// maskURL strips credentials from connection URLs before logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	return u.String()
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("store", maskURL(cfg.Store.URL)).
		Str("bus", maskURL(cfg.Bus.URL)).
		Str("blob", maskURL(cfg.Blob.URL)).
		Bool("virtual", cfg.Virtual).
		Msg("dalstond starting")

	metrics.RecordBuildInfo("dalstond")

	if err := health.PerformStartupChecks(cfg); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dalstond",
		ServiceVersion: version.Version,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b, err := bus.Open(ctx, cfg.Bus.URL, cfg.Bus.Partitions, log.WithComponent("bus"))
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer b.Close()

	blobs, err := blob.Open(cfg.Blob.URL)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	holder, err := catalog.NewHolder(cfg.Catalog.ManifestPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer holder.Stop()
	if cfg.Catalog.Watch {
		if err := holder.StartWatcher(ctx); err != nil {
			logger.Warn().Err(err).Msg("manifest watcher failed to start, reloads disabled")
		}
	}

	secret, err := ticketSecret(cfg.Router.TicketSecret, logger)
	if err != nil {
		return err
	}

	reg := registry.New(st, cfg.Scheduler.HeartbeatTTL)
	jobs := scheduler.NewService(st, b, holder)
	rt := router.New(st, secret, cfg.Router.WorkerTTL, cfg.Router.TicketTTL)
	purger := retention.New(st, blobs, cfg.Retention.SweepInterval, cfg.Retention.DeleteRPS)

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewPingChecker("store", st.Ping))
	hm.RegisterChecker(health.NewPingChecker("bus", b.Ping))
	hm.RegisterChecker(health.NewFileChecker("manifest", cfg.Catalog.ManifestPath))

	gw, err := api.New(cfg.Server, api.Deps{
		Jobs:     jobs,
		Router:   rt,
		Registry: reg,
		Catalog:  holder,
		Store:    st,
		Blobs:    blobs,
		Health:   hm,
		Audit:    audit.New(st),
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	sched := &scheduler.Scheduler{
		Store:          st,
		Bus:            b,
		Catalog:        holder,
		Registry:       reg,
		ReplicaID:      cfg.Scheduler.ReplicaID,
		ConsumerGroup:  cfg.Bus.ConsumerGroup,
		FailFast:       cfg.Scheduler.FailFast,
		RetryCap:       cfg.Scheduler.RetryCap,
		LeaseTTL:       cfg.Scheduler.HeartbeatTTL,
		SweepInterval:  cfg.Scheduler.SweepInterval,
		JobTimeout:     cfg.Scheduler.JobTimeout,
		TimeoutFloor:   cfg.Scheduler.TimeoutFloor,
		TimeoutSafety:  cfg.Scheduler.TimeoutSafety,
		StoreTimeout:   cfg.Scheduler.StoreTimeout,
		EnqueueTimeout: cfg.Scheduler.EnqueueTimeout,
		ConsumeBlock:   cfg.Scheduler.ConsumeBlockTime,
	}

	mgr := daemon.NewManager(cfg.Server.ShutdownTimeout)
	mgr.AddServer("api", &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	})
	mgr.AddRunner("scheduler", sched.Run)
	mgr.AddRunner("session monitor", func(ctx context.Context) error {
		mon := &router.Monitor{Router: rt, Interval: cfg.Router.MonitorInterval}
		mon.Run(ctx)
		return nil
	})
	mgr.AddRunner("retention", func(ctx context.Context) error {
		purger.Run(ctx)
		return nil
	})

	if cfg.Virtual {
		if err := addVirtualEngines(mgr, holder, st, b, reg, blobs, cfg); err != nil {
			return err
		}
	}

	mgr.OnDrain("gateway", func(context.Context) error {
		gw.SetDraining(true)
		return nil
	})
	mgr.OnShutdown("telemetry", tp.Shutdown)

	return mgr.Run(ctx)
}

// ticketSecret returns the shared session ticket secret, minting a
// process-local one when config leaves it empty. A minted secret
// invalidates outstanding tickets on restart and cannot be verified by
// rtworkers running elsewhere.
func ticketSecret(configured string, logger zerolog.Logger) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("mint ticket secret: %w", err)
	}
	logger.Warn().Msg("router.ticket_secret not set, minted a process-local secret")
	return secret, nil
}

// addVirtualEngines hosts one synthetic engine instance per catalogued
// descriptor inside the daemon process.
func addVirtualEngines(mgr *daemon.Manager, holder *catalog.Holder, st store.Store, b bus.Bus, reg *registry.Registry, blobs blob.Store, cfg config.AppConfig) error {
	for _, desc := range holder.Current().Engines() {
		work, err := engine.Virtual(desc.Stage)
		if err != nil {
			return fmt.Errorf("virtual engine %s: %w", desc.ID, err)
		}
		runner := &engine.Runner{
			Descriptor: desc,
			Work:       work,
			Store:      st,
			Bus:        b,
			Registry:   reg,
			Blob:       blobs,
			LeaseTTL:   cfg.Scheduler.HeartbeatTTL,
		}
		mgr.AddRunner("engine "+desc.ID, runner.Run)
	}
	return nil
}
