// SPDX-License-Identifier: MIT

// dalston-engine runs one batch engine instance: it registers with the
// engine registry, leases tasks from the engine's queue, executes the
// stage work and reports outcomes to the scheduler. The binary ships the
// virtual work implementations; a real model runtime swaps the Work
// wiring and keeps the rest.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

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
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/telemetry"
	"github.com/dalstonhq/dalston/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dalston-engine %s\n", version.String())
		return
	}

	log.Configure(log.Config{Service: "dalston-engine", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version.Version).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}
	if cfg.Engine.EngineID == "" {
		logger.Fatal().Msg("engine.engine_id is required (DALSTON_ENGINE_ID)")
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("dalston-engine exited with error")
	}
	logger.Info().Msg("dalston-engine stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	metrics.RecordBuildInfo("dalston-engine")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dalston-engine",
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

	desc, ok := holder.Current().Get(cfg.Engine.EngineID)
	if !ok {
		return fmt.Errorf("engine %q is not in the manifest", cfg.Engine.EngineID)
	}
	work, err := engine.Virtual(desc.Stage)
	if err != nil {
		return err
	}

	runner := &engine.Runner{
		Descriptor:     desc,
		Work:           work,
		Store:          st,
		Bus:            b,
		Registry:       registry.New(st, cfg.Scheduler.HeartbeatTTL),
		Blob:           blobs,
		Host:           cfg.Engine.Host,
		MaxConcurrency: cfg.Engine.Concurrency,
		LeaseTTL:       cfg.Scheduler.HeartbeatTTL,
	}

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewPingChecker("store", st.Ping))
	hm.RegisterChecker(health.NewPingChecker("bus", b.Ping))
	hm.RegisterChecker(health.NewFuncChecker("engine", func(context.Context) health.CheckResult {
		if !runner.Ready() {
			return health.CheckResult{Status: health.StatusDegraded, Message: "model not loaded"}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}))

	probes := chi.NewRouter()
	probes.Get("/health", hm.ServeHealth)
	probes.Get("/ready", hm.ServeReady)
	probes.Method(http.MethodGet, "/metrics", promhttp.Handler())

	logger.Info().
		Str("engine_id", desc.ID).
		Str("stage", string(desc.Stage)).
		Str("model", desc.Model).
		Str("queue", desc.QueueName()).
		Msg("engine worker starting")

	mgr := daemon.NewManager(cfg.Server.ShutdownTimeout)
	mgr.AddServer("probe", &http.Server{
		Addr:              cfg.Engine.Listen,
		Handler:           probes,
		ReadHeaderTimeout: 5 * time.Second,
	})
	mgr.AddRunner("engine", runner.Run)
	mgr.OnShutdown("telemetry", tp.Shutdown)

	return mgr.Run(ctx)
}
