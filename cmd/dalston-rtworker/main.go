// SPDX-License-Identifier: MIT

// dalston-rtworker hosts real-time transcription sessions. The process
// registers with the session router through the shared state store,
// serves the WebSocket attach endpoint and heartbeats until it drains.
// Gateways dial the advertised URL, so it must be reachable from every
// gateway replica; when config leaves it empty the bound listener
// address fills it in.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/daemon"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/metrics"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/rtworker"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/telemetry"
	"github.com/dalstonhq/dalston/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dalston-rtworker %s\n", version.String())
		return
	}

	log.Configure(log.Config{Service: "dalston-rtworker", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version.Version).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}
	if cfg.Router.TicketSecret == "" {
		logger.Fatal().Msg("router.ticket_secret is required (DALSTON_RT_TICKET_SECRET), without it control-plane tickets cannot be verified")
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("dalston-rtworker exited with error")
	}
	logger.Info().Msg("dalston-rtworker stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	metrics.RecordBuildInfo("dalston-rtworker")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dalston-rtworker",
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

	// Bind before building the worker: the advertised URL defaults to the
	// bound address and has to be dialable before the first heartbeat.
	ln, err := net.Listen("tcp", cfg.RTWorker.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.RTWorker.Listen, err)
	}

	wcfg := cfg.RTWorker
	if wcfg.AdvertiseURL == "" {
		wcfg.AdvertiseURL = advertiseURL(ln.Addr())
		logger.Info().Str("advertise_url", wcfg.AdvertiseURL).Msg("derived advertise URL from listener")
	}

	secret := []byte(cfg.Router.TicketSecret)
	rt := router.New(st, secret, cfg.Router.WorkerTTL, cfg.Router.TicketTTL)

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewPingChecker("store", st.Ping))

	worker, err := rtworker.New(wcfg, secret, rt, hm)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("build worker: %w", err)
	}

	logger.Info().
		Str("worker_id", worker.ID()).
		Str("listen", ln.Addr().String()).
		Str("advertise_url", wcfg.AdvertiseURL).
		Msg("rtworker starting")

	mgr := daemon.NewManager(cfg.Server.ShutdownTimeout)
	mgr.AddListener("session", &http.Server{
		Handler:           worker.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}, ln)
	mgr.AddRunner("heartbeat", worker.Run)
	mgr.OnDrain("worker", func(context.Context) error {
		worker.SetDraining(true)
		return nil
	})
	mgr.OnShutdown("telemetry", tp.Shutdown)

	return mgr.Run(ctx)
}

// advertiseURL turns the bound listener address into a URL other hosts
// can dial. Unspecified listen hosts fall back to the machine hostname.
func advertiseURL(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "127.0.0.1"
		}
		return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port))
	}
	return "http://" + addr.String()
}
