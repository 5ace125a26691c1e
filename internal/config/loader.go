// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load builds the effective configuration: defaults first, then the strict
// YAML file if provided, then environment overrides, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML config file over cfg with STRICT parsing.
// Unknown fields cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnv applies environment overrides. Every key is namespaced DALSTON_.
func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Virtual = ParseBool("DALSTON_VIRTUAL", cfg.Virtual)

	cfg.Server.Listen = ParseString("DALSTON_LISTEN", cfg.Server.Listen)
	cfg.Server.TrustedProxies = ParseCSV("DALSTON_TRUSTED_PROXIES", cfg.Server.TrustedProxies)
	cfg.Server.APITokens = ParseString("DALSTON_API_TOKENS", cfg.Server.APITokens)
	cfg.Server.SubmitRPM = ParseInt("DALSTON_SUBMIT_RPM", cfg.Server.SubmitRPM)
	cfg.Server.MaxUploadBytes = ParseInt64("DALSTON_MAX_UPLOAD_BYTES", cfg.Server.MaxUploadBytes)
	cfg.Server.ShutdownTimeout = ParseDuration("DALSTON_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Bus.URL = ParseString("DALSTON_BROKER_URL", cfg.Bus.URL)
	cfg.Bus.Partitions = ParseInt("DALSTON_PARTITIONS", cfg.Bus.Partitions)
	cfg.Bus.ConsumerGroup = ParseString("DALSTON_CONSUMER_GROUP", cfg.Bus.ConsumerGroup)

	cfg.Store.URL = ParseString("DALSTON_STORE_URL", cfg.Store.URL)
	cfg.Blob.URL = ParseString("DALSTON_BLOB_URL", cfg.Blob.URL)

	cfg.Catalog.ManifestPath = ParseString("DALSTON_MANIFEST", cfg.Catalog.ManifestPath)
	cfg.Catalog.Watch = ParseBool("DALSTON_MANIFEST_WATCH", cfg.Catalog.Watch)

	cfg.Scheduler.ReplicaID = ParseString("DALSTON_REPLICA_ID", cfg.Scheduler.ReplicaID)
	cfg.Scheduler.FailFast = ParseBool("DALSTON_SCHEDULER_FAIL_FAST", cfg.Scheduler.FailFast)
	cfg.Scheduler.RetryCap = ParseInt("DALSTON_RETRY_CAP", cfg.Scheduler.RetryCap)
	cfg.Scheduler.TimeoutFloor = ParseDuration("DALSTON_TIMEOUT_FLOOR", cfg.Scheduler.TimeoutFloor)
	cfg.Scheduler.TimeoutSafety = ParseInt("DALSTON_TIMEOUT_SAFETY", cfg.Scheduler.TimeoutSafety)
	cfg.Scheduler.JobTimeout = ParseDuration("DALSTON_JOB_TIMEOUT", cfg.Scheduler.JobTimeout)
	cfg.Scheduler.HeartbeatTTL = ParseDuration("DALSTON_HEARTBEAT_TTL", cfg.Scheduler.HeartbeatTTL)
	cfg.Scheduler.SweepInterval = ParseDuration("DALSTON_SWEEP_INTERVAL", cfg.Scheduler.SweepInterval)
	cfg.Scheduler.EnqueueTimeout = ParseDuration("DALSTON_ENQUEUE_TIMEOUT", cfg.Scheduler.EnqueueTimeout)
	cfg.Scheduler.StoreTimeout = ParseDuration("DALSTON_STORE_TIMEOUT", cfg.Scheduler.StoreTimeout)
	cfg.Scheduler.ConsumeBlockTime = ParseDuration("DALSTON_CONSUME_BLOCK", cfg.Scheduler.ConsumeBlockTime)

	cfg.Router.WorkerTTL = ParseDuration("DALSTON_RT_WORKER_TTL", cfg.Router.WorkerTTL)
	cfg.Router.MonitorInterval = ParseDuration("DALSTON_RT_MONITOR_INTERVAL", cfg.Router.MonitorInterval)
	cfg.Router.TicketTTL = ParseDuration("DALSTON_RT_TICKET_TTL", cfg.Router.TicketTTL)
	cfg.Router.TicketSecret = ParseString("DALSTON_RT_TICKET_SECRET", cfg.Router.TicketSecret)

	cfg.Retention.SweepInterval = ParseDuration("DALSTON_RETENTION_SWEEP_INTERVAL", cfg.Retention.SweepInterval)
	cfg.Retention.DeleteRPS = ParseInt("DALSTON_RETENTION_DELETE_RPS", cfg.Retention.DeleteRPS)

	cfg.Engine.EngineID = ParseString("DALSTON_ENGINE_ID", cfg.Engine.EngineID)
	cfg.Engine.Host = ParseString("DALSTON_ENGINE_HOST", cfg.Engine.Host)
	cfg.Engine.Listen = ParseString("DALSTON_ENGINE_LISTEN", cfg.Engine.Listen)
	cfg.Engine.Concurrency = ParseInt("DALSTON_ENGINE_CONCURRENCY", cfg.Engine.Concurrency)

	cfg.RTWorker.WorkerID = ParseString("DALSTON_RT_WORKER_ID", cfg.RTWorker.WorkerID)
	cfg.RTWorker.Listen = ParseString("DALSTON_RT_LISTEN", cfg.RTWorker.Listen)
	cfg.RTWorker.AdvertiseURL = ParseString("DALSTON_RT_ADVERTISE_URL", cfg.RTWorker.AdvertiseURL)
	cfg.RTWorker.Capacity = ParseInt("DALSTON_RT_CAPACITY", cfg.RTWorker.Capacity)
	cfg.RTWorker.Languages = ParseCSV("DALSTON_RT_LANGUAGES", cfg.RTWorker.Languages)
	cfg.RTWorker.Models = ParseCSV("DALSTON_RT_MODELS", cfg.RTWorker.Models)
	cfg.RTWorker.HeartbeatTTL = ParseDuration("DALSTON_RT_HEARTBEAT_TTL", cfg.RTWorker.HeartbeatTTL)

	cfg.Telemetry.Enabled = ParseBool("DALSTON_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = ParseString("DALSTON_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.ExporterType = ParseString("DALSTON_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.SamplingRate = ParseFloat("DALSTON_OTEL_SAMPLE_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Insecure = ParseBool("DALSTON_OTEL_INSECURE", cfg.Telemetry.Insecure)
}

// APITokenMap parses the "tenant:token" pairs of ServerConfig.APITokens.
// Tokens map to the tenant they authenticate.
func (c ServerConfig) APITokenMap() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(c.APITokens) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.APITokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenant, token, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(tenant) == "" || strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("invalid api token entry (want tenant:token)")
		}
		token = strings.TrimSpace(token)
		if existing, dup := out[token]; dup {
			return nil, fmt.Errorf("api token shared between tenants %q and %q", existing, tenant)
		}
		out[token] = strings.TrimSpace(tenant)
	}
	return out, nil
}
