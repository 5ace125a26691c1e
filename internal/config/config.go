// SPDX-License-Identifier: MIT

// Package config provides configuration management for dalston.
// Precedence is ENV > file > defaults; files are parsed strictly.
package config

import "time"

// ServerConfig configures the gateway HTTP/WS listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	APITokens       string        `yaml:"api_tokens"` // "tenant:token" pairs, comma separated
	SubmitRPM       int           `yaml:"submit_rpm"` // per-IP submit rate limit
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BusConfig configures the event stream and engine queues.
type BusConfig struct {
	URL           string `yaml:"url"`        // redis://host:port/db or mem://
	Partitions    int    `yaml:"partitions"` // event stream partitions
	ConsumerGroup string `yaml:"consumer_group"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	URL string `yaml:"url"` // postgres://..., sqlite:///path, or mem://
}

// BlobConfig configures artifact object storage.
type BlobConfig struct {
	URL string `yaml:"url"` // file:///path, badger:///path, or mem://
}

// CatalogConfig configures the engine manifest.
type CatalogConfig struct {
	ManifestPath string `yaml:"manifest_path"`
	Watch        bool   `yaml:"watch"`
}

// SchedulerConfig tunes the orchestrator loop.
type SchedulerConfig struct {
	ReplicaID        string        `yaml:"replica_id"`
	FailFast         bool          `yaml:"fail_fast"` // engine-unavailable policy; default wait
	RetryCap         int           `yaml:"retry_cap"`
	TimeoutFloor     time.Duration `yaml:"timeout_floor"`
	TimeoutSafety    int           `yaml:"timeout_safety"`
	JobTimeout       time.Duration `yaml:"job_timeout"` // 0 disables the job-level ceiling
	HeartbeatTTL     time.Duration `yaml:"heartbeat_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	EnqueueTimeout   time.Duration `yaml:"enqueue_timeout"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	ConsumeBlockTime time.Duration `yaml:"consume_block_time"`
}

// RouterConfig tunes the real-time session router. TicketSecret signs
// session tickets and must be shared with every rtworker; an empty value
// makes the daemon mint a process-local secret, which invalidates tickets
// on restart.
type RouterConfig struct {
	WorkerTTL       time.Duration `yaml:"worker_ttl"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	TicketTTL       time.Duration `yaml:"ticket_ttl"`
	TicketSecret    string        `yaml:"ticket_secret"`
}

// RetentionConfig tunes the purge sweep.
type RetentionConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	DeleteRPS     int           `yaml:"delete_rps"` // storage delete pacing
}

// EngineConfig configures one engine worker process.
type EngineConfig struct {
	EngineID    string `yaml:"engine_id"`
	Host        string `yaml:"host"`
	Listen      string `yaml:"listen"`      // probe and metrics listener
	Concurrency int    `yaml:"concurrency"` // 0 = descriptor default
}

// RTWorkerConfig configures one real-time worker process.
type RTWorkerConfig struct {
	WorkerID     string        `yaml:"worker_id"` // empty = host-pid-uuid
	Listen       string        `yaml:"listen"`
	AdvertiseURL string        `yaml:"advertise_url"`
	Capacity     int           `yaml:"capacity"`
	Languages    []string      `yaml:"languages"`
	Models       []string      `yaml:"models"`
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ExporterType string  `yaml:"exporter"` // "grpc" or "http"
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// AppConfig is the root configuration of every dalston process.
type AppConfig struct {
	Version   string          `yaml:"-"`
	Virtual   bool            `yaml:"virtual"` // synthetic engines, for local runs and tests
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Router    RouterConfig    `yaml:"router"`
	Retention RetentionConfig `yaml:"retention"`
	Engine    EngineConfig    `yaml:"engine"`
	RTWorker  RTWorkerConfig  `yaml:"rtworker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Defaults returns the built-in configuration. Every value can be overridden
// by file or environment.
func Defaults() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Listen:          ":8080",
			SubmitRPM:       60,
			MaxUploadBytes:  1 << 30,
			ShutdownTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			URL:           "mem://",
			Partitions:    16,
			ConsumerGroup: "dalston-scheduler",
		},
		Store: StoreConfig{URL: "sqlite://dalston.db"},
		Blob:  BlobConfig{URL: "file://./data/blobs"},
		Catalog: CatalogConfig{
			ManifestPath: "engines.yaml",
		},
		Scheduler: SchedulerConfig{
			RetryCap:         3,
			TimeoutFloor:     60 * time.Second,
			TimeoutSafety:    3,
			HeartbeatTTL:     30 * time.Second,
			SweepInterval:    10 * time.Second,
			EnqueueTimeout:   5 * time.Second,
			StoreTimeout:     5 * time.Second,
			ConsumeBlockTime: 5 * time.Second,
		},
		Router: RouterConfig{
			WorkerTTL:       30 * time.Second,
			MonitorInterval: 10 * time.Second,
			TicketTTL:       time.Minute,
		},
		Retention: RetentionConfig{
			SweepInterval: time.Minute,
			DeleteRPS:     50,
		},
		Engine: EngineConfig{Listen: ":8091"},
		RTWorker: RTWorkerConfig{
			Listen:       ":8090",
			Capacity:     8,
			HeartbeatTTL: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ExporterType: "grpc",
			SamplingRate: 0.1,
		},
	}
}
