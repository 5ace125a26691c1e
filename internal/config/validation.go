// SPDX-License-Identifier: MIT

package config

import (
	"net"
	"strings"

	"github.com/dalstonhq/dalston/internal/validate"
)

var allowedStoreSchemes = []string{"postgres", "postgresql", "sqlite", "mem"}
var allowedBusSchemes = []string{"redis", "rediss", "mem"}
var allowedBlobSchemes = []string{"file", "badger", "mem"}

// Validate checks the merged configuration and reports every offending key
// at once.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.NotEmpty("Server.Listen", cfg.Server.Listen)
	v.Positive("Server.SubmitRPM", cfg.Server.SubmitRPM)
	if cfg.Server.MaxUploadBytes <= 0 {
		v.AddError("Server.MaxUploadBytes", "must be positive", cfg.Server.MaxUploadBytes)
	}
	for _, entry := range cfg.Server.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		v.AddError("Server.TrustedProxies", "must be a valid IP or CIDR", entry)
	}
	if _, err := cfg.Server.APITokenMap(); err != nil {
		v.AddError("Server.APITokens", err.Error(), "")
	}

	v.Scheme("Bus.URL", cfg.Bus.URL, allowedBusSchemes)
	v.Range("Bus.Partitions", cfg.Bus.Partitions, 1, 256)
	v.NotEmpty("Bus.ConsumerGroup", cfg.Bus.ConsumerGroup)

	v.Scheme("Store.URL", cfg.Store.URL, allowedStoreSchemes)
	v.Scheme("Blob.URL", cfg.Blob.URL, allowedBlobSchemes)

	v.NotEmpty("Catalog.ManifestPath", cfg.Catalog.ManifestPath)

	v.Range("Scheduler.RetryCap", cfg.Scheduler.RetryCap, 0, 10)
	v.MinDuration("Scheduler.TimeoutFloor", cfg.Scheduler.TimeoutFloor, 1)
	v.Range("Scheduler.TimeoutSafety", cfg.Scheduler.TimeoutSafety, 1, 10)
	v.MinDuration("Scheduler.HeartbeatTTL", cfg.Scheduler.HeartbeatTTL, 1)
	v.MinDuration("Scheduler.SweepInterval", cfg.Scheduler.SweepInterval, 1)
	if cfg.Scheduler.JobTimeout < 0 {
		v.AddError("Scheduler.JobTimeout", "cannot be negative", cfg.Scheduler.JobTimeout.String())
	}

	v.MinDuration("Router.WorkerTTL", cfg.Router.WorkerTTL, 1)
	v.MinDuration("Router.MonitorInterval", cfg.Router.MonitorInterval, 1)

	v.MinDuration("Retention.SweepInterval", cfg.Retention.SweepInterval, 1)
	v.Positive("Retention.DeleteRPS", cfg.Retention.DeleteRPS)

	v.Positive("RTWorker.Capacity", cfg.RTWorker.Capacity)

	if cfg.Telemetry.Enabled {
		v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		v.OneOf("Telemetry.ExporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("Telemetry.SamplingRate", "must be within [0,1]", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}
