// SPDX-License-Identifier: MIT

// Package metrics holds the collectors shared by every dalston binary.
// Component collectors live next to their component; what lives here is
// process identity, which every exposition should carry regardless of
// which components the process runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dalstonhq/dalston/internal/version"
)

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dalston_build_info",
	Help: "Build identity of the running process; the value is always 1.",
}, []string{"service", "version", "commit"})

// RecordBuildInfo publishes the process identity on /metrics. Each binary
// calls it once at startup with its own service name.
func RecordBuildInfo(service string) {
	buildInfo.WithLabelValues(service, version.Version, version.Commit).Set(1)
}
