// Package metrics holds the process-wide Prometheus registry and the
// metrics HTTP server.
//
// Metrics are opt-in. Until InitRegistry is called GetRegistry returns nil
// and the constructors in the prometheus sub-package return nil, which the
// engine, quota layer and API treat as "no metrics".
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry with the Go runtime and process
// collectors attached. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the global registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// RegisterBuildInfo exposes shardstore_build_info{version,commit} = 1.
// It does nothing when metrics are disabled.
func RegisterBuildInfo(version, commit string) {
	reg := GetRegistry()
	if reg == nil {
		return
	}
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "shardstore_build_info",
		Help:        "Build information of the running shardstore binary",
		ConstLabels: prometheus.Labels{"version": version, "commit": commit},
	})
	info.Set(1)
	_ = reg.Register(info)
}
