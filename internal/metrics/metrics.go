// Package metrics exposes job-pool and metadata-engine state as
// Prometheus gauges, grounded on the aistore example's use of
// prometheus/client_golang for runtime stats.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every gauge this process exports. Callers Set() them
// from a periodic reactor hook rather than wiring push-on-change, keeping
// the jobpool/metadata packages free of a metrics dependency.
type Registry struct {
	WorkersTotal   prometheus.Gauge
	WorkersAvail   prometheus.Gauge
	QueueDepth     prometheus.Gauge
	HeavyLoad      prometheus.Gauge
	MetaVersion    prometheus.Gauge
	LastSaveStatus prometheus.Gauge
	LastSaveSecs   prometheus.Gauge
}

// NewRegistry constructs and registers every gauge with reg.
func NewRegistry(reg prometheus.Registerer, namespace string) *Registry {
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}

	return &Registry{
		WorkersTotal:   gauge("jobpool_workers_total", "current worker goroutine count"),
		WorkersAvail:   gauge("jobpool_workers_available", "idle worker goroutine count"),
		QueueDepth:     gauge("jobpool_queue_depth", "jobs waiting to be dispatched"),
		HeavyLoad:      gauge("jobpool_heavy_load_status", "0 normal, 1 recovering, 2 overloaded"),
		MetaVersion:    gauge("metadata_version", "current in-memory metaversion counter"),
		LastSaveStatus: gauge("metadata_last_save_status", "0 never, 1 emergency, 2 ok, 3 failed"),
		LastSaveSecs:   gauge("metadata_last_save_seconds", "duration of the most recent save"),
	}
}
