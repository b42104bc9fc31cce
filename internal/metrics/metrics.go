package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	spawnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "childminder",
		Name:      "spawns_total",
		Help:      "Total number of child processes spawned.",
	})

	spawnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "childminder",
		Name:      "spawn_failures_total",
		Help:      "Total number of spawn attempts that failed.",
	})

	exitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childminder",
		Name:      "exits_total",
		Help:      "Total number of observed child exits, by termination kind.",
	}, []string{"kind"})

	signalsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "childminder",
		Name:      "signals_sent_total",
		Help:      "Total number of signals delivered to child processes.",
	})

	watchedProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "childminder",
		Name:      "watched_processes",
		Help:      "Number of live child processes with a pending exit registration.",
	})

	orphansCached = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "childminder",
		Name:      "orphan_exits_cached_total",
		Help:      "Exit statuses reaped by the eager watcher before any registration existed.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "childminder",
		Name:      "build_info",
		Help:      "Build metadata for the running childminder binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawnsTotal, spawnFailures, exitsTotal, signalsSent, watchedProcesses, orphansCached, buildInfo)
}

// Registry returns the Prometheus registry containing all childminder metrics.
func Registry() *prometheus.Registry {
	return registry
}

// IncSpawn records a successful spawn.
func IncSpawn() {
	spawnsTotal.Inc()
}

// IncSpawnFailure records a failed spawn attempt.
func IncSpawnFailure() {
	spawnFailures.Inc()
}

// RecordExit records an observed child exit. Negative codes follow the
// -signal encoding.
func RecordExit(code int) {
	kind := "code"
	if code < 0 {
		kind = "signal"
	}
	exitsTotal.WithLabelValues(kind).Inc()
}

// IncSignal records a signal delivered to a child.
func IncSignal() {
	signalsSent.Inc()
}

// AddWatched adjusts the gauge of pending exit registrations.
func AddWatched(delta int) {
	watchedProcesses.Add(float64(delta))
}

// IncOrphanCached records a status reaped before any registration existed.
func IncOrphanCached() {
	orphansCached.Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
