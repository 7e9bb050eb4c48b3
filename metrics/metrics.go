// Package metrics exposes Prometheus collectors for the master.
//
// Collectors are registered on a caller-owned registry so several masters
// (tests, embedded use) never collide. Without a registry the no-op
// implementation is used.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MasterMetrics interface {
	// RecordRequest counts one handled command; result is "ok" or an error code name.
	RecordRequest(command, result string, duration time.Duration)
	ConnectionOpened()
	ConnectionClosed()
	SetDeadServers(n int)
	RecordProbe(ok bool)
	RecordPrune(pruned bool)
	RecordLogAppend()
}

type masterMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	deadServers       prometheus.Gauge
	probesTotal       *prometheus.CounterVec
	prunedFiles       prometheus.Counter
	pruneFailures     prometheus.Counter
	logAppends        prometheus.Counter
}

// NewMasterMetrics registers the master collectors on reg. A nil reg yields
// the no-op implementation.
func NewMasterMetrics(reg *prometheus.Registry) MasterMetrics {
	if reg == nil {
		return NewNoopMasterMetrics()
	}
	factory := promauto.With(reg)
	return &masterMetrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkfs_master_requests_total",
				Help: "Client commands handled by the master, by command and result",
			},
			[]string{"command", "result"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkfs_master_request_duration_seconds",
				Help:    "Time spent handling a client command",
				Buckets: []float64{0.0005, 0.001, 0.01, 0.1, 1, 10},
			},
			[]string{"command"},
		),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkfs_master_active_connections",
			Help: "Client connections currently open",
		}),
		deadServers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkfs_master_dead_chunk_servers",
			Help: "Chunk servers currently in the dead set",
		}),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkfs_master_heartbeat_probes_total",
				Help: "Heartbeat probes sent to chunk servers, by outcome",
			},
			[]string{"outcome"},
		),
		prunedFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkfs_master_gc_pruned_files_total",
			Help: "Files removed by the chunk audit",
		}),
		pruneFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkfs_master_gc_prune_failures_total",
			Help: "Files the chunk audit had to leave for a later cycle",
		}),
		logAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkfs_master_wal_appends_total",
			Help: "Entries appended to the operation log",
		}),
	}
}

func (m *masterMetrics) RecordRequest(command, result string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(command, result).Inc()
	m.requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *masterMetrics) ConnectionOpened()    { m.activeConnections.Inc() }
func (m *masterMetrics) ConnectionClosed()    { m.activeConnections.Dec() }
func (m *masterMetrics) SetDeadServers(n int) { m.deadServers.Set(float64(n)) }
func (m *masterMetrics) RecordLogAppend()     { m.logAppends.Inc() }

func (m *masterMetrics) RecordProbe(ok bool) {
	outcome := "alive"
	if !ok {
		outcome = "dead"
	}
	m.probesTotal.WithLabelValues(outcome).Inc()
}

func (m *masterMetrics) RecordPrune(pruned bool) {
	if pruned {
		m.prunedFiles.Inc()
		return
	}
	m.pruneFailures.Inc()
}

type noopMasterMetrics struct{}

func NewNoopMasterMetrics() MasterMetrics { return noopMasterMetrics{} }

func (noopMasterMetrics) RecordRequest(string, string, time.Duration) {}
func (noopMasterMetrics) ConnectionOpened()                           {}
func (noopMasterMetrics) ConnectionClosed()                           {}
func (noopMasterMetrics) SetDeadServers(int)                          {}
func (noopMasterMetrics) RecordProbe(bool)                            {}
func (noopMasterMetrics) RecordPrune(bool)                            {}
func (noopMasterMetrics) RecordLogAppend()                            {}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
