// Package metrics collects Prometheus metrics for the session engine and
// exposes them over HTTP.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqui/mqui/pkg/types"
)

// Collector bundles all engine metrics.
type Collector struct {
	reconnects      prometheus.Counter
	refreshes       prometheus.Counter
	refreshFailures prometheus.Counter
	commands        prometheus.Counter
	commandFailures prometheus.Counter
	snapshots       prometheus.Counter
	requestLatency  prometheus.Histogram
	sessionState    prometheus.Gauge
	pluginsKnown    prometheus.Gauge
	snapshotSeq     prometheus.Gauge
}

// NewCollector creates and registers all metrics on the default registerer.
func NewCollector() *Collector {
	c := &Collector{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqui_session_reconnects_total",
			Help: "Total number of reconnection attempts",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqui_refreshes_total",
			Help: "Total number of completed full refreshes",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqui_refresh_failures_total",
			Help: "Total number of failed refresh attempts",
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqui_commands_total",
			Help: "Total number of user-issued commands",
		}),
		commandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqui_command_failures_total",
			Help: "Total number of failed user-issued commands",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqui_snapshots_published_total",
			Help: "Total number of published state snapshots",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqui_request_latency_seconds",
			Help:    "Query round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqui_session_state",
			Help: "Current session state (0=disconnected 1=connecting 2=authenticating 3=live 4=reconnecting 5=fatal)",
		}),
		pluginsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqui_plugins_known",
			Help: "Number of plugins in the latest snapshot",
		}),
		snapshotSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqui_snapshot_seq",
			Help: "Sequence number of the latest published snapshot",
		}),
	}

	prometheus.MustRegister(c.reconnects)
	prometheus.MustRegister(c.refreshes)
	prometheus.MustRegister(c.refreshFailures)
	prometheus.MustRegister(c.commands)
	prometheus.MustRegister(c.commandFailures)
	prometheus.MustRegister(c.snapshots)
	prometheus.MustRegister(c.requestLatency)
	prometheus.MustRegister(c.sessionState)
	prometheus.MustRegister(c.pluginsKnown)
	prometheus.MustRegister(c.snapshotSeq)

	return c
}

// RecordReconnect counts one reconnection attempt.
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordRefresh counts one completed full refresh and its latency.
func (c *Collector) RecordRefresh(latencySeconds float64) {
	c.refreshes.Inc()
	c.requestLatency.Observe(latencySeconds)
}

// RecordRefreshFailure counts one failed refresh attempt.
func (c *Collector) RecordRefreshFailure() {
	c.refreshFailures.Inc()
}

// RecordCommand counts one user-issued command and its latency.
func (c *Collector) RecordCommand(latencySeconds float64) {
	c.commands.Inc()
	c.requestLatency.Observe(latencySeconds)
}

// RecordCommandFailure counts one failed user-issued command.
func (c *Collector) RecordCommandFailure() {
	c.commandFailures.Inc()
}

// RecordSnapshot tracks a newly published snapshot.
func (c *Collector) RecordSnapshot(seq uint64, pluginCount int) {
	c.snapshots.Inc()
	c.snapshotSeq.Set(float64(seq))
	c.pluginsKnown.Set(float64(pluginCount))
}

// SetSessionState mirrors the supervisor state into a gauge.
func (c *Collector) SetSessionState(s types.SessionState) {
	c.sessionState.Set(float64(s))
}

// StartServer starts the Prometheus metrics HTTP server.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
