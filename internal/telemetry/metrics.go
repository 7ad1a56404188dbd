package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom netcore Prometheus metrics, registered on an
// isolated prometheus.Registry so netcore metrics don't collide with the
// global default registry. A nil *Metrics is always safe to call methods
// on indirectly — callers check m != nil before touching a collector, the
// same nil-safe pattern used throughout this package's call sites.
type Metrics struct {
	Registry *prometheus.Registry

	// Mesh channel traffic
	MeshMessagesTotal *prometheus.CounterVec
	MeshBytesTotal    *prometheus.CounterVec

	// Hole punch outcomes
	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec

	// Relay fallback usage
	RelaySessionsTotal   *prometheus.CounterVec
	RelayBytesTotal      *prometheus.CounterVec
	RelayActiveSessions  prometheus.Gauge

	// DHT activity
	DHTAnnouncementsTotal *prometheus.CounterVec
	DHTLookupsTotal       *prometheus.CounterVec
	DHTRoutingTableSize   prometheus.Gauge

	// VM egress filtering decisions
	VMNetDecisionsTotal *prometheus.CounterVec

	// Job execution outcomes
	JobSubmissionsTotal *prometheus.CounterVec
	JobDurationSeconds  *prometheus.HistogramVec

	// STUN/NAT classification
	STUNProbeTotal *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec

	// Local control API (internal/daemon)
	DaemonRequestsTotal          *prometheus.CounterVec
	DaemonRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		MeshMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_mesh_messages_total",
				Help: "Total messages sent or received over mesh channels.",
			},
			[]string{"channel", "direction"},
		),
		MeshBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_mesh_bytes_total",
				Help: "Total bytes transferred over mesh channels.",
			},
			[]string{"channel", "direction"},
		),

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_holepunch_total",
				Help: "Total number of hole punch attempts by result.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netcore_holepunch_duration_seconds",
				Help:    "Duration of hole punch attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"result"},
		),

		RelaySessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_relay_sessions_total",
				Help: "Total relay fallback sessions established.",
			},
			[]string{"result"},
		),
		RelayBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_relay_bytes_total",
				Help: "Total bytes relayed.",
			},
			[]string{"direction"},
		),
		RelayActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netcore_relay_active_sessions",
				Help: "Number of currently active relay sessions.",
			},
		),

		DHTAnnouncementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_dht_announcements_total",
				Help: "Total DHT peer announcements stored or rejected.",
			},
			[]string{"result"},
		),
		DHTLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_dht_lookups_total",
				Help: "Total DHT find-node/find-value lookups.",
			},
			[]string{"kind", "result"},
		),
		DHTRoutingTableSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netcore_dht_routing_table_size",
				Help: "Number of nodes currently held in the routing table.",
			},
		),

		VMNetDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_vmnet_decisions_total",
				Help: "Total VM egress filtering decisions by verdict.",
			},
			[]string{"mode", "verdict"},
		),

		JobSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_job_submissions_total",
				Help: "Total job submissions by outcome.",
			},
			[]string{"outcome"},
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netcore_job_duration_seconds",
				Help:    "Duration of job execution in seconds.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"outcome"},
		),

		STUNProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_stun_probe_total",
				Help: "Total STUN probe attempts by result.",
			},
			[]string{"result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netcore_info",
				Help: "Build information for the running netcore instance.",
			},
			[]string{"version", "go_version"},
		),

		DaemonRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_daemon_requests_total",
				Help: "Total requests handled by the local control API.",
			},
			[]string{"method", "path", "status"},
		),
		DaemonRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netcore_daemon_request_duration_seconds",
				Help:    "Duration of local control API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	reg.MustRegister(
		m.MeshMessagesTotal,
		m.MeshBytesTotal,
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.RelaySessionsTotal,
		m.RelayBytesTotal,
		m.RelayActiveSessions,
		m.DHTAnnouncementsTotal,
		m.DHTLookupsTotal,
		m.DHTRoutingTableSize,
		m.VMNetDecisionsTotal,
		m.JobSubmissionsTotal,
		m.JobDurationSeconds,
		m.STUNProbeTotal,
		m.BuildInfo,
		m.DaemonRequestsTotal,
		m.DaemonRequestDurationSeconds,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
