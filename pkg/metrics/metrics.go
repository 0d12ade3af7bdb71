package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_containers_total",
			Help: "Current number of containers by state",
		},
		[]string{"state"},
	)

	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_containers_created_total",
			Help: "Total number of containers created",
		},
	)

	ContainersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_containers_failed_total",
			Help: "Total number of container start failures",
		},
	)

	Respawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_respawns_total",
			Help: "Total number of automatic container respawns",
		},
	)

	OOMKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_oom_kills_total",
			Help: "Total number of OOM events observed",
		},
	)

	// Volume and layer metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_volumes_total",
			Help: "Current number of volumes by backend",
		},
		[]string{"backend"},
	)

	LayersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_layers_total",
			Help: "Current number of imported layers",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_rpc_requests_total",
			Help: "Total number of RPC requests by method and result code",
		},
		[]string{"method", "code"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_clients_connected",
			Help: "Current number of connected RPC clients",
		},
	)

	// Event metrics
	EventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_handled_total",
			Help: "Total number of events handled by type",
		},
		[]string{"type"},
	)

	Errors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_errors_total",
			Help: "Total number of error-level log lines",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		ContainersCreated,
		ContainersFailed,
		Respawns,
		OOMKills,
		VolumesTotal,
		LayersTotal,
		RPCRequestsTotal,
		RPCRequestDuration,
		ClientsConnected,
		EventsHandled,
		Errors,
	)
}

// ObserveRPC records one finished RPC call.
func ObserveRPC(method, code string, d time.Duration) {
	RPCRequestsTotal.WithLabelValues(method, code).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Serve exposes /metrics on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
