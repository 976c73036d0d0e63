// Package metrics defines the Prometheus collectors for the analysis
// pipeline and serves them over HTTP when a listen address is configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsLeased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_jobs_leased_total",
			Help: "Total jobs leased by queue",
		},
		[]string{"queue"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_jobs_completed_total",
			Help: "Total jobs finished by queue and result (completed, recoverable, failed)",
		},
		[]string{"queue", "result"},
	)

	// Grouper metrics
	GroupsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_groups_created_total",
			Help: "Total analysis groups created by the grouper",
		},
	)

	EventsLinked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_events_linked_total",
			Help: "Total events linked into analysis groups",
		},
	)

	// Agent metrics
	AgentInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_agent_invocations_total",
			Help: "Total agent invocations by agent and result (ok, cold_start, parse_error, error)",
		},
		[]string{"agent", "result"},
	)

	AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_agent_invocation_seconds",
			Help:    "Agent invocation latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"agent"},
	)

	// Escalation metrics
	EscalationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_escalations_created_total",
			Help: "Total escalations created by source type",
		},
		[]string{"source_type"},
	)

	SinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_sink_deliveries_total",
			Help: "Total sink delivery attempts by sink and result (success, failure)",
		},
		[]string{"sink", "result"},
	)

	BlocklistUpserts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_blocklist_upserts_total",
			Help: "Total blocklist upserts (new and repeat blocks)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsLeased,
		JobsCompleted,
		GroupsCreated,
		EventsLinked,
		AgentInvocations,
		AgentDuration,
		EscalationsCreated,
		SinkDeliveries,
		BlocklistUpserts,
	)
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics listener on addr. It blocks until the server exits.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
