// Package metrics exposes Prometheus instruments for the policy engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marzban_policy"

var (
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Connection admission decisions by outcome (admitted, reconnect, denied, error).",
		},
		[]string{"outcome"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Tracked active (user, ip) pairs.",
		},
	)

	StaleEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_connection_evictions_total",
			Help:      "Connections released because they went idle.",
		},
	)

	DNSResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_resolutions_total",
			Help:      "Override lookups by tier and result (cache_hit, rule_hit, miss).",
		},
		[]string{"tier", "result"},
	)

	DNSRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dns_rules",
			Help:      "Loaded DNS override rules by tier.",
		},
		[]string{"tier"},
	)

	BlockChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_checks_total",
			Help:      "Domain block checks by deciding tier (global, user, node, none).",
		},
		[]string{"tier"},
	)

	BlockedDomains = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_domains",
			Help:      "Domains held in the blocklist snapshot by tier.",
		},
		[]string{"tier"},
	)

	ListUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_list_updates_total",
			Help:      "Subscription list downloads by result.",
		},
		[]string{"result"},
	)

	ListUpdateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_list_update_duration_seconds",
			Help:      "Time spent downloading and storing one subscription list.",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60},
		},
	)

	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Abuse events written to the violation ledger by kind.",
		},
		[]string{"kind"},
	)

	EngineUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_up",
			Help:      "1 when the engine is running and healthy, 0 otherwise.",
		},
		[]string{"engine"},
	)

	DNSQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "Queries answered by the DNS responder by answer (override, sinkhole, forward, servfail, refused).",
		},
		[]string{"answer"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "List download breaker state per host (0=closed, 1=open, 2=half-open).",
		},
		[]string{"name"},
	)
)

func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
