// Package metrics exposes Prometheus collectors for the coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcoord_outcomes_total",
		Help: "Task outcome reports by result (recorded, idempotent).",
	}, []string{"result"})

	LeaseClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcoord_lease_claims_total",
		Help: "Lease claim attempts by result (granted, conflict).",
	}, []string{"result"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcoord_escalations_total",
		Help: "Model tier escalations by result (escalated, exhausted, failed).",
	}, []string{"result"})

	PipelineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcoord_pipeline_transitions_total",
		Help: "Applied pipeline stage changes by target stage.",
	}, []string{"to"})

	ModelLimits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcoord_model_limits_total",
		Help: "Rate-limit reports recorded in the availability ledger.",
	})

	CollaboratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcoord_collaborator_failures_total",
		Help: "Swallowed failures of best-effort collaborators.",
	}, []string{"collaborator"})
)

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
