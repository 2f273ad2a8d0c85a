// Package metrics exposes Prometheus instrumentation for the execution
// core: agent population, step outcomes, delegation and conflict activity,
// and bus health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector registered by the AgentSet process.
type Metrics struct {
	AgentsByStatus      *prometheus.GaugeVec
	StepsExecuted       *prometheus.CounterVec
	Delegations         *prometheus.CounterVec
	ConflictResolutions *prometheus.CounterVec
	BusPublishFailures  prometheus.Counter
	CheckpointsTotal    prometheus.Counter
}

// New creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentset",
			Name:      "agents",
			Help:      "Number of hosted agents by status.",
		}, []string{"status"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentset",
			Name:      "steps_executed_total",
			Help:      "Steps executed, labeled by outcome.",
		}, []string{"result"}),
		Delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentset",
			Name:      "delegations_total",
			Help:      "Delegation attempts, labeled by outcome.",
		}, []string{"outcome"}),
		ConflictResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentset",
			Name:      "conflict_resolutions_total",
			Help:      "Conflict resolutions, labeled by strategy and final status.",
		}, []string{"strategy", "status"}),
		BusPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentset",
			Name:      "bus_publish_failures_total",
			Help:      "Status updates that could not be published to the bus.",
		}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentset",
			Name:      "checkpoints_total",
			Help:      "Agent state checkpoints written.",
		}),
	}
	reg.MustRegister(
		m.AgentsByStatus,
		m.StepsExecuted,
		m.Delegations,
		m.ConflictResolutions,
		m.BusPublishFailures,
		m.CheckpointsTotal,
	)
	return m
}
