// Package metrics exports governance activity as Prometheus metrics. It is
// driven entirely by the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/eventbus"
)

const namespace = "phaseguild"

type Metrics struct {
	registry *prometheus.Registry

	workflowsCreated    prometheus.Counter
	workflowsCompleted  prometheus.Counter
	phaseTransitions    *prometheus.CounterVec
	checkpointDecisions *prometheus.CounterVec
	tokens              *prometheus.CounterVec
	cost                *prometheus.CounterVec
	warnings            *prometheus.CounterVec
	trips               prometheus.Counter
	resets              prometheus.Counter
	escalations         prometheus.Counter
	tampered            prometheus.Counter
}

// New registers the collectors on a fresh registry. Runtime collectors are
// included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_created_total",
			Help:      "Total number of workflows created",
		}),
		workflowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Total number of workflows that finished DELIVER",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of phase advancements",
		}, []string{"from", "to"}),
		checkpointDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_events_total",
			Help:      "Checkpoint requests and decisions",
		}, []string{"phase", "decision"}), // decision: requested, approved, rejected
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tokens_total",
			Help:      "Total tokens recorded against workflow budgets",
		}, []string{"tier", "type"}), // type: input, output
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cost_usd_total",
			Help:      "Total cost in USD recorded against workflow budgets",
		}, []string{"tier"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_warnings_total",
			Help:      "Budget threshold warnings issued",
		}, []string{"threshold"}),
		trips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_resets_total",
			Help:      "Total number of manual budget resets",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "implement_escalations_total",
			Help:      "IMPLEMENT phases escalated after hitting the iteration cap",
		}),
		tampered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locked_tests_tampered_total",
			Help:      "Verifications that found modified locked test artifacts",
		}),
	}
	m.registry.MustRegister(
		m.workflowsCreated, m.workflowsCompleted, m.phaseTransitions, m.checkpointDecisions,
		m.tokens, m.cost, m.warnings, m.trips, m.resets, m.escalations, m.tampered,
	)
	if withRuntime {
		m.registry.MustRegister(collectors.NewGoCollector())
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Run consumes events from bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *eventbus.Bus) error {
	id, ch := bus.Subscribe(256)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Handle(ev)
		}
	}
}

func (m *Metrics) Handle(ev *eventbus.Event) {
	md := ev.Metadata
	switch ev.Type {
	case eventbus.EventWorkflowCreated:
		m.workflowsCreated.Inc()
	case eventbus.EventWorkflowCompleted:
		m.workflowsCompleted.Inc()
	case eventbus.EventPhaseAdvanced:
		m.phaseTransitions.WithLabelValues(md["from"], md["to"]).Inc()
	case eventbus.EventCheckpointRequested:
		m.checkpointDecisions.WithLabelValues(md["phase"], "requested").Inc()
	case eventbus.EventCheckpointApproved:
		m.checkpointDecisions.WithLabelValues(md["phase"], "approved").Inc()
	case eventbus.EventCheckpointRejected:
		m.checkpointDecisions.WithLabelValues(md["phase"], "rejected").Inc()
	case eventbus.EventUsageRecorded:
		tier := md["tier"]
		m.tokens.WithLabelValues(tier, "input").Add(parseFloat(md["tokens_in"]))
		m.tokens.WithLabelValues(tier, "output").Add(parseFloat(md["tokens_out"]))
		m.cost.WithLabelValues(tier).Add(parseFloat(md["cost"]))
	case eventbus.EventBudgetWarning:
		m.warnings.WithLabelValues(md["threshold"]).Inc()
	case eventbus.EventBudgetTripped:
		m.trips.Inc()
	case eventbus.EventBudgetReset:
		m.resets.Inc()
	case eventbus.EventEscalationRaised:
		m.escalations.Inc()
	case eventbus.EventTestsTampered:
		m.tampered.Inc()
	}
}

// parseFloat reads a decimal or integer metadata value; malformed values
// count as zero since counters cannot go negative.
func parseFloat(s string) float64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
		return float64(n)
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0
	}
	return d.InexactFloat64()
}
