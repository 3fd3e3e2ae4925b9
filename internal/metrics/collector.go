// Package metrics provides Prometheus collectors for the orchestration
// engine. This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the engine's Prometheus instruments.
type Collector struct {
	dispatchesTotal    *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	generationFailures *prometheus.CounterVec
	sessionsCreated    prometheus.Counter
	sessionsEnded      *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	forcedClears       prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the engine instruments on reg.
func NewCollector(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.dispatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Request submissions by outcome (dispatched, queued, rejected)",
		},
		[]string{"outcome"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Agent state transitions by source and target state",
		},
		[]string{"from", "to"},
	)

	c.actionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	c.generationFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Content generation failures by action kind",
		},
		[]string{"kind"},
	)

	c.sessionsCreated = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Feedback sessions created",
		},
	)

	c.sessionsEnded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Feedback sessions ended by terminal status",
		},
		[]string{"status"},
	)

	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending requests per agent queue",
		},
		[]string{"team_id", "agent_id"},
	)

	c.forcedClears = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_clears_total",
			Help:      "Forced idle overwrites applied to recover agent state",
		},
	)

	return c
}

// Nil-safe recording methods so tests can pass a nil collector.

func (c *Collector) RecordDispatch(outcome string) {
	if c == nil {
		return
	}
	c.dispatchesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordAction(action string, d time.Duration) {
	if c == nil {
		return
	}
	c.actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (c *Collector) RecordGenerationFailure(kind string) {
	if c == nil {
		return
	}
	c.generationFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordSessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

func (c *Collector) RecordSessionEnded(status string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(status).Inc()
}

func (c *Collector) SetQueueDepth(teamID, agentID string, depth float64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(teamID, agentID).Set(depth)
}

func (c *Collector) RecordForcedClear() {
	if c == nil {
		return
	}
	c.forcedClears.Inc()
}
