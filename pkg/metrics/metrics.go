// Package metrics provides Prometheus metrics for the settlement
// automation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RuleExecutionsTotal tracks rule runs by trigger source and outcome
	RuleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "rule_executions_total",
			Help:      "Total number of rule executions by trigger source and status",
		},
		[]string{"trigger_source", "status"},
	)

	// RuleExecutionDuration tracks rule run duration in seconds
	RuleExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "rule_execution_duration_seconds",
			Help:      "Duration of rule executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"trigger_source"},
	)

	// ConditionsEvaluated tracks the number of conditions evaluated
	ConditionsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "conditions_evaluated_total",
			Help:      "Total number of rule conditions evaluated",
		},
	)

	// ActionsExecutedTotal tracks action executions by type and status
	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "actions_executed_total",
			Help:      "Total number of actions executed by type and status",
		},
		[]string{"action_type", "status"},
	)

	// SettlementVersionsTotal tracks settlement versions created by
	// amendment type
	SettlementVersionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "chain",
			Name:      "settlement_versions_total",
			Help:      "Total number of settlement versions created by amendment type",
		},
		[]string{"amendment_type"},
	)

	// AmendConflictsTotal tracks optimistic concurrency losses on chains
	AmendConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "chain",
			Name:      "amend_conflicts_total",
			Help:      "Total number of concurrent amendment conflicts",
		},
	)

	// TriggersDeduplicated tracks redelivered trigger events suppressed
	TriggersDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "triggers_deduplicated_total",
			Help:      "Total number of trigger events deduplicated",
		},
	)

	// QueueJobsProcessed tracks rule run jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settler",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// SchedulerRulesDispatched tracks scheduled rules dispatched per tick
	SchedulerRulesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "scheduler",
			Name:      "rules_dispatched_total",
			Help:      "Total number of scheduled rules dispatched",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "settler",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordRuleExecution records a rule run outcome
func RecordRuleExecution(triggerSource, status string, durationSeconds float64) {
	RuleExecutionsTotal.WithLabelValues(triggerSource, status).Inc()
	RuleExecutionDuration.WithLabelValues(triggerSource).Observe(durationSeconds)
}

// RecordAction records an action execution
func RecordAction(actionType, status string) {
	ActionsExecutedTotal.WithLabelValues(actionType, status).Inc()
}

// RecordQueueJob records a queue job processing metric
func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
