// Package metrics registers the engine's Prometheus collectors. Imported for
// its side effects by packages that increment counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Instance metrics
	InstancesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbpm_instances_started_total",
			Help: "Total number of workflow instances started",
		},
	)

	InstancesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_instances_completed_total",
			Help: "Total number of workflow instances completed",
		},
		[]string{"outcome"},
	)

	InstanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluxbpm_instance_duration_seconds",
			Help:    "Workflow instance duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// Element metrics
	ElementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxbpm_element_duration_seconds",
			Help:    "Element execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"element_type"},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbpm_active_tasks",
			Help: "Number of tasks currently executing",
		},
	)

	BoundaryTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_boundary_triggers_total",
			Help: "Boundary events fired, by boundary kind",
		},
		[]string{"kind"},
	)

	TasksCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbpm_tasks_cancelled_total",
			Help: "Tasks cancelled cooperatively",
		},
	)

	DeadlocksSuspected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbpm_deadlocks_suspected_total",
			Help: "Join deadlock advisories published",
		},
	)

	// Event stream metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_events_published_total",
			Help: "AG-UI events published, by category",
		},
		[]string{"category"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbpm_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// Message queue metrics
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_messages_delivered_total",
			Help: "Webhook messages routed, by disposition (delivered or queued)",
		},
		[]string{"disposition"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbpm_queue_depth",
			Help: "Messages waiting in the correlation mailbox",
		},
	)
)
