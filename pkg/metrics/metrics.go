// Package metrics holds the Prometheus collectors shared across the HTTP
// gateway, the billing state machine, and the deployment scheduler.
// Grounded on the reference gateway's promauto-registered collector style,
// with the collector set itself replaced for this service's domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts every request the gateway serves.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// OrdersCreatedTotal counts checkout-initiated orders, by plan.
	OrdersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders created",
		},
		[]string{"plan_id"},
	)

	// OrderTransitionsTotal counts every order state machine transition.
	OrderTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total number of order state transitions",
		},
		[]string{"from", "to"},
	)

	// WebhookEventsTotal counts inbound Stripe webhook deliveries by outcome.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of Stripe webhook deliveries processed",
		},
		[]string{"event_type", "outcome"},
	)

	// DeploymentsByStatus is a live gauge of deployments in each status.
	DeploymentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployments_by_status",
			Help: "Current number of deployments in each status",
		},
		[]string{"status"},
	)

	// SchedulerTickDuration tracks how long one scheduler tick's synchronous
	// portion (stale-lease recovery plus job leasing) takes.
	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of the scheduler's synchronous tick body",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SchedulerJobDuration tracks how long a leased provision/destroy job
	// runs end to end.
	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Duration of a leased scheduler job from lease to terminal outcome",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"job_type", "outcome"},
	)

	// StaleLeasesRecoveredTotal counts leases reclaimed by RecoverStaleLeases.
	StaleLeasesRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_stale_leases_recovered_total",
			Help: "Total number of stale deployment leases recovered",
		},
	)

	// DependencyUp reports liveness of an external dependency (1=up, 0=down).
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Status of dependencies (1 = up, 0 = down)",
		},
		[]string{"service"},
	)
)
