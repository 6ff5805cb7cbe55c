package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "assignments_total", Help: "Dispatch attempts by outcome (assigned, placed, failed)"},
		[]string{"outcome"},
	)
	AssignLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "rider_dispatch", Name: "assign_latency_seconds", Help: "Assign latency seconds"})
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "reservation_conflicts_total", Help: "Candidates lost to a concurrent reservation"})
	ReservationRollbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "reservation_rollbacks_total", Help: "Reservations released after a persistence failure"})
	RidersAvailable      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rider_dispatch", Name: "riders_available", Help: "Number of available riders"})

	PositionReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "position_reports_total", Help: "Rider position reports by result (applied, invalid, unknown, failed)"},
		[]string{"result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "order_transitions_total", Help: "Order lifecycle events by result"},
		[]string{"event", "result"},
	)
	EventsPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "event_publish_errors_total", Help: "Order event publish failures per sink"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rider_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
