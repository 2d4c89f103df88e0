// Package metrics holds the Prometheus collectors for recurring invoice runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons used as the "reason" label.
const (
	ReasonConflict    = "conflict"
	ReasonPersistence = "persistence"
	ReasonValidation  = "validation"
	ReasonNotFound    = "not_found"
)

var InvoicesMaterialized = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "leadflow",
	Subsystem: "recurring",
	Name:      "invoices_materialized_total",
	Help:      "Invoices generated from recurring invoice rules.",
})

var MaterializeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "leadflow",
	Subsystem: "recurring",
	Name:      "materialize_failures_total",
	Help:      "Failed materialization attempts by reason.",
}, []string{"reason"})

var RunsRepaired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "leadflow",
	Subsystem: "recurring",
	Name:      "runs_repaired_total",
	Help:      "Interrupted runs whose rule was advanced from an already persisted invoice.",
})

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "leadflow",
	Subsystem: "recurring",
	Name:      "sweep_duration_seconds",
	Help:      "Time spent listing due rules and enqueueing their runs.",
	Buckets:   prometheus.DefBuckets,
})

var SweepDueRules = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "leadflow",
	Subsystem: "recurring",
	Name:      "due_rules",
	Help:      "Number of due rules found by the last sweep.",
})

var InvoiceEmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "leadflow",
	Subsystem: "email",
	Name:      "invoice_emails_total",
	Help:      "Invoice emails by outcome.",
}, []string{"outcome"})
