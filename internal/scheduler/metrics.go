package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	Indexed     prometheus.Gauge
	InFlight    prometheus.Gauge
	Deferred    prometheus.Gauge
	Scheduled   prometheus.Counter
	Fired       prometheus.Counter
	Failed      *prometheus.CounterVec
	Completed   prometheus.Counter
	Rescheduled prometheus.Counter
	Cancelled   prometheus.Counter
	StoreErrors *prometheus.CounterVec
	Lag         prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns, sub = "remindbot", "scheduler"
	return &Metrics{
		Indexed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "indexed_reminders",
			Help: "Active reminders waiting in the due index",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "in_flight_reminders",
			Help: "Reminders currently being delivered",
		}),
		Deferred: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "deferred_writes",
			Help: "Store writes waiting to be retried",
		}),
		Scheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "scheduled_total",
			Help: "Reminders accepted into the index",
		}),
		Fired: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "fired_total",
			Help: "Successful reminder deliveries",
		}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "delivery_failures_total",
			Help: "Failed delivery attempts",
		}, []string{"kind"}),
		Completed: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "completed_total",
			Help: "Reminders moved to completed",
		}),
		Rescheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "rescheduled_total",
			Help: "Recurring reminders advanced to their next slot",
		}),
		Cancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "cancelled_total",
			Help: "Reminders cancelled by users",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "store_errors_total",
			Help: "Failed store operations",
		}, []string{"op"}),
		Lag: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "fire_lag_seconds",
			Help:    "Delay between a reminder's due time and its first delivery attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 60, 300, 3600},
		}),
	}
}
