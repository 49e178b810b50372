package scanworker

import "github.com/prometheus/client_golang/prometheus"

var (
	instructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanserver",
			Subsystem: "worker",
			Name:      "instructions_total",
			Help:      "Device instructions dispatched by action",
		},
		[]string{"action"},
	)

	scanStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanserver",
			Subsystem: "worker",
			Name:      "scan_status_total",
			Help:      "Scan status transitions published",
		},
		[]string{"status"},
	)

	workItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanserver",
			Subsystem: "worker",
			Name:      "work_items_total",
			Help:      "Work items finished by outcome",
		},
		[]string{"outcome"},
	)

	alarmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanserver",
			Subsystem: "worker",
			Name:      "alarms_total",
			Help:      "Alarms raised by type",
		},
		[]string{"type"},
	)

	barrierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scanserver",
			Subsystem: "worker",
			Name:      "barrier_duration_seconds",
			Help:      "Time spent in wait and stage barriers",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"barrier"},
	)
)

func init() {
	prometheus.MustRegister(instructionsTotal, scanStatusTotal, workItemsTotal, alarmsTotal, barrierDuration)
}
