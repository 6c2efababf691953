package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrderEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palantir_order_events_total",
			Help: "Live order events applied to the reconciled set, by operation",
		},
		[]string{"op"},
	)

	OrderSnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palantir_order_snapshots_total",
			Help: "Order snapshot loads, by result",
		},
		[]string{"result"},
	)

	DataIntegrityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palantir_data_integrity_rejections_total",
			Help: "Records excluded from the reconciled set, by entity",
		},
		[]string{"entity"},
	)

	IllegalTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "palantir_illegal_transitions_total",
			Help: "Status changes rejected by the order state machine",
		},
	)

	StatusChangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "palantir_status_change_duration_seconds",
			Help:    "Duration of operator status change writes",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChannelStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "palantir_channel_connected",
			Help: "1 when the tenant live channel is connected",
		},
		[]string{"company"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palantir_gateway_health_checks_total",
			Help: "Messaging gateway health checks, by outcome",
		},
		[]string{"outcome"},
	)

	AlertsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "palantir_alerts_received_total",
			Help: "Customer message alerts added to a feed",
		},
	)

	PrintJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palantir_print_jobs_total",
			Help: "Receipt print attempts, by result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(OrderEventsTotal)
		prometheus.MustRegister(OrderSnapshotsTotal)
		prometheus.MustRegister(DataIntegrityRejectionsTotal)
		prometheus.MustRegister(IllegalTransitionsTotal)
		prometheus.MustRegister(StatusChangeDuration)
		prometheus.MustRegister(ChannelStatus)
		prometheus.MustRegister(HealthChecksTotal)
		prometheus.MustRegister(AlertsReceivedTotal)
		prometheus.MustRegister(PrintJobsTotal)
	})
}
