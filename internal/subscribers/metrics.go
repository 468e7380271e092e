package subscribers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "maillist"

var (
	subscribersTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "count",
			Help:      "Number of subscribers by state",
		},
		[]string{"state"},
	)

	workflowOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "workflow_outcomes_total",
			Help:      "Sign-up, confirmation and unsubscribe outcomes",
		},
		[]string{"workflow", "outcome"},
	)

	sweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "records_total",
			Help:      "Pending records processed by the expiration sweep",
		},
		[]string{"result"},
	)

	broadcastSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "sent_total",
			Help:      "Broadcast send attempts by status",
		},
		[]string{"status"},
	)

	broadcastSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_duration_seconds",
			Help:      "Time to send one broadcast message",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

func recordOutcome(workflow, outcome string) {
	workflowOutcomes.WithLabelValues(workflow, outcome).Inc()
}

func recordSwept(result string) {
	sweptTotal.WithLabelValues(result).Inc()
}

func recordBroadcastSent(status string, duration time.Duration) {
	broadcastSent.WithLabelValues(status).Inc()
	broadcastSendDuration.Observe(duration.Seconds())
}

// RecordSubscriberCounts updates subscriber count gauges.
func RecordSubscriberCounts(pending, confirmed int64) {
	subscribersTotal.WithLabelValues("pending").Set(float64(pending))
	subscribersTotal.WithLabelValues("confirmed").Set(float64(confirmed))
}
