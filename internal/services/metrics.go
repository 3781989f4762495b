package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// deliveriesTotal counts webhook deliveries by protocol path and outcome.
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wechat_deliveries_total",
			Help: "Total number of webhook deliveries handled, by protocol path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	// aiDuration records end-to-end AI processing time per message.
	aiDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ai_processing_duration_seconds",
			Help:    "Duration of AI message processing in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 240},
		},
	)

	// pushesTotal counts out-of-band custom message pushes by result.
	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wechat_custom_pushes_total",
			Help: "Total number of out-of-band custom message pushes, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, aiDuration, pushesTotal)
}

// Outcome labels for deliveriesTotal.
const (
	outcomeReply = "reply"
	outcomeRetry = "retry"
	outcomeEmpty = "empty"
)

func outcomeLabel(o Outcome) string {
	switch {
	case o.Retry:
		return outcomeRetry
	case o.Reply != "":
		return outcomeReply
	default:
		return outcomeEmpty
	}
}
