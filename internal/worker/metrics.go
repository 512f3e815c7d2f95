package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_worker_deliveries_total",
			Help: "Total number of queue deliveries handled, by outcome.",
		},
		[]string{"outcome"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_worker_attempt_duration_seconds",
			Help:    "Duration of backend execution attempts in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)

	activeAttempts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_worker_active_attempts",
		Help: "Number of backend execution attempts in progress.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(activeAttempts)
}
