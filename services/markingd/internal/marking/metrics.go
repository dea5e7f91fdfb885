package marking

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	marksTotal       *prometheus.CounterVec
	markDuration     *prometheus.HistogramVec
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "qrmark",
			Subsystem: "marking",
			Name:      "sessions_started_total",
			Help:      "Mass-marking sessions created.",
		})
		sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrmark",
			Subsystem: "marking",
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal state.",
		}, []string{"state"})
		marksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrmark",
			Subsystem: "marking",
			Name:      "marks_total",
			Help:      "Portal mark attempts by outcome.",
		}, []string{"outcome"})
		markDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qrmark",
			Subsystem: "marking",
			Name:      "mark_duration_seconds",
			Help:      "Portal mark call latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"})
	})
}

func observeMark(outcome string, elapsed time.Duration) {
	ensureMetrics()
	marksTotal.WithLabelValues(outcome).Inc()
	markDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func observeSessionStarted() {
	ensureMetrics()
	sessionsStarted.Inc()
}

func observeSessionFinished(state State) {
	ensureMetrics()
	sessionsFinished.WithLabelValues(string(state)).Inc()
}
