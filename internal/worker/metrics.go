package worker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900}

type jobMetrics struct {
	once        sync.Once
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func (m *jobMetrics) init() {
	m.once.Do(func() {
		m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pier",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Count of processed jobs by queue and outcome",
		}, []string{"queue", "outcome"})

		m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pier",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job handler latency distribution",
			Buckets:   durationBuckets,
		}, []string{"queue"})

		for _, collector := range []prometheus.Collector{m.jobsTotal, m.jobDuration} {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						m.jobsTotal = existing
					case *prometheus.HistogramVec:
						m.jobDuration = existing
					}
				}
			}
		}
	})
}

func (m *jobMetrics) observe(queue string, start time.Time, err error) {
	if m.jobsTotal == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.jobsTotal.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}
