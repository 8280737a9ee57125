package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IngestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ecg_ingest_outcomes_total", Help: "Stage events by ingest outcome"},
		[]string{"outcome"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ecg_transitions_total", Help: "Committed state transitions by resulting state"},
		[]string{"state"},
	)
	RetriesPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "ecg_retries_published_total", Help: "Retry requests published to the transport"})
	Timeouts         = prometheus.NewCounter(prometheus.CounterOpts{Name: "ecg_timeouts_total", Help: "Submissions promoted by the stall supervisor"})
	DroppedNotices   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ecg_notifications_dropped_total", Help: "Notifications dropped from full subscriber queues"})
	Subscribers      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ecg_subscribers", Help: "Live notification subscribers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IngestOutcomes,
			Transitions,
			RetriesPublished,
			Timeouts,
			DroppedNotices,
			Subscribers,
		)
	})
	return promhttp.Handler()
}
