package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FeederMetrics tracks the price feeder's source polling and publication.
type FeederMetrics struct {
	fetches   *prometheus.CounterVec
	published *prometheus.GaugeVec
	feeds     *prometheus.GaugeVec
	freshness *prometheus.GaugeVec
}

var (
	feederOnce     sync.Once
	feederRegistry *FeederMetrics
)

// Feeder returns the lazily registered price feeder metrics.
func Feeder() *FeederMetrics {
	feederOnce.Do(func() {
		feederRegistry = &FeederMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revenue",
				Subsystem: "feeder",
				Name:      "source_fetches_total",
				Help:      "Upstream price fetches segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			published: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revenue",
				Subsystem: "feeder",
				Name:      "published_rate",
				Help:      "Most recent median rate pushed into the price feeds.",
			}, []string{"pair"}),
			feeds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revenue",
				Subsystem: "feeder",
				Name:      "accepted_feeds",
				Help:      "Number of fresh quotes behind the last median per pair.",
			}, []string{"pair"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revenue",
				Subsystem: "feeder",
				Name:      "last_publish_timestamp_seconds",
				Help:      "Unix time of the last successful publication per pair.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(
			feederRegistry.fetches,
			feederRegistry.published,
			feederRegistry.feeds,
			feederRegistry.freshness,
		)
	})
	return feederRegistry
}

// RecordFetch counts one source fetch. Outcome is "ok" or a short reason such
// as "error", "stale" or "future".
func (m *FeederMetrics) RecordFetch(source, outcome string) {
	if m == nil {
		return
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	m.fetches.WithLabelValues(source, outcome).Inc()
}

// RecordPublish notes the median computed for pair in the current round.
func (m *FeederMetrics) RecordPublish(pair string, rate float64, feeds int, at time.Time) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(pair).Set(rate)
	m.feeds.WithLabelValues(pair).Set(float64(feeds))
	m.freshness.WithLabelValues(pair).Set(float64(at.Unix()))
}
