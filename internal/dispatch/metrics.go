package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	resultOK        = "ok"
	resultDropped   = "dropped"
	resultFailed    = "failed"
	resultUnhandled = "unhandled"
	resultMalformed = "malformed"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_events_total",
			Help: "Total number of bus messages processed, by event type and result",
		},
		[]string{"type", "result"},
	)

	eventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_event_duration_seconds",
			Help:    "Time spent handling one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)
