// Package metrics exposes the capture controller's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Device sessions
	deviceOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdrgo_device_open_total",
		Help: "Device open attempts by outcome",
	}, []string{"outcome"}) // outcome=success|busy|timeout|denied|error

	deviceOpenDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hdrgo_device_open_duration_seconds",
		Help:    "Time from open request to a usable capture session",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdrgo_sessions_active",
		Help: "Device sessions currently holding their device lock",
	})

	// Sequences
	sequencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdrgo_sequences_total",
		Help: "Photo sequences by mode and outcome",
	}, []string{"mode", "outcome"}) // mode=hdr|single, outcome=success|device_unavailable|capture_failed|canceled

	sequenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hdrgo_sequence_duration_seconds",
		Help:    "Duration of a photo sequence from trigger to last frame",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"mode"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdrgo_capture_state_transitions_total",
		Help: "Metering state machine transitions",
	}, []string{"from", "to"})

	burstFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdrgo_burst_frames_total",
		Help: "Bracketed frames slotted into a burst",
	})

	staleNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdrgo_stale_notifications_total",
		Help: "Hardware notifications dropped because their sequence had ended",
	}, []string{"kind"})

	// Merge backend
	mergeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdrgo_merge_total",
		Help: "Merge backend invocations by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hdrgo_merge_duration_seconds",
		Help:    "Merge backend call duration",
		Buckets: prometheus.DefBuckets,
	})
)

func RecordDeviceOpen(outcome string, d time.Duration) {
	deviceOpenTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		deviceOpenDuration.Observe(d.Seconds())
	}
}

func IncSessionsActive() { sessionsActive.Inc() }
func DecSessionsActive() { sessionsActive.Dec() }

func RecordSequence(mode, outcome string, d time.Duration) {
	sequencesTotal.WithLabelValues(mode, outcome).Inc()
	if outcome == "success" {
		sequenceDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

func IncStateTransition(from, to string) { stateTransitions.WithLabelValues(from, to).Inc() }
func IncBurstFrame()                     { burstFrames.Inc() }
func IncStaleNotification(kind string)   { staleNotifications.WithLabelValues(kind).Inc() }

func RecordMerge(err error, d time.Duration) {
	if err != nil {
		mergeTotal.WithLabelValues("failure").Inc()
		return
	}
	mergeTotal.WithLabelValues("success").Inc()
	mergeDuration.Observe(d.Seconds())
}
