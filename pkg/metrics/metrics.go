// Package metrics exposes prometheus instrumentation for probe runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_frames_sent_total",
		Help: "Outbound websocket frames by kind",
	}, []string{"kind"})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_frames_received_total",
		Help: "Inbound websocket frames",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_reconnects_total",
		Help: "Reconnect attempts after a dropped connection",
	})

	StepsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_steps_sent_total",
		Help: "Audio steps transmitted, including repeats",
	})

	StepRepeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_step_repeats_total",
		Help: "Steps resent after a confirmation prompt",
	})

	StepTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_step_timeouts_total",
		Help: "Steps advanced on receive timeout",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probe_run_duration_seconds",
		Help:    "End-to-end conversation run duration",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_runs_total",
		Help: "Completed runs by terminal status",
	}, []string{"status"})
)
