// Package metrics exposes the Prometheus instrumentation for the control
// plane. Collectors are registered on the default registry; the HTTP layer
// serves them at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emucast_sessions_active",
		Help: "Number of sessions currently registered.",
	})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emucast_subscribers_active",
		Help: "Number of viewers currently attached across all sessions.",
	})

	LaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emucast_launches_total",
		Help: "Emulator launch attempts by result.",
	}, []string{"result"})

	FramesCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emucast_frames_captured_total",
		Help: "Frames pulled from emulator framebuffers.",
	})

	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emucast_frames_dropped_total",
		Help: "Frames evicted from slow subscriber buffers (latest-frame-wins).",
	})

	CaptureErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emucast_capture_errors_total",
		Help: "Frame capture attempts that returned an error.",
	})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emucast_actions_total",
		Help: "One-shot device actions by name and result.",
	}, []string{"action", "result"})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
