package scanner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	framesTotal     prometheus.Counter
	trackedTotal    prometheus.Counter
	bootstrapsTotal prometheus.Counter
	resetsTotal     prometheus.Counter
	skippedTotal    prometheus.Counter
	frameSeconds    prometheus.Histogram
}

// NewMetrics creates the pipeline metrics and registers them on reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kinfu_frames_processed_total",
			Help: "Total frames passed to the pipeline",
		}),
		trackedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kinfu_frames_tracked_total",
			Help: "Total frames whose camera pose was tracked",
		}),
		bootstrapsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kinfu_session_bootstraps_total",
			Help: "Total sessions started from a first frame",
		}),
		resetsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kinfu_session_resets_total",
			Help: "Total sessions ended by reset or lost tracking",
		}),
		skippedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "kinfu_integrations_skipped_total",
			Help: "Total tracked frames not fused because the camera barely moved",
		}),
		frameSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kinfu_frame_duration_seconds",
			Help:    "Frame processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),
	}
}

func (m *Metrics) observe(start time.Time) {
	if m == nil {
		return
	}
	m.framesTotal.Inc()
	m.frameSeconds.Observe(time.Since(start).Seconds())
}

func (m *Metrics) track() {
	if m != nil {
		m.trackedTotal.Inc()
	}
}

func (m *Metrics) bootstrap() {
	if m != nil {
		m.bootstrapsTotal.Inc()
	}
}

func (m *Metrics) reset() {
	if m != nil {
		m.resetsTotal.Inc()
	}
}

func (m *Metrics) skipped() {
	if m != nil {
		m.skippedTotal.Inc()
	}
}
