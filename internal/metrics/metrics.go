// Package metrics exposes capture loop telemetry as prometheus collectors.
//
// The recorder is a short-lived desktop process with no scrape endpoint, so
// the registry is written once as a node-exporter textfile when the
// recording ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hojjatabdollahi/snappea-sub000/internal/capture"
)

const namespace = "snappea_recorder"

// Recorder collects the metrics of one recording. It implements
// capture.Observer.
type Recorder struct {
	registry *prometheus.Registry

	frames      prometheus.Counter
	failures    prometheus.Counter
	consecutive prometheus.Gauge
	iteration   prometheus.Histogram
	fps         prometheus.Gauge
	jitter      prometheus.Gauge
	overruns    prometheus.Counter
}

var _ capture.Observer = (*Recorder)(nil)

// New creates a recorder with its own registry. labels are attached to
// every series.
func New(labels prometheus.Labels) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_total",
			Help:        "Frames captured and pushed to the encoder.",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "capture_failures_total",
			Help:        "Failed capture or push attempts.",
			ConstLabels: labels,
		}),
		consecutive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "consecutive_failures",
			Help:        "Current run of consecutive failures.",
			ConstLabels: labels,
		}),
		iteration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "frame_iteration_seconds",
			Help:        "Time from capture request to pushed frame.",
			Buckets:     []float64{.002, .005, .01, .016, .033, .05, .1, .25, .5, 1},
			ConstLabels: labels,
		}),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "throughput_fps",
			Help:        "Mean frames per second over the last throughput window.",
			ConstLabels: labels,
		}),
		jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "jitter_max_seconds",
			Help:        "Largest frame interval deviation in the last throughput window.",
			ConstLabels: labels,
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "overruns_total",
			Help:        "Frame intervals longer than the target interval.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.frames, r.failures, r.consecutive, r.iteration, r.fps, r.jitter, r.overruns)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// FramePushed records a successful iteration.
func (r *Recorder) FramePushed(iteration time.Duration) {
	r.frames.Inc()
	r.consecutive.Set(0)
	r.iteration.Observe(iteration.Seconds())
}

// CaptureFailed records a failed iteration.
func (r *Recorder) CaptureFailed(consecutive int) {
	r.failures.Inc()
	r.consecutive.Set(float64(consecutive))
}

// Throughput records a throughput window.
func (r *Recorder) Throughput(stats capture.ThroughputStats) {
	r.fps.Set(stats.FPSMean)
	r.jitter.Set(stats.JitterMax)
	r.overruns.Add(float64(stats.Overruns))
}

// WriteTextfile writes all series to path in the text exposition format.
// An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
