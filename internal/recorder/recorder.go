// Package recorder wires the compositor client, frame source, capture loop
// and encoding pipeline into one recording run of the snappea-recorder
// process.
//
// A run goes through these steps:
//
//  1. Take the recording lock, so only one recorder exists at a time.
//  2. Pick the encoder from the installed backends and check that the
//     container can carry its codec.
//  3. Write the state file other processes use to find and stop us.
//  4. Run the capture loop until the stop context is cancelled.
//  5. Remove the state file and release the lock, whatever happened.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	snappea "github.com/hojjatabdollahi/snappea-sub000"
	"github.com/hojjatabdollahi/snappea-sub000/internal/capture"
	"github.com/hojjatabdollahi/snappea-sub000/internal/config"
	"github.com/hojjatabdollahi/snappea-sub000/internal/encoder"
	"github.com/hojjatabdollahi/snappea-sub000/internal/metrics"
	"github.com/hojjatabdollahi/snappea-sub000/internal/pipeline"
	"github.com/hojjatabdollahi/snappea-sub000/internal/pts"
)

// Options are the spawn arguments of a recording.
type Options struct {
	OutputPath string
	OutputName string
	Region     snappea.Region
	// LogicalWidth and LogicalHeight are the output's logical size, used to
	// detect full-output captures and bound the region.
	LogicalWidth  int32
	LogicalHeight int32
	// Encoder is a backend id, a codec or codec:tier.
	Encoder   string
	Container string
	Framerate uint32
	SessionID string
}

// Validate checks the options that do not need the compositor.
func (o Options) Validate() error {
	if o.OutputPath == "" {
		return errors.New("output path is required")
	}
	if o.OutputName == "" {
		return errors.New("output name is required")
	}
	if o.Framerate == 0 {
		return errors.New("framerate must be > 0")
	}
	if _, err := encoder.ParseContainer(o.Container); err != nil {
		return err
	}
	if o.Encoder != "" {
		if _, err := encoder.ParseSelector(o.Encoder); err != nil {
			return err
		}
	}
	return nil
}

// EncoderFactory builds and starts the encoder for one recording.
type EncoderFactory func(cfg pipeline.Config) (capture.Encoder, error)

// Recorder runs one recording.
type Recorder struct {
	opts      Options
	cfg       *config.Config
	lifecycle *snappea.Lifecycle

	registry   encoder.Registry
	connect    func(ctx context.Context) (capture.Compositor, error)
	newEncoder EncoderFactory
}

// New returns a recorder using the system compositor and GStreamer.
func New(opts Options, cfg *config.Config, lifecycle *snappea.Lifecycle) *Recorder {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if lifecycle == nil {
		lifecycle = snappea.NewLifecycle()
	}
	return &Recorder{
		opts:       opts,
		cfg:        cfg,
		lifecycle:  lifecycle,
		registry:   pipeline.Registry{},
		connect:    connectWayland(opts, cfg),
		newEncoder: startPipeline,
	}
}

// Run records until ctx is cancelled or the loop fails. A stop requested
// before recording began is not an error. Errors are *snappea.RecordError.
func (r *Recorder) Run(ctx context.Context) (capture.Result, error) {
	if err := r.opts.Validate(); err != nil {
		return capture.Result{}, &snappea.RecordError{Class: snappea.ClassStartupFatal, Op: "validate options", Err: err}
	}

	lock, err := r.lifecycle.Acquire()
	if err != nil {
		return capture.Result{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("recorder: failed to release lock", "error", err)
		}
	}()

	info, container, err := r.selectEncoder()
	if err != nil {
		return capture.Result{}, &snappea.RecordError{Class: snappea.ClassStartupFatal, Op: "select encoder", Err: err}
	}
	slog.Info("recorder: encoder selected",
		"encoder", info.String(),
		"container", container.String(),
		"requested", r.opts.Encoder,
	)
	if !hasExtension(r.opts.OutputPath, container) {
		slog.Warn("recorder: output file extension does not match container",
			"output_file", r.opts.OutputPath,
			"container", container.String(),
			"expected", container.Extension(),
		)
	}

	st := snappea.RecordingState{
		PID:        os.Getpid(),
		OutputFile: r.opts.OutputPath,
		Region:     r.opts.Region,
		OutputName: r.opts.OutputName,
		StartedAt:  time.Now().UTC(),
		SessionID:  r.opts.SessionID,
		Encoder:    info.BackendID,
		Container:  container.String(),
		Framerate:  r.opts.Framerate,
	}
	if err := r.lifecycle.Save(st); err != nil {
		return capture.Result{}, err
	}
	defer func() {
		if err := r.lifecycle.Clear(); err != nil {
			slog.Warn("recorder: failed to remove state file", "error", err)
		}
	}()

	observer := metrics.New(prometheus.Labels{
		"encoder": info.BackendID,
		"output":  r.opts.OutputName,
	})

	loop, err := capture.NewLoop(ctx, capture.Config{
		OutputName:           r.opts.OutputName,
		OutputPath:           r.opts.OutputPath,
		Framerate:            r.opts.Framerate,
		MaxConsecutiveErrors: r.cfg.MaxConsecutiveErrors,
		NegotiateTimeout:     r.cfg.NegotiateTimeout,
		CaptureTimeout:       r.cfg.CaptureTimeout,
		ThroughputEvery:      r.cfg.ThroughputEvery,
	}, capture.Dependencies{
		Connect: r.connect,
		NewEncoder: func(width, height int) (capture.Encoder, error) {
			return r.newEncoder(pipeline.Config{
				Encoder:      info,
				Container:    container,
				OutputPath:   r.opts.OutputPath,
				Width:        width,
				Height:       height,
				Framerate:    r.opts.Framerate,
				DrainTimeout: r.cfg.DrainTimeout,
			})
		},
		Observer: observer,
	})
	if err != nil {
		return capture.Result{}, &snappea.RecordError{Class: snappea.ClassStartupFatal, Op: "create capture loop", Err: err}
	}

	result, runErr := loop.Run()
	r.report(result)
	if err := observer.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
		slog.Warn("recorder: metrics export failed", "error", err)
	}
	return result, classify(ctx, runErr)
}

// selectEncoder resolves the requested encoder. Without a request the best
// installed encoder the container can carry is used.
func (r *Recorder) selectEncoder() (encoder.Info, encoder.Container, error) {
	container, err := encoder.ParseContainer(r.opts.Container)
	if err != nil {
		return encoder.Info{}, 0, err
	}

	catalog := encoder.Detect(r.registry)
	available := catalog.Encoders()
	if len(available) == 0 {
		return encoder.Info{}, container, encoder.ErrNoEncoders
	}

	if r.opts.Encoder == "" {
		for _, info := range available {
			if container.Supports(info.Codec) {
				return info, container, nil
			}
		}
		return encoder.Info{}, container, fmt.Errorf("%w: none of the installed encoders fit %s", encoder.ErrEncoderUnavailable, container)
	}

	sel, err := encoder.ParseSelector(r.opts.Encoder)
	if err != nil {
		return encoder.Info{}, container, err
	}
	info, err := catalog.Select(sel)
	if err != nil {
		return encoder.Info{}, container, err
	}
	if !container.Supports(info.Codec) {
		return encoder.Info{}, container, fmt.Errorf("container %s cannot carry %s (encoder %s)", container, info.Codec, info.BackendID)
	}
	return info, container, nil
}

// hasExtension reports whether path ends in the container's usual extension.
func hasExtension(path string, container encoder.Container) bool {
	return strings.EqualFold(filepath.Ext(path), container.Extension())
}

// report logs the outcome. The nominal duration comes from the frame count
// and can fall behind wall time when iterations overrun.
func (r *Recorder) report(result capture.Result) {
	attrs := []any{
		"frames", result.Frames,
		"failures", result.Failures,
		"reason", result.Reason.String(),
		"wall_duration", result.Duration.Round(time.Millisecond),
		"nominal_duration", pts.FrameTimestamp(result.Frames, r.opts.Framerate),
		"output_file", r.opts.OutputPath,
	}
	if fi, err := os.Stat(r.opts.OutputPath); err == nil {
		attrs = append(attrs, "size", humanize.Bytes(uint64(fi.Size())))
	}
	slog.Info("recorder: recording complete", attrs...)
}

// classify maps a loop error to its class. A stop requested during startup
// is a clean exit.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var loopErr *capture.Error
	if !errors.As(err, &loopErr) {
		return &snappea.RecordError{Class: snappea.ClassStartupFatal, Op: "record", Err: err}
	}

	class := snappea.ClassStartupFatal
	switch loopErr.Phase {
	case capture.PhaseStartup:
		if ctx.Err() != nil {
			slog.Info("recorder: stopped before recording started", "error", err)
			return nil
		}
	case capture.PhaseSteadyState:
		class = snappea.ClassSteadyStateFatal
	case capture.PhaseFinalize:
		class = snappea.ClassFinalizeFatal
	}
	return &snappea.RecordError{Class: class, Op: loopErr.Op, Err: loopErr.Err}
}

var _ capture.FrameValidator = (*pipeline.Pipeline)(nil)

func startPipeline(cfg pipeline.Config) (capture.Encoder, error) {
	p, err := pipeline.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		if finishErr := p.Finish(); finishErr != nil {
			slog.Warn("recorder: teardown after failed start", "error", finishErr)
		}
		return nil, err
	}
	return p, nil
}
