// Package capture runs the recording loop: connect to the compositor,
// negotiate a buffer layout, then capture, convert and push frames at a
// fixed cadence until stopped.
//
// The loop is strictly sequential. A buffer is only read after the
// compositor reported the copy complete, and the next capture is only
// requested once the previous frame was pushed.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
	"github.com/hojjatabdollahi/snappea-sub000/internal/pts"
)

// State is a step of the recording state machine.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateNegotiating
	StateRecording
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating_formats"
	case StateRecording:
		return "recording"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Phase tells where an error ended the loop.
type Phase int

const (
	// PhaseStartup errors happen before any frame was captured.
	PhaseStartup Phase = iota
	// PhaseSteadyState errors exceeded the consecutive failure ceiling.
	PhaseSteadyState
	// PhaseFinalize errors come from draining the pipeline.
	PhaseFinalize
)

func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "startup"
	case PhaseSteadyState:
		return "steady_state"
	case PhaseFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Error is a loop failure tagged with its phase.
type Error struct {
	Phase Phase
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Phase, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrTooManyFailures ends the loop once consecutive failures reach the
	// ceiling. Repeated hard failures mean a broken connection, not a hiccup.
	ErrTooManyFailures = errors.New("too many consecutive capture failures")

	// ErrNegotiateTimeout is returned when the compositor never reported a
	// buffer layout.
	ErrNegotiateTimeout = errors.New("timed out waiting for negotiated buffer format")

	// ErrCaptureTimeout is returned when a single capture never completed.
	ErrCaptureTimeout = errors.New("timed out waiting for captured frame")
)

// StopReason tells why the loop ended.
type StopReason int

const (
	ReasonStopRequested StopReason = iota
	ReasonErrorCeiling
	ReasonStartupFailed
)

func (r StopReason) String() string {
	switch r {
	case ReasonStopRequested:
		return "stop_requested"
	case ReasonErrorCeiling:
		return "error_ceiling"
	case ReasonStartupFailed:
		return "startup_failed"
	default:
		return "unknown"
	}
}

// Result summarizes a finished loop.
type Result struct {
	Frames   uint64
	Failures uint64
	Duration time.Duration
	Reason   StopReason
	// Spec is the negotiated buffer layout, zero if negotiation never
	// completed.
	Spec framesource.Spec
}

// FrameInfo describes one completed capture.
type FrameInfo struct {
	YInvert bool
}

// Compositor is a connected display server.
type Compositor interface {
	// OpenSession resolves the named output and opens a capture session on
	// it. An unknown name must produce an error listing the available ones.
	OpenSession(outputName string) (Session, error)
	// NewFrameSource returns the buffer strategy used for sessions.
	NewFrameSource() (framesource.FrameSource, error)
	Close() error
}

// Session captures frames of one output.
type Session interface {
	Negotiate(ctx context.Context) (framesource.Formats, error)
	Capture(ctx context.Context, buf *framesource.Buffer) (FrameInfo, error)
	Close() error
}

// Encoder consumes frames. Finish is called exactly once per loop.
type Encoder interface {
	PushFrame(data []byte, pts, duration time.Duration) error
	Finish() error
}

// FrameValidator is implemented by encoders whose input caps are fixed at
// construction. The loop checks the negotiated frame size against them
// before recording starts.
type FrameValidator interface {
	ValidateFrameSize(width, height int) error
}

// Observer receives loop telemetry. Implementations must be cheap.
type Observer interface {
	FramePushed(iteration time.Duration)
	CaptureFailed(consecutive int)
	Throughput(stats ThroughputStats)
}

// Dependencies are the collaborators of a loop.
type Dependencies struct {
	// Connect opens the compositor connection.
	Connect func(ctx context.Context) (Compositor, error)
	// NewEncoder builds and starts the pipeline for the negotiated frame size.
	NewEncoder func(width, height int) (Encoder, error)
	// Observer is optional.
	Observer Observer
}

// Config tunes a loop.
type Config struct {
	OutputName string
	OutputPath string // only logged
	Framerate  uint32

	MaxConsecutiveErrors int
	NegotiateTimeout     time.Duration
	CaptureTimeout       time.Duration
	ThroughputEvery      int
}

// Defaults applied by NewLoop to zero fields.
const (
	DefaultMaxConsecutiveErrors = 10
	DefaultNegotiateTimeout     = 5 * time.Second
	DefaultCaptureTimeout       = 2 * time.Second
	DefaultThroughputEvery      = 60
)

// Loop is one recording. It is not reusable.
type Loop struct {
	stop context.Context
	cfg  Config
	deps Dependencies

	state State
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// NewLoop creates a loop that records until stop is cancelled.
//
// stop is the only shutdown signal: signal handlers cancel it and do
// nothing else, all teardown happens inside Run.
func NewLoop(stop context.Context, cfg Config, deps Dependencies) (*Loop, error) {
	if stop == nil {
		return nil, errors.New("capture: stop context is required")
	}
	if deps.Connect == nil || deps.NewEncoder == nil {
		return nil, errors.New("capture: Connect and NewEncoder are required")
	}
	if cfg.Framerate == 0 {
		return nil, errors.New("capture: framerate must be > 0")
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = DefaultNegotiateTimeout
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.ThroughputEvery <= 0 {
		cfg.ThroughputEvery = DefaultThroughputEvery
	}

	return &Loop{
		stop:  stop,
		cfg:   cfg,
		deps:  deps,
		state: StateInit,
		sleep: sleepContext,
		now:   time.Now,
	}, nil
}

// State returns the current state. Only meaningful from the Run goroutine or
// after Run returned.
func (l *Loop) State() State {
	return l.state
}

func (l *Loop) transition(to State) {
	slog.Debug("capture: state transition", "from", l.state.String(), "to", to.String())
	l.state = to
}

// Run drives the loop to completion. The returned error is a *Error unless
// nil.
func (l *Loop) Run() (result Result, err error) {
	started := l.now()
	result.Reason = ReasonStartupFailed
	defer func() {
		result.Duration = l.now().Sub(started)
		l.transition(StateStopped)
	}()

	l.transition(StateConnecting)
	comp, err := l.deps.Connect(l.stop)
	if err != nil {
		return result, &Error{Phase: PhaseStartup, Op: "connect to compositor", Err: err}
	}
	defer closeLogged("compositor", comp.Close)

	session, err := comp.OpenSession(l.cfg.OutputName)
	if err != nil {
		return result, &Error{Phase: PhaseStartup, Op: "open capture session", Err: err}
	}
	defer closeLogged("capture session", session.Close)

	l.transition(StateNegotiating)
	formats, err := l.negotiate(session)
	if err != nil {
		return result, &Error{Phase: PhaseStartup, Op: "negotiate buffer format", Err: err}
	}

	source, err := comp.NewFrameSource()
	if err != nil {
		return result, &Error{Phase: PhaseStartup, Op: "create frame source", Err: err}
	}
	defer closeLogged("frame source", source.Close)

	if err := source.Negotiate(formats); err != nil {
		return result, &Error{Phase: PhaseStartup, Op: "allocate buffers", Err: err}
	}
	spec := source.Spec()
	result.Spec = spec

	enc, err := l.deps.NewEncoder(int(spec.Width), int(spec.Height))
	if err != nil {
		return result, &Error{Phase: PhaseStartup, Op: "build pipeline", Err: err}
	}
	if v, ok := enc.(FrameValidator); ok {
		if err := v.ValidateFrameSize(int(spec.Width), int(spec.Height)); err != nil {
			closeLogged("pipeline", enc.Finish)
			return result, &Error{Phase: PhaseStartup, Op: "build pipeline", Err: err}
		}
	}

	slog.Info("capture: recording started",
		"output", l.cfg.OutputName,
		"spec", spec.String(),
		"framerate", l.cfg.Framerate,
	)

	l.transition(StateRecording)
	loopErr := l.record(session, source, enc, spec, &result)

	l.transition(StateDraining)
	finishErr := enc.Finish()
	slog.Info("capture: recording finished",
		"frames", result.Frames,
		"failures", result.Failures,
		"reason", result.Reason.String(),
		"output_file", l.cfg.OutputPath,
	)

	switch {
	case loopErr != nil && finishErr != nil:
		return result, &Error{Phase: PhaseSteadyState, Op: "record", Err: multierror.Append(loopErr, finishErr)}
	case loopErr != nil:
		return result, &Error{Phase: PhaseSteadyState, Op: "record", Err: loopErr}
	case finishErr != nil:
		return result, &Error{Phase: PhaseFinalize, Op: "finalize output", Err: finishErr}
	}
	return result, nil
}

func (l *Loop) negotiate(session Session) (framesource.Formats, error) {
	ctx, cancel := context.WithTimeout(l.stop, l.cfg.NegotiateTimeout)
	defer cancel()

	formats, err := session.Negotiate(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && l.stop.Err() == nil {
		return formats, fmt.Errorf("%w after %s", ErrNegotiateTimeout, l.cfg.NegotiateTimeout)
	}
	return formats, err
}

// record is the Recording state. It returns nil when stopped on request and
// ErrTooManyFailures when the ceiling was hit.
func (l *Loop) record(session Session, source framesource.FrameSource, enc Encoder, spec framesource.Spec, result *Result) error {
	interval := time.Second / time.Duration(l.cfg.Framerate)
	packed := make([]byte, int(spec.Width)*int(spec.Height)*framesource.BytesPerPixel)
	window := make([]time.Time, 0, l.cfg.ThroughputEvery+1)
	consecutive := 0

	for l.stop.Err() == nil {
		iterStart := l.now()

		err := l.captureOne(session, source, enc, spec, packed, result.Frames)
		switch {
		case err == nil:
			consecutive = 0
			result.Frames++

			pushed := l.now()
			window = append(window, pushed)
			if l.deps.Observer != nil {
				l.deps.Observer.FramePushed(pushed.Sub(iterStart))
			}
			if result.Frames%uint64(l.cfg.ThroughputEvery) == 0 {
				l.logThroughput(window, result.Frames)
				window = append(window[:0], pushed)
			}

		case l.stop.Err() != nil:
			// Interrupted mid-capture by the stop request.
			result.Reason = ReasonStopRequested
			return nil

		default:
			consecutive++
			result.Failures++
			if l.deps.Observer != nil {
				l.deps.Observer.CaptureFailed(consecutive)
			}
			slog.Warn("capture: frame failed",
				"error", err,
				"consecutive", consecutive,
				"max", l.cfg.MaxConsecutiveErrors,
			)
			if consecutive >= l.cfg.MaxConsecutiveErrors {
				result.Reason = ReasonErrorCeiling
				return fmt.Errorf("%w (%d): last error: %v", ErrTooManyFailures, consecutive, err)
			}
		}

		// Slow iterations overrun instead of dropping frames, so ordering and
		// count-derived timestamps hold.
		if wait := interval - l.now().Sub(iterStart); wait > 0 {
			l.sleep(l.stop, wait)
		}
	}

	result.Reason = ReasonStopRequested
	return nil
}

// captureOne acquires a buffer, captures into it, converts and pushes.
func (l *Loop) captureOne(session Session, source framesource.FrameSource, enc Encoder, spec framesource.Spec, packed []byte, index uint64) (err error) {
	buf, err := source.Acquire()
	if err != nil {
		return fmt.Errorf("acquire buffer: %w", err)
	}
	defer func() {
		if relErr := source.Release(buf); relErr != nil && err == nil {
			err = fmt.Errorf("release buffer: %w", relErr)
		}
	}()

	ctx, cancel := context.WithTimeout(l.stop, l.cfg.CaptureTimeout)
	info, err := session.Capture(ctx, buf)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && l.stop.Err() == nil {
			return fmt.Errorf("%w after %s", ErrCaptureTimeout, l.cfg.CaptureTimeout)
		}
		return fmt.Errorf("capture frame: %w", err)
	}

	if err := buf.BeginRead(); err != nil {
		return fmt.Errorf("begin buffer read: %w", err)
	}
	convErr := Swizzle(packed, buf.Bytes(), buf.Spec, info.YInvert)
	if err := buf.EndRead(); err != nil && convErr == nil {
		convErr = fmt.Errorf("end buffer read: %w", err)
	}
	if convErr != nil {
		return convErr
	}

	ts := pts.FrameTimestamp(index, l.cfg.Framerate)
	if err := enc.PushFrame(packed, ts, pts.FrameDuration(index, l.cfg.Framerate)); err != nil {
		return fmt.Errorf("push frame %d: %w", index, err)
	}
	return nil
}

func (l *Loop) logThroughput(window []time.Time, frames uint64) {
	stats := CalculateThroughput(window, l.cfg.Framerate)
	if l.deps.Observer != nil {
		l.deps.Observer.Throughput(stats)
	}
	slog.Info("capture: throughput",
		"frames", frames,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_min", fmt.Sprintf("%.2f", stats.FPSMin),
		"fps_max", fmt.Sprintf("%.2f", stats.FPSMax),
		"jitter_mean_ms", fmt.Sprintf("%.2f", stats.JitterMean*1000),
		"overruns", stats.Overruns,
		"stable", stats.IsStable,
	)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func closeLogged(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		slog.Warn("capture: close failed", "resource", what, "error", err)
	}
}
