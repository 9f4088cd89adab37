// Package pipeline builds and drives the GStreamer encoding pipeline.
//
// Pipeline structure:
//
//	appsrc → videoconvert → encoder [→ parser] → muxer → filesink
//
// The parser only exists for H.264/H.265, where hardware encoders emit
// byte-stream output the MP4 muxer cannot take directly; it belongs to the
// encode stage.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/hojjatabdollahi/snappea-sub000/internal/encoder"
)

// SourceFormat is the raw layout the source stage accepts. Captured frames
// are swizzled into it before being pushed.
const SourceFormat = "RGBx"

// DefaultDrainTimeout bounds Finish.
const DefaultDrainTimeout = 5 * time.Second

// Config describes the pipeline to build.
type Config struct {
	Encoder    encoder.Info
	Container  encoder.Container
	OutputPath string
	Width      int
	Height     int
	Framerate  uint32

	// DrainTimeout bounds the wait for EOS in Finish.
	// Defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
}

func (c Config) validate() error {
	if c.Encoder.BackendID == "" {
		return fmt.Errorf("encoder is required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
	}
	if c.Framerate == 0 {
		return fmt.Errorf("framerate must be > 0")
	}
	if !c.Container.Supports(c.Encoder.Codec) {
		return fmt.Errorf("container %s cannot carry %s", c.Container, c.Encoder.Codec)
	}
	return nil
}

// SourceCaps returns the caps string of the source stage.
func SourceCaps(width, height int, framerate uint32) string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		SourceFormat, width, height, framerate)
}

// Pipeline is one recording's encoding pipeline. It is driven from a single
// goroutine; Finish may be called more than once.
type Pipeline struct {
	cfg       Config
	pipeline  *gst.Pipeline
	src       *app.Source
	frameSize int

	started  bool
	finished bool
	finishMu sync.Mutex
	finalErr error
}

// New builds the pipeline in the NULL state.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	Init()

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	capsStr := SourceCaps(cfg.Width, cfg.Height, cfg.Framerate)
	src.SetCaps(gst.NewCapsFromString(capsStr))
	src.SetProperty("format", int(gst.FormatTime))
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", false)
	src.SetProperty("block", true)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // auto-detect cores

	enc, err := gst.NewElement(cfg.Encoder.BackendID)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder %s: %w", cfg.Encoder.BackendID, err)
	}
	configureEncoder(enc, cfg)

	encodeStage := []*gst.Element{enc}
	if parserName := parserFor(cfg.Encoder.Codec); parserName != "" {
		parser, err := gst.NewElement(parserName)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", parserName, err)
		}
		encodeStage = append(encodeStage, parser)
	}

	muxer, err := gst.NewElement(cfg.Container.Muxer())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.Container.Muxer(), err)
	}

	sink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("failed to create filesink: %w", err)
	}
	sink.SetProperty("location", cfg.OutputPath)
	sink.SetProperty("sync", false)

	elements := []*gst.Element{src.Element, converter}
	elements = append(elements, encodeStage...)
	elements = append(elements, muxer, sink)

	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Info("pipeline: created",
		"encoder", cfg.Encoder.BackendID,
		"hardware", cfg.Encoder.Hardware,
		"container", cfg.Container.String(),
		"caps", capsStr,
		"output", cfg.OutputPath,
	)

	return &Pipeline{
		cfg:       cfg,
		pipeline:  pipeline,
		src:       src,
		frameSize: cfg.Width * cfg.Height * 4,
	}, nil
}

// configureEncoder applies low-latency settings to the backends that have
// them. Enum properties are set by value.
func configureEncoder(enc *gst.Element, cfg Config) {
	keyframeInterval := int(cfg.Framerate) * 2

	switch cfg.Encoder.BackendID {
	case "x264enc":
		enc.SetProperty("speed-preset", 3) // veryfast
		enc.SetProperty("tune", 4)         // zerolatency
		enc.SetProperty("key-int-max", uint(keyframeInterval))
	case "x265enc":
		enc.SetProperty("speed-preset", 3) // veryfast
		enc.SetProperty("tune", 4)         // zerolatency
		enc.SetProperty("key-int-max", keyframeInterval)
	case "vp9enc":
		enc.SetProperty("deadline", int64(1)) // realtime
		enc.SetProperty("cpu-used", 8)
		enc.SetProperty("keyframe-max-dist", keyframeInterval)
	case "svtav1enc":
		enc.SetProperty("preset", uint(10))
	case "nvh264enc", "nvh265enc":
		enc.SetProperty("gop-size", keyframeInterval)
	}

	slog.Debug("pipeline: encoder configured",
		"encoder", cfg.Encoder.BackendID,
		"keyframe_interval", keyframeInterval,
	)
}

func parserFor(codec encoder.Codec) string {
	switch codec {
	case encoder.CodecH264:
		return "h264parse"
	case encoder.CodecH265:
		return "h265parse"
	}
	return ""
}

// ValidateFrameSize checks that frames of width x height match the source
// caps exactly.
func (p *Pipeline) ValidateFrameSize(width, height int) error {
	if width != p.cfg.Width || height != p.cfg.Height {
		return fmt.Errorf("%w: frames are %dx%d, caps are %dx%d",
			ErrCapsMismatch, width, height, p.cfg.Width, p.cfg.Height)
	}
	return nil
}

// Start moves the pipeline to PLAYING. A failure here is systemic, such as
// a missing codec or an unwritable output path, and is not retried.
func (p *Pipeline) Start() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		if busErr := p.pollError(); busErr != nil {
			return fmt.Errorf("failed to start pipeline: %w", busErr)
		}
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	p.started = true
	slog.Info("pipeline: playing", "output", p.cfg.OutputPath)
	return nil
}

// PushFrame hands one frame to the source stage with the given presentation
// timestamp and duration. Errors are soft: the pipeline stays usable and the
// caller decides whether to retry.
func (p *Pipeline) PushFrame(data []byte, pts, duration time.Duration) error {
	if !p.started {
		return ErrNotStarted
	}
	if p.finished {
		return ErrFinished
	}
	if len(data) != p.frameSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrCapsMismatch, len(data), p.frameSize)
	}
	if busErr := p.pollError(); busErr != nil {
		return busErr
	}

	buffer := gst.NewBufferFromBytes(data)
	buffer.SetPresentationTimestamp(pts)
	buffer.SetDuration(duration)

	if ret := p.src.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: flow %s", ret.String())
	}
	return nil
}

// pollError drains queued bus messages without blocking and returns the
// first error among them.
func (p *Pipeline) pollError() *BusError {
	bus := p.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			busErr := newBusError(msg.ParseError())
			slog.Error("pipeline: bus error",
				"error", busErr.Message,
				"debug", busErr.Debug,
				"category", busErr.Category.String(),
			)
			return busErr
		}
	}
}

// Finish signals end-of-stream, waits for the muxer to finalize the file
// and tears the pipeline down. An error or a drain timeout means the file
// may be unusable. Only the first call does any work; later calls return
// the same result.
func (p *Pipeline) Finish() error {
	p.finishMu.Lock()
	defer p.finishMu.Unlock()

	if p.finished {
		return p.finalErr
	}
	p.finished = true

	var result *multierror.Error
	if p.started {
		if err := p.drain(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to set pipeline to NULL: %w", err))
	}
	p.finalErr = result.ErrorOrNil()
	return p.finalErr
}

func (p *Pipeline) drain() error {
	if ret := p.src.EndStream(); ret != gst.FlowOK {
		slog.Warn("pipeline: end-of-stream not accepted", "flow", ret.String())
	}

	bus := p.pipeline.GetPipelineBus()
	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("pipeline: end of stream reached", "output", p.cfg.OutputPath)
			return nil
		case gst.MessageError:
			busErr := newBusError(msg.ParseError())
			slog.Error("pipeline: error while draining",
				"error", busErr.Message,
				"debug", busErr.Debug,
				"category", busErr.Category.String(),
			)
			return busErr
		}
	}
	return fmt.Errorf("%w after %s", ErrFinalizeTimeout, p.cfg.DrainTimeout)
}
