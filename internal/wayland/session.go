package wayland

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
)

var (
	// ErrCaptureFailed is returned when the compositor reports a failed copy.
	ErrCaptureFailed = errors.New("wayland: compositor failed to capture frame")

	// ErrBufferChanged is returned when the compositor asks for a buffer
	// layout different from the negotiated one, e.g. after a mode change.
	ErrBufferChanged = errors.New("wayland: compositor changed the buffer layout")
)

// Rect is a region in output-local logical coordinates.
type Rect struct {
	X, Y, Width, Height int32
}

// SessionOptions scope a capture session.
type SessionOptions struct {
	OverlayCursor bool
	// Region restricts capture to part of the output. Nil captures the whole
	// output.
	Region *Rect
}

// FrameInfo describes one completed copy.
type FrameInfo struct {
	// YInvert is set when the compositor wrote the rows bottom-up.
	YInvert bool
}

// Session captures frames of one output.
//
// wlr-screencopy frames are single-shot, so each Capture issues a new
// capture request. The frame created by Negotiate is reused by the first
// Capture.
type Session struct {
	client *Client
	output *Output
	opts   SessionOptions

	formats    framesource.Formats
	negotiated bool
	pending    *screencopyFrame
}

// NewSession opens a capture session on out.
func (c *Client) NewSession(out *Output, opts SessionOptions) *Session {
	return &Session{client: c, output: out, opts: opts}
}

// Negotiate waits until the compositor reported the buffer layouts it
// accepts. The wait is bounded by ctx; callers set its deadline.
func (s *Session) Negotiate(ctx context.Context) (framesource.Formats, error) {
	frame, err := s.requestFrame(ctx)
	if err != nil {
		return framesource.Formats{}, err
	}
	if frame.failed {
		frame.destroy()
		return framesource.Formats{}, fmt.Errorf("%w during negotiation", ErrCaptureFailed)
	}

	s.formats = framesource.Formats{SHM: frame.shm, DMABuf: frame.dmabuf}
	s.negotiated = true
	s.pending = frame

	attrs := []any{"output", s.output.Name, "shm", frame.shm.String()}
	if frame.dmabuf != nil {
		attrs = append(attrs, "dmabuf", frame.dmabuf.String())
	}
	slog.Info("wayland: buffer format negotiated", attrs...)
	return s.formats, nil
}

// requestFrame issues a capture request and waits for its buffer offers.
func (s *Session) requestFrame(ctx context.Context) (*screencopyFrame, error) {
	frame, err := s.client.screencopy.captureOutput(s.opts.OverlayCursor, s.output, s.opts.Region)
	if err != nil {
		return nil, err
	}
	if err := s.client.conn.dispatchUntil(ctx, frame.buffersKnown); err != nil {
		frame.destroy()
		return nil, err
	}
	return frame, nil
}

// Capture copies one frame into buf and blocks until the compositor
// reported it ready or ctx is done.
func (s *Session) Capture(ctx context.Context, buf *framesource.Buffer) (FrameInfo, error) {
	if !s.negotiated {
		return FrameInfo{}, framesource.ErrNotNegotiated
	}

	frame := s.pending
	s.pending = nil
	if frame == nil {
		var err error
		frame, err = s.requestFrame(ctx)
		if err != nil {
			return FrameInfo{}, err
		}
	}
	defer frame.destroy()

	if frame.failed {
		return FrameInfo{}, ErrCaptureFailed
	}
	if err := s.checkLayout(frame, buf.Spec); err != nil {
		return FrameInfo{}, err
	}

	if err := frame.copyInto(buf.Handle.ObjectID()); err != nil {
		return FrameInfo{}, err
	}
	err := s.client.conn.dispatchUntil(ctx, func() bool {
		return frame.ready || frame.failed
	})
	if err != nil {
		return FrameInfo{}, err
	}
	if frame.failed {
		return FrameInfo{}, ErrCaptureFailed
	}

	return FrameInfo{YInvert: frame.flags&frameFlagYInvert != 0}, nil
}

func (s *Session) checkLayout(frame *screencopyFrame, spec framesource.Spec) error {
	offered := frame.shm
	if frame.dmabuf != nil && spec.Format == frame.dmabuf.Format && offered.Format != spec.Format {
		offered = *frame.dmabuf
	}
	if offered.Width != spec.Width || offered.Height != spec.Height {
		return fmt.Errorf("%w: %dx%d, buffer is %dx%d",
			ErrBufferChanged, offered.Width, offered.Height, spec.Width, spec.Height)
	}
	return nil
}

// Close destroys any frame left over from negotiation.
func (s *Session) Close() error {
	if s.pending == nil {
		return nil
	}
	err := s.pending.destroy()
	s.pending = nil
	return err
}
