package recorder

import (
	"context"
	"fmt"
	"log/slog"

	snappea "github.com/hojjatabdollahi/snappea-sub000"
	"github.com/hojjatabdollahi/snappea-sub000/internal/capture"
	"github.com/hojjatabdollahi/snappea-sub000/internal/config"
	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
	"github.com/hojjatabdollahi/snappea-sub000/internal/wayland"
)

// compositor adapts a Wayland client to the capture loop.
type compositor struct {
	client *wayland.Client
	opts   Options
	cfg    *config.Config
}

var _ capture.Compositor = (*compositor)(nil)

func connectWayland(opts Options, cfg *config.Config) func(ctx context.Context) (capture.Compositor, error) {
	return func(ctx context.Context) (capture.Compositor, error) {
		client, err := wayland.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return &compositor{client: client, opts: opts, cfg: cfg}, nil
	}
}

func (c *compositor) OpenSession(outputName string) (capture.Session, error) {
	out, err := c.client.FindOutput(outputName)
	if err != nil {
		return nil, err
	}
	region, err := resolveRegion(c.opts.Region, c.opts.LogicalWidth, c.opts.LogicalHeight)
	if err != nil {
		return nil, err
	}

	attrs := []any{"output", out.String(), "overlay_cursor", c.cfg.OverlayCursor}
	if region != nil {
		attrs = append(attrs, "region", fmt.Sprintf("%d,%d %dx%d", region.X, region.Y, region.Width, region.Height))
	}
	slog.Info("recorder: opening capture session", attrs...)

	return &session{s: c.client.NewSession(out, wayland.SessionOptions{
		OverlayCursor: c.cfg.OverlayCursor,
		Region:        region,
	})}, nil
}

func (c *compositor) NewFrameSource() (framesource.FrameSource, error) {
	switch c.cfg.BufferStrategy {
	case config.BufferDMABuf:
		if !c.client.SupportsDMABuf() {
			return nil, fmt.Errorf("%w: compositor does not offer zwp_linux_dmabuf_v1", framesource.ErrDMABufUnsupported)
		}
		return framesource.NewDMABuf(c.client, c.cfg.RenderNode)
	default:
		return framesource.NewSHM(c.client), nil
	}
}

func (c *compositor) Close() error {
	return c.client.Close()
}

type session struct {
	s *wayland.Session
}

func (s *session) Negotiate(ctx context.Context) (framesource.Formats, error) {
	return s.s.Negotiate(ctx)
}

func (s *session) Capture(ctx context.Context, buf *framesource.Buffer) (capture.FrameInfo, error) {
	info, err := s.s.Capture(ctx, buf)
	return capture.FrameInfo{YInvert: info.YInvert}, err
}

func (s *session) Close() error {
	return s.s.Close()
}

// resolveRegion turns the requested region into a capture rectangle. A
// region covering the whole logical output captures the full output, which
// lets the compositor skip cropping. Without a logical size the region is
// used as given.
func resolveRegion(region snappea.Region, logicalWidth, logicalHeight int32) (*wayland.Rect, error) {
	if region.Width <= 0 || region.Height <= 0 {
		if region == (snappea.Region{}) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid region %dx%d", region.Width, region.Height)
	}
	if region.X < 0 || region.Y < 0 {
		return nil, fmt.Errorf("region origin %d,%d is negative", region.X, region.Y)
	}

	if logicalWidth > 0 && logicalHeight > 0 {
		if int64(region.X)+int64(region.Width) > int64(logicalWidth) ||
			int64(region.Y)+int64(region.Height) > int64(logicalHeight) {
			return nil, fmt.Errorf("region %d,%d %dx%d exceeds output %dx%d",
				region.X, region.Y, region.Width, region.Height, logicalWidth, logicalHeight)
		}
		if region.X == 0 && region.Y == 0 && region.Width == logicalWidth && region.Height == logicalHeight {
			return nil, nil
		}
	}
	return &wayland.Rect{X: region.X, Y: region.Y, Width: region.Width, Height: region.Height}, nil
}
