package wayland

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
)

// Protocol versions this client speaks. Binding never exceeds what the
// compositor advertises.
const (
	shmVersion        = 1
	outputVersion     = 4
	screencopyVersion = 3
	dmabufVersion     = 3
)

var (
	// ErrOutputNotFound is returned when no output carries the requested name.
	ErrOutputNotFound = errors.New("output not found")

	// ErrScreencopyUnsupported is returned when the compositor does not
	// implement wlr-screencopy.
	ErrScreencopyUnsupported = errors.New("wayland: compositor does not support zwlr_screencopy_manager_v1")
)

// Client is a connected compositor with the globals the recorder binds.
type Client struct {
	conn     *Conn
	display  *display
	registry *registry

	shm        *shm
	screencopy *screencopyManager
	dmabuf     *linuxDMABuf
	outputs    []*Output
}

// Connect dials the compositor named by the environment and binds every
// global the recorder needs. The handshake is bounded by ctx.
func Connect(ctx context.Context) (*Client, error) {
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := Dial(path)
	if err != nil {
		return nil, err
	}

	c, err := newClient(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("wayland: connected",
		"socket", path,
		"outputs", len(c.outputs),
		"dmabuf", c.dmabuf != nil,
	)
	return c, nil
}

func newClient(ctx context.Context, conn *Conn) (*Client, error) {
	c := &Client{conn: conn, display: &display{c: conn}}
	conn.objects[displayID] = c.display

	reg, err := c.display.getRegistry()
	if err != nil {
		return nil, err
	}
	c.registry = reg
	if err := c.roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("wayland: registry roundtrip: %w", err)
	}

	shms := reg.find(ifaceShm)
	if len(shms) == 0 {
		return nil, errors.New("wayland: compositor does not advertise wl_shm")
	}
	c.shm = &shm{c: conn, formats: make(map[uint32]bool)}
	if c.shm.id, err = reg.bind(shms[0], shmVersion, c.shm); err != nil {
		return nil, err
	}

	managers := reg.find(ifaceScreencopy)
	if len(managers) == 0 {
		return nil, ErrScreencopyUnsupported
	}
	c.screencopy = &screencopyManager{c: conn, version: min(managers[0].version, screencopyVersion)}
	if c.screencopy.id, err = reg.bind(managers[0], screencopyVersion, c.screencopy); err != nil {
		return nil, err
	}

	if dmabufs := reg.find(ifaceDMABuf); len(dmabufs) > 0 {
		c.dmabuf = &linuxDMABuf{c: conn}
		if c.dmabuf.id, err = reg.bind(dmabufs[0], dmabufVersion, c.dmabuf); err != nil {
			return nil, err
		}
	}

	for _, g := range reg.find(ifaceOutput) {
		out := &Output{global: g.name, version: min(g.version, outputVersion)}
		if out.id, err = reg.bind(g, outputVersion, out); err != nil {
			return nil, err
		}
		c.outputs = append(c.outputs, out)
	}

	// Outputs describe themselves right after the bind.
	if err := c.roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("wayland: output roundtrip: %w", err)
	}
	for _, out := range c.outputs {
		if out.Name == "" {
			// wl_output before version 4 carries no name.
			out.Name = fmt.Sprintf("output-%d", out.global)
		}
	}
	return c, nil
}

// roundtrip blocks until the compositor processed every request sent so far.
func (c *Client) roundtrip(ctx context.Context) error {
	cb, err := c.display.sync()
	if err != nil {
		return err
	}
	return c.conn.dispatchUntil(ctx, func() bool { return cb.done })
}

// FindOutput resolves an output by name. The error lists every available
// name so a typo is easy to spot.
func (c *Client) FindOutput(name string) (*Output, error) {
	names := make([]string, 0, len(c.outputs))
	for _, out := range c.outputs {
		if out.Name == name {
			return out, nil
		}
		names = append(names, out.Name)
	}
	return nil, fmt.Errorf("%w: %q (available: %s)", ErrOutputNotFound, name, strings.Join(names, ", "))
}

// SupportsDMABuf reports whether the compositor advertised linux-dmabuf.
func (c *Client) SupportsDMABuf() bool {
	return c.dmabuf != nil
}

// ExportSHM wraps a shared memory file descriptor in a wl_buffer. The pool is
// destroyed immediately; the buffer keeps the memory alive.
func (c *Client) ExportSHM(fd int, size int, spec framesource.Spec) (framesource.Handle, error) {
	format := fourCCToShm(spec.Format)
	if !c.shm.formats[spec.Format] {
		slog.Debug("wayland: shm format not advertised", "format", framesource.FormatName(spec.Format))
	}

	pool, err := c.shm.createPool(fd, int32(size))
	if err != nil {
		return nil, err
	}
	buf, err := pool.createBuffer(0, int32(spec.Width), int32(spec.Height), int32(spec.Stride), format)
	if destroyErr := pool.destroy(); err == nil && destroyErr != nil {
		err = destroyErr
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ExportDMABuf wraps a single-plane DMA-BUF in a wl_buffer.
func (c *Client) ExportDMABuf(plane framesource.DMABufPlane, spec framesource.Spec) (framesource.Handle, error) {
	if c.dmabuf == nil {
		return nil, fmt.Errorf("%w: compositor does not advertise %s", framesource.ErrDMABufUnsupported, ifaceDMABuf)
	}

	params, err := c.dmabuf.createParams()
	if err != nil {
		return nil, err
	}
	if err := params.add(plane); err != nil {
		return nil, err
	}
	buf, err := params.createImmed(int32(spec.Width), int32(spec.Height), spec.Format)
	if destroyErr := params.destroy(); err == nil && destroyErr != nil {
		err = destroyErr
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Close disconnects from the compositor.
func (c *Client) Close() error {
	return c.conn.Close()
}
