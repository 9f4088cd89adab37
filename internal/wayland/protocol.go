package wayland

import (
	"fmt"
	"log/slog"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
)

// Interface names advertised by the registry.
const (
	ifaceShm        = "wl_shm"
	ifaceOutput     = "wl_output"
	ifaceScreencopy = "zwlr_screencopy_manager_v1"
	ifaceDMABuf     = "zwp_linux_dmabuf_v1"
)

// wl_shm format codes that differ from their DRM fourcc.
const (
	shmFormatARGB8888 uint32 = 0
	shmFormatXRGB8888 uint32 = 1
)

// shmToFourCC maps a wl_shm format to the DRM fourcc used everywhere else.
func shmToFourCC(format uint32) uint32 {
	switch format {
	case shmFormatARGB8888:
		return framesource.FormatARGB8888
	case shmFormatXRGB8888:
		return framesource.FormatXRGB8888
	}
	return format
}

func fourCCToShm(format uint32) uint32 {
	switch format {
	case framesource.FormatARGB8888:
		return shmFormatARGB8888
	case framesource.FormatXRGB8888:
		return shmFormatXRGB8888
	}
	return format
}

// display is wl_display, object 1.
type display struct {
	c *Conn
}

func (d *display) handle(opcode uint16, dec *decoder) {
	switch opcode {
	case 0: // error
		objectID := dec.uint()
		code := dec.uint()
		msg := dec.string()
		d.c.setFatal(fmt.Errorf("wayland: protocol error on object %d (code %d): %s", objectID, code, msg))
	case 1: // delete_id
		d.c.release(dec.uint())
	}
}

func (d *display) sync() (*callback, error) {
	cb := &callback{}
	id := d.c.register(cb)
	if err := d.c.send(displayID, 0, new(encoder).uint(id)); err != nil {
		return nil, err
	}
	return cb, nil
}

func (d *display) getRegistry() (*registry, error) {
	r := &registry{c: d.c, globals: make(map[uint32]global)}
	r.id = d.c.register(r)
	if err := d.c.send(displayID, 1, new(encoder).uint(r.id)); err != nil {
		return nil, err
	}
	return r, nil
}

type callback struct {
	done bool
}

func (cb *callback) handle(opcode uint16, dec *decoder) {
	if opcode == 0 {
		cb.done = true
	}
}

type global struct {
	name    uint32
	iface   string
	version uint32
}

type registry struct {
	c       *Conn
	id      uint32
	globals map[uint32]global
	order   []uint32
}

func (r *registry) handle(opcode uint16, dec *decoder) {
	switch opcode {
	case 0: // global
		g := global{name: dec.uint(), iface: dec.string(), version: dec.uint()}
		if dec.err != nil {
			return
		}
		if _, seen := r.globals[g.name]; !seen {
			r.order = append(r.order, g.name)
		}
		r.globals[g.name] = g
	case 1: // global_remove
		delete(r.globals, dec.uint())
	}
}

func (r *registry) find(iface string) []global {
	var out []global
	for _, name := range r.order {
		if g, ok := r.globals[name]; ok && g.iface == iface {
			out = append(out, g)
		}
	}
	return out
}

func (r *registry) bind(g global, version uint32, h handler) (uint32, error) {
	if version > g.version {
		version = g.version
	}
	id := r.c.register(h)
	e := new(encoder).uint(g.name).string(g.iface).uint(version).uint(id)
	if err := r.c.send(r.id, 0, e); err != nil {
		return 0, err
	}
	return id, nil
}

// Output is a wl_output and the state it advertised.
type Output struct {
	id      uint32
	global  uint32
	version uint32

	Name        string
	Description string
	Make        string
	Model       string
	Width       int32
	Height      int32
	Scale       int32
	done        bool
}

func (o *Output) handle(opcode uint16, dec *decoder) {
	switch opcode {
	case 0: // geometry
		dec.int() // x
		dec.int() // y
		dec.int() // physical width
		dec.int() // physical height
		dec.int() // subpixel
		o.Make = dec.string()
		o.Model = dec.string()
	case 1: // mode
		flags := dec.uint()
		w, h := dec.int(), dec.int()
		dec.int() // refresh
		if flags&0x1 != 0 {
			o.Width, o.Height = w, h
		}
	case 2: // done
		o.done = true
	case 3: // scale
		o.Scale = dec.int()
	case 4: // name
		o.Name = dec.string()
	case 5: // description
		o.Description = dec.string()
	}
}

func (o *Output) String() string {
	s := fmt.Sprintf("%s (%dx%d scale %d)", o.Name, o.Width, o.Height, o.Scale)
	if o.Description != "" {
		s += " " + o.Description
	}
	return s
}

type shm struct {
	c       *Conn
	id      uint32
	formats map[uint32]bool
}

func (s *shm) handle(opcode uint16, dec *decoder) {
	if opcode == 0 { // format
		s.formats[shmToFourCC(dec.uint())] = true
	}
}

func (s *shm) createPool(fd int, size int32) (*shmPool, error) {
	p := &shmPool{c: s.c}
	p.id = s.c.register(p)
	if err := s.c.send(s.id, 0, new(encoder).uint(p.id).fd(fd).int(size)); err != nil {
		return nil, err
	}
	return p, nil
}

type shmPool struct {
	c  *Conn
	id uint32
}

func (p *shmPool) handle(uint16, *decoder) {}

func (p *shmPool) createBuffer(offset, width, height, stride int32, format uint32) (*Buffer, error) {
	b := &Buffer{c: p.c}
	b.id = p.c.register(b)
	e := new(encoder).uint(b.id).int(offset).int(width).int(height).int(stride).uint(format)
	if err := p.c.send(p.id, 0, e); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *shmPool) destroy() error {
	return p.c.send(p.id, 1, new(encoder))
}

// Buffer is a wl_buffer the compositor can copy a frame into.
type Buffer struct {
	c         *Conn
	id        uint32
	destroyed bool
}

func (b *Buffer) handle(uint16, *decoder) {}

// ObjectID returns the wl_buffer id.
func (b *Buffer) ObjectID() uint32 {
	return b.id
}

// Destroy destroys the wl_buffer. Destroying twice is a no-op.
func (b *Buffer) Destroy() error {
	if b.destroyed {
		return nil
	}
	b.destroyed = true
	return b.c.send(b.id, 0, new(encoder))
}

type screencopyManager struct {
	c       *Conn
	id      uint32
	version uint32
}

func (m *screencopyManager) handle(uint16, *decoder) {}

func (m *screencopyManager) captureOutput(overlayCursor bool, out *Output, region *Rect) (*screencopyFrame, error) {
	f := &screencopyFrame{c: m.c, version: m.version}
	f.id = m.c.register(f)

	cursor := int32(0)
	if overlayCursor {
		cursor = 1
	}

	e := new(encoder).uint(f.id).int(cursor).uint(out.id)
	opcode := uint16(0)
	if region != nil {
		opcode = 1
		e.int(region.X).int(region.Y).int(region.Width).int(region.Height)
	}
	if err := m.c.send(m.id, opcode, e); err != nil {
		return nil, err
	}
	return f, nil
}

// Screencopy frame flags.
const frameFlagYInvert = 1

type screencopyFrame struct {
	c       *Conn
	id      uint32
	version uint32

	shm        framesource.Spec
	shmSeen    bool
	dmabuf     *framesource.Spec
	bufferDone bool
	flags      uint32
	ready      bool
	failed     bool
	destroyed  bool
}

func (f *screencopyFrame) handle(opcode uint16, dec *decoder) {
	switch opcode {
	case 0: // buffer
		format := shmToFourCC(dec.uint())
		f.shm = framesource.Spec{Format: format, Width: dec.uint(), Height: dec.uint(), Stride: dec.uint()}
		f.shmSeen = true
	case 1: // flags
		f.flags = dec.uint()
	case 2: // ready; the presentation time is unused, pts are count-derived
		f.ready = true
	case 3: // failed
		f.failed = true
	case 4: // damage
	case 5: // linux_dmabuf
		spec := framesource.Spec{Format: dec.uint(), Width: dec.uint(), Height: dec.uint()}
		f.dmabuf = &spec
	case 6: // buffer_done
		f.bufferDone = true
	default:
		slog.Debug("wayland: unknown screencopy frame event", "opcode", opcode)
	}
}

// buffersKnown reports whether every buffer offer has arrived. Version 1 and
// 2 compositors send a single shm offer and no buffer_done.
func (f *screencopyFrame) buffersKnown() bool {
	if f.failed {
		return true
	}
	if f.version >= 3 {
		return f.bufferDone
	}
	return f.shmSeen
}

func (f *screencopyFrame) copyInto(bufferID uint32) error {
	return f.c.send(f.id, 0, new(encoder).uint(bufferID))
}

func (f *screencopyFrame) destroy() error {
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	return f.c.send(f.id, 1, new(encoder))
}

type linuxDMABuf struct {
	c  *Conn
	id uint32
}

func (d *linuxDMABuf) handle(uint16, *decoder) {}

func (d *linuxDMABuf) createParams() (*bufferParams, error) {
	p := &bufferParams{c: d.c}
	p.id = d.c.register(p)
	if err := d.c.send(d.id, 1, new(encoder).uint(p.id)); err != nil {
		return nil, err
	}
	return p, nil
}

type bufferParams struct {
	c      *Conn
	id     uint32
	failed bool
}

func (p *bufferParams) handle(opcode uint16, dec *decoder) {
	if opcode == 1 { // failed
		p.failed = true
	}
}

func (p *bufferParams) add(plane framesource.DMABufPlane) error {
	e := new(encoder).fd(plane.FD).
		uint(0). // plane index
		uint(plane.Offset).
		uint(plane.Stride).
		uint(uint32(plane.Modifier >> 32)).
		uint(uint32(plane.Modifier))
	return p.c.send(p.id, 1, e)
}

func (p *bufferParams) createImmed(width, height int32, format uint32) (*Buffer, error) {
	b := &Buffer{c: p.c}
	b.id = p.c.register(b)
	e := new(encoder).uint(b.id).int(width).int(height).uint(format).uint(0)
	if err := p.c.send(p.id, 3, e); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *bufferParams) destroy() error {
	return p.c.send(p.id, 0, new(encoder))
}
