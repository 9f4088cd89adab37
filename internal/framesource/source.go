// Package framesource allocates the pixel buffers the compositor captures into.
//
// Two strategies sit behind the FrameSource contract:
//
//   - SHM: an anonymous memfd per frame, shared with the compositor through
//     wl_shm and mapped read-only once the frame is ready.
//   - DMA-BUF: a pool of three GPU buffer objects allocated on a render node
//     and shared through zwp_linux_dmabuf_v1, rotated so that capture and
//     encode could overlap.
//
// The capture loop only sees Negotiate → Acquire → Release, so switching the
// strategy never touches its control flow.
package framesource

import (
	"errors"
	"fmt"
)

// DRM fourcc codes of the 32-bit layouts compositors offer for screencopy.
// The names follow the DRM convention: the channel order is written from the
// most significant byte of a little-endian 32-bit word, so XRGB8888 is stored
// in memory as B, G, R, X.
const (
	FormatARGB8888 uint32 = 0x34325241 // AR24
	FormatXRGB8888 uint32 = 0x34325258 // XR24
	FormatABGR8888 uint32 = 0x34324241 // AB24
	FormatXBGR8888 uint32 = 0x34324258 // XB24
)

// BytesPerPixel is the size of one pixel in every supported format.
const BytesPerPixel = 4

var (
	// ErrUnsupportedFormat is returned when the compositor offers no layout
	// this package knows how to read.
	ErrUnsupportedFormat = errors.New("framesource: unsupported pixel format")

	// ErrNotNegotiated is returned by Acquire before Negotiate succeeded.
	ErrNotNegotiated = errors.New("framesource: buffer format not negotiated")

	// ErrDMABufUnsupported is returned when the DMA-BUF strategy is requested
	// but the compositor or the build cannot provide it.
	ErrDMABufUnsupported = errors.New("framesource: dma-buf capture unsupported")
)

// Spec describes the buffer layout the compositor asked for.
type Spec struct {
	Format uint32
	Width  uint32
	Height uint32
	Stride uint32
}

// Size returns the byte size of a buffer with this layout.
func (s Spec) Size() int {
	return int(s.Stride) * int(s.Height)
}

// Validate checks that the layout is one this package can read.
func (s Spec) Validate() error {
	if s.Width == 0 || s.Height == 0 {
		return fmt.Errorf("framesource: empty buffer size %dx%d", s.Width, s.Height)
	}
	if !SupportedFormat(s.Format) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, FormatName(s.Format))
	}
	if s.Stride != 0 && s.Stride < s.Width*BytesPerPixel {
		return fmt.Errorf("framesource: stride %d too small for width %d", s.Stride, s.Width)
	}
	return nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%dx%d %s stride=%d", s.Width, s.Height, FormatName(s.Format), s.Stride)
}

// Formats is what the compositor reported for one output during negotiation.
// DMABuf is only set when the compositor offers GPU buffer sharing.
type Formats struct {
	SHM    Spec
	DMABuf *Spec
}

// SupportedFormat reports whether format is a readable 32-bit layout.
func SupportedFormat(format uint32) bool {
	switch format {
	case FormatARGB8888, FormatXRGB8888, FormatABGR8888, FormatXBGR8888:
		return true
	}
	return false
}

// FormatName renders a fourcc as its four ASCII characters.
func FormatName(format uint32) string {
	b := []byte{byte(format), byte(format >> 8), byte(format >> 16), byte(format >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", format)
		}
	}
	return string(b)
}

// Handle is the compositor-side object wrapping a buffer's memory.
type Handle interface {
	ObjectID() uint32
	Destroy() error
}

// DMABufPlane is a single-plane GPU buffer ready to be exported.
type DMABufPlane struct {
	FD       int
	Offset   uint32
	Stride   uint32
	Modifier uint64
}

// Exporter turns memory into compositor buffer objects. The Wayland client
// implements it.
type Exporter interface {
	ExportSHM(fd int, size int, spec Spec) (Handle, error)
	ExportDMABuf(plane DMABufPlane, spec Spec) (Handle, error)
}

// Buffer is one pixel buffer the compositor writes a frame into.
//
// Bytes may only be called after the compositor reported the frame ready;
// until then the compositor owns the memory.
type Buffer struct {
	Spec
	Handle Handle

	data  []byte
	index int
	free  func() error

	beginRead func() error
	endRead   func() error
}

// Bytes returns the mapped pixel data. The slice is only valid until the
// buffer is released.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// BeginRead must be called after the compositor reported the frame ready and
// before Bytes is read. It is a no-op for plain shared memory.
func (b *Buffer) BeginRead() error {
	if b.beginRead == nil {
		return nil
	}
	return b.beginRead()
}

// EndRead closes the CPU access window opened by BeginRead.
func (b *Buffer) EndRead() error {
	if b.endRead == nil {
		return nil
	}
	return b.endRead()
}

// FrameSource negotiates, hands out and takes back capture buffers.
type FrameSource interface {
	// Negotiate picks the layout this source will allocate from the
	// compositor's offer.
	Negotiate(formats Formats) error

	// Spec returns the negotiated layout.
	Spec() Spec

	// Acquire returns a buffer ready to be captured into.
	Acquire() (*Buffer, error)

	// Release returns a buffer once its bytes were consumed.
	Release(buf *Buffer) error

	// Close frees every buffer still held by the source.
	Close() error
}
