package framesource

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// DefaultRenderNode is the first DRM render node on most systems.
const DefaultRenderNode = "/dev/dri/renderD128"

// PoolSize is the number of GPU buffers the DMA-BUF source rotates through:
// one being captured, one being encoded, one free.
const PoolSize = 3

// modifierLinear is DRM_FORMAT_MOD_LINEAR. Linear buffers can be mapped and
// read by the CPU without detiling.
const modifierLinear uint64 = 0

// DMA_BUF_IOCTL_SYNC and its flags from linux/dma-buf.h.
const (
	dmaBufIoctlSync = 0x40086200
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncEnd   = 1 << 2
)

// gpuBuffer is one buffer object exported as a DMA-BUF file descriptor.
type gpuBuffer struct {
	fd       int
	stride   uint32
	offset   uint32
	modifier uint64
	release  func() error
}

// allocator hands out GPU buffer objects on a render node.
type allocator interface {
	Allocate(width, height, format uint32) (*gpuBuffer, error)
	Close() error
}

type slotState int

const (
	slotFree slotState = iota
	slotInUse
)

type slot struct {
	buf   *Buffer
	gpu   *gpuBuffer
	state slotState
}

// DMABufSource rotates a fixed pool of GPU buffers shared with the compositor
// through zwp_linux_dmabuf_v1. Buffers are allocated LINEAR so the CPU can map
// them for the encoder.
type DMABufSource struct {
	exporter   Exporter
	renderNode string
	alloc      allocator

	mu   sync.Mutex
	spec Spec
	pool []*slot
	next int
}

// NewDMABuf opens renderNode and prepares a GPU buffer allocator.
//
// Returns ErrDMABufUnsupported when the node is missing or the binary was
// built without GBM support.
func NewDMABuf(exporter Exporter, renderNode string) (*DMABufSource, error) {
	if renderNode == "" {
		renderNode = DefaultRenderNode
	}
	if _, err := os.Stat(renderNode); err != nil {
		return nil, fmt.Errorf("%w: render node %s: %v", ErrDMABufUnsupported, renderNode, err)
	}

	alloc, err := openAllocator(renderNode)
	if err != nil {
		return nil, err
	}

	slog.Info("framesource: dma-buf allocator ready", "render_node", renderNode)
	return &DMABufSource{
		exporter:   exporter,
		renderNode: renderNode,
		alloc:      alloc,
	}, nil
}

// Negotiate allocates the buffer pool for the compositor's DMA-BUF layout.
func (s *DMABufSource) Negotiate(formats Formats) error {
	if formats.DMABuf == nil {
		return fmt.Errorf("%w: compositor offered no dma-buf layout", ErrDMABufUnsupported)
	}
	spec := *formats.DMABuf
	if err := spec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.freePoolLocked(); err != nil {
		slog.Warn("framesource: releasing previous pool failed", "error", err)
	}

	for i := 0; i < PoolSize; i++ {
		sl, err := s.allocateSlot(spec, i)
		if err != nil {
			if freeErr := s.freePoolLocked(); freeErr != nil {
				slog.Warn("framesource: releasing partial pool failed", "error", freeErr)
			}
			return err
		}
		s.pool = append(s.pool, sl)
	}
	s.spec = s.pool[0].buf.Spec
	s.next = 0

	slog.Debug("framesource: dma-buf pool allocated",
		"spec", s.spec.String(),
		"buffers", len(s.pool),
	)
	return nil
}

func (s *DMABufSource) allocateSlot(spec Spec, index int) (*slot, error) {
	gpu, err := s.alloc.Allocate(spec.Width, spec.Height, spec.Format)
	if err != nil {
		return nil, fmt.Errorf("framesource: allocate gpu buffer %d: %w", index, err)
	}

	bufSpec := spec
	bufSpec.Stride = gpu.stride

	data, err := unix.Mmap(gpu.fd, int64(gpu.offset), bufSpec.Size(), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		gpu.release()
		return nil, fmt.Errorf("framesource: map gpu buffer %d: %w", index, err)
	}

	handle, err := s.exporter.ExportDMABuf(DMABufPlane{
		FD:       gpu.fd,
		Offset:   gpu.offset,
		Stride:   gpu.stride,
		Modifier: gpu.modifier,
	}, bufSpec)
	if err != nil {
		unix.Munmap(data)
		gpu.release()
		return nil, fmt.Errorf("framesource: export gpu buffer %d: %w", index, err)
	}

	fd := gpu.fd
	buf := &Buffer{
		Spec:   bufSpec,
		Handle: handle,
		data:   data,
		index:  index,
	}
	buf.free = func() error {
		var result error
		if err := handle.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := unix.Munmap(data); err != nil {
			result = multierror.Append(result, err)
		}
		if err := gpu.release(); err != nil {
			result = multierror.Append(result, err)
		}
		return result
	}
	buf.beginRead = func() error { return dmaBufSync(fd, dmaBufSyncRead) }
	buf.endRead = func() error { return dmaBufSync(fd, dmaBufSyncRead|dmaBufSyncEnd) }

	return &slot{buf: buf, gpu: gpu}, nil
}

// Spec returns the negotiated layout, including the allocator's stride.
func (s *DMABufSource) Spec() Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Acquire hands out the next free buffer in ring order.
func (s *DMABufSource) Acquire() (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pool) == 0 {
		return nil, ErrNotNegotiated
	}
	for i := 0; i < len(s.pool); i++ {
		idx := (s.next + i) % len(s.pool)
		if s.pool[idx].state == slotFree {
			s.pool[idx].state = slotInUse
			s.next = (idx + 1) % len(s.pool)
			return s.pool[idx].buf, nil
		}
	}
	return nil, fmt.Errorf("framesource: all %d dma-buf buffers in use", len(s.pool))
}

// Release returns a buffer to the pool. The GPU memory stays allocated.
func (s *DMABufSource) Release(buf *Buffer) error {
	if buf == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if buf.index < 0 || buf.index >= len(s.pool) || s.pool[buf.index].buf != buf {
		return fmt.Errorf("framesource: buffer does not belong to this pool")
	}
	s.pool[buf.index].state = slotFree
	return nil
}

// Close frees the pool and the allocator.
func (s *DMABufSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result error
	if err := s.freePoolLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.alloc != nil {
		if err := s.alloc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.alloc = nil
	}
	return result
}

func (s *DMABufSource) freePoolLocked() error {
	var result error
	for _, sl := range s.pool {
		if err := sl.buf.free(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.pool = nil
	return result
}

func dmaBufSync(fd int, flags uint64) error {
	arg := struct{ flags uint64 }{flags: flags}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), dmaBufIoctlSync, uintptr(unsafe.Pointer(&arg)))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return fmt.Errorf("framesource: DMA_BUF_IOCTL_SYNC: %w", errno)
		}
	}
}
