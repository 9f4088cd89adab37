package framesource

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// SHMSource allocates a fresh anonymous shared-memory buffer for every frame.
//
// Each Acquire creates a close-on-exec memfd sized stride*height, maps it
// read-only and exports it to the compositor. Release destroys the compositor
// buffer and unmaps the memory. Reallocating per frame keeps the ownership
// rules trivial; a reusable ring is the upgrade path for high framerates.
type SHMSource struct {
	exporter Exporter

	mu          sync.Mutex
	spec        Spec
	negotiated  bool
	outstanding map[*Buffer]struct{}
}

// NewSHM creates an SHM frame source exporting through exporter.
func NewSHM(exporter Exporter) *SHMSource {
	return &SHMSource{
		exporter:    exporter,
		outstanding: make(map[*Buffer]struct{}),
	}
}

// Negotiate accepts the compositor's shared-memory layout.
func (s *SHMSource) Negotiate(formats Formats) error {
	spec := formats.SHM
	if spec.Stride == 0 {
		spec.Stride = spec.Width * BytesPerPixel
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.spec = spec
	s.negotiated = true
	s.mu.Unlock()

	slog.Debug("framesource: shm layout negotiated", "spec", spec.String(), "size", spec.Size())
	return nil
}

// Spec returns the negotiated layout.
func (s *SHMSource) Spec() Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Acquire allocates one shared-memory buffer.
func (s *SHMSource) Acquire() (*Buffer, error) {
	s.mu.Lock()
	spec, ok := s.spec, s.negotiated
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotNegotiated
	}

	size := spec.Size()
	fd, err := unix.MemfdCreate("snappea-frame", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("framesource: memfd_create: %w", err)
	}
	// The compositor and the mapping each keep their own reference.
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("framesource: ftruncate %d bytes: %w", size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("framesource: mmap: %w", err)
	}

	handle, err := s.exporter.ExportSHM(fd, size, spec)
	if err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("framesource: export shm buffer: %w", err)
	}

	buf := &Buffer{
		Spec:   spec,
		Handle: handle,
		data:   data,
	}
	buf.free = func() error {
		var result error
		if err := handle.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy buffer: %w", err))
		}
		if err := unix.Munmap(data); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap: %w", err))
		}
		return result
	}

	s.mu.Lock()
	s.outstanding[buf] = struct{}{}
	s.mu.Unlock()

	return buf, nil
}

// Release frees a buffer returned by Acquire. Releasing twice is a no-op.
func (s *SHMSource) Release(buf *Buffer) error {
	if buf == nil {
		return nil
	}

	s.mu.Lock()
	_, ok := s.outstanding[buf]
	delete(s.outstanding, buf)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := buf.free(); err != nil {
		return fmt.Errorf("framesource: release shm buffer: %w", err)
	}
	return nil
}

// Close releases every buffer that was never returned.
func (s *SHMSource) Close() error {
	s.mu.Lock()
	pending := make([]*Buffer, 0, len(s.outstanding))
	for buf := range s.outstanding {
		pending = append(pending, buf)
	}
	s.mu.Unlock()

	var result error
	for _, buf := range pending {
		if err := s.Release(buf); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
