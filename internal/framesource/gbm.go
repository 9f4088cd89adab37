//go:build gbm

package framesource

/*
#cgo pkg-config: gbm
#include <stdint.h>
#include <gbm.h>
*/
import "C"

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type gbmAllocator struct {
	nodeFD int
	dev    *C.struct_gbm_device
}

func openAllocator(renderNode string) (allocator, error) {
	fd, err := unix.Open(renderNode, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDMABufUnsupported, renderNode, err)
	}
	dev := C.gbm_create_device(C.int(fd))
	if dev == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: gbm_create_device failed on %s", ErrDMABufUnsupported, renderNode)
	}
	return &gbmAllocator{nodeFD: fd, dev: dev}, nil
}

func (a *gbmAllocator) Allocate(width, height, format uint32) (*gpuBuffer, error) {
	modifiers := []C.uint64_t{C.uint64_t(modifierLinear)}
	bo := C.gbm_bo_create_with_modifiers(a.dev, C.uint32_t(width), C.uint32_t(height),
		C.uint32_t(format), &modifiers[0], 1)
	if bo == nil {
		return nil, fmt.Errorf("gbm_bo_create_with_modifiers %dx%d %s failed", width, height, FormatName(format))
	}

	fd := int(C.gbm_bo_get_fd(bo))
	if fd < 0 {
		C.gbm_bo_destroy(bo)
		return nil, fmt.Errorf("gbm_bo_get_fd failed")
	}

	return &gpuBuffer{
		fd:       fd,
		stride:   uint32(C.gbm_bo_get_stride(bo)),
		offset:   uint32(C.gbm_bo_get_offset(bo, 0)),
		modifier: uint64(C.gbm_bo_get_modifier(bo)),
		release: func() error {
			C.gbm_bo_destroy(bo)
			return unix.Close(fd)
		},
	}, nil
}

func (a *gbmAllocator) Close() error {
	C.gbm_device_destroy(a.dev)
	return unix.Close(a.nodeFD)
}
