//go:build !gbm

package framesource

import "fmt"

func openAllocator(renderNode string) (allocator, error) {
	return nil, fmt.Errorf("%w: built without gbm support (rebuild with -tags gbm)", ErrDMABufUnsupported)
}
