package capture

import (
	"fmt"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
)

// Swizzle converts a captured frame in the compositor's layout into packed
// RGBx rows for the pipeline. It reorders bytes only: no color-space
// conversion, the fourth byte is carried through untouched. Row padding is
// dropped and, with yInvert, rows are flipped back to top-down.
//
// dst must hold exactly width*height*4 bytes.
func Swizzle(dst, src []byte, spec framesource.Spec, yInvert bool) error {
	return convert(dst, src, spec, yInvert, false)
}

// Unswizzle is the inverse of Swizzle: it writes packed RGBx rows back into
// the compositor's layout, honoring the stride and y-invert flag. Padding
// bytes are left as they are.
func Unswizzle(dst, src []byte, spec framesource.Spec, yInvert bool) error {
	return convert(dst, src, spec, yInvert, true)
}

func convert(dst, src []byte, spec framesource.Spec, yInvert, inverse bool) error {
	if !framesource.SupportedFormat(spec.Format) {
		return fmt.Errorf("%w: %s", framesource.ErrUnsupportedFormat, framesource.FormatName(spec.Format))
	}

	stride := int(spec.Stride)
	rowBytes := int(spec.Width) * framesource.BytesPerPixel
	if stride == 0 {
		stride = rowBytes
	}
	height := int(spec.Height)
	native, packed := src, dst
	if inverse {
		native, packed = dst, src
	}
	if stride < rowBytes {
		return fmt.Errorf("capture: stride %d smaller than row %d", stride, rowBytes)
	}
	if len(native) < stride*(height-1)+rowBytes {
		return fmt.Errorf("capture: frame buffer is %d bytes, need %d", len(native), stride*(height-1)+rowBytes)
	}
	if len(packed) != rowBytes*height {
		return fmt.Errorf("capture: packed buffer is %d bytes, need %d", len(packed), rowBytes*height)
	}

	swapRB := swapsRedBlue(spec.Format)
	for y := 0; y < height; y++ {
		srcRow := y
		if yInvert {
			srcRow = height - 1 - y
		}
		nrow := native[srcRow*stride : srcRow*stride+rowBytes]
		prow := packed[y*rowBytes : (y+1)*rowBytes]

		from, to := nrow, prow
		if inverse {
			from, to = prow, nrow
		}
		if !swapRB {
			copy(to, from)
			continue
		}
		// Swapping bytes 0 and 2 is its own inverse.
		for i := 0; i < rowBytes; i += 4 {
			to[i] = from[i+2]
			to[i+1] = from[i+1]
			to[i+2] = from[i]
			to[i+3] = from[i+3]
		}
	}
	return nil
}

// swapsRedBlue reports whether the layout stores blue first in memory.
// XRGB8888 and ARGB8888 are B,G,R,X in memory; the BGR variants already
// match RGBx.
func swapsRedBlue(format uint32) bool {
	return format == framesource.FormatXRGB8888 || format == framesource.FormatARGB8888
}
