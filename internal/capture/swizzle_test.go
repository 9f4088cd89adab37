package capture

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
)

func TestSwizzle_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name    string
		format  uint32
		width   uint32
		height  uint32
		stride  uint32
		yInvert bool
	}{
		{"xrgb packed", framesource.FormatXRGB8888, 16, 9, 0, false},
		{"argb packed", framesource.FormatARGB8888, 7, 5, 0, false},
		{"xbgr packed", framesource.FormatXBGR8888, 16, 9, 0, false},
		{"abgr packed", framesource.FormatABGR8888, 3, 3, 0, false},
		{"xrgb padded", framesource.FormatXRGB8888, 10, 4, 64, false},
		{"xrgb y-invert", framesource.FormatXRGB8888, 10, 4, 0, true},
		{"abgr padded y-invert", framesource.FormatABGR8888, 5, 6, 32, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := framesource.Spec{Format: tt.format, Width: tt.width, Height: tt.height, Stride: tt.stride}
			stride := int(tt.stride)
			if stride == 0 {
				stride = int(tt.width) * 4
			}
			native := make([]byte, stride*int(tt.height))
			rng.Read(native)

			packed := make([]byte, int(tt.width*tt.height*4))
			if err := Swizzle(packed, native, spec, tt.yInvert); err != nil {
				t.Fatalf("Swizzle: %v", err)
			}

			back := make([]byte, len(native))
			copy(back, native) // padding bytes are not rewritten
			for y := 0; y < int(tt.height); y++ {
				row := back[y*stride : y*stride+int(tt.width)*4]
				for i := range row {
					row[i] = 0
				}
			}
			if err := Unswizzle(back, packed, spec, tt.yInvert); err != nil {
				t.Fatalf("Unswizzle: %v", err)
			}
			if !bytes.Equal(back, native) {
				t.Fatal("swizzle round trip did not reproduce the original bytes")
			}
		})
	}
}

func TestSwizzle_Layout(t *testing.T) {
	// One pixel, red=0x11 green=0x22 blue=0x33 pad=0x44.
	tests := []struct {
		name   string
		format uint32
		native []byte
	}{
		{"xrgb", framesource.FormatXRGB8888, []byte{0x33, 0x22, 0x11, 0x44}},
		{"argb", framesource.FormatARGB8888, []byte{0x33, 0x22, 0x11, 0x44}},
		{"xbgr", framesource.FormatXBGR8888, []byte{0x11, 0x22, 0x33, 0x44}},
		{"abgr", framesource.FormatABGR8888, []byte{0x11, 0x22, 0x33, 0x44}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, 4)
			spec := framesource.Spec{Format: tt.format, Width: 1, Height: 1}
			if err := Swizzle(dst, tt.native, spec, false); err != nil {
				t.Fatalf("Swizzle: %v", err)
			}
			if want := []byte{0x11, 0x22, 0x33, 0x44}; !bytes.Equal(dst, want) {
				t.Errorf("RGBx = %x, want %x", dst, want)
			}
		})
	}
}

func TestSwizzle_YInvertFlipsRows(t *testing.T) {
	spec := framesource.Spec{Format: framesource.FormatXBGR8888, Width: 1, Height: 3}
	native := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	dst := make([]byte, 12)
	if err := Swizzle(dst, native, spec, true); err != nil {
		t.Fatalf("Swizzle: %v", err)
	}
	if want := []byte{3, 3, 3, 3, 2, 2, 2, 2, 1, 1, 1, 1}; !bytes.Equal(dst, want) {
		t.Errorf("rows = %v, want %v", dst, want)
	}
}

func TestSwizzle_Errors(t *testing.T) {
	spec := framesource.Spec{Format: framesource.FormatXRGB8888, Width: 4, Height: 4}

	if err := Swizzle(make([]byte, 64), make([]byte, 32), spec, false); err == nil {
		t.Error("expected error for short source")
	}
	if err := Swizzle(make([]byte, 60), make([]byte, 64), spec, false); err == nil {
		t.Error("expected error for wrong destination size")
	}
	bad := spec
	bad.Format = 0x30335258
	if err := Swizzle(make([]byte, 64), make([]byte, 64), bad, false); !errors.Is(err, framesource.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

// Property: for any supported format, size, row padding and orientation,
// Unswizzle(Swizzle(frame)) restores every pixel byte.
func TestSwizzle_RoundTripProperty(t *testing.T) {
	formats := []uint32{
		framesource.FormatXRGB8888,
		framesource.FormatARGB8888,
		framesource.FormatXBGR8888,
		framesource.FormatABGR8888,
	}

	f := func(formatIdx, w, h, pad uint8, yInvert bool, seed int64) bool {
		width := uint32(w%48) + 1
		height := uint32(h%48) + 1
		rowBytes := width * 4
		stride := rowBytes + uint32(pad%5)*4
		spec := framesource.Spec{
			Format: formats[int(formatIdx)%len(formats)],
			Width:  width,
			Height: height,
			Stride: stride,
		}

		native := make([]byte, int(stride*height))
		rand.New(rand.NewSource(seed)).Read(native)

		packed := make([]byte, int(rowBytes*height))
		if err := Swizzle(packed, native, spec, yInvert); err != nil {
			t.Logf("FAIL: Swizzle(%s, yInvert=%v): %v", spec, yInvert, err)
			return false
		}

		back := make([]byte, len(native))
		if err := Unswizzle(back, packed, spec, yInvert); err != nil {
			t.Logf("FAIL: Unswizzle(%s, yInvert=%v): %v", spec, yInvert, err)
			return false
		}
		for y := uint32(0); y < height; y++ {
			row := y * stride
			if !bytes.Equal(back[row:row+rowBytes], native[row:row+rowBytes]) {
				t.Logf("FAIL: row %d differs after round trip (%s, yInvert=%v)", y, spec, yInvert)
				return false
			}
		}
		return true
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Errorf("Property violated: %v", err)
	}
}
