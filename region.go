package snappea

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hojjatabdollahi/snappea-sub000/internal/state"
)

// Region is a rectangle in output-logical coordinates.
type Region = state.Region

// RecordingState is the persisted record of the active recording.
type RecordingState = state.RecordingState

// ParseRegion parses "x,y,width,height".
func ParseRegion(s string) (Region, error) {
	v, err := parseInts(s, 4)
	if err != nil {
		return Region{}, fmt.Errorf("invalid region %q: %w", s, err)
	}
	r := Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if r.Width <= 0 || r.Height <= 0 {
		return Region{}, fmt.Errorf("invalid region %q: width and height must be positive", s)
	}
	if r.X < 0 || r.Y < 0 {
		return Region{}, fmt.Errorf("invalid region %q: origin must not be negative", s)
	}
	return r, nil
}

// ParseSize parses "width,height".
func ParseSize(s string) (width, height int32, err error) {
	v, err := parseInts(s, 2)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v[0] <= 0 || v[1] <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: width and height must be positive", s)
	}
	return v[0], v[1], nil
}

func parseInts(s string, n int) ([]int32, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma separated values, got %d", n, len(parts))
	}
	out := make([]int32, n)
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = int32(v)
	}
	return out, nil
}
