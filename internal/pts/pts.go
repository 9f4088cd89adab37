// Package pts computes presentation timestamps for a constant-rate stream.
package pts

import "time"

// FrameTimestamp returns the presentation timestamp of frame n at fps frames
// per second: n * 1e9 / fps nanoseconds, in integer math.
//
// Timestamps derive from the frame counter, not from wall-clock capture
// time. Output pacing stays constant under capture jitter; under sustained
// overrun the nominal duration drifts behind wall-clock time.
func FrameTimestamp(n uint64, fps uint32) time.Duration {
	if fps == 0 {
		return 0
	}
	return time.Duration(n * uint64(time.Second) / uint64(fps))
}

// FrameDuration returns the duration of frame n, which is the gap to the
// next frame's timestamp. Durations alternate by a nanosecond when 1e9 is
// not divisible by fps so that they always sum to the exact timeline.
func FrameDuration(n uint64, fps uint32) time.Duration {
	return FrameTimestamp(n+1, fps) - FrameTimestamp(n, fps)
}
