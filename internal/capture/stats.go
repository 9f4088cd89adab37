package capture

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS for a window to count as stable.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// target frame interval.
	jitterStabilityThreshold = 0.20
)

// ThroughputStats summarizes a window of pushed frames.
type ThroughputStats struct {
	Frames    int
	Duration  time.Duration
	FPSMean   float64
	FPSMin    float64
	FPSMax    float64
	FPSStdDev float64

	// Jitter is measured against the target interval, not the observed mean,
	// since the loop paces to the target.
	JitterMean float64 // seconds
	JitterMax  float64 // seconds

	// Overruns counts intervals longer than the target interval.
	Overruns int
	IsStable bool
}

// CalculateThroughput computes statistics for the frames pushed at
// frameTimes, given the target framerate.
//
// This function:
//  1. Calculates mean FPS over the window
//  2. Calculates instantaneous FPS per interval, with min/max/stddev
//  3. Calculates jitter against the target interval
//  4. Counts overruns (intervals slower than the target)
//  5. Determines stability (stddev < 15% of mean AND jitter < 20%)
func CalculateThroughput(frameTimes []time.Time, targetFPS uint32) ThroughputStats {
	n := len(frameTimes)
	if n < 2 || targetFPS == 0 {
		return ThroughputStats{Frames: n}
	}

	duration := frameTimes[n-1].Sub(frameTimes[0])
	stats := ThroughputStats{Frames: n, Duration: duration}
	if duration <= 0 {
		return stats
	}
	stats.FPSMean = float64(n-1) / duration.Seconds()

	target := 1.0 / float64(targetFPS)
	var fps []float64
	var jitterSum float64
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			fps = append(fps, 1.0/interval)
		}
		jitter := math.Abs(interval - target)
		jitterSum += jitter
		if jitter > stats.JitterMax {
			stats.JitterMax = jitter
		}
		// A microsecond of slack keeps timer granularity from counting.
		if interval > target+1e-6 {
			stats.Overruns++
		}
	}
	stats.JitterMean = jitterSum / float64(n-1)

	if len(fps) > 0 {
		stats.FPSMin, stats.FPSMax = fps[0], fps[0]
		var sumSquares float64
		for _, f := range fps {
			stats.FPSMin = math.Min(stats.FPSMin, f)
			stats.FPSMax = math.Max(stats.FPSMax, f)
			diff := f - stats.FPSMean
			sumSquares += diff * diff
		}
		stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(fps)))
	}

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < target*jitterStabilityThreshold
	return stats
}
