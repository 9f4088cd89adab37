package capture

import (
	"math"
	"testing"
	"time"
)

func frameTimes(start time.Time, intervals ...time.Duration) []time.Time {
	times := []time.Time{start}
	for _, d := range intervals {
		start = start.Add(d)
		times = append(times, start)
	}
	return times
}

func TestCalculateThroughput(t *testing.T) {
	start := time.Unix(1700000000, 0)
	interval := time.Second / 30

	t.Run("steady", func(t *testing.T) {
		var intervals []time.Duration
		for i := 0; i < 59; i++ {
			intervals = append(intervals, interval)
		}
		stats := CalculateThroughput(frameTimes(start, intervals...), 30)

		if stats.Frames != 60 {
			t.Errorf("frames = %d", stats.Frames)
		}
		if math.Abs(stats.FPSMean-30) > 0.01 {
			t.Errorf("fps mean = %.3f, want 30", stats.FPSMean)
		}
		if stats.Overruns != 0 {
			t.Errorf("overruns = %d, want 0", stats.Overruns)
		}
		if !stats.IsStable {
			t.Errorf("steady stream not stable: %+v", stats)
		}
	})

	t.Run("overrun", func(t *testing.T) {
		times := frameTimes(start, interval, interval, 200*time.Millisecond, interval, interval)
		stats := CalculateThroughput(times, 30)

		if stats.Overruns != 1 {
			t.Errorf("overruns = %d, want 1", stats.Overruns)
		}
		if stats.IsStable {
			t.Error("a 200ms stall is not stable")
		}
		if stats.FPSMin > 5.1 || stats.FPSMax < 29.9 {
			t.Errorf("fps range = %.2f..%.2f", stats.FPSMin, stats.FPSMax)
		}
		if stats.JitterMax < 0.16 {
			t.Errorf("jitter max = %.3f, want ~0.167", stats.JitterMax)
		}
	})

	t.Run("edge cases", func(t *testing.T) {
		if s := CalculateThroughput(nil, 30); s.Frames != 0 || s.FPSMean != 0 {
			t.Errorf("empty: %+v", s)
		}
		if s := CalculateThroughput([]time.Time{start}, 30); s.Frames != 1 || s.FPSMean != 0 {
			t.Errorf("single frame: %+v", s)
		}
		if s := CalculateThroughput([]time.Time{start, start}, 30); s.FPSMean != 0 {
			t.Errorf("zero duration: %+v", s)
		}
	})
}
