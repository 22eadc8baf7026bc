package bench

import (
	"math"
	"time"
)

// Unit conversions used by every report. Latency is microseconds per
// operation, bandwidth is MiB per second.
const (
	MicrosPerSecond = 1e6
	BytesPerMiB     = 1 << 20
)

// LatencyMicros returns the mean time of one of ntimes operations that took
// elapsed in total, in microseconds.
func LatencyMicros(elapsed time.Duration, ntimes int) float64 {
	if ntimes <= 0 {
		return math.NaN()
	}

	return elapsed.Seconds() / float64(ntimes) * MicrosPerSecond
}

// BandwidthMiBs returns the rate of moving size bytes ntimes in elapsed, in
// MiB/s. A zero elapsed time yields +Inf.
func BandwidthMiBs(size int, elapsed time.Duration, ntimes int) float64 {
	secs := elapsed.Seconds()
	if secs == 0 {
		return math.Inf(1)
	}

	return float64(size) * float64(ntimes) / secs / BytesPerMiB
}
