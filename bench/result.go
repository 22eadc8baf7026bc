package bench

import "time"

// Sample is the elapsed time of one timed loop. Size is zero for routines
// that do not sweep message sizes.
type Sample struct {
	Size    int
	Elapsed time.Duration
}

// LatencyMicros is the mean time per operation in microseconds.
func (s Sample) LatencyMicros(ntimes int) float64 {
	return LatencyMicros(s.Elapsed, ntimes)
}

// BandwidthMiBs is the transfer rate in MiB/s.
func (s Sample) BandwidthMiBs(ntimes int) float64 {
	return BandwidthMiBs(s.Size, s.Elapsed, ntimes)
}

// Result holds everything PE 0 needs to report a run.
type Result struct {
	Routine Routine
	NTimes  int
	NumPEs  int
	// Samples are in sweep order; scalar routines produce exactly one.
	Samples []Sample
	// Readback is the root cell value after the timed loop for AtomicAdd
	// and AtomicInc, nil otherwise.
	Readback *int32
	// Bidirectional is set when every PE pair moved data both ways.
	Bidirectional bool
}

// BandwidthMiBs is the transfer rate of s. A bidirectional run counts both
// directions.
func (r *Result) BandwidthMiBs(s Sample) float64 {
	bw := s.BandwidthMiBs(r.NTimes)
	if r.Bidirectional {
		bw *= 2
	}

	return bw
}
