package timerange

import (
	"math/rand/v2"
	"time"
)

// Sample picks n intervals of clipDur with starts drawn uniformly from
// [0, sourceDur-clipDur]. When the source is shorter than clipDur the start
// is 0 and the end is clamped to the source. Intervals are independent and
// may overlap.
func Sample(rng *rand.Rand, sourceDur, clipDur time.Duration, n int) []Interval {
	if n <= 0 || clipDur <= 0 || sourceDur <= 0 {
		return nil
	}

	out := make([]Interval, 0, n)
	maxStart := sourceDur - clipDur
	for i := 0; i < n; i++ {
		var start time.Duration
		if maxStart > 0 {
			start = time.Duration(rng.Int64N(int64(maxStart) + 1))
			// whole milliseconds keep file names and ffmpeg args stable
			start = start.Truncate(time.Millisecond)
		}
		end := start + clipDur
		if end > sourceDur {
			end = sourceDur
		}
		out = append(out, Interval{Start: start, End: end})
	}
	return out
}

// NewRand returns a seeded generator. Seed 0 picks a random seed.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
