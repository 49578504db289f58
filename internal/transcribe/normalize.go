package transcribe

import (
	"sort"
	"strings"
	"time"

	"github.com/mgpai22/klip/internal/subtitle"
)

const (
	secondsPerWord = 350 * time.Millisecond
	minCue         = time.Second
)

// Normalize returns segments ordered by start, non-overlapping and without
// empty text. A segment with no extent gets a reading-time estimate. A
// segment swallowed entirely by its predecessor is merged into it.
func Normalize(segments []subtitle.Segment) []subtitle.Segment {
	out := make([]subtitle.Segment, 0, len(segments))
	for _, s := range segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.StartTime < 0 {
			s.StartTime = 0
		}
		if s.EndTime <= s.StartTime {
			s.EndTime = s.StartTime + readingTime(s.Text)
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime < out[j].StartTime
	})

	merged := out[:0]
	for _, s := range out {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if s.StartTime < prev.EndTime {
				if s.EndTime <= prev.EndTime {
					prev.Text += " " + s.Text
					continue
				}
				s.StartTime = prev.EndTime
			}
		}
		merged = append(merged, s)
	}
	return merged
}

// FullText joins segment texts into one string.
func FullText(segments []subtitle.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func readingTime(text string) time.Duration {
	d := time.Duration(len(strings.Fields(text))) * secondsPerWord
	if d < minCue {
		return minCue
	}
	return d
}
