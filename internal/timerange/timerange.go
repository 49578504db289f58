package timerange

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mgpai22/klip/internal/apperr"
)

// requested window, relative to the start of the full source
type Interval struct {
	Start time.Duration
	End   time.Duration
}

func (iv Interval) Duration() time.Duration {
	return iv.End - iv.Start
}

func (iv Interval) Valid() bool {
	return iv.Start >= 0 && iv.End > iv.Start
}

func (iv Interval) String() string {
	return Format(iv)
}

// Parse reads "<start>-<end>" where each side is h:m:s, m:s or s.
// Fields are combined as plain arithmetic, so "0:75" is 75 seconds.
func Parse(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Interval{}, apperr.Errorf(
			apperr.KindFormat,
			apperr.OpParse,
			"expected <start>-<end>, got %q",
			s,
		)
	}

	start, err := parseTimestamp(parts[0])
	if err != nil {
		return Interval{}, apperr.New(apperr.KindFormat, apperr.OpParse, fmt.Errorf("start: %w", err))
	}
	end, err := parseTimestamp(parts[1])
	if err != nil {
		return Interval{}, apperr.New(apperr.KindFormat, apperr.OpParse, fmt.Errorf("end: %w", err))
	}

	if end <= start {
		return Interval{}, apperr.Errorf(
			apperr.KindRange,
			apperr.OpParse,
			"end %s is not after start %s",
			formatTimestamp(end),
			formatTimestamp(start),
		)
	}

	return Interval{Start: start, End: end}, nil
}

// parses h:m:s, m:s or s into a duration
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}

	fields := strings.Split(s, ":")
	if len(fields) > 3 {
		return 0, fmt.Errorf("too many fields in %q", s)
	}

	var seconds float64
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || strings.Trim(f, "0123456789.") != "" {
			return 0, fmt.Errorf("invalid number %q", f)
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", f)
		}
		seconds = seconds*60 + v
	}

	if seconds*1000 > float64(math.MaxInt64/int64(time.Millisecond)) {
		return 0, fmt.Errorf("timestamp %q overflows", s)
	}

	return time.Duration(math.Round(seconds*1000)) * time.Millisecond, nil
}

// Format renders an interval as "m:ss-m:ss" (or h:mm:ss when needed).
func Format(iv Interval) string {
	return formatTimestamp(iv.Start) + "-" + formatTimestamp(iv.End)
}

func formatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := d.Round(time.Millisecond)
	h := int(total / time.Hour)
	m := int(total/time.Minute) % 60
	sec := total % time.Minute

	secStr := fmt.Sprintf("%02d", int(sec/time.Second))
	if ms := int(sec%time.Second) / int(time.Millisecond); ms != 0 {
		secStr += strings.TrimRight(fmt.Sprintf(".%03d", ms), "0")
	}

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%s", h, m, secStr)
	}
	return fmt.Sprintf("%d:%s", m, secStr)
}

// Seconds formats a duration as a decimal seconds string for external tools.
func Seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
