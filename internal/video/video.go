package video

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/timerange"
)

// startTolerance absorbs keyframe drift when a ranged download begins
// slightly after the requested start.
const startTolerance = time.Second

// downloaded media as seen by the extractor
type Source struct {
	Path string
	// source time at which Path begins; 0 for a full download
	Offset time.Duration
	// trailing seconds fetched past the requested end
	Margin time.Duration
}

// trimmed output
type Clip struct {
	Path          string
	Interval      timerange.Interval
	CaptionBurned bool
	Size          int64
}

// encoding settings for delivery-compatible output
type EncodeOptions struct {
	VideoCodec   string
	AudioCodec   string
	AudioBitrate string
	Preset       string
	CRF          int
	FrameRate    int
}

// h264/aac at 24 fps plays inline on common messaging platforms
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		AudioBitrate: "128k",
		Preset:       "veryfast",
		CRF:          23,
		FrameRate:    24,
	}
}

// Extractor trims downloaded media to an exact interval and re-encodes it.
type Extractor struct {
	ffmpegPath string
	prober     Prober
	opts       EncodeOptions
	log        *logging.Logger
}

func NewExtractor(ffmpegPath string, prober Prober, opts EncodeOptions, log *logging.Logger) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		opts:       opts,
		log:        logging.OrNop(log),
	}
}

// Extract writes the [iv.Start, iv.End] slice of the full source to outPath.
// iv is relative to the full source; src.Offset maps it into the file.
func (x *Extractor) Extract(
	ctx context.Context,
	src Source,
	iv timerange.Interval,
	outPath string,
) (*Clip, error) {
	info, err := x.prober.Probe(ctx, src.Path)
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "extract", err)
	}
	if !info.HasVideo {
		return nil, apperr.Errorf(apperr.KindFormat, "extract", "no video stream in %s", filepath.Base(src.Path))
	}

	local, clamped, err := Localize(iv, src.Offset, info.Duration, src.Margin)
	if err != nil {
		return nil, err
	}
	if clamped {
		x.log.Infow("Clamped clip end to source duration",
			"requested_end", iv.End.String(),
			"available", (src.Offset + info.Duration).String(),
		)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, apperr.New(apperr.KindProcessing, "extract", fmt.Errorf("failed to create output directory: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return nil, apperr.New(apperr.KindProcessing, "extract", err)
	}

	x.log.Debugw("Trimming",
		"input", src.Path,
		"output", outPath,
		"local_start", local.Start.String(),
		"local_end", local.End.String(),
	)

	var stderr bytes.Buffer
	err = ffmpeg.Input(src.Path, ffmpeg.KwArgs{"ss": timerange.Seconds(local.Start)}).
		Output(outPath, x.outputArgs(local.Duration())).
		OverWriteOutput().
		SetFfmpegPath(x.ffmpegPath).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "extract", fmt.Errorf("ffmpeg trim failed: %w: %s", err, tail(stderr.String())))
	}

	st, err := os.Stat(outPath)
	if err != nil || st.Size() == 0 {
		return nil, apperr.Errorf(apperr.KindProcessing, "extract", "ffmpeg produced no output at %s", outPath)
	}

	out := timerange.Interval{Start: src.Offset + local.Start, End: src.Offset + local.End}
	return &Clip{Path: outPath, Interval: out, Size: st.Size()}, nil
}

func (x *Extractor) outputArgs(dur time.Duration) ffmpeg.KwArgs {
	o := x.opts
	kwargs := ffmpeg.KwArgs{
		"t":        timerange.Seconds(dur),
		"c:v":      o.VideoCodec,
		"c:a":      o.AudioCodec,
		"pix_fmt":  "yuv420p",
		"movflags": "+faststart",
	}
	if o.Preset != "" {
		kwargs["preset"] = o.Preset
	}
	if o.CRF > 0 {
		kwargs["crf"] = o.CRF
	}
	if o.FrameRate > 0 {
		kwargs["r"] = o.FrameRate
	}
	if o.AudioBitrate != "" {
		kwargs["b:a"] = o.AudioBitrate
	}
	return kwargs
}

// Localize maps an interval on the full source onto a file that starts at
// offset and lasts fileDur. An end past the available media is clamped when
// the overrun is within margin and rejected otherwise.
func Localize(
	iv timerange.Interval,
	offset, fileDur, margin time.Duration,
) (local timerange.Interval, clamped bool, err error) {
	if !iv.Valid() {
		return local, false, apperr.Errorf(apperr.KindProcessing, "extract", "invalid interval %s", iv)
	}

	available := offset + fileDur
	start := iv.Start
	if start < offset {
		if offset-start > startTolerance {
			return local, false, apperr.Errorf(apperr.KindProcessing, "extract",
				"media starts at %s, after requested start %s", offset, start)
		}
		start = offset
	}
	if start >= available {
		return local, false, apperr.Errorf(apperr.KindProcessing, "extract",
			"start %s is beyond available media (%s)", start, available)
	}

	end := iv.End
	if end > available {
		overrun := end - available
		if overrun > margin {
			return local, false, apperr.Errorf(apperr.KindProcessing, "extract",
				"end %s exceeds available media (%s) by %s", end, available, overrun)
		}
		end = available
		clamped = true
	}

	local = timerange.Interval{Start: start - offset, End: end - offset}
	if local.End <= local.Start {
		return timerange.Interval{}, false, apperr.Errorf(apperr.KindProcessing, "extract", "empty interval after clamping")
	}
	return local, clamped, nil
}

// keeps the last few lines of ffmpeg stderr for error messages
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, " | ")
}
