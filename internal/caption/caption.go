// Package caption burns transcript captions into a clip.
package caption

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/subtitle"
	"github.com/mgpai22/klip/internal/video"
)

type Compositor struct {
	ffmpegPath string
	prober     video.Prober
	opts       video.EncodeOptions
	log        *logging.Logger

	// replaced in tests
	burn func(ctx context.Context, in, script, out string) error
}

func New(ffmpegPath string, prober video.Prober, opts video.EncodeOptions, log *logging.Logger) *Compositor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if opts.VideoCodec == "" {
		opts = video.DefaultEncodeOptions()
	}
	c := &Compositor{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		opts:       opts,
		log:        logging.OrNop(log),
	}
	c.burn = c.ffmpegBurn
	return c
}

// OutputPath is where the captioned copy of clipPath is written.
func OutputPath(clipPath string) string {
	return trimExt(clipPath) + ".captioned.mp4"
}

// ScriptPath is the temporary ASS script used while burning clipPath.
func ScriptPath(clipPath string) string {
	return trimExt(clipPath) + ".captions.ass"
}

// Burn renders segments over clip into a new file. The original clip is
// removed only once the new file is confirmed; on failure it is untouched.
// Without any cue to show, clip is returned as is.
func (c *Compositor) Burn(ctx context.Context, clip *video.Clip, segments []subtitle.Segment) (*video.Clip, error) {
	if clip == nil {
		return nil, apperr.Errorf(apperr.KindProcessing, "caption", "no clip")
	}

	gen := subtitle.NewDefaultGenerator()
	writer := subtitle.NewASSWriter(0, 0)
	if c.prober != nil {
		if info, err := c.prober.Probe(ctx, clip.Path); err == nil {
			gen.ClipEnd = info.Duration
			writer = subtitle.NewASSWriter(info.Width, info.Height)
		} else {
			c.log.Debugw("Probe before captioning failed, using defaults", "error", err)
		}
	}

	sub, err := gen.Generate(segments)
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "caption", err)
	}
	if len(sub.Entries) == 0 {
		c.log.Debugw("No cues to burn", "clip", clip.Path)
		return clip, nil
	}

	script := ScriptPath(clip.Path)
	out := OutputPath(clip.Path)
	defer os.Remove(script)

	if err := writer.Write(sub, script); err != nil {
		return nil, apperr.New(apperr.KindProcessing, "caption", fmt.Errorf("failed to write captions: %w", err))
	}

	if err := c.burn(ctx, clip.Path, script, out); err != nil {
		_ = os.Remove(out)
		return nil, apperr.New(apperr.KindProcessing, "caption", err)
	}

	st, err := os.Stat(out)
	if err != nil || st.Size() == 0 {
		_ = os.Remove(out)
		return nil, apperr.Errorf(apperr.KindProcessing, "caption", "captioned output missing at %s", out)
	}

	if err := os.Remove(clip.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warnw("Failed to remove uncaptioned clip", "path", clip.Path, "error", err)
	}

	c.log.Infow("Burned captions", "clip", out, "cues", len(sub.Entries))
	return &video.Clip{
		Path:          out,
		Interval:      clip.Interval,
		CaptionBurned: true,
		Size:          st.Size(),
	}, nil
}

func (c *Compositor) ffmpegBurn(ctx context.Context, in, script, out string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var stderr bytes.Buffer
	err := ffmpeg.Input(in).
		Output(out, c.outputArgs(script)).
		OverWriteOutput().
		SetFfmpegPath(c.ffmpegPath).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		return fmt.Errorf("ffmpeg caption burn failed: %w: %s", err, lastLines(stderr.String(), 4))
	}
	return nil
}

func (c *Compositor) outputArgs(script string) ffmpeg.KwArgs {
	kwargs := ffmpeg.KwArgs{
		"vf":       "subtitles=" + escapeFilterPath(script),
		"c:v":      c.opts.VideoCodec,
		"c:a":      "copy",
		"pix_fmt":  "yuv420p",
		"movflags": "+faststart",
	}
	if c.opts.Preset != "" {
		kwargs["preset"] = c.opts.Preset
	}
	if c.opts.CRF > 0 {
		kwargs["crf"] = c.opts.CRF
	}
	return kwargs
}

var (
	// option value inside one filter's arguments
	filterArgEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	// the whole argument again for the filtergraph parser
	filterGraphEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
)

// escapes a path for -vf subtitles=<path>; the graph parser strips one level
// of escaping before the filter splits its options on ':'
func escapeFilterPath(p string) string {
	return filterGraphEscaper.Replace(filterArgEscaper.Replace(p))
}

func trimExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i > strings.LastIndexAny(path, `/\`) {
		return path[:i]
	}
	return path
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
