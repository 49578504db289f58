// Package pipeline runs one clip request end to end: parse, fetch, trim,
// transcribe, caption and tag, with every temporary file owned by a
// lifecycle.Run.
package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/caption"
	"github.com/mgpai22/klip/internal/fetch"
	"github.com/mgpai22/klip/internal/lifecycle"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/subtitle"
	"github.com/mgpai22/klip/internal/summarize"
	"github.com/mgpai22/klip/internal/tags"
	"github.com/mgpai22/klip/internal/timerange"
	"github.com/mgpai22/klip/internal/transcribe"
	"github.com/mgpai22/klip/internal/video"
)

// MaxClips bounds the clip count of a multi-clip request.
const MaxClips = 10

type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Media, error)
}

type Extractor interface {
	Extract(ctx context.Context, src video.Source, iv timerange.Interval, outPath string) (*video.Clip, error)
}

type Compositor interface {
	Burn(ctx context.Context, clip *video.Clip, segments []subtitle.Segment) (*video.Clip, error)
}

// Deps are the stage implementations. Loader and Summarizer are optional:
// without a Loader clips are delivered without transcript, without a
// Summarizer the transcript text is the caption.
type Deps struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Loader     transcribe.Loader
	Compositor Compositor
	Summarizer summarize.Summarizer
	// returns the sampler for one multi-clip run
	Rand func() *rand.Rand
}

type Config struct {
	ClipDir      string
	CaptionLimit int
}

// ClipRequest as accepted from a front-end.
type Request struct {
	Source   string
	Range    string
	UserID   string
	Captions bool

	// multi-clip mode
	Count        int
	ClipDuration time.Duration
}

type Result struct {
	ArtifactPath string
	Caption      string
	Tags         []string
	Title        string
	Clip         *video.Clip
	Transcript   *transcribe.Result
}

type Pipeline struct {
	cfg  Config
	deps Deps
	log  *logging.Logger
}

// New creates the clip directory and checks the required stages.
func New(cfg Config, deps Deps, log *logging.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil || deps.Extractor == nil {
		return nil, fmt.Errorf("pipeline requires a fetcher and an extractor")
	}
	if cfg.ClipDir == "" {
		return nil, fmt.Errorf("clip directory is required")
	}
	if cfg.CaptionLimit <= 0 {
		cfg.CaptionLimit = summarize.MaxCaptionRunes
	}
	if deps.Rand == nil {
		deps.Rand = func() *rand.Rand { return timerange.NewRand(0) }
	}
	if err := os.MkdirAll(cfg.ClipDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create clip directory: %w", err)
	}
	return &Pipeline{cfg: cfg, deps: deps, log: logging.OrNop(log)}, nil
}

// Validate checks a request without running it. Errors are validation
// kinds answered with a corrective prompt.
func Validate(req Request) (timerange.Interval, error) {
	if strings.TrimSpace(req.Source) == "" {
		return timerange.Interval{}, apperr.Errorf(apperr.KindFormat, apperr.OpSource, "missing source")
	}
	if req.Count > 0 {
		if req.Count > MaxClips {
			return timerange.Interval{}, apperr.Errorf(apperr.KindRange, apperr.OpClipCount,
				"clip count must be between 1 and %d", MaxClips)
		}
		if req.ClipDuration <= 0 {
			return timerange.Interval{}, apperr.Errorf(apperr.KindRange, apperr.OpClipCount,
				"clip duration must be positive")
		}
		return timerange.Interval{}, nil
	}
	return timerange.Parse(req.Range)
}

// Clip runs a single-clip request. On success the artifact is owned by the
// caller, who deletes it after delivery. On failure nothing is left on disk.
func (p *Pipeline) Clip(ctx context.Context, req Request) (*Result, error) {
	req.Count = 0
	iv, err := Validate(req)
	if err != nil {
		return nil, err
	}

	log := p.runLogger(req)
	run := lifecycle.New(log)
	defer run.Close()

	log.Infow("Fetching source", "range", timerange.Format(iv))
	media, err := p.deps.Fetcher.Fetch(ctx, fetch.Request{
		URL:      req.Source,
		UserID:   req.UserID,
		Interval: &iv,
	})
	if err != nil {
		log.Warnw("Fetch failed", "kind", apperr.KindOf(err).String(), "error", err)
		return nil, err
	}
	run.Track(media.Path)

	out := filepath.Join(p.cfg.ClipDir, ClipName(req.UserID, media.SourceID, iv, 0))
	run.Track(out)
	clip, err := p.deps.Extractor.Extract(ctx, source(media), iv, out)
	// the source is dead weight from here on, whatever the outcome
	run.Release(media.Path)
	if err != nil {
		log.Warnw("Extraction failed", "kind", apperr.KindOf(err).String(), "error", err)
		return nil, err
	}

	var tr *transcribe.Result
	if p.deps.Loader != nil {
		run.Track(transcribe.ScratchFiles(clip.Path)...)
		tr, err = transcribe.Run(ctx, p.deps.Loader, clip.Path, log)
		if err != nil {
			log.Warnw("Transcription failed, delivering without transcript", "error", err)
			tr = nil
		}
	}

	if req.Captions && tr != nil {
		clip = p.burn(ctx, run, clip, tr.Segments, log)
	}

	tagList := tags.Generate(media.Title)
	body := p.captionBody(ctx, media.Title, tr, log)
	res := &Result{
		ArtifactPath: clip.Path,
		Caption:      summarize.Caption(body, media.Title, tags.Join(tagList), p.cfg.CaptionLimit),
		Tags:         tagList,
		Title:        media.Title,
		Clip:         clip,
		Transcript:   tr,
	}
	run.Handoff(clip.Path)

	log.Infow("Clip ready",
		"artifact", clip.Path,
		"interval", timerange.Format(clip.Interval),
		"captioned", clip.CaptionBurned,
		"transcribed", tr != nil,
	)
	return res, nil
}

// Multi samples req.Count clips of req.ClipDuration from the full source.
// Each clip's caption is the source title plus tags.
func (p *Pipeline) Multi(ctx context.Context, req Request) ([]*Result, error) {
	if req.Count < 1 {
		return nil, apperr.Errorf(apperr.KindRange, apperr.OpClipCount, "clip count must be between 1 and %d", MaxClips)
	}
	if _, err := Validate(req); err != nil {
		return nil, err
	}

	log := p.runLogger(req)
	run := lifecycle.New(log)
	defer run.Close()

	log.Infow("Fetching full source", "count", req.Count, "clip_duration", req.ClipDuration.String())
	media, err := p.deps.Fetcher.Fetch(ctx, fetch.Request{URL: req.Source, UserID: req.UserID})
	if err != nil {
		log.Warnw("Fetch failed", "kind", apperr.KindOf(err).String(), "error", err)
		return nil, err
	}
	run.Track(media.Path)

	if media.Duration <= 0 {
		run.Release(media.Path)
		return nil, apperr.Errorf(apperr.KindProcessing, "sample", "unknown duration for %s", media.SourceID)
	}

	intervals := timerange.Sample(p.deps.Rand(), media.Duration, req.ClipDuration, req.Count)
	clips := make([]*video.Clip, 0, len(intervals))
	for i, iv := range intervals {
		out := filepath.Join(p.cfg.ClipDir, ClipName(req.UserID, media.SourceID, iv, i+1))
		run.Track(out)
		clip, err := p.deps.Extractor.Extract(ctx, source(media), iv, out)
		if err != nil {
			run.Release(media.Path)
			log.Warnw("Extraction failed", "clip", i+1, "error", err)
			return nil, err
		}
		clips = append(clips, clip)
	}
	run.Release(media.Path)

	var transcripts []*transcribe.Result
	if req.Captions && p.deps.Loader != nil {
		paths := make([]string, len(clips))
		for i, c := range clips {
			paths[i] = c.Path
			run.Track(transcribe.ScratchFiles(c.Path)...)
		}
		transcripts, err = transcribe.RunAll(ctx, p.deps.Loader, paths, log)
		if err != nil {
			log.Warnw("Transcription failed for some clips", "error", err)
		}
	}

	tagList := tags.Generate(media.Title)
	text := summarize.Caption(media.Title, "", tags.Join(tagList), p.cfg.CaptionLimit)

	results := make([]*Result, 0, len(clips))
	for i, clip := range clips {
		var tr *transcribe.Result
		if i < len(transcripts) {
			tr = transcripts[i]
		}
		if tr != nil {
			clip = p.burn(ctx, run, clip, tr.Segments, log)
		}
		results = append(results, &Result{
			ArtifactPath: clip.Path,
			Caption:      text,
			Tags:         tagList,
			Title:        media.Title,
			Clip:         clip,
			Transcript:   tr,
		})
	}
	for _, r := range results {
		run.Handoff(r.ArtifactPath)
	}

	log.Infow("Clips ready", "count", len(results))
	return results, nil
}

// burn composites captions; on failure the uncaptioned clip is kept.
func (p *Pipeline) burn(
	ctx context.Context,
	run *lifecycle.Run,
	clip *video.Clip,
	segments []subtitle.Segment,
	log *logging.Logger,
) *video.Clip {
	if p.deps.Compositor == nil || len(segments) == 0 {
		return clip
	}
	run.Track(caption.OutputPath(clip.Path), caption.ScriptPath(clip.Path))
	burned, err := p.deps.Compositor.Burn(ctx, clip, segments)
	if err != nil {
		log.Warnw("Caption burn failed, delivering uncaptioned clip", "clip", clip.Path, "error", err)
		return clip
	}
	run.Track(burned.Path)
	return burned
}

func (p *Pipeline) captionBody(ctx context.Context, title string, tr *transcribe.Result, log *logging.Logger) string {
	if tr == nil || strings.TrimSpace(tr.Text) == "" {
		return ""
	}
	if p.deps.Summarizer == nil {
		return tr.Text
	}
	summary, err := p.deps.Summarizer.Summarize(ctx, summarize.Input{Title: title, Transcript: tr.Text})
	if err != nil {
		log.Warnw("Summary failed, using transcript", "error", err)
		return tr.Text
	}
	return summary
}

func (p *Pipeline) runLogger(req Request) *logging.Logger {
	return p.log.With(
		"run_id", uuid.NewString(),
		"user", req.UserID,
		"source", req.Source,
	)
}

func source(m *fetch.Media) video.Source {
	return video.Source{Path: m.Path, Offset: m.Offset, Margin: m.Margin}
}

// ClipName names a clip file: <user>_<sourceid>_<start>-<end>.mp4 in whole
// milliseconds, with a 1-based index for multi-clip runs.
func ClipName(userID, sourceID string, iv timerange.Interval, index int) string {
	span := fmt.Sprintf("%d-%d", iv.Start.Milliseconds(), iv.End.Milliseconds())
	if index > 0 {
		span = fmt.Sprintf("c%02d_%s", index, span)
	}
	return fetch.FilePrefix(userID, sourceID) + "_" + span + ".mp4"
}
