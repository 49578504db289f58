package cli

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/mgpai22/klip/internal/caption"
	"github.com/mgpai22/klip/internal/config"
	"github.com/mgpai22/klip/internal/dispatch"
	"github.com/mgpai22/klip/internal/executor"
	"github.com/mgpai22/klip/internal/fetch"
	"github.com/mgpai22/klip/internal/jobs"
	"github.com/mgpai22/klip/internal/lifecycle"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/pipeline"
	"github.com/mgpai22/klip/internal/service"
	"github.com/mgpai22/klip/internal/summarize"
	"github.com/mgpai22/klip/internal/timerange"
	"github.com/mgpai22/klip/internal/tools"
	"github.com/mgpai22/klip/internal/transcribe"
	"github.com/mgpai22/klip/internal/video"
)

// buildPipeline wires every stage from cfg.
func buildPipeline(ctx context.Context, cfg *config.Config, log *logging.Logger) (*pipeline.Pipeline, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	paths, err := tools.Resolve(tools.Paths{
		FFmpeg:  cfg.Tools.FFmpeg,
		FFprobe: cfg.Tools.FFprobe,
		YtDlp:   cfg.Tools.YtDlp,
		Whisper: cfg.Tools.Whisper,
	})
	if err != nil {
		return nil, err
	}
	log.Debugw("Resolved tools", "ffmpeg", paths.FFmpeg, "ffprobe", paths.FFprobe, "yt_dlp", paths.YtDlp, "whisper", paths.Whisper)

	exec := executor.New()
	prober := video.NewFFprobe(paths.FFprobe, exec)
	enc := video.DefaultEncodeOptions()

	deps := pipeline.Deps{
		Fetcher: fetch.New(fetch.Options{
			YtDlpPath: paths.YtDlp,
			Dir:       cfg.Paths.DownloadDir,
			MaxBytes:  cfg.Fetch.MaxBytes,
			Margin:    cfg.Fetch.Margin,
		}, exec, log.Named("fetch")),
		Extractor:  video.NewExtractor(paths.FFmpeg, prober, enc, log.Named("extract")),
		Compositor: caption.New(paths.FFmpeg, prober, enc, log.Named("caption")),
	}

	if cfg.TranscriptionEnabled() {
		loader, err := transcribe.NewLoader(transcribe.Config{
			Provider: transcribe.Provider(cfg.Transcribe.Provider),
			APIKey:   cfg.Transcribe.APIKey,
			Options: transcribe.Options{
				Language: cfg.Transcribe.Language,
				Model:    cfg.Transcribe.Model,
				Prompt:   cfg.Transcribe.Prompt,
			},
			FFmpegPath:  paths.FFmpeg,
			WhisperPath: paths.Whisper,
			ModelDir:    cfg.Transcribe.ModelDir,
			Threads:     cfg.Transcribe.Threads,
		}, exec, log.Named("transcribe"))
		if err != nil {
			// clips are still delivered, just without transcript
			log.Warnw("Transcription disabled", "provider", cfg.Transcribe.Provider, "error", err)
		} else {
			deps.Loader = loader
		}
	}

	if cfg.Summarize.Provider != "" {
		s, err := summarize.Factory(ctx, summarize.Provider(cfg.Summarize.Provider), cfg.Summarize.APIKey, summarize.Options{
			Language: cfg.Summarize.Language,
			Model:    cfg.Summarize.Model,
			Prompt:   cfg.Summarize.Prompt,
			MaxWords: cfg.Summarize.MaxWords,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create summarizer: %w", err)
		}
		deps.Summarizer = s
	}

	seed := cfg.Seed
	deps.Rand = func() *rand.Rand { return timerange.NewRand(seed) }

	return pipeline.New(pipeline.Config{
		ClipDir:      cfg.Paths.ClipDir,
		CaptionLimit: cfg.CaptionLimit,
	}, deps, log)
}

type backend struct {
	store *jobs.Store
	disp  *dispatch.Dispatcher
	svc   *service.Service
}

// buildBackend opens the job ledger and puts a dispatcher in front of the
// pipeline. Before each run the user's leftovers from a crashed run are
// swept.
func buildBackend(ctx context.Context, cfg *config.Config, log *logging.Logger) (*backend, error) {
	pipe, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := jobs.Open(cfg.Paths.DBPath, log.Named("jobs"))
	if err != nil {
		return nil, err
	}

	scratch := []string{cfg.Paths.DownloadDir}
	disp := dispatch.New(dispatch.Options{
		MaxConcurrent: cfg.Server.MaxConcurrent,
		BeforeRun: func(user string) {
			lifecycle.SweepUser(scratch, user, log)
		},
	}, log.Named("dispatch"))

	return &backend{
		store: store,
		disp:  disp,
		svc:   service.New(store, disp, pipe, log.Named("service")),
	}, nil
}

func (b *backend) Close() error {
	b.disp.Wait()
	return b.store.Close()
}
