package transcribe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/executor"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/subtitle"
)

// transcription result
type Result struct {
	Segments []subtitle.Segment
	// flattened full text
	Text     string
	Language string
	Duration time.Duration
}

// Handle is one loaded model instance. It belongs to a single run and is not
// safe for concurrent use.
type Handle interface {
	Transcribe(ctx context.Context, mediaPath string) (*Result, error)
	Close() error
}

// Loader acquires a fresh Handle per run.
type Loader interface {
	Load(ctx context.Context) (Handle, error)
}

type LoaderFunc func(ctx context.Context) (Handle, error)

func (f LoaderFunc) Load(ctx context.Context) (Handle, error) { return f(ctx) }

// transcription service provider
type Provider string

const (
	ProviderWhisper Provider = "whisper"
	ProviderOpenAI  Provider = "openai"
	ProviderGemini  Provider = "gemini"
)

// transcription options
type Options struct {
	Language           string // Source language of audio
	TranscriptLanguage string // Output language for transcript (default: "native")
	Model              string
	Prompt             string
}

type Config struct {
	Provider Provider
	APIKey   string
	Options  Options

	FFmpegPath string

	// whisper.cpp only
	WhisperPath string
	ModelDir    string
	Threads     int
}

// NewLoader returns a Loader for the configured provider. Nothing is loaded
// until Load is called.
func NewLoader(cfg Config, exec executor.Executor, log *logging.Logger) (Loader, error) {
	switch cfg.Provider {
	case ProviderWhisper, "":
		return NewWhisperCppLoader(cfg, exec, log)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required for %s", cfg.Provider)
		}
		return LoaderFunc(func(ctx context.Context) (Handle, error) {
			return NewOpenAITranscriber(ctx, cfg.APIKey, cfg.FFmpegPath, cfg.Options)
		}), nil
	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required for %s", cfg.Provider)
		}
		return LoaderFunc(func(ctx context.Context) (Handle, error) {
			return NewGeminiTranscriber(ctx, cfg.APIKey, cfg.FFmpegPath, cfg.Options)
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// reclaim returns freed model memory to the OS before the next stage runs.
var reclaim = func() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Run loads a model, transcribes path, and releases the model before
// returning, whatever the outcome.
func Run(ctx context.Context, loader Loader, path string, log *logging.Logger) (*Result, error) {
	results, err := RunAll(ctx, loader, []string{path}, log)
	if len(results) == 0 || results[0] == nil {
		if err == nil {
			err = apperr.Errorf(apperr.KindTranscription, "transcribe", "no result for %s", filepath.Base(path))
		}
		return nil, err
	}
	return results[0], nil
}

// RunAll transcribes every path with a single model handle. results[i] is
// nil when paths[i] failed; the failures are joined into the returned error.
// The handle is closed and memory reclaimed before RunAll returns.
func RunAll(ctx context.Context, loader Loader, paths []string, log *logging.Logger) ([]*Result, error) {
	log = logging.OrNop(log)
	results := make([]*Result, len(paths))

	h, err := loader.Load(ctx)
	if err != nil {
		return results, apperr.New(apperr.KindTranscription, "load", err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			log.Warnw("Failed to release speech model", "error", cerr)
		}
		h = nil
		reclaim()
		log.Debugw("Speech model released")
	}()

	var errs []error
	for i, p := range paths {
		res, err := h.Transcribe(ctx, p)
		if err != nil {
			errs = append(errs, apperr.New(apperr.KindTranscription, "transcribe",
				fmt.Errorf("%s: %w", filepath.Base(p), err)))
			continue
		}
		res.Segments = Normalize(res.Segments)
		if strings.TrimSpace(res.Text) == "" {
			res.Text = FullText(res.Segments)
		}
		if res.Duration == 0 && len(res.Segments) > 0 {
			res.Duration = res.Segments[len(res.Segments)-1].EndTime
		}
		results[i] = res
	}
	return results, errors.Join(errs...)
}

// ScratchFiles lists the temporary files a handle may create for mediaPath.
// They carry the media file's name so leftovers are swept with the run.
func ScratchFiles(mediaPath string) []string {
	base := scratchBase(mediaPath)
	return []string{base + ".wav", base + ".mp3", base + ".json"}
}

func scratchBase(mediaPath string) string {
	return strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".stt"
}
