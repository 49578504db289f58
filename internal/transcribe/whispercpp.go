package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mgpai22/klip/internal/audio"
	"github.com/mgpai22/klip/internal/executor"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/subtitle"
)

// DefaultWhisperModel is the tier used on constrained hosts.
const DefaultWhisperModel = "small"

// WhisperCppLoader runs the whisper.cpp CLI against a ggml model file.
type WhisperCppLoader struct {
	bin       string
	modelPath string
	ffmpeg    string
	threads   int
	opts      Options
	exec      executor.Executor
	log       *logging.Logger

	// replaced in tests
	extract func(ctx context.Context, in, out string) error
}

func NewWhisperCppLoader(cfg Config, exec executor.Executor, log *logging.Logger) (*WhisperCppLoader, error) {
	if cfg.WhisperPath == "" {
		return nil, errors.New("whisper.cpp binary not configured")
	}
	if exec == nil {
		exec = executor.New()
	}
	l := &WhisperCppLoader{
		bin:       cfg.WhisperPath,
		modelPath: ModelPath(cfg.ModelDir, cfg.Options.Model),
		ffmpeg:    cfg.FFmpegPath,
		threads:   cfg.Threads,
		opts:      cfg.Options,
		exec:      exec,
		log:       logging.OrNop(log),
	}
	l.extract = func(ctx context.Context, in, out string) error {
		return audio.ExtractForSpeech(ctx, l.ffmpeg, in, out)
	}
	return l, nil
}

// ModelPath resolves a model tier ("small") or file path to a ggml file.
func ModelPath(dir, model string) string {
	if model == "" {
		model = DefaultWhisperModel
	}
	if strings.HasSuffix(model, ".bin") || strings.ContainsRune(model, os.PathSeparator) {
		return model
	}
	return filepath.Join(dir, "ggml-"+model+".bin")
}

func (l *WhisperCppLoader) Load(ctx context.Context) (Handle, error) {
	if _, err := os.Stat(l.modelPath); err != nil {
		return nil, fmt.Errorf("whisper model not available: %w", err)
	}
	l.log.Debugw("Speech model acquired", "model", l.modelPath)
	return &whisperCppHandle{loader: l}, nil
}

type whisperCppHandle struct {
	loader *WhisperCppLoader
	closed bool
}

// whisper.cpp -oj output
type whisperCppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (h *whisperCppHandle) Transcribe(ctx context.Context, mediaPath string) (*Result, error) {
	if h.closed {
		return nil, errors.New("speech model already released")
	}
	l := h.loader

	base := scratchBase(mediaPath)
	wav := base + ".wav"
	jsonPath := base + ".json"
	defer func() {
		_ = os.Remove(wav)
		_ = os.Remove(jsonPath)
	}()

	if err := l.extract(ctx, mediaPath, wav); err != nil {
		return nil, fmt.Errorf("failed to prepare audio: %w", err)
	}

	args := []string{
		"-m", l.modelPath,
		"-f", wav,
		"-oj",
		"-of", base,
		"-np",
		"-l", language(l.opts.Language),
	}
	if l.threads > 0 {
		args = append(args, "-t", strconv.Itoa(l.threads))
	}
	if isEnglish(l.opts.TranscriptLanguage) {
		args = append(args, "-tr")
	}
	if l.opts.Prompt != "" {
		args = append(args, "--prompt", l.opts.Prompt)
	}

	if _, err := l.exec.Execute(ctx, l.bin, args...); err != nil {
		return nil, fmt.Errorf("whisper.cpp failed: %w", err)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp produced no output: %w", err)
	}
	return parseWhisperCpp(data)
}

func (h *whisperCppHandle) Close() error {
	h.closed = true
	h.loader = nil
	return nil
}

func parseWhisperCpp(data []byte) (*Result, error) {
	var out whisperCppOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse whisper.cpp output: %w", err)
	}

	segments := make([]subtitle.Segment, 0, len(out.Transcription))
	for _, tr := range out.Transcription {
		text := strings.TrimSpace(tr.Text)
		if text == "" {
			continue
		}
		segments = append(segments, subtitle.Segment{
			StartTime: time.Duration(tr.Offsets.From) * time.Millisecond,
			EndTime:   time.Duration(tr.Offsets.To) * time.Millisecond,
			Text:      text,
		})
	}
	return &Result{Segments: segments, Language: out.Result.Language}, nil
}

func language(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "auto"
	}
	return lang
}

func isEnglish(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	return lang == "english" || lang == "en"
}
