package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mgpai22/klip/internal/executor"
)

const whisperJSON = `{
	"result": {"language": "en"},
	"transcription": [
		{"timestamps": {"from": "00:00:00,000", "to": "00:00:02,500"}, "offsets": {"from": 0, "to": 2500}, "text": " Hello there."},
		{"timestamps": {"from": "00:00:02,500", "to": "00:00:03,000"}, "offsets": {"from": 2500, "to": 3000}, "text": " "},
		{"timestamps": {"from": "00:00:03,000", "to": "00:00:05,000"}, "offsets": {"from": 3000, "to": 5000}, "text": " General Kenobi."}
	]
}`

type fakeWhisper struct {
	output string
	err    error
	args   []string
}

func (f *fakeWhisper) Execute(ctx context.Context, name string, args ...string) (executor.Output, error) {
	f.args = args
	if f.err != nil {
		return executor.Output{}, f.err
	}
	base := args[slices.Index(args, "-of")+1]
	return executor.Output{}, os.WriteFile(base+".json", []byte(f.output), 0o644)
}

func newTestWhisper(t *testing.T, exec executor.Executor, opts Options) (*WhisperCppLoader, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-small.bin"), []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := NewWhisperCppLoader(Config{WhisperPath: "whisper-cli", ModelDir: dir, Options: opts}, exec, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.extract = func(ctx context.Context, in, out string) error {
		return os.WriteFile(out, []byte("RIFF"), 0o644)
	}
	return l, dir
}

func TestWhisperCppTranscribe(t *testing.T) {
	fake := &fakeWhisper{output: whisperJSON}
	l, dir := newTestWhisper(t, fake, Options{})

	h, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer h.Close()

	clip := filepath.Join(dir, "42_abc_0-10.mp4")
	res, err := h.Transcribe(context.Background(), clip)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if len(res.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(res.Segments))
	}
	if res.Segments[1].StartTime != 3*time.Second || res.Segments[1].Text != "General Kenobi." {
		t.Errorf("segment 1 = %+v", res.Segments[1])
	}
	if res.Language != "en" {
		t.Errorf("Language = %q, want en", res.Language)
	}

	if !slices.Contains(fake.args, "auto") {
		t.Errorf("language should default to auto: %v", fake.args)
	}
	if fake.args[slices.Index(fake.args, "-m")+1] != filepath.Join(dir, "ggml-small.bin") {
		t.Errorf("model arg = %v, want small tier", fake.args)
	}

	for _, f := range ScratchFiles(clip) {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("scratch file %s should be removed", filepath.Base(f))
		}
	}
}

func TestWhisperCppTranslateFlag(t *testing.T) {
	fake := &fakeWhisper{output: whisperJSON}
	l, dir := newTestWhisper(t, fake, Options{Language: "es", TranscriptLanguage: "english"})
	h, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Transcribe(context.Background(), filepath.Join(dir, "c.mp4")); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(fake.args, "-tr") || !slices.Contains(fake.args, "es") {
		t.Errorf("args = %v, want -tr and -l es", fake.args)
	}
}

func TestWhisperCppFailureCleansUp(t *testing.T) {
	fake := &fakeWhisper{err: errors.New("segfault")}
	l, dir := newTestWhisper(t, fake, Options{})
	h, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	clip := filepath.Join(dir, "c.mp4")
	if _, err := h.Transcribe(context.Background(), clip); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(ScratchFiles(clip)[0]); !os.IsNotExist(err) {
		t.Error("wav should be removed after a failed run")
	}
}

func TestWhisperCppMissingModel(t *testing.T) {
	l, err := NewWhisperCppLoader(Config{WhisperPath: "whisper-cli", ModelDir: t.TempDir()}, &fakeWhisper{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(context.Background()); err == nil {
		t.Error("Load() should fail without a model file")
	}
}

func TestWhisperCppClosedHandle(t *testing.T) {
	l, _ := newTestWhisper(t, &fakeWhisper{output: whisperJSON}, Options{})
	h, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = h.Close()
	if _, err := h.Transcribe(context.Background(), "c.mp4"); err == nil {
		t.Error("a released handle must not transcribe")
	}
}

func TestModelPath(t *testing.T) {
	tests := []struct {
		dir, model, want string
	}{
		{"/models", "", filepath.Join("/models", "ggml-small.bin")},
		{"/models", "base.en", filepath.Join("/models", "ggml-base.en.bin")},
		{"/models", "/opt/custom.bin", "/opt/custom.bin"},
	}
	for _, tt := range tests {
		if got := ModelPath(tt.dir, tt.model); got != tt.want {
			t.Errorf("ModelPath(%q, %q) = %q, want %q", tt.dir, tt.model, got, tt.want)
		}
	}
}

func TestParseWhisperCppInvalid(t *testing.T) {
	if _, err := parseWhisperCpp([]byte("nope")); err == nil {
		t.Error("expected error")
	}
}
