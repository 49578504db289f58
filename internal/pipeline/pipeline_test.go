package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/caption"
	"github.com/mgpai22/klip/internal/fetch"
	"github.com/mgpai22/klip/internal/subtitle"
	"github.com/mgpai22/klip/internal/summarize"
	"github.com/mgpai22/klip/internal/timerange"
	"github.com/mgpai22/klip/internal/transcribe"
	"github.com/mgpai22/klip/internal/video"
)

// writes <dir>/<user>_<id>.mp4 like the real fetcher
type fakeFetcher struct {
	dir      string
	title    string
	duration time.Duration
	err      error

	mu    sync.Mutex
	calls []fetch.Request
	paths []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Media, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	path := filepath.Join(f.dir, fetch.FilePrefix(req.UserID, "vid123")+".mp4")
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()

	m := &fetch.Media{
		Path:     path,
		Title:    f.title,
		SourceID: "vid123",
		Duration: f.duration,
		Size:     6,
	}
	if req.Interval != nil {
		m.Offset = req.Interval.Start
		m.Margin = fetch.DefaultMargin
	}
	return m, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeExtractor struct {
	err error

	mu      sync.Mutex
	sources []video.Source
	ivs     []timerange.Interval
}

func (x *fakeExtractor) Extract(ctx context.Context, src video.Source, iv timerange.Interval, out string) (*video.Clip, error) {
	x.mu.Lock()
	x.sources = append(x.sources, src)
	x.ivs = append(x.ivs, iv)
	x.mu.Unlock()
	if _, err := os.Stat(src.Path); err != nil {
		return nil, errors.New("source missing at extraction")
	}
	if x.err != nil {
		// a partial output is left behind for the lifecycle to collect
		os.WriteFile(out, []byte("partial"), 0o644)
		return nil, x.err
	}
	if err := os.WriteFile(out, []byte("clip"), 0o644); err != nil {
		return nil, err
	}
	return &video.Clip{Path: out, Interval: iv, Size: 4}, nil
}

type fakeHandle struct {
	loader *fakeLoader
	closed bool
}

func (h *fakeHandle) Transcribe(ctx context.Context, path string) (*transcribe.Result, error) {
	if h.loader.err != nil {
		return nil, h.loader.err
	}
	// scratch file named after the clip, as the real providers do
	os.WriteFile(transcribe.ScratchFiles(path)[0], []byte("wav"), 0o644)
	return &transcribe.Result{
		Segments: []subtitle.Segment{
			{StartTime: 0, EndTime: 2 * time.Second, Text: "hello there"},
			{StartTime: 2 * time.Second, EndTime: 4 * time.Second, Text: "general kenobi"},
		},
	}, nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

type fakeLoader struct {
	err error

	mu      sync.Mutex
	handles []*fakeHandle
}

func (l *fakeLoader) Load(ctx context.Context) (transcribe.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := &fakeHandle{loader: l}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLoader) allClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		if !h.closed {
			return false
		}
	}
	return true
}

type fakeCompositor struct {
	loader *fakeLoader
	err    error

	modelOpenAtBurn bool
	calls           int
}

func (c *fakeCompositor) Burn(ctx context.Context, clip *video.Clip, segs []subtitle.Segment) (*video.Clip, error) {
	c.calls++
	if c.loader != nil && !c.loader.allClosed() {
		c.modelOpenAtBurn = true
	}
	if c.err != nil {
		return nil, c.err
	}
	out := caption.OutputPath(clip.Path)
	if err := os.WriteFile(out, []byte("captioned"), 0o644); err != nil {
		return nil, err
	}
	os.Remove(clip.Path)
	return &video.Clip{Path: out, Interval: clip.Interval, CaptionBurned: true}, nil
}

type fakeSummarizer struct {
	out string
	err error
}

func (s fakeSummarizer) Summarize(ctx context.Context, in summarize.Input) (string, error) {
	return s.out, s.err
}

type env struct {
	downloads string
	clips     string
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	loader    *fakeLoader
	comp      *fakeCompositor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		downloads: filepath.Join(root, "downloads"),
		clips:     filepath.Join(root, "clips"),
		extractor: &fakeExtractor{},
		loader:    &fakeLoader{},
	}
	if err := os.MkdirAll(e.downloads, 0o755); err != nil {
		t.Fatal(err)
	}
	e.fetcher = &fakeFetcher{dir: e.downloads, title: "Apollo Moon Landing Footage", duration: 3 * time.Minute}
	e.comp = &fakeCompositor{loader: e.loader}
	return e
}

func (e *env) pipeline(t *testing.T, mutate func(*Deps)) *Pipeline {
	t.Helper()
	deps := Deps{
		Fetcher:    e.fetcher,
		Extractor:  e.extractor,
		Loader:     e.loader,
		Compositor: e.comp,
		Rand:       func() *rand.Rand { return timerange.NewRand(42) },
	}
	if mutate != nil {
		mutate(&deps)
	}
	p, err := New(Config{ClipDir: e.clips}, deps, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestClipEndToEnd(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, nil)

	res, err := p.Clip(context.Background(), Request{
		Source: "https://example.com/watch?v=vid123",
		Range:  "0:10-0:40",
		UserID: "alice",
	})
	if err != nil {
		t.Fatalf("Clip() error = %v", err)
	}

	if got := res.Clip.Interval.Duration(); got != 30*time.Second {
		t.Errorf("clip duration = %v, want 30s", got)
	}
	if res.Transcript == nil || res.Transcript.Text == "" {
		t.Fatal("expected a non-empty transcript")
	}
	if !strings.HasPrefix(res.Caption, "hello there general kenobi") {
		t.Errorf("caption = %q, want transcript text first", res.Caption)
	}
	if !strings.Contains(res.Caption, "#shorts") || !strings.Contains(res.Caption, "#apollo") {
		t.Errorf("caption missing tags: %q", res.Caption)
	}
	if len(res.Tags) != 3+4 {
		t.Errorf("tags = %v", res.Tags)
	}

	if len(e.fetcher.paths) != 1 || exists(e.fetcher.paths[0]) {
		t.Error("downloaded source still on disk after the run")
	}
	if names := dirEntries(t, e.downloads); len(names) != 0 {
		t.Errorf("download dir not empty: %v", names)
	}
	if !exists(res.ArtifactPath) {
		t.Error("artifact was deleted before delivery")
	}
	if names := dirEntries(t, e.clips); len(names) != 1 {
		t.Errorf("clip dir holds %v, want only the artifact", names)
	}
	if !e.loader.allClosed() || len(e.loader.handles) != 1 {
		t.Errorf("model handles: %d loaded, all closed = %v", len(e.loader.handles), e.loader.allClosed())
	}

	src := e.extractor.sources[0]
	if src.Offset != 10*time.Second || src.Margin != fetch.DefaultMargin {
		t.Errorf("extract source = %+v, want offset 10s and default margin", src)
	}
	if e.comp.calls != 0 {
		t.Error("captions burned without being requested")
	}
}

func TestClipInvalidRangeNeverFetches(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, nil)

	for _, rng := range []string{"0:40-0:10", "0:10-0:10", "abc", "10"} {
		res, err := p.Clip(context.Background(), Request{Source: "https://x", Range: rng, UserID: "u"})
		if res != nil || err == nil {
			t.Errorf("Clip(%q) = %v, %v; want nil result and error", rng, res, err)
		}
		if !apperr.IsValidation(err) {
			t.Errorf("Clip(%q) error %v is not a validation error", rng, err)
		}
	}
	if n := e.fetcher.callCount(); n != 0 {
		t.Errorf("fetcher called %d times", n)
	}

	_, err := p.Clip(context.Background(), Request{Source: "https://x", Range: "0:40-0:10"})
	if !apperr.Is(err, apperr.KindRange) {
		t.Errorf("reversed range kind = %v, want range", apperr.KindOf(err))
	}
}

func TestClipQuotaCreatesNoClip(t *testing.T) {
	e := newEnv(t)
	e.fetcher.err = apperr.Errorf(apperr.KindQuota, "fetch", "too big")
	p := e.pipeline(t, nil)

	res, err := p.Clip(context.Background(), Request{Source: "https://x", Range: "0-10", UserID: "u"})
	if res != nil || !apperr.Is(err, apperr.KindQuota) {
		t.Fatalf("Clip() = %v, %v; want quota error", res, err)
	}
	if len(e.extractor.ivs) != 0 {
		t.Error("extractor ran after a quota failure")
	}
	if names := dirEntries(t, e.clips); len(names) != 0 {
		t.Errorf("clip dir not empty: %v", names)
	}
}

func TestClipExtractionFailureCleansUp(t *testing.T) {
	e := newEnv(t)
	e.extractor.err = apperr.Errorf(apperr.KindProcessing, "extract", "overrun")
	p := e.pipeline(t, nil)

	_, err := p.Clip(context.Background(), Request{Source: "https://x", Range: "0-10", UserID: "u"})
	if !apperr.Is(err, apperr.KindProcessing) {
		t.Fatalf("error = %v, want processing", err)
	}
	if names := dirEntries(t, e.downloads); len(names) != 0 {
		t.Errorf("download dir not empty: %v", names)
	}
	if names := dirEntries(t, e.clips); len(names) != 0 {
		t.Errorf("partial clip left behind: %v", names)
	}
	if apperr.UserMessage(err) != apperr.GenericFailure {
		t.Errorf("user message leaks detail: %q", apperr.UserMessage(err))
	}
}

func TestClipTranscriptionFailureDegrades(t *testing.T) {
	e := newEnv(t)
	e.loader.err = errors.New("decoder crashed")
	p := e.pipeline(t, nil)

	res, err := p.Clip(context.Background(), Request{
		Source:   "https://x",
		Range:    "0-10",
		UserID:   "u",
		Captions: true,
	})
	if err != nil {
		t.Fatalf("Clip() error = %v, want captionless success", err)
	}
	if res.Transcript != nil || res.Clip.CaptionBurned {
		t.Error("expected no transcript and no captions")
	}
	if !strings.HasPrefix(res.Caption, "Apollo Moon Landing Footage") {
		t.Errorf("caption = %q, want title fallback", res.Caption)
	}
	if !e.loader.allClosed() {
		t.Error("model not released after failure")
	}
	if e.comp.calls != 0 {
		t.Error("compositor ran without a transcript")
	}
}

func TestClipWithCaptions(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, nil)

	res, err := p.Clip(context.Background(), Request{
		Source:   "https://x",
		Range:    "1:00-1:30",
		UserID:   "u",
		Captions: true,
	})
	if err != nil {
		t.Fatalf("Clip() error = %v", err)
	}
	if !res.Clip.CaptionBurned || !strings.HasSuffix(res.ArtifactPath, ".captioned.mp4") {
		t.Errorf("artifact = %+v, want captioned clip", res.Clip)
	}
	if e.comp.modelOpenAtBurn {
		t.Error("speech model still loaded while compositing")
	}
	names := dirEntries(t, e.clips)
	if len(names) != 1 || names[0] != filepath.Base(res.ArtifactPath) {
		t.Errorf("clip dir = %v, want only %s", names, filepath.Base(res.ArtifactPath))
	}
}

func TestClipBurnFailureKeepsOriginal(t *testing.T) {
	e := newEnv(t)
	e.comp.err = apperr.Errorf(apperr.KindProcessing, "caption", "ffmpeg failed")
	p := e.pipeline(t, nil)

	res, err := p.Clip(context.Background(), Request{
		Source:   "https://x",
		Range:    "0-10",
		UserID:   "u",
		Captions: true,
	})
	if err != nil {
		t.Fatalf("Clip() error = %v", err)
	}
	if res.Clip.CaptionBurned {
		t.Error("clip marked captioned after burn failure")
	}
	if !exists(res.ArtifactPath) {
		t.Error("original clip lost after burn failure")
	}
}

func TestClipSummarizer(t *testing.T) {
	tests := []struct {
		name string
		sum  fakeSummarizer
		want string
	}{
		{"summary used", fakeSummarizer{out: "Astronauts greet each other"}, "Astronauts greet each other"},
		{"failure falls back to transcript", fakeSummarizer{err: errors.New("rate limited")}, "hello there general kenobi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			p := e.pipeline(t, func(d *Deps) { d.Summarizer = tt.sum })
			res, err := p.Clip(context.Background(), Request{Source: "https://x", Range: "0-10", UserID: "u"})
			if err != nil {
				t.Fatalf("Clip() error = %v", err)
			}
			if !strings.HasPrefix(res.Caption, tt.want) {
				t.Errorf("caption = %q, want prefix %q", res.Caption, tt.want)
			}
		})
	}
}

func TestClipWithoutLoader(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, func(d *Deps) { d.Loader = nil })

	res, err := p.Clip(context.Background(), Request{Source: "https://x", Range: "0-10", UserID: "u", Captions: true})
	if err != nil {
		t.Fatalf("Clip() error = %v", err)
	}
	if res.Transcript != nil || e.comp.calls != 0 {
		t.Error("transcription or captions ran without a loader")
	}
}

func TestConcurrentUsersDoNotCollide(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, func(d *Deps) { d.Loader = nil })

	users := []string{"alice", "bob"}
	results := make([]*Result, len(users))
	errs := make([]error, len(users))

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i], errs[i] = p.Clip(context.Background(), Request{
				Source: "https://example.com/same",
				Range:  "0:10-0:20",
				UserID: u,
			})
		}(i, u)
	}
	wg.Wait()

	for i, u := range users {
		if errs[i] != nil {
			t.Fatalf("user %s: %v", u, errs[i])
		}
		base := filepath.Base(results[i].ArtifactPath)
		if !strings.HasPrefix(base, u+"_") {
			t.Errorf("artifact %s not keyed by user %s", base, u)
		}
		if !exists(results[i].ArtifactPath) {
			t.Errorf("artifact of %s deleted by another run", u)
		}
	}
	if results[0].ArtifactPath == results[1].ArtifactPath {
		t.Error("two users share an artifact path")
	}
}

func TestMulti(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, nil)

	req := Request{
		Source:       "https://x",
		UserID:       "u",
		Count:        3,
		ClipDuration: 20 * time.Second,
		Captions:     true,
	}
	results, err := p.Multi(context.Background(), req)
	if err != nil {
		t.Fatalf("Multi() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	want := timerange.Sample(timerange.NewRand(42), 3*time.Minute, 20*time.Second, 3)
	for i, r := range results {
		if r.Clip.Interval != want[i] {
			t.Errorf("clip %d interval = %v, want %v", i, r.Clip.Interval, want[i])
		}
		if !r.Clip.CaptionBurned {
			t.Errorf("clip %d not captioned", i)
		}
		if !strings.HasPrefix(r.Caption, "Apollo Moon Landing Footage\n\n#shorts") {
			t.Errorf("clip %d caption = %q", i, r.Caption)
		}
		if !exists(r.ArtifactPath) {
			t.Errorf("clip %d artifact missing", i)
		}
	}
	for _, src := range e.extractor.sources {
		if src.Offset != 0 || src.Margin != 0 {
			t.Errorf("full download source = %+v, want zero offset and margin", src)
		}
	}
	if len(e.fetcher.calls) != 1 || e.fetcher.calls[0].Interval != nil {
		t.Error("multi-clip should fetch the full source once")
	}
	if len(e.loader.handles) != 1 || !e.loader.allClosed() {
		t.Errorf("want one released model handle, got %d", len(e.loader.handles))
	}
	if names := dirEntries(t, e.downloads); len(names) != 0 {
		t.Errorf("download dir not empty: %v", names)
	}
	if names := dirEntries(t, e.clips); len(names) != 3 {
		t.Errorf("clip dir = %v, want 3 artifacts", names)
	}
}

func TestMultiValidation(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(t, nil)

	tests := []Request{
		{Source: "https://x", Count: 0, ClipDuration: time.Second},
		{Source: "https://x", Count: 11, ClipDuration: time.Second},
		{Source: "https://x", Count: 2},
		{Count: 2, ClipDuration: time.Second},
	}
	for _, req := range tests {
		if _, err := p.Multi(context.Background(), req); !apperr.IsValidation(err) {
			t.Errorf("Multi(%+v) error = %v, want validation error", req, err)
		}
	}
	if n := e.fetcher.callCount(); n != 0 {
		t.Errorf("fetcher called %d times", n)
	}
}

func TestMultiExtractionFailureRemovesEverything(t *testing.T) {
	e := newEnv(t)
	e.extractor.err = apperr.Errorf(apperr.KindProcessing, "extract", "boom")
	p := e.pipeline(t, nil)

	_, err := p.Multi(context.Background(), Request{Source: "https://x", UserID: "u", Count: 2, ClipDuration: 10 * time.Second})
	if !apperr.Is(err, apperr.KindProcessing) {
		t.Fatalf("error = %v, want processing", err)
	}
	if names := dirEntries(t, e.downloads); len(names) != 0 {
		t.Errorf("download dir not empty: %v", names)
	}
	if names := dirEntries(t, e.clips); len(names) != 0 {
		t.Errorf("clip dir not empty: %v", names)
	}
}

func TestClipName(t *testing.T) {
	iv := timerange.Interval{Start: 10 * time.Second, End: 40500 * time.Millisecond}
	if got := ClipName("alice", "vid", iv, 0); got != "alice_vid_10000-40500.mp4" {
		t.Errorf("ClipName() = %q", got)
	}
	if got := ClipName("alice", "vid", iv, 3); got != "alice_vid_c03_10000-40500.mp4" {
		t.Errorf("ClipName(index 3) = %q", got)
	}
}

func TestNewRequiresStages(t *testing.T) {
	if _, err := New(Config{ClipDir: t.TempDir()}, Deps{}, nil); err == nil {
		t.Error("expected error without fetcher and extractor")
	}
	if _, err := New(Config{}, Deps{Fetcher: &fakeFetcher{}, Extractor: &fakeExtractor{}}, nil); err == nil {
		t.Error("expected error without clip dir")
	}
}
