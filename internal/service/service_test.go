package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/dispatch"
	"github.com/mgpai22/klip/internal/jobs"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/pipeline"
	"github.com/mgpai22/klip/internal/video"
)

type fakeClipper struct {
	dir     string
	err     error
	block   chan struct{}
	after   func()
	clipped atomic.Int32
}

func (f *fakeClipper) write(name string) (*pipeline.Result, error) {
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("clip-bytes"), 0o644); err != nil {
		return nil, err
	}
	return &pipeline.Result{
		ArtifactPath: path,
		Caption:      "caption " + name,
		Tags:         []string{"#shorts"},
		Clip:         &video.Clip{Path: path, CaptionBurned: true},
	}, nil
}

func (f *fakeClipper) Clip(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.clipped.Add(1)
	if f.after != nil {
		defer f.after()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.write(req.UserID + "_clip.mp4")
}

func (f *fakeClipper) Multi(ctx context.Context, req pipeline.Request) ([]*pipeline.Result, error) {
	var out []*pipeline.Result
	for i := 0; i < req.Count; i++ {
		r, err := f.write(req.UserID + "_multi_" + string(rune('a'+i)) + ".mp4")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func newService(t *testing.T, c *fakeClipper) (*Service, *dispatch.Dispatcher) {
	t.Helper()
	store, err := jobs.Open(filepath.Join(t.TempDir(), "klip.db"), nil)
	if err != nil {
		t.Fatalf("jobs.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	d := dispatch.New(dispatch.Options{MaxConcurrent: 2}, nil)
	return New(store, d, c, nil), d
}

func TestSubmitCompletesAndDelivers(t *testing.T) {
	c := &fakeClipper{dir: t.TempDir()}
	s, d := newService(t, c)
	ctx := context.Background()

	finished := make(chan *jobs.Job, 1)
	j, err := s.Submit(ctx, pipeline.Request{Source: "https://x", Range: "0:10-0:40", UserID: "alice"},
		func(j *jobs.Job) { finished <- j })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	d.Wait()

	got := <-finished
	if got.ID != j.ID || got.Status != jobs.StatusCompleted {
		t.Fatalf("finished job = %+v", got)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Size != int64(len("clip-bytes")) || !got.Artifacts[0].Captioned {
		t.Fatalf("artifacts = %+v", got.Artifacts)
	}

	a, err := s.Artifact(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	if err := s.Delivered(ctx, a); err != nil {
		t.Fatalf("Delivered() error = %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("artifact file kept after delivery")
	}
	if _, err := s.Artifact(ctx, j.ID, 0); !errors.Is(err, ErrUnavailable) {
		t.Errorf("second Artifact() error = %v, want ErrUnavailable", err)
	}
	if err := s.Delivered(ctx, a); !errors.Is(err, ErrUnavailable) {
		t.Errorf("second Delivered() error = %v, want ErrUnavailable", err)
	}
}

func TestSubmitValidationRecordsNothing(t *testing.T) {
	c := &fakeClipper{dir: t.TempDir()}
	s, _ := newService(t, c)

	_, err := s.Submit(context.Background(), pipeline.Request{Source: "https://x", Range: "0:40-0:10", UserID: "u"}, nil)
	if !apperr.IsValidation(err) {
		t.Fatalf("Submit() error = %v, want validation error", err)
	}
	list, _ := s.List(context.Background(), "u", 10)
	if len(list) != 0 {
		t.Errorf("validation failure recorded %d jobs", len(list))
	}
	if c.clipped.Load() != 0 {
		t.Error("pipeline invoked for an invalid request")
	}
}

func TestSubmitBusyUser(t *testing.T) {
	c := &fakeClipper{dir: t.TempDir(), block: make(chan struct{})}
	s, d := newService(t, c)
	ctx := context.Background()
	req := pipeline.Request{Source: "https://x", Range: "0-10", UserID: "u"}

	if _, err := s.Submit(ctx, req, nil); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := s.Submit(ctx, req, nil); !errors.Is(err, dispatch.ErrBusy) {
		t.Errorf("second Submit() error = %v, want ErrBusy", err)
	}
	other := req
	other.UserID = "v"
	if _, err := s.Submit(ctx, other, nil); err != nil {
		t.Errorf("other user Submit() error = %v", err)
	}
	close(c.block)
	d.Wait()
}

func TestLedgerFailureAfterRunIsLogged(t *testing.T) {
	store, err := jobs.Open(filepath.Join(t.TempDir(), "klip.db"), nil)
	if err != nil {
		t.Fatalf("jobs.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	log := &logging.Logger{SugaredLogger: zap.New(core).Sugar()}

	// the ledger goes away while the clip is being made
	c := &fakeClipper{dir: t.TempDir(), after: func() { store.Close() }}
	d := dispatch.New(dispatch.Options{MaxConcurrent: 1}, nil)
	s := New(store, d, c, log)

	called := false
	if _, err := s.Submit(context.Background(), pipeline.Request{Source: "https://x", Range: "0-10", UserID: "u"},
		func(*jobs.Job) { called = true }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	d.Wait()

	if n := logs.FilterMessage("Failed to record job result").Len(); n != 1 {
		t.Errorf("got %d result errors, want 1", n)
	}
	if n := logs.FilterMessage("Failed to record job failure").FilterLevelExact(zapcore.WarnLevel).Len(); n != 1 {
		t.Errorf("got %d failure warnings, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(c.dir, "u_clip.mp4")); !os.IsNotExist(err) {
		t.Error("unrecorded artifact was kept")
	}
	if called {
		t.Error("done called without a ledger entry")
	}
}

func TestSubmitFailureRecordsUserMessage(t *testing.T) {
	c := &fakeClipper{dir: t.TempDir(), err: apperr.Errorf(apperr.KindQuota, "fetch", "1.2 GB over limit")}
	s, d := newService(t, c)
	ctx := context.Background()

	j, err := s.Submit(ctx, pipeline.Request{Source: "https://x", Range: "0-10", UserID: "u"}, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	d.Wait()

	got, _ := s.Job(ctx, j.ID)
	if got.Status != jobs.StatusFailed || got.ErrorKind != "quota_exceeded" {
		t.Errorf("job = %+v", got)
	}
	if got.Error != apperr.UserMessage(c.err) {
		t.Errorf("recorded error %q leaks internal detail", got.Error)
	}
	if _, err := s.Artifact(ctx, j.ID, 0); !errors.Is(err, ErrNotReady) {
		t.Errorf("Artifact() error = %v, want ErrNotReady", err)
	}
}

func TestSubmitMulti(t *testing.T) {
	c := &fakeClipper{dir: t.TempDir()}
	s, d := newService(t, c)
	ctx := context.Background()

	j, err := s.Submit(ctx, pipeline.Request{Source: "https://x", UserID: "u", Count: 3, ClipDuration: 15 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if j.Mode != jobs.ModeMulti {
		t.Errorf("mode = %s, want multi", j.Mode)
	}
	d.Wait()

	got, _ := s.Job(ctx, j.ID)
	if len(got.Artifacts) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(got.Artifacts))
	}
	if _, err := s.Artifact(ctx, j.ID, 3); !errors.Is(err, ErrNoSuchOutput) {
		t.Errorf("Artifact(3) error = %v, want ErrNoSuchOutput", err)
	}
	if _, err := s.Job(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Job(missing) error = %v, want ErrNotFound", err)
	}
}
