// Package watcher turns YAML request files dropped into an inbox directory
// into clip jobs. Each request gets a sibling <name>.result.yaml once it
// is rejected or finished.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/dispatch"
	"github.com/mgpai22/klip/internal/jobs"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/pipeline"
	"github.com/mgpai22/klip/internal/service"
)

const resultSuffix = ".result.yaml"

// DefaultSettle is how long a new file is left alone before it is read.
const DefaultSettle = 500 * time.Millisecond

type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request, done service.Done) (*jobs.Job, error)
}

// Request is the on-disk request format.
type Request struct {
	Source          string  `yaml:"source"`
	Range           string  `yaml:"range,omitempty"`
	UserID          string  `yaml:"user_id,omitempty"`
	Captions        bool    `yaml:"captions,omitempty"`
	Count           int     `yaml:"count,omitempty"`
	DurationSeconds float64 `yaml:"duration_seconds,omitempty"`
}

type Result struct {
	JobID     string     `yaml:"job_id,omitempty"`
	Status    string     `yaml:"status"`
	ErrorKind string     `yaml:"error_kind,omitempty"`
	Error     string     `yaml:"error,omitempty"`
	Artifacts []Artifact `yaml:"artifacts,omitempty"`
}

type Artifact struct {
	Path      string   `yaml:"path"`
	Caption   string   `yaml:"caption"`
	Tags      []string `yaml:"tags,omitempty"`
	Captioned bool     `yaml:"captioned"`
}

const statusRejected = "rejected"

type Watcher struct {
	dir    string
	svc    Submitter
	log    *logging.Logger
	fsw    *fsnotify.Watcher
	settle time.Duration

	mu   sync.Mutex
	seen map[string]bool
	wg   sync.WaitGroup
}

func New(dir string, svc Submitter, settle time.Duration, log *logging.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if settle < 0 {
		settle = 0
	}
	return &Watcher{
		dir:    dir,
		svc:    svc,
		log:    logging.OrNop(log).Named("watcher"),
		fsw:    fsw,
		settle: settle,
		seen:   make(map[string]bool),
	}, nil
}

// Run picks up requests already waiting in the inbox, then follows new ones
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infow("Watching inbox", "dir", w.dir)

	existing, err := filepath.Glob(filepath.Join(w.dir, "*"))
	if err != nil {
		return err
	}
	for _, p := range existing {
		if isRequestFile(p) {
			w.handleFile(ctx, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isRequestFile(ev.Name) {
				continue
			}
			w.wg.Add(1)
			go func(path string) {
				defer w.wg.Done()
				select {
				case <-time.After(w.settle):
				case <-ctx.Done():
					return
				}
				w.handleFile(ctx, path)
			}(ev.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.log.Errorw("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// handleFile submits the request in path once; later events for the same
// file, or a file that already has a result, are ignored.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	w.mu.Lock()
	if w.seen[path] || exists(resultPath(path)) {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	log := w.log.With("file", filepath.Base(path))

	req, err := readRequest(path)
	if err != nil {
		log.Warnw("Rejected request file", "error", err)
		w.writeResult(path, Result{
			Status:    statusRejected,
			ErrorKind: apperr.KindFormat.String(),
			Error:     err.Error(),
		})
		return
	}

	done := func(j *jobs.Job) {
		w.writeResult(path, jobResult(j))
	}
	j, err := w.svc.Submit(ctx, req, done)
	switch {
	case err == nil:
		log.Infow("Request queued", "job_id", j.ID, "user", req.UserID)
	case errors.Is(err, dispatch.ErrBusy):
		log.Infow("User busy", "user", req.UserID)
		w.writeResult(path, Result{
			Status:    statusRejected,
			ErrorKind: "busy",
			Error:     "a request for this user is already being processed",
		})
	default:
		log.Warnw("Request not accepted", "error", err)
		w.writeResult(path, Result{
			Status:    statusRejected,
			ErrorKind: apperr.KindOf(err).String(),
			Error:     apperr.UserMessage(err),
		})
	}
}

func readRequest(path string) (pipeline.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Request{}, err
	}
	var r Request
	if err := yaml.Unmarshal(data, &r); err != nil {
		return pipeline.Request{}, fmt.Errorf("invalid request file: %w", err)
	}
	if strings.TrimSpace(r.Source) == "" {
		return pipeline.Request{}, errors.New("request file has no source")
	}
	user := r.UserID
	if user == "" {
		user = requestName(path)
	}
	return pipeline.Request{
		Source:       strings.TrimSpace(r.Source),
		Range:        r.Range,
		UserID:       user,
		Captions:     r.Captions,
		Count:        r.Count,
		ClipDuration: time.Duration(r.DurationSeconds * float64(time.Second)),
	}, nil
}

func jobResult(j *jobs.Job) Result {
	res := Result{
		JobID:     j.ID,
		Status:    j.Status,
		ErrorKind: j.ErrorKind,
		Error:     j.Error,
	}
	for _, a := range j.Artifacts {
		res.Artifacts = append(res.Artifacts, Artifact{
			Path:      a.Path,
			Caption:   a.Caption,
			Tags:      a.Tags,
			Captioned: a.Captioned,
		})
	}
	return res
}

func (w *Watcher) writeResult(reqPath string, res Result) {
	data, err := yaml.Marshal(res)
	if err != nil {
		w.log.Errorw("Failed to encode result", "error", err)
		return
	}
	out := resultPath(reqPath)
	tmp := out + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.log.Errorw("Failed to write result", "path", out, "error", err)
		return
	}
	if err := os.Rename(tmp, out); err != nil {
		w.log.Errorw("Failed to write result", "path", out, "error", err)
	}
}

func isRequestFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, resultSuffix) {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func requestName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func resultPath(reqPath string) string {
	return filepath.Join(filepath.Dir(reqPath), requestName(reqPath)+resultSuffix)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
