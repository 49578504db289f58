// Package service connects the front-ends to the pipeline: it validates a
// request, records it in the job ledger, dispatches the run and records
// the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/dispatch"
	"github.com/mgpai22/klip/internal/jobs"
	"github.com/mgpai22/klip/internal/logging"
	"github.com/mgpai22/klip/internal/pipeline"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotReady     = errors.New("job has not completed")
	ErrUnavailable  = errors.New("artifact already delivered or expired")
	ErrNoSuchOutput = errors.New("job has no artifact at that index")
)

type Clipper interface {
	Clip(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Multi(ctx context.Context, req pipeline.Request) ([]*pipeline.Result, error)
}

// Done receives the final job record once a run ends.
type Done func(j *jobs.Job)

type Service struct {
	store   *jobs.Store
	disp    *dispatch.Dispatcher
	clipper Clipper
	log     *logging.Logger
}

func New(store *jobs.Store, disp *dispatch.Dispatcher, clipper Clipper, log *logging.Logger) *Service {
	return &Service{
		store:   store,
		disp:    disp,
		clipper: clipper,
		log:     logging.OrNop(log),
	}
}

// Submit accepts req and starts it in the background. Validation errors
// (apperr.IsValidation) and dispatch.ErrBusy are returned before anything is
// recorded or fetched.
func (s *Service) Submit(ctx context.Context, req pipeline.Request, done Done) (*jobs.Job, error) {
	if _, err := pipeline.Validate(req); err != nil {
		return nil, err
	}
	if s.disp.Busy(req.UserID) {
		return nil, dispatch.ErrBusy
	}

	j := &jobs.Job{
		UserID:      req.UserID,
		Mode:        jobs.ModeClip,
		Source:      req.Source,
		Range:       req.Range,
		Captions:    req.Captions,
		Count:       req.Count,
		ClipSeconds: req.ClipDuration.Seconds(),
	}
	if req.Count > 0 {
		j.Mode = jobs.ModeMulti
		j.Range = ""
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}

	err := s.disp.Submit(ctx, req.UserID, func(runCtx context.Context) {
		s.run(runCtx, j.ID, req, done)
	})
	if err != nil {
		// lost a race with another submission for the same user
		if ferr := s.store.Fail(context.WithoutCancel(ctx), j.ID, "busy", err.Error()); ferr != nil {
			s.log.Warnw("Failed to record rejected job", "job_id", j.ID, "error", ferr)
		}
		return nil, err
	}

	s.log.Infow("Job accepted", "job_id", j.ID, "user", req.UserID, "mode", j.Mode)
	return j, nil
}

func (s *Service) run(ctx context.Context, id string, req pipeline.Request, done Done) {
	log := s.log.With("job_id", id, "user", req.UserID)
	if err := s.store.MarkRunning(ctx, id); err != nil {
		log.Warnw("Failed to mark job running", "error", err)
	}

	var results []*pipeline.Result
	var err error
	if req.Count > 0 {
		results, err = s.clipper.Multi(ctx, req)
	} else {
		var res *pipeline.Result
		res, err = s.clipper.Clip(ctx, req)
		if res != nil {
			results = []*pipeline.Result{res}
		}
	}

	if err != nil {
		log.Errorw("Job failed", "kind", apperr.KindOf(err).String(), "error", err)
		if ferr := s.store.Fail(ctx, id, apperr.KindOf(err).String(), apperr.UserMessage(err)); ferr != nil {
			log.Warnw("Failed to record job failure", "error", ferr)
		}
	} else {
		arts := make([]*jobs.Artifact, len(results))
		for i, r := range results {
			arts[i] = &jobs.Artifact{
				Path:      r.ArtifactPath,
				Caption:   r.Caption,
				Tags:      r.Tags,
				Captioned: r.Clip != nil && r.Clip.CaptionBurned,
				Size:      fileSize(r.ArtifactPath),
			}
		}
		if cerr := s.store.Complete(ctx, id, arts); cerr != nil {
			// nobody can collect the files without a ledger entry
			log.Errorw("Failed to record job result", "error", cerr)
			for _, a := range arts {
				removeFile(a.Path, log)
			}
			if ferr := s.store.Fail(ctx, id, apperr.KindUnknown.String(), apperr.GenericFailure); ferr != nil {
				log.Warnw("Failed to record job failure", "error", ferr)
			}
		} else {
			log.Infow("Job completed", "artifacts", len(arts))
		}
	}

	if done != nil {
		j, gerr := s.store.Get(ctx, id)
		if gerr != nil || j == nil {
			log.Warnw("Failed to load finished job", "error", gerr)
			return
		}
		done(j)
	}
}

// Job returns the job record or ErrNotFound.
func (s *Service) Job(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]*jobs.Job, error) {
	return s.store.List(ctx, userID, limit)
}

// Artifact returns the idx-th artifact of a completed job if it is still
// waiting for delivery.
func (s *Service) Artifact(ctx context.Context, id string, idx int) (*jobs.Artifact, error) {
	j, err := s.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != jobs.StatusCompleted {
		return nil, ErrNotReady
	}
	if idx < 0 || idx >= len(j.Artifacts) {
		return nil, ErrNoSuchOutput
	}
	a := j.Artifacts[idx]
	if !a.Available() {
		return nil, ErrUnavailable
	}
	return a, nil
}

// Delivered ends the delivery cycle of a: it is recorded and deleted.
func (s *Service) Delivered(ctx context.Context, a *jobs.Artifact) error {
	ok, err := s.store.MarkDelivered(ctx, a.JobID, a.Index)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if !ok {
		return ErrUnavailable
	}
	removeFile(a.Path, s.log)
	return nil
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func removeFile(path string, log *logging.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnw("Failed to remove artifact", "path", path, "error", err)
	}
}
