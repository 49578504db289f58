package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mgpai22/klip/internal/apperr"
	"github.com/mgpai22/klip/internal/dispatch"
	"github.com/mgpai22/klip/internal/jobs"
	"github.com/mgpai22/klip/internal/pipeline"
	"github.com/mgpai22/klip/internal/service"
)

type JobService interface {
	Submit(ctx context.Context, req pipeline.Request, done service.Done) (*jobs.Job, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, userID string, limit int) ([]*jobs.Job, error)
	Artifact(ctx context.Context, id string, idx int) (*jobs.Artifact, error)
	Delivered(ctx context.Context, a *jobs.Artifact) error
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestScope(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireToken(cfg.Token, cfg.Logger))

		r.Post("/clips", createClipHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Get("/jobs/{id}/artifact", artifactHandler(cfg))
		r.Get("/users/{user}/jobs", listJobsHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := 0
		if cfg.ActiveRuns != nil {
			active = cfg.ActiveRuns()
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:     "ok",
			Version:    cfg.Version,
			UptimeS:    int64(time.Since(cfg.StartTime).Seconds()),
			ActiveRuns: active,
		})
	}
}

func createClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClipRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			WriteError(w, http.StatusBadRequest, "user_id is required", "INVALID_REQUEST")
			return
		}

		preq := pipeline.Request{
			Source:       strings.TrimSpace(req.Source),
			Range:        req.Range,
			UserID:       req.UserID,
			Captions:     req.Captions,
			Count:        req.Count,
			ClipDuration: time.Duration(req.DurationSeconds * float64(time.Second)),
		}

		j, err := cfg.Service.Submit(r.Context(), preq, nil)
		switch {
		case err == nil:
		case apperr.IsValidation(err):
			WriteError(w, http.StatusBadRequest, apperr.UserMessage(err), "INVALID_REQUEST")
			return
		case errors.Is(err, dispatch.ErrBusy):
			WriteError(w, http.StatusConflict, "a request for this user is already being processed", "BUSY")
			return
		default:
			requestLog(r, cfg.Logger).Errorw("failed to submit job", "user", req.UserID, "error", err)
			WriteError(w, http.StatusInternalServerError, apperr.GenericFailure, "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Location", "/v1/jobs/"+j.ID)
		WriteJSON(w, http.StatusAccepted, ClipResponse{JobID: j.ID, Status: j.Status})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, err := cfg.Service.Job(r.Context(), id)
		if errors.Is(err, service.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to get job", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(j))
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_REQUEST")
				return
			}
			limit = n
		}

		list, err := cfg.Service.List(r.Context(), chi.URLParam(r, "user"), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(list))}
		for i, j := range list {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// artifactHandler streams the file and, once fully sent, ends its delivery
// cycle: it is deleted and cannot be fetched again.
func artifactHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		idx := 0
		if v := r.URL.Query().Get("index"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "index must be an integer", "INVALID_REQUEST")
				return
			}
			idx = n
		}

		a, err := cfg.Service.Artifact(r.Context(), id, idx)
		switch {
		case err == nil:
		case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNoSuchOutput):
			WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		case errors.Is(err, service.ErrNotReady):
			WriteError(w, http.StatusConflict, err.Error(), "NOT_READY")
			return
		case errors.Is(err, service.ErrUnavailable):
			WriteError(w, http.StatusGone, err.Error(), "GONE")
			return
		default:
			WriteError(w, http.StatusInternalServerError, "failed to get artifact", "INTERNAL_ERROR")
			return
		}

		log := requestLog(r, cfg.Logger)
		f, err := os.Open(a.Path)
		if err != nil {
			log.Warnw("artifact file missing", "job_id", id, "path", a.Path, "error", err)
			WriteError(w, http.StatusGone, "artifact is no longer available", "GONE")
			return
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read artifact", "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(a.Path)))
		w.Header().Set("X-Clip-Caption", headerSafe(a.Caption))
		w.WriteHeader(http.StatusOK)

		n, err := io.Copy(w, f)
		if err != nil || n != st.Size() {
			log.Warnw("artifact transfer incomplete", "job_id", id, "sent", n, "size", st.Size(), "error", err)
			return
		}
		f.Close()

		if err := cfg.Service.Delivered(context.WithoutCancel(r.Context()), a); err != nil {
			log.Warnw("failed to finish delivery", "job_id", id, "error", err)
		}
	}
}

// header values cannot carry newlines; captions are also returned in the
// job JSON untouched
func headerSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if r < 0x20 || r == 0x7f || r > 0x7e {
			return -1
		}
		return r
	}, s)
	if len(s) > 256 {
		s = s[:256]
	}
	return strings.TrimSpace(s)
}

func artifactURL(jobID string, idx int) string {
	return fmt.Sprintf("/v1/jobs/%s/artifact?index=%d", jobID, idx)
}
