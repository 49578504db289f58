package api

import (
	"time"

	"github.com/mgpai22/klip/internal/jobs"
)

type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	UptimeS    int64  `json:"uptime_s"`
	ActiveRuns int    `json:"active_runs"`
}

type ClipRequest struct {
	Source   string `json:"source"`
	Range    string `json:"range,omitempty"`
	UserID   string `json:"user_id"`
	Captions bool   `json:"captions,omitempty"`

	// multi-clip mode when Count > 0
	Count           int     `json:"count,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type ClipResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ArtifactResponse struct {
	Index     int      `json:"index"`
	URL       string   `json:"url,omitempty"`
	Caption   string   `json:"caption"`
	Tags      []string `json:"tags,omitempty"`
	Captioned bool     `json:"captioned"`
	Size      int64    `json:"size"`
	State     string   `json:"state"`
}

type JobResponse struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Mode      string             `json:"mode"`
	Source    string             `json:"source"`
	Range     string             `json:"range,omitempty"`
	Status    string             `json:"status"`
	Error     string             `json:"error,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Artifacts []ArtifactResponse `json:"artifacts,omitempty"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *jobs.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		UserID:    j.UserID,
		Mode:      j.Mode,
		Source:    j.Source,
		Range:     j.Range,
		Status:    j.Status,
		Error:     j.Error,
		ErrorKind: j.ErrorKind,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
	for _, a := range j.Artifacts {
		ar := ArtifactResponse{
			Index:     a.Index,
			Caption:   a.Caption,
			Tags:      a.Tags,
			Captioned: a.Captioned,
			Size:      a.Size,
			State:     artifactState(a),
		}
		if a.Available() {
			ar.URL = artifactURL(j.ID, a.Index)
		}
		resp.Artifacts = append(resp.Artifacts, ar)
	}
	return resp
}

func artifactState(a *jobs.Artifact) string {
	switch {
	case a.DeliveredAt != nil:
		return "delivered"
	case a.ExpiredAt != nil:
		return "expired"
	default:
		return "ready"
	}
}
