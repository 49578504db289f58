package jobs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"
)

// SweepExpired deletes artifacts nobody collected within ttl and marks
// them expired. It returns how many were swept.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	arts, err := s.Expired(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, a := range arts {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warnw("Failed to remove expired artifact", "job_id", a.JobID, "path", a.Path, "error", err)
			continue
		}
		if err := s.MarkExpired(ctx, a.JobID, a.Index); err != nil {
			s.log.Warnw("Failed to mark artifact expired", "job_id", a.JobID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.log.Infow("Swept uncollected artifacts", "count", swept)
	}
	return swept, nil
}

// RunJanitor sweeps every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, ttl); err != nil {
				s.log.Warnw("Artifact sweep failed", "error", err)
			}
		}
	}
}
