// Package lifecycle owns every temporary file and resident resource a
// pipeline run creates, and tears them down on every exit path.
package lifecycle

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mgpai22/klip/internal/fetch"
	"github.com/mgpai22/klip/internal/logging"
)

type closer struct {
	name string
	c    io.Closer
}

// Run tracks the artifacts of one pipeline run. The zero value is not
// usable; use New.
type Run struct {
	log *logging.Logger

	mu      sync.Mutex
	files   []string
	tracked map[string]struct{}
	handoff map[string]struct{}
	closers []closer
	closed  bool
}

func New(log *logging.Logger) *Run {
	return &Run{
		log:     logging.OrNop(log),
		tracked: make(map[string]struct{}),
		handoff: make(map[string]struct{}),
	}
}

// Track registers paths for deletion at teardown. Empty paths and
// duplicates are ignored. Tracking after Close deletes immediately.
func (r *Run) Track(paths ...string) {
	var late []string

	r.mu.Lock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		if r.closed {
			late = append(late, p)
			continue
		}
		if _, ok := r.tracked[p]; ok {
			continue
		}
		r.tracked[p] = struct{}{}
		r.files = append(r.files, p)
	}
	r.mu.Unlock()

	for _, p := range late {
		r.remove(p)
	}
}

// TrackCloser registers a resource closed at teardown, in reverse order
// of registration.
func (r *Run) TrackCloser(name string, c io.Closer) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closers = append(r.closers, closer{name: name, c: c})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.closeOne(closer{name: name, c: c})
}

// Release deletes path now and stops tracking it. A handed-off path is
// deleted as well: releasing is an explicit decision by the owner.
func (r *Run) Release(path string) {
	if path == "" {
		return
	}
	r.mu.Lock()
	delete(r.tracked, path)
	delete(r.handoff, path)
	r.mu.Unlock()

	r.remove(path)
}

// Handoff excludes path from teardown; ownership moves to the caller.
func (r *Run) Handoff(path string) {
	if path == "" {
		return
	}
	r.mu.Lock()
	r.handoff[path] = struct{}{}
	r.mu.Unlock()
}

// Owned reports whether path will be deleted at teardown.
func (r *Run) Owned(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handoff[path]; ok {
		return false
	}
	_, ok := r.tracked[path]
	return ok && !r.closed
}

// Close deletes every tracked file that was not handed off and closes
// every tracked resource. Failures are logged, never returned, so a
// deferred Close cannot mask the run's own error. Close is idempotent.
func (r *Run) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	files := r.files
	closers := r.closers
	tracked := r.tracked
	handoff := r.handoff
	r.files, r.closers = nil, nil
	r.tracked = make(map[string]struct{})
	r.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		r.closeOne(closers[i])
	}

	removed := 0
	for _, p := range files {
		if _, ok := tracked[p]; !ok {
			continue
		}
		if _, ok := handoff[p]; ok {
			r.log.Debugw("keeping handed-off artifact", "path", p)
			continue
		}
		if r.remove(p) {
			removed++
		}
	}
	r.log.Debugw("run teardown complete", "removed", removed, "closers", len(closers))
	return nil
}

func (r *Run) closeOne(c closer) {
	if err := c.c.Close(); err != nil {
		r.log.Warnw("failed to release resource", "resource", c.name, "error", err)
	}
}

// reports whether a file was actually deleted; missing files are no-ops
func (r *Run) remove(path string) bool {
	err := os.Remove(path)
	if err == nil {
		r.log.Debugw("removed temp file", "path", path)
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		r.log.Warnw("failed to remove temp file", "path", path, "error", err)
	}
	return false
}

// SweepUser removes files in dirs that belong to user, left behind by a
// crashed earlier run. Only call it when the user has no run in flight.
func SweepUser(dirs []string, user string, log *logging.Logger) int {
	log = logging.OrNop(log)
	prefix := fetch.UserPrefix(user)

	removed := 0
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(dir, globEscape(prefix)+"*"))
		if err != nil {
			log.Warnw("sweep glob failed", "dir", dir, "error", err)
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if err := os.Remove(m); err != nil {
				log.Warnw("failed to remove stale file", "path", m, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Infow("swept stale files", "user", user, "count", removed)
	}
	return removed
}

func globEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
