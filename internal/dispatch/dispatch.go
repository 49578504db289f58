// Package dispatch runs accepted requests off the front-end's goroutine,
// one at a time per user and at most N at a time overall.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/mgpai22/klip/internal/logging"
)

// ErrBusy is returned when the user already has a run in flight.
var ErrBusy = errors.New("a request for this user is already running")

// Job is one pipeline run. Its context is detached from the submitting
// request: runs are never cancelled once started.
type Job func(ctx context.Context)

type Options struct {
	// concurrent runs across all users; constrained hosts keep this at 1
	MaxConcurrent int
	// called with the user's slot held, before the job starts
	BeforeRun func(user string)
}

type Dispatcher struct {
	opts Options
	log  *logging.Logger
	sem  chan struct{}

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func New(opts Options, log *logging.Logger) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Dispatcher{
		opts:   opts,
		log:    logging.OrNop(log),
		sem:    make(chan struct{}, opts.MaxConcurrent),
		active: make(map[string]struct{}),
	}
}

// Submit starts job in its own goroutine and returns immediately. A second
// submission for the same user while the first is queued or running fails
// with ErrBusy.
func (d *Dispatcher) Submit(ctx context.Context, user string, job Job) error {
	d.mu.Lock()
	if _, ok := d.active[user]; ok {
		d.mu.Unlock()
		return ErrBusy
	}
	d.active[user] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer d.finish(user)

		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		defer func() {
			if r := recover(); r != nil {
				d.log.Errorw("Run panicked", "user", user, "panic", r)
			}
		}()

		if d.opts.BeforeRun != nil {
			d.opts.BeforeRun(user)
		}
		job(runCtx)
	}()
	return nil
}

func (d *Dispatcher) finish(user string) {
	d.mu.Lock()
	delete(d.active, user)
	d.mu.Unlock()
}

// Busy reports whether user has a run queued or in flight.
func (d *Dispatcher) Busy(user string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[user]
	return ok
}

// Active returns the number of queued or running jobs.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
