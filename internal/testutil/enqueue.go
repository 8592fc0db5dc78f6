package testutil

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// EnqueuedJob is one job captured by Enqueuer.
type EnqueuedJob struct {
	Args river.JobArgs
	Opts *river.InsertOpts
}

// Enqueuer records jobs instead of inserting them.
type Enqueuer struct {
	mu   sync.Mutex
	jobs []EnqueuedJob
	Err  error
}

func (e *Enqueuer) Enqueue(_ context.Context, _ pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return e.Err
	}
	e.jobs = append(e.jobs, EnqueuedJob{Args: args, Opts: opts})
	return nil
}

func (e *Enqueuer) Jobs() []EnqueuedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EnqueuedJob(nil), e.jobs...)
}

// Count returns how many jobs of kind were enqueued.
func (e *Enqueuer) Count(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.jobs {
		if j.Args.Kind() == kind {
			n++
		}
	}
	return n
}

// Drain returns and forgets all recorded jobs.
func (e *Enqueuer) Drain() []EnqueuedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.jobs
	e.jobs = nil
	return out
}
