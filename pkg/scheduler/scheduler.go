package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// DefaultConcurrency is tuned against the generation API's rate limits
const DefaultConcurrency = 2

// ErrPanicked wraps a panic raised by an Execute call
var ErrPanicked = errors.New("job panicked")

// Pool runs jobs with at most Concurrency of them in flight, reporting each
// one as soon as it settles.
//
// OnDispatch and OnSettle are always called from the goroutine running Run,
// one at a time, so they may update shared state without extra locking.
type Pool[J, R any] struct {
	// Concurrency is the maximum number of jobs in flight (K). Values below 1
	// are treated as 1.
	Concurrency int

	// Execute performs one job. A panic is recovered and reported to
	// OnSettle as an error wrapping ErrPanicked.
	Execute func(ctx context.Context, job J) (R, error)

	// OnDispatch is called right before a job starts
	OnDispatch func(job J)

	// OnSettle is called once per started job, in completion order
	OnSettle func(job J, result R, err error)

	// Stop is polled before every dispatch, including between dispatches of
	// the same fill. Once it reports true no further jobs are started;
	// in-flight jobs still run to completion.
	Stop func() bool
}

// Stats summarizes a Run
type Stats struct {
	Dispatched  int
	Settled     int
	Skipped     int // jobs never started because of Stop or ctx
	MaxInFlight int
	Stopped     bool
}

type settled[J, R any] struct {
	job    J
	result R
	err    error
}

// Run drains jobs in FIFO order and returns once every started job has
// settled. ctx is handed to Execute; cancelling it stops further dispatch the
// same way Stop does but does not abort jobs already running unless Execute
// itself observes ctx.
func (p *Pool[J, R]) Run(ctx context.Context, jobs []J) Stats {
	limit := p.Concurrency
	if limit < 1 {
		limit = 1
	}

	queue := append([]J(nil), jobs...)
	done := make(chan settled[J, R], limit)
	var stats Stats
	inFlight := 0

	for len(queue) > 0 || inFlight > 0 {
		for len(queue) > 0 && inFlight < limit {
			if p.shouldStop(ctx) {
				stats.Stopped = true
				stats.Skipped = len(queue)
				queue = nil
				break
			}

			job := queue[0]
			queue = queue[1:]

			if p.OnDispatch != nil {
				p.OnDispatch(job)
			}
			inFlight++
			stats.Dispatched++
			if inFlight > stats.MaxInFlight {
				stats.MaxInFlight = inFlight
			}
			go p.execute(ctx, job, done)
		}

		if inFlight == 0 {
			break
		}

		s := <-done
		inFlight--
		stats.Settled++
		if p.OnSettle != nil {
			p.OnSettle(s.job, s.result, s.err)
		}
	}

	return stats
}

func (p *Pool[J, R]) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return p.Stop != nil && p.Stop()
}

func (p *Pool[J, R]) execute(ctx context.Context, job J, done chan<- settled[J, R]) {
	var s settled[J, R]
	s.job = job
	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("%w: %v\n%s", ErrPanicked, r, debug.Stack())
		}
		done <- s
	}()
	s.result, s.err = p.Execute(ctx, job)
}
