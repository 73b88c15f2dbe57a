package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gauge tracks the number of concurrent Execute calls
type gauge struct {
	current atomic.Int32
	max     atomic.Int32
}

func (g *gauge) enter() {
	n := g.current.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.current.Add(-1) }

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var g gauge
	jobs := make([]int, 10)
	for i := range jobs {
		jobs[i] = i
	}

	var settledCount int
	p := &Pool[int, int]{
		Concurrency: 2,
		Execute: func(ctx context.Context, job int) (int, error) {
			g.enter()
			defer g.leave()
			time.Sleep(5 * time.Millisecond)
			return job * 2, nil
		},
		OnSettle: func(job, result int, err error) {
			settledCount++
			if result != job*2 {
				t.Errorf("job %d: unexpected result %d", job, result)
			}
		},
	}

	stats := p.Run(context.Background(), jobs)

	if got := g.max.Load(); got > 2 {
		t.Errorf("observed %d concurrent executions, limit is 2", got)
	}
	if stats.MaxInFlight != 2 {
		t.Errorf("expected MaxInFlight 2, got %d", stats.MaxInFlight)
	}
	if stats.Dispatched != 10 || stats.Settled != 10 || settledCount != 10 {
		t.Errorf("unexpected stats %+v (settle callbacks: %d)", stats, settledCount)
	}
}

func TestRunSequentialWhenLimitIsOne(t *testing.T) {
	var order []int
	p := &Pool[int, struct{}]{
		Concurrency: 1,
		Execute: func(ctx context.Context, job int) (struct{}, error) {
			time.Sleep(time.Duration(5-job) * time.Millisecond)
			return struct{}{}, nil
		},
		OnSettle: func(job int, _ struct{}, _ error) {
			order = append(order, job)
		},
	}

	p.Run(context.Background(), []int{0, 1, 2, 3, 4})

	for i, job := range order {
		if job != i {
			t.Fatalf("expected FIFO completion with K=1, got %v", order)
		}
	}
}

func TestRunLimitAboveJobCountStartsEverything(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	release := make(chan struct{})

	p := &Pool[int, int]{
		Concurrency: 10,
		Execute: func(ctx context.Context, job int) (int, error) {
			started.Done()
			<-release
			return job, nil
		},
	}

	finished := make(chan Stats)
	go func() { finished <- p.Run(context.Background(), []int{1, 2, 3}) }()

	started.Wait() // all three must be running at once
	close(release)

	stats := <-finished
	if stats.MaxInFlight != 3 {
		t.Errorf("expected all jobs in flight, got %d", stats.MaxInFlight)
	}
}

func TestRunConvertsPanicsToErrors(t *testing.T) {
	var gotErr error
	p := &Pool[string, int]{
		Concurrency: 2,
		Execute: func(ctx context.Context, job string) (int, error) {
			if job == "bad" {
				panic("kaboom")
			}
			return 1, nil
		},
		OnSettle: func(job string, _ int, err error) {
			if job == "bad" {
				gotErr = err
			} else if err != nil {
				t.Errorf("job %s: unexpected error %v", job, err)
			}
		},
	}

	stats := p.Run(context.Background(), []string{"ok", "bad", "ok2"})

	if !errors.Is(gotErr, ErrPanicked) {
		t.Fatalf("expected ErrPanicked, got %v", gotErr)
	}
	if stats.Settled != 3 {
		t.Errorf("expected all jobs to settle, got %d", stats.Settled)
	}
}

func TestRunStopDrainsInFlight(t *testing.T) {
	var stop atomic.Bool
	var executed []int
	var mu sync.Mutex

	p := &Pool[int, int]{
		Concurrency: 1,
		Execute: func(ctx context.Context, job int) (int, error) {
			mu.Lock()
			executed = append(executed, job)
			mu.Unlock()
			if job == 1 {
				// stop requested while the second job is in flight
				stop.Store(true)
			}
			return job, nil
		},
		Stop: stop.Load,
	}

	stats := p.Run(context.Background(), []int{0, 1, 2, 3, 4})

	if len(executed) != 2 || executed[0] != 0 || executed[1] != 1 {
		t.Errorf("expected only jobs 0 and 1 to run, got %v", executed)
	}
	if !stats.Stopped || stats.Skipped != 3 || stats.Settled != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunContextCancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bothStarted := make(chan struct{})
	p := &Pool[int, int]{
		Concurrency: 2,
		Execute: func(ctx context.Context, job int) (int, error) {
			<-bothStarted
			cancel()
			return job, nil
		},
		OnDispatch: func(job int) {
			if job == 2 {
				close(bothStarted)
			}
		},
	}

	stats := p.Run(ctx, []int{1, 2, 3, 4, 5, 6})

	if stats.Dispatched != 2 {
		t.Errorf("expected only the first two jobs to start, got %d", stats.Dispatched)
	}
	if stats.Skipped != 4 {
		t.Errorf("expected 4 skipped jobs, got %d", stats.Skipped)
	}
}

func TestRunStopIsCheckedWithinAFill(t *testing.T) {
	var stop bool
	var executed atomic.Int32
	p := &Pool[int, int]{
		Concurrency: 3,
		Execute: func(ctx context.Context, job int) (int, error) {
			executed.Add(1)
			return job, nil
		},
		// e.g. the dispatch could not be recorded
		OnDispatch: func(job int) { stop = true },
		Stop:       func() bool { return stop },
	}

	stats := p.Run(context.Background(), []int{0, 1, 2, 3, 4})

	if stats.Dispatched != 1 || executed.Load() != 1 {
		t.Errorf("expected a single dispatch, got %d (executed %d)", stats.Dispatched, executed.Load())
	}
	if !stats.Stopped || stats.Skipped != 4 || stats.Settled != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunEmpty(t *testing.T) {
	p := &Pool[int, int]{
		Execute: func(ctx context.Context, job int) (int, error) { return job, nil },
	}
	stats := p.Run(context.Background(), nil)
	if stats != (Stats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}
