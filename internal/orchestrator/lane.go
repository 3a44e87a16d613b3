package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// lane runs submitted work one at a time, system-wide. Waiters are served in
// the order they reach the semaphore.
type lane struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newLane() *lane {
	return &lane{sem: semaphore.NewWeighted(1)}
}

const (
	futurePending int32 = iota
	futureRunning
	futureDone
	futureCanceled
)

// future is one queued run of a job's execution loop.
type future struct {
	cancel context.CancelFunc
	start  chan struct{}
	once   sync.Once
	done   chan struct{}
	state  atomic.Int32
}

// submit queues fn. fn does not run until begin is called and the lane is
// free. The context handed to the semaphore is only used to abandon the wait;
// a running fn is never interrupted by Cancel.
func (l *lane) submit(fn func(f *future)) *future {
	ctx, cancel := context.WithCancel(context.Background())
	f := &future{
		cancel: cancel,
		start:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(f.done)
		defer cancel()

		select {
		case <-f.start:
		case <-ctx.Done():
			return
		}
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer l.sem.Release(1)
		if !f.state.CompareAndSwap(futurePending, futureRunning) {
			return
		}
		defer f.state.Store(futureDone)
		fn(f)
	}()
	return f
}

// wait blocks until every submitted future has finished or ctx is done.
func (l *lane) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin releases the future to compete for the lane.
func (f *future) begin() {
	f.once.Do(func() { close(f.start) })
}

// Cancel stops a future that has not started running. It reports whether the
// future will never run.
func (f *future) Cancel() bool {
	if f.state.CompareAndSwap(futurePending, futureCanceled) {
		f.cancel()
		return true
	}
	return f.state.Load() == futureCanceled
}

// Running reports whether fn is executing.
func (f *future) Running() bool {
	return f.state.Load() == futureRunning
}

// Done is closed when the future's goroutine exits.
func (f *future) Done() <-chan struct{} {
	return f.done
}
