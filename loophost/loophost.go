// Package loophost runs a [jobsched.Scheduler] on an event loop, such as
// [eventloop.Loop].
//
// Jobs are flushed on the loop's microtask queue. Optionally, post-flush
// callbacks may be drained on the loop's (external) task queue instead, see
// [WithSubmitPostFlush], which approximates a host that drains them after
// it has rendered.
//
// All interaction with the scheduler must happen on the loop goroutine. [Do]
// and [Await] bridge from other goroutines.
package loophost

import (
	"context"
	"errors"

	eventloop "github.com/joeycumines/go-eventloop"
	jobsched "github.com/joeycumines/go-jobsched"
)

// Loop is the subset of the event loop API used by this package.
type Loop interface {
	// ScheduleMicrotask queues fn to run after the current task, before the
	// next one.
	ScheduleMicrotask(fn func()) error

	// Submit queues fn as a task, and may be called from any goroutine.
	Submit(fn func()) error
}

var _ Loop = (*eventloop.Loop)(nil)

// ErrNilLoop is returned when a nil Loop is provided.
var ErrNilLoop = errors.New("loophost: loop must not be nil")

// New initializes a scheduler, which flushes on the microtask queue of loop.
func New(loop Loop, opts ...jobsched.Option) (*jobsched.Scheduler, error) {
	if loop == nil {
		return nil, ErrNilLoop
	}
	return jobsched.New(loop, opts...)
}

// WithSubmitPostFlush configures the scheduler to drain post-flush callbacks
// as a separate task, submitted to loop, after the jobs of each flush.
func WithSubmitPostFlush(loop Loop) jobsched.Option {
	if loop == nil {
		return nil
	}
	return jobsched.WithPostFlushHost(jobsched.HostFunc(loop.Submit))
}

// Do runs fn on the loop, blocking until it returns, or ctx is done.
//
// WARNING: Calling Do from the loop goroutine will deadlock.
func Do(ctx context.Context, loop Loop, fn func() error) error {
	if loop == nil {
		return ErrNilLoop
	}
	result := make(chan error, 1)
	if err := loop.Submit(func() { result <- callFunc(fn) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await runs fn on the loop, then waits for the handle it returns to settle,
// e.g. the handle returned by [jobsched.Scheduler.NextTick].
//
// WARNING: Calling Await from the loop goroutine will deadlock.
func Await(ctx context.Context, loop Loop, fn func() *jobsched.Handle) (jobsched.Result, error) {
	var h *jobsched.Handle
	if err := Do(ctx, loop, func() error {
		h = fn()
		return nil
	}); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return h.Wait(ctx)
}

func callFunc(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = jobsched.PanicError{Value: r}
		}
	}()
	return fn()
}
