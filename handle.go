package jobsched

import (
	"context"
	"sync/atomic"
)

// Result is the value of a settled [Handle].
type Result = any

// HandleState is the lifecycle state of a [Handle]. A handle starts
// [Pending], and transitions once, to either [Resolved] or [Rejected].
type HandleState int32

const (
	// Pending indicates the handle has not settled yet.
	Pending HandleState = iota

	// Resolved indicates the handle completed successfully.
	Resolved

	// Rejected indicates the handle failed, see [Handle.Err].
	Rejected
)

func (x HandleState) String() string {
	switch x {
	case Pending:
		return `pending`
	case Resolved:
		return `resolved`
	case Rejected:
		return `rejected`
	default:
		return `unknown`
	}
}

// Handle is a promise-like future, used to await the completion of a flush,
// see [Scheduler.NextTick].
//
// Continuations attached via [Handle.Then] always run on a host microtask,
// never synchronously. Then and Catch must be called on the scheduler
// goroutine. State, Done, Wait, Value and Err are safe to call from any
// goroutine.
type Handle struct {
	host      Host
	value     Result
	err       error
	done      chan struct{}
	reactions []func()
	state     atomic.Int32
}

func newHandle(host Host) *Handle {
	return &Handle{
		host: host,
		done: make(chan struct{}),
	}
}

func resolvedHandle(host Host, value Result) *Handle {
	h := newHandle(host)
	h.resolve(value)
	return h
}

func rejectedHandle(host Host, err error) *Handle {
	h := newHandle(host)
	h.reject(err)
	return h
}

// State returns the current state.
func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

// Done returns a channel that is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Value returns the resolved value, or nil if the handle is not resolved.
func (h *Handle) Value() Result {
	if h.State() == Resolved {
		return h.value
	}
	return nil
}

// Err returns the rejection reason, or nil if the handle is not rejected.
func (h *Handle) Err() error {
	if h.State() == Rejected {
		return h.err
	}
	return nil
}

// Wait blocks until the handle settles, or ctx is done.
//
// WARNING: Calling Wait on the scheduler goroutine will deadlock, unless the
// handle has already settled.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then returns a new handle that settles with the result of fn, which is
// called on a host microtask after h resolves. If h is rejected, fn is not
// called, and the returned handle is rejected with the same error. A nil fn
// passes the value through.
//
// If fn returns a *Handle, the returned handle adopts its eventual state.
func (h *Handle) Then(fn func(Result) (Result, error)) *Handle {
	return h.chain(fn, nil)
}

// Catch is the counterpart of [Handle.Then], for rejections. If h resolves,
// the value passes through.
func (h *Handle) Catch(fn func(error) (Result, error)) *Handle {
	return h.chain(nil, fn)
}

// ThenCatch combines [Handle.Then] and [Handle.Catch], calling exactly one of
// onResolved or onRejected. Either may be nil.
func (h *Handle) ThenCatch(onResolved func(Result) (Result, error), onRejected func(error) (Result, error)) *Handle {
	return h.chain(onResolved, onRejected)
}

func (h *Handle) chain(onResolved func(Result) (Result, error), onRejected func(error) (Result, error)) *Handle {
	next := newHandle(h.host)
	h.onSettle(func() {
		task := func() {
			if h.State() == Rejected {
				if onRejected == nil {
					next.reject(h.err)
					return
				}
				next.settle(callContinuation(func() (Result, error) { return onRejected(h.err) }))
				return
			}
			if onResolved == nil {
				next.resolve(h.value)
				return
			}
			next.settle(callContinuation(func() (Result, error) { return onResolved(h.value) }))
		}
		if h.host == nil {
			task()
			return
		}
		if err := h.host.ScheduleMicrotask(task); err != nil {
			next.reject(wrapHostError(err))
		}
	})
	return next
}

// onSettle calls fn once h has settled, synchronously if it already has.
func (h *Handle) onSettle(fn func()) {
	if h.State() == Pending {
		h.reactions = append(h.reactions, fn)
		return
	}
	fn()
}

func (h *Handle) settle(value Result, err error) {
	if err != nil {
		h.reject(err)
		return
	}
	if other, ok := value.(*Handle); ok && other != nil {
		if other == h {
			h.reject(ErrHandleCycle)
			return
		}
		other.onSettle(func() {
			if other.State() == Rejected {
				h.reject(other.err)
			} else {
				h.resolve(other.value)
			}
		})
		return
	}
	h.resolve(value)
}

func (h *Handle) resolve(value Result) {
	if h.State() != Pending {
		return
	}
	h.value = value
	h.state.Store(int32(Resolved))
	h.finish()
}

func (h *Handle) reject(err error) {
	if h.State() != Pending {
		return
	}
	h.err = err
	h.state.Store(int32(Rejected))
	h.finish()
}

func (h *Handle) finish() {
	close(h.done)
	reactions := h.reactions
	h.reactions = nil
	for _, fn := range reactions {
		fn()
	}
}

func callContinuation(fn func() (Result, error)) (value Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, PanicError{Value: r}
		}
	}()
	return fn()
}
