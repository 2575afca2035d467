package jobsched

// Host is the deferred-execution primitive a [Scheduler] rides on.
//
// ScheduleMicrotask must arrange for fn to run after the current synchronous
// call stack has unwound, before any later-queued macro-level work, and on
// the same goroutine as every other call into the scheduler.
// [github.com/joeycumines/go-eventloop.Loop] satisfies this interface, see
// also the loophost package.
type Host interface {
	ScheduleMicrotask(fn func()) error
}

// HostFunc adapts a function to the [Host] interface.
type HostFunc func(fn func()) error

var _ Host = HostFunc(nil)

// ScheduleMicrotask calls x(fn).
func (x HostFunc) ScheduleMicrotask(fn func()) error { return x(fn) }
