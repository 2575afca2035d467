package jobsched

import (
	"sync/atomic"
)

var defaultScheduler atomic.Pointer[Scheduler]

// Default returns the process-wide scheduler, or nil if none has been set.
func Default() *Scheduler { return defaultScheduler.Load() }

// SetDefault replaces the process-wide scheduler, returning the previous one.
// A nil s unsets it.
func SetDefault(s *Scheduler) *Scheduler { return defaultScheduler.Swap(s) }

// QueueJob calls [Scheduler.QueueJob] on the [Default] scheduler.
func QueueJob(job *Job) error {
	if s := Default(); s != nil {
		return s.QueueJob(job)
	}
	return ErrNoDefault
}

// QueuePostCallback calls [Scheduler.QueuePostCallback] on the [Default]
// scheduler.
func QueuePostCallback(cb *Job) error {
	if s := Default(); s != nil {
		return s.QueuePostCallback(cb)
	}
	return ErrNoDefault
}

// NextTick calls [Scheduler.NextTick] on the [Default] scheduler, or returns
// a handle rejected with [ErrNoDefault].
func NextTick() *Handle {
	if s := Default(); s != nil {
		return s.NextTick()
	}
	return rejectedHandle(nil, ErrNoDefault)
}

// FlushSync calls [Scheduler.FlushSync] on the [Default] scheduler.
func FlushSync() error {
	if s := Default(); s != nil {
		return s.FlushSync()
	}
	return ErrNoDefault
}
