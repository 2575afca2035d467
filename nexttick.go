package jobsched

// NextTick returns a handle that resolves once the in-flight flush, including
// any post-flush drain, has completed. If no flush is pending, it returns an
// already resolved handle, so continuations chained on it run on the very
// next microtask.
//
// The handle is rejected if the flush is aborted by an error, or discarded by
// [Scheduler.Reset].
func (s *Scheduler) NextTick() *Handle {
	if s.session != nil {
		return s.session
	}
	return s.resolved
}

// NextTickFunc chains fn onto [Scheduler.NextTick], returning a handle that
// settles with the result of fn. A nil fn is equivalent to NextTick.
func (s *Scheduler) NextTickFunc(fn func() (Result, error)) *Handle {
	if fn == nil {
		return s.NextTick()
	}
	return s.NextTick().Then(func(Result) (Result, error) { return fn() })
}

// NextTickOn is [Scheduler.NextTickFunc], with fn bound to an explicit
// receiver.
func NextTickOn[T any](s *Scheduler, receiver T, fn func(T) (Result, error)) *Handle {
	if fn == nil {
		return s.NextTick()
	}
	return s.NextTick().Then(func(Result) (Result, error) { return fn(receiver) })
}
