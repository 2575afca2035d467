package jobsched

import (
	"cmp"
	"slices"
)

// QueuePostCallback enqueues cb to run after the jobs of the next flush.
// It is a no-op if the callback is already queued, except that queueing a
// callback left queued by an [ErrHostRejected] failure retries scheduling.
//
// Callbacks are deduplicated and sorted by [Job.EffectiveID] when drained,
// not when queued. A callback queued while callbacks are being drained runs
// on the next drain.
func (s *Scheduler) QueuePostCallback(cb *Job) error {
	if cb == nil || cb.fn == nil {
		return ErrNilJob
	}
	if cb.isQueued() {
		if s.flushing || s.flushPending || !slices.Contains(s.postCallbacks, cb) {
			return nil
		}
		// stranded by a host rejection
		return s.queueFlush()
	}
	s.postCallbacks = append(s.postCallbacks, cb)
	cb.markQueued()
	return s.queueFlush()
}

// takePostCallbacks swaps out the pending list, returning it deduplicated
// and stable sorted by effective id.
func (s *Scheduler) takePostCallbacks() []*Job {
	cbs := s.postCallbacks
	s.postCallbacks = nil
	if len(cbs) == 0 {
		return nil
	}
	seen := make(map[*Job]struct{}, len(cbs))
	cbs = slices.DeleteFunc(cbs, func(cb *Job) bool {
		if _, ok := seen[cb]; ok {
			return true
		}
		seen[cb] = struct{}{}
		return false
	})
	slices.SortStableFunc(cbs, func(a, b *Job) int {
		return cmp.Compare(a.EffectiveID(), b.EffectiveID())
	})
	return cbs
}

func (s *Scheduler) runPostCallbacks(cbs []*Job, seen map[*Job]int) error {
	i := 0
	defer func() {
		// unreached callbacks, after an abort
		for ; i < len(cbs); i++ {
			cbs[i].clearQueued()
		}
	}()
	for ; i < len(cbs); i++ {
		cb := cbs[i]
		if cb.Disposed() {
			cb.clearQueued()
			continue
		}
		if seen != nil && s.checkRecursiveUpdates(seen, cb) {
			continue
		}
		err := s.invoke(cb, true)
		cb.clearQueued()
		if err != nil {
			return err
		}
	}
	return nil
}

// deferPostCallbacks drains cbs on the post-flush host, then settles the
// session. The flush itself has already ended, so anything queued by the
// callbacks starts a new flush.
func (s *Scheduler) deferPostCallbacks(session *Handle, cbs []*Job, seen map[*Job]int) {
	resets := s.resets
	drain := func() {
		if resets != s.resets {
			for _, cb := range cbs {
				cb.clearQueued()
			}
			session.reject(ErrReset)
			return
		}
		if err := s.runPostCallbacks(cbs, seen); err != nil {
			s.stats.aborted.Add(1)
			s.logger.Debug().
				Err(err).
				Log(`jobsched: post flush aborted`)
			session.reject(err)
			return
		}
		s.logger.Debug().Log(`jobsched: flush completed`)
		session.resolve(nil)
	}
	if err := s.postFlushHost.ScheduleMicrotask(drain); err != nil {
		s.logger.Warning().
			Err(wrapHostError(err)).
			Int(`callbacks`, len(cbs)).
			Log(`jobsched: failed to defer post flush, draining inline`)
		drain()
	}
}
