package jobsched

import (
	"slices"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Scheduler batches jobs and post-flush callbacks, and flushes them on the
// next microtask of its [Host].
//
// All methods, with the exception of [Scheduler.Stats], must be called on
// the goroutine that runs the host's microtasks. The zero value is not
// usable, see [New].
type Scheduler struct {
	host          Host
	postFlushHost Host
	logger        *logiface.Logger[logiface.Event]
	errorHandler  ErrorHandler

	// errorLimiter rate limits logging by the default error handler, per job
	errorLimiter *catrate.Limiter

	// queue is sorted ascending by effective id, from cursor+1 onward
	queue         []*Job
	postCallbacks []*Job

	// session is the handle of the pending or running flush, if any
	session *Handle
	// resolved is returned by NextTick while idle
	resolved *Handle

	stats statsCounters

	// generation invalidates flush microtasks scheduled prior to a
	// synchronous flush, or a reset
	generation uint64
	// resets is incremented by Reset, invalidating deferred post-flush drains
	resets uint64

	// cursor is the index of the job being invoked, or -1
	cursor int

	// abortSeen carries the recursion counts of an aborted flush into the
	// flush rescheduled for its leftover post-flush callbacks
	abortSeen map[*Job]int

	recursionLimit int
	recursionCheck bool
	diagnostics    bool
	flushing       bool
	flushPending   bool
	// syncFlush disables error isolation, see FlushSync
	syncFlush bool
}

// Stats is a snapshot of the cumulative counters of a [Scheduler].
type Stats struct {
	// Flushes is the number of flush sessions started, including FlushSync.
	Flushes uint64
	// JobsRun is the number of job invocations that did not fail.
	JobsRun uint64
	// CallbacksRun is the number of post-flush callback invocations that did
	// not fail.
	CallbacksRun uint64
	// Errors is the number of failed job and callback invocations.
	Errors uint64
	// RecursionSkips is the number of invocations skipped, due to the
	// recursion limit.
	RecursionSkips uint64
	// Aborted is the number of flush sessions ended early by an error.
	Aborted uint64
	// Suppressed is the number of errors the default error handler did not
	// log, due to WithErrorLogRateLimit.
	Suppressed uint64
}

type statsCounters struct {
	flushes        atomic.Uint64
	jobsRun        atomic.Uint64
	callbacksRun   atomic.Uint64
	errors         atomic.Uint64
	recursionSkips atomic.Uint64
	aborted        atomic.Uint64
	suppressed     atomic.Uint64
}

// New initializes a Scheduler, which will schedule flushes using host.
func New(host Host, opts ...Option) (*Scheduler, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		host:           host,
		postFlushHost:  cfg.postFlushHost,
		logger:         cfg.logger,
		errorHandler:   cfg.errorHandler,
		errorLimiter:   cfg.errorLimiter,
		resolved:       resolvedHandle(host, nil),
		cursor:         -1,
		recursionLimit: cfg.recursionLimit,
		recursionCheck: cfg.recursionCheck,
		diagnostics:    cfg.diagnostics,
	}
	if s.errorHandler == nil {
		s.errorHandler = s.defaultErrorHandler
	}
	return s, nil
}

// QueueJob enqueues job, to run on the next flush, in ascending order of
// [Job.EffectiveID]. It is a no-op if the job is already queued.
//
// A job queued while a flush is running runs within the same flush.
// It is inserted in id order among the jobs that have not run yet, so a job
// whose id is lower than that of the running job runs next.
//
// An error wrapping [ErrHostRejected] indicates the flush could not be
// scheduled. The job remains queued in that case, and queueing any job
// again, including the same one, retries scheduling the flush.
func (s *Scheduler) QueueJob(job *Job) error {
	if job == nil || job.fn == nil {
		return ErrNilJob
	}
	if job.isQueued() {
		if s.flushing || s.flushPending || !slices.Contains(s.queue, job) {
			return nil
		}
		// stranded by a host rejection
		return s.queueFlush()
	}

	id := job.EffectiveID()
	if n := len(s.queue); n == 0 ||
		// fast path, when the job goes after the tail
		(!job.isPre() && id >= s.queue[n-1].EffectiveID()) {
		s.queue = append(s.queue, job)
	} else {
		s.queue = slices.Insert(s.queue, s.findInsertionIndex(id), job)
	}

	job.markQueued()

	return s.queueFlush()
}

// InvalidateJob removes job from the part of the queue that has not run yet,
// e.g. because its owner was torn down. Jobs that are not queued are ignored.
func (s *Scheduler) InvalidateJob(job *Job) {
	if job == nil {
		return
	}
	for i := s.unprocessedStart(); i < len(s.queue); i++ {
		if s.queue[i] == job {
			s.queue = slices.Delete(s.queue, i, i+1)
			job.clearQueued()
			return
		}
	}
}

// FlushSync drains all queued work immediately, without error isolation.
// It is an escape hatch for tests and diagnostics.
//
// The first error returned by a job (or callback) aborts the flush, and is
// returned as-is. Panics propagate to the caller. In both cases the
// remaining queued jobs are dropped, the same as an aborted asynchronous
// flush. FlushSync returns [ErrReentrantFlush] if called from within a flush.
func (s *Scheduler) FlushSync() error {
	if s.flushing {
		return ErrReentrantFlush
	}
	if s.flushPending {
		// the scheduled microtask will see the generation has changed
		s.flushPending = false
		s.generation++
	}
	return s.flush(true)
}

// Reset discards all queued work, clearing the queued flag of each job, and
// rejects the pending flush handle (if any) with [ErrReset]. It must not be
// called from within a job.
func (s *Scheduler) Reset() {
	s.generation++
	s.resets++
	for _, job := range s.queue {
		job.clearQueued()
	}
	for _, cb := range s.postCallbacks {
		cb.clearQueued()
	}
	s.queue = nil
	s.postCallbacks = nil
	s.abortSeen = nil
	s.cursor = -1
	s.flushing = false
	s.flushPending = false
	s.syncFlush = false
	if s.session != nil {
		session := s.session
		s.session = nil
		session.reject(ErrReset)
	}
}

// IsFlushing reports whether a flush is running.
func (s *Scheduler) IsFlushing() bool { return s.flushing }

// IsFlushPending reports whether a flush has been scheduled, but not started.
func (s *Scheduler) IsFlushPending() bool { return s.flushPending }

// Pending returns the number of queued jobs that have not run yet, and the
// number of queued post-flush callbacks.
func (s *Scheduler) Pending() (jobs, callbacks int) {
	return len(s.queue) - s.unprocessedStart(), len(s.postCallbacks)
}

// Stats returns a snapshot of the counters. It is safe to call from any
// goroutine.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Flushes:        s.stats.flushes.Load(),
		JobsRun:        s.stats.jobsRun.Load(),
		CallbacksRun:   s.stats.callbacksRun.Load(),
		Errors:         s.stats.errors.Load(),
		RecursionSkips: s.stats.recursionSkips.Load(),
		Aborted:        s.stats.aborted.Load(),
		Suppressed:     s.stats.suppressed.Load(),
	}
}

func (s *Scheduler) unprocessedStart() int {
	if s.flushing {
		return s.cursor + 1
	}
	return 0
}

// findInsertionIndex binary searches the unprocessed part of the queue.
// A PRE job sorts before non-PRE jobs with the same id, so watchers run
// ahead of the update of the same owner, and may be skipped if the owner is
// torn down by an earlier update.
func (s *Scheduler) findInsertionIndex(id int64) int {
	start := s.unprocessedStart()
	end := len(s.queue)
	for start < end {
		middle := int(uint(start+end) >> 1)
		middleJob := s.queue[middle]
		middleJobID := middleJob.EffectiveID()
		if middleJobID < id || (middleJobID == id && middleJob.isPre()) {
			start = middle + 1
		} else {
			end = middle
		}
	}
	return start
}

func (s *Scheduler) queueFlush() error {
	if s.flushing || s.flushPending {
		return nil
	}

	s.flushPending = true
	if s.session == nil {
		s.session = newHandle(s.host)
	}
	s.generation++
	generation := s.generation

	if err := s.host.ScheduleMicrotask(func() { s.runScheduledFlush(generation) }); err != nil {
		s.flushPending = false
		session := s.session
		s.session = nil
		err = wrapHostError(err)
		s.logger.Warning().
			Err(err).
			Log(`jobsched: failed to schedule flush`)
		session.reject(err)
		return err
	}

	return nil
}

func (s *Scheduler) runScheduledFlush(generation uint64) {
	if generation != s.generation || !s.flushPending {
		return
	}
	s.flushPending = false
	_ = s.flush(false)
}

// flush runs a flush session, returning the error that aborted it, if any.
func (s *Scheduler) flush(sync bool) (err error) {
	s.flushing = true
	s.syncFlush = sync
	if s.session == nil {
		s.session = newHandle(s.host)
	}
	session := s.session

	seen := s.abortSeen
	s.abortSeen = nil
	if seen == nil && s.recursionCheck {
		seen = make(map[*Job]int)
	}

	s.stats.flushes.Add(1)
	s.logger.Debug().
		Int(`jobs`, len(s.queue)).
		Int(`callbacks`, len(s.postCallbacks)).
		Bool(`sync`, sync).
		Log(`jobsched: flush started`)

	var deferred []*Job
	completed := false
	defer func() {
		if !completed {
			// panicking, e.g. a job under FlushSync
			r := recover()
			s.finishFlush(session, nil, nil, PanicError{Value: r})
			panic(r)
		}
	}()

	for {
		if err = s.runJobs(seen); err != nil {
			break
		}
		if len(s.postCallbacks) == 0 {
			break
		}
		if s.postFlushHost != nil && !sync {
			deferred = s.takePostCallbacks()
			break
		}
		if err = s.runPostCallbacks(s.takePostCallbacks(), seen); err != nil {
			break
		}
		if len(s.queue) == 0 && len(s.postCallbacks) == 0 {
			break
		}
	}

	completed = true
	s.finishFlush(session, deferred, seen, err)
	return err
}

// runJobs drains the job queue. Jobs queued meanwhile are inserted after the
// cursor, and so are picked up by the same pass.
func (s *Scheduler) runJobs(seen map[*Job]int) error {
	for s.cursor = 0; s.cursor < len(s.queue); s.cursor++ {
		job := s.queue[s.cursor]
		if job.Disposed() {
			job.clearQueued()
			continue
		}
		if seen != nil && s.checkRecursiveUpdates(seen, job) {
			continue
		}
		err := s.invoke(job, false)
		job.clearQueued()
		if err != nil {
			return err
		}
	}
	clear(s.queue)
	s.queue = s.queue[:0]
	s.cursor = -1
	return nil
}

// finishFlush ends the flush session, settling its handle, unless deferred
// post-flush callbacks remain, in which case the handle is settled after
// they have run.
func (s *Scheduler) finishFlush(session *Handle, deferred []*Job, seen map[*Job]int, err error) {
	// anything left in the queue was dropped by an aborted flush
	for _, job := range s.queue {
		job.clearQueued()
	}
	clear(s.queue)
	s.queue = s.queue[:0]
	s.cursor = -1
	s.flushing = false
	s.syncFlush = false
	if s.session == session {
		s.session = nil
	}

	if err != nil {
		s.stats.aborted.Add(1)
		s.logger.Debug().
			Err(err).
			Log(`jobsched: flush aborted`)
		session.reject(err)
		if len(s.postCallbacks) != 0 {
			// callbacks queued prior to the abort must not be stranded, but a
			// callback that keeps failing must still hit the recursion limit
			s.abortSeen = seen
			if s.queueFlush() != nil {
				s.abortSeen = nil
			}
		}
		return
	}

	if len(deferred) != 0 {
		s.deferPostCallbacks(session, deferred, seen)
		return
	}

	s.logger.Debug().Log(`jobsched: flush completed`)
	session.resolve(nil)
}

func (s *Scheduler) checkRecursiveUpdates(seen map[*Job]int, job *Job) bool {
	count, ok := seen[job]
	if !ok {
		seen[job] = 1
		return false
	}
	if count > s.recursionLimit {
		s.stats.recursionSkips.Add(1)
		job.clearQueued()
		_ = s.errorHandler(
			&RecursionLimitError{Job: job, Owner: job.owner, Limit: s.recursionLimit},
			ErrorInfo{Job: job, Owner: job.owner, Source: SourceAppErrorHandler},
		)
		return true
	}
	seen[job] = count + 1
	return false
}

// invoke runs job, returning a non-nil error only if the flush must abort.
func (s *Scheduler) invoke(job *Job, post bool) error {
	if s.syncFlush {
		if err := job.fn(); err != nil {
			s.stats.errors.Add(1)
			return err
		}
	} else if err := callJob(job.fn); err != nil {
		s.stats.errors.Add(1)
		return s.errorHandler(err, ErrorInfo{Job: job, Owner: job.owner, Source: job.source(post)})
	}
	if post {
		s.stats.callbacksRun.Add(1)
	} else {
		s.stats.jobsRun.Add(1)
	}
	return nil
}

func (s *Scheduler) defaultErrorHandler(err error, info ErrorInfo) error {
	if _, ok := s.errorLimiter.Allow(info.Job); !ok {
		s.stats.suppressed.Add(1)
	} else {
		s.logError(err, info)
	}
	if s.diagnostics {
		return err
	}
	return nil
}

func (s *Scheduler) logError(err error, info ErrorInfo) {
	s.logger.Err().
		Err(err).
		Str(`source`, info.Source).
		Call(func(b *logiface.Builder[logiface.Event]) {
			if info.Owner != nil {
				b.Stringer(`owner`, info.Owner)
			}
		}).
		Log(`jobsched: unhandled error during execution of ` + info.Source)
}

func callJob(fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return fn()
}
