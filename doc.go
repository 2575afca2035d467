// Package jobsched implements a cooperative job scheduler, which batches and
// orders the side effects of a reactive system, flushing them on microtask
// boundaries.
//
// # Architecture
//
// A [Scheduler] owns a job queue, sorted by [Job.EffectiveID], and a separate
// list of post-flush callbacks. Producers call [Scheduler.QueueJob] and
// [Scheduler.QueuePostCallback] synchronously, any number of times per tick.
// The first call schedules exactly one flush, on the next microtask of the
// [Host]. The flush drains the job queue in order, then the post-flush
// callbacks, repeating until both are empty.
//
// Jobs queued while a flush is running are inserted into the unprocessed part
// of the queue, and so run within the same flush. Post-flush callbacks queued
// while callbacks are draining run on the next drain.
//
// # Ordering
//
// Lower ids run first. A job flagged [FlagPre] runs before a non-PRE job that
// has the same id. A job without an id sorts at -1 if it is a PRE job, and
// after every other job otherwise, which degenerates to insertion order for
// hosts that never assign ids.
//
// # Recursion
//
// A job is marked [FlagQueued] while pending, which both deduplicates
// enqueues, and prevents a running job from re-enqueueing itself. Jobs
// flagged [FlagAllowRecurse] are exempt. Enabling [WithRecursionCheck] (or
// [WithDiagnostics]) counts invocations per job within each flush, skipping
// and reporting a [*RecursionLimitError] once a job exceeds the limit.
//
// # Errors
//
// Jobs are isolated: an error or panic is passed to the [ErrorHandler], and
// the flush continues with the next job, unless the handler returns an error.
// [Scheduler.FlushSync] disables isolation entirely. The default handler logs
// each error, optionally rate limited per job, see [WithErrorLogRateLimit].
//
// # Thread Safety
//
// The scheduler is single threaded. Every method must be called on the
// goroutine that runs the host's microtasks, except for [Scheduler.Stats] and
// the read-only [Handle] methods documented as safe.
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sched, err := jobsched.New(loop)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loop.Submit(func() {
//	    _ = sched.QueueJob(jobsched.NewJob(render, jobsched.WithID(1)))
//	    sched.NextTickFunc(func() (jobsched.Result, error) {
//	        return nil, loop.Shutdown(context.Background())
//	    })
//	})
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package jobsched
