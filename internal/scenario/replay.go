package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	jobsched "github.com/joeycumines/go-jobsched"
	"github.com/joeycumines/go-jobsched/microtask"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxTicks is the default value of Replayer.MaxTicks.
	DefaultMaxTicks = 1000
	// DefaultMaxMicrotasks is the default value of Replayer.MaxMicrotasks.
	DefaultMaxMicrotasks = 10000
)

// ErrNotSettled indicates a scenario was still producing work after the
// maximum number of ticks, or microtasks within a tick.
var ErrNotSettled = errors.New(`scenario: did not settle`)

type (
	// Replayer runs scenarios on a scheduler driven by manually drained
	// microtask queues. Recursion checking is always enabled, which bounds
	// the work of each flush.
	Replayer struct {
		Logger *logiface.Logger[logiface.Event]
		// MaxTicks bounds the number of ticks, each of which drains the
		// microtask queue, then runs at most one deferred post-flush drain.
		// Defaults to DefaultMaxTicks if 0.
		MaxTicks int
		// MaxMicrotasks bounds the number of microtasks run within a tick.
		// Defaults to DefaultMaxMicrotasks if 0.
		MaxMicrotasks int
	}

	// Result is the outcome of a replay.
	Result struct {
		Name  string
		Trace []string
		Stats jobsched.Stats
	}

	owner string

	replay struct {
		sc       *Scenario
		logger   *logiface.Logger[logiface.Event]
		sched    *jobsched.Scheduler
		res      *Result
		defs     map[string]*Job
		jobs     map[string]*jobsched.Job
		names    map[*jobsched.Job]string
		runs     map[string]int
		reported map[*jobsched.Handle]struct{}
	}
)

func (x owner) String() string { return string(x) }

// Replay runs sc to completion, returning the trace. A non-nil result is
// returned alongside ErrNotSettled, or a context error.
func (x *Replayer) Replay(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	var q, post microtask.Queue
	r := &replay{
		sc:       sc,
		logger:   x.Logger,
		res:      &Result{Name: sc.Name},
		defs:     make(map[string]*Job, len(sc.Jobs)),
		jobs:     make(map[string]*jobsched.Job, len(sc.Jobs)),
		names:    make(map[*jobsched.Job]string, len(sc.Jobs)),
		runs:     make(map[string]int, len(sc.Jobs)),
		reported: make(map[*jobsched.Handle]struct{}),
	}

	opts := []jobsched.Option{
		jobsched.WithLogger(x.Logger),
		jobsched.WithDiagnostics(sc.Diagnostics),
		jobsched.WithRecursionCheck(true),
		jobsched.WithErrorHandler(r.handleError),
	}
	if sc.RecursionLimit != 0 {
		opts = append(opts, jobsched.WithRecursionLimit(sc.RecursionLimit))
	}
	if sc.DeferPostFlush {
		opts = append(opts, jobsched.WithPostFlushHost(&post))
	}
	sched, err := jobsched.New(&q, opts...)
	if err != nil {
		return nil, err
	}
	r.sched = sched

	for _, def := range sc.Jobs {
		r.defs[def.Name] = def
		job := r.newJob(def)
		r.jobs[def.Name] = job
		r.names[job] = def.Name
	}

	for _, name := range sc.Initial {
		if err := r.enqueue(name); err != nil {
			return nil, err
		}
	}

	maxTicks := x.MaxTicks
	if maxTicks <= 0 {
		maxTicks = DefaultMaxTicks
	}
	maxMicrotasks := x.MaxMicrotasks
	if maxMicrotasks <= 0 {
		maxMicrotasks = DefaultMaxMicrotasks
	}

	for tick := 0; q.Len() != 0 || post.Len() != 0; tick++ {
		if tick >= maxTicks {
			r.finish()
			return r.res, fmt.Errorf(`%w: %q: after %d ticks`, ErrNotSettled, sc.Name, tick)
		}
		if err := ctx.Err(); err != nil {
			r.finish()
			return r.res, err
		}

		x.Logger.Debug().
			Str(`scenario`, sc.Name).
			Int(`tick`, tick).
			Int(`microtasks`, q.Len()).
			Log(`scenario: tick`)

		h := sched.NextTick()
		for n := 0; q.Len() != 0; n++ {
			if n >= maxMicrotasks {
				r.checkAbort(h)
				r.finish()
				return r.res, fmt.Errorf(`%w: %q: after %d microtasks in tick %d`, ErrNotSettled, sc.Name, n, tick)
			}
			q.RunOnce()
		}
		r.checkAbort(h)

		if post.Len() != 0 {
			r.trace(`-- post flush tick`)
			post.RunOnce()
			r.checkAbort(h)
		}
	}

	r.finish()
	return r.res, nil
}

// WriteTo writes the trace, with a header line, implementing io.WriterTo.
func (x *Result) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString(`=== `)
	b.WriteString(x.Name)
	b.WriteByte('\n')
	for _, line := range x.Trace {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Write writes each result, separated by blank lines.
func Write(w io.Writer, results []*Result) error {
	for i, res := range results {
		if i != 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := res.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (r *replay) newJob(def *Job) *jobsched.Job {
	var opts []jobsched.JobOption
	if def.ID != nil {
		opts = append(opts, jobsched.WithID(*def.ID))
	}
	if def.Pre {
		opts = append(opts, jobsched.WithPre())
	}
	if def.AllowRecurse {
		opts = append(opts, jobsched.WithAllowRecurse())
	}
	if def.Owner != `` {
		opts = append(opts, jobsched.WithOwner(owner(def.Owner)))
	}
	return jobsched.NewJob(func() error { return r.run(def) }, opts...)
}

func (r *replay) run(def *Job) error {
	r.runs[def.Name]++
	r.trace(`run %s`, def.Name)
	if def.performs(r.runs[def.Name]) {
		for _, name := range def.Disposes {
			r.jobs[name].Dispose()
		}
		for _, name := range def.Invalidates {
			r.sched.InvalidateJob(r.jobs[name])
		}
		for _, name := range def.Queues {
			if err := r.enqueue(name); err != nil {
				return err
			}
		}
	}
	if def.Fail != `` {
		return errors.New(def.Fail)
	}
	return nil
}

func (r *replay) enqueue(name string) error {
	if r.defs[name].Kind == KindPost {
		return r.sched.QueuePostCallback(r.jobs[name])
	}
	return r.sched.QueueJob(r.jobs[name])
}

func (r *replay) handleError(err error, info jobsched.ErrorInfo) error {
	name := r.names[info.Job]
	var limitErr *jobsched.RecursionLimitError
	if errors.As(err, &limitErr) {
		r.trace(`skip %s: recursion limit`, name)
		r.logger.Warning().
			Str(`job`, name).
			Int(`limit`, limitErr.Limit).
			Log(`scenario: recursion limit exceeded`)
		return nil
	}
	r.trace(`error %s: %v`, name, err)
	r.logger.Err().
		Err(err).
		Str(`job`, name).
		Str(`source`, info.Source).
		Log(`scenario: job failed`)
	if r.sc.Diagnostics {
		return err
	}
	return nil
}

func (r *replay) checkAbort(h *jobsched.Handle) {
	if h.State() != jobsched.Rejected {
		return
	}
	if _, ok := r.reported[h]; ok {
		return
	}
	r.reported[h] = struct{}{}
	r.trace(`abort: %v`, h.Err())
}

func (r *replay) finish() {
	s := r.sched.Stats()
	r.res.Stats = s
	r.trace(`stats flushes=%d jobs=%d callbacks=%d errors=%d skips=%d aborted=%d`,
		s.Flushes, s.JobsRun, s.CallbacksRun, s.Errors, s.RecursionSkips, s.Aborted)
}

func (r *replay) trace(format string, args ...any) {
	r.res.Trace = append(r.res.Trace, fmt.Sprintf(format, args...))
}
