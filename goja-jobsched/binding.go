// Package gojajobsched exposes a [jobsched.Scheduler] to a Goja JavaScript
// runtime.
//
// # Binding
//
//	var q microtask.Queue
//	sched, err := jobsched.New(&q)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	runtime := goja.New()
//	binding, err := gojajobsched.New(runtime, sched)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := binding.Bind(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Available JavaScript Globals
//
//   - queueJob(fn, options?) → undefined : Enqueue fn as a job
//   - queuePostFlushCb(fn, options?) → undefined : Enqueue fn as a post-flush callback
//   - nextTick(fn?) → thenable : Resolves after the in-flight flush, honours this
//   - flushJobs() → undefined : Flush synchronously, rethrowing the first error
//   - invalidateJob(fn) → undefined : Remove a queued job
//   - SchedulerJobFlags : {QUEUED, PRE, ALLOW_RECURSE, DISPOSED}
//
// A JS function is identified as a job by the function object itself. Its
// ordering id and flags are read from the `id` and `flags` properties of the
// function, unless provided via options, `{id, pre, allowRecurse}`.
//
// # Thread Safety
//
// The Goja runtime is not thread-safe. All calls, including draining the
// scheduler's host, must happen on the one goroutine.
package gojajobsched

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	jobsched "github.com/joeycumines/go-jobsched"
)

// Binding installs scheduler functions into a Goja runtime.
type Binding struct {
	runtime *goja.Runtime
	sched   *jobsched.Scheduler
	// jobKey is the hidden property that associates a *jobsched.Job with
	// its function object
	jobKey *goja.Symbol
}

// New creates a Binding for the given runtime and scheduler.
func New(runtime *goja.Runtime, sched *jobsched.Scheduler) (*Binding, error) {
	if runtime == nil {
		return nil, errors.New("gojajobsched: runtime cannot be nil")
	}
	if sched == nil {
		return nil, errors.New("gojajobsched: scheduler cannot be nil")
	}
	return &Binding{
		runtime: runtime,
		sched:   sched,
		jobKey:  goja.NewSymbol(`jobsched.job`),
	}, nil
}

// Runtime returns the Goja runtime.
func (b *Binding) Runtime() *goja.Runtime { return b.runtime }

// Scheduler returns the scheduler.
func (b *Binding) Scheduler() *jobsched.Scheduler { return b.sched }

// Bind sets the globals listed in the package documentation.
func (b *Binding) Bind() error {
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		`queueJob`:         b.queueJob,
		`queuePostFlushCb`: b.queuePostFlushCb,
		`nextTick`:         b.nextTick,
		`flushJobs`:        b.flushJobs,
		`invalidateJob`:    b.invalidateJob,
	} {
		if err := b.runtime.Set(name, fn); err != nil {
			return fmt.Errorf("gojajobsched: failed to bind %s: %w", name, err)
		}
	}

	flags := b.runtime.NewObject()
	for name, flag := range map[string]jobsched.JobFlags{
		`QUEUED`:        jobsched.FlagQueued,
		`PRE`:           jobsched.FlagPre,
		`ALLOW_RECURSE`: jobsched.FlagAllowRecurse,
		`DISPOSED`:      jobsched.FlagDisposed,
	} {
		if err := flags.Set(name, int64(flag)); err != nil {
			return err
		}
	}
	if err := b.runtime.Set(`SchedulerJobFlags`, flags); err != nil {
		return fmt.Errorf("gojajobsched: failed to bind SchedulerJobFlags: %w", err)
	}

	return nil
}

func (b *Binding) queueJob(call goja.FunctionCall) goja.Value {
	job := b.jobArgument(`queueJob`, call)
	if err := b.sched.QueueJob(job); err != nil {
		panic(b.runtime.NewGoError(err))
	}
	return goja.Undefined()
}

func (b *Binding) queuePostFlushCb(call goja.FunctionCall) goja.Value {
	job := b.jobArgument(`queuePostFlushCb`, call)
	if err := b.sched.QueuePostCallback(job); err != nil {
		panic(b.runtime.NewGoError(err))
	}
	return goja.Undefined()
}

func (b *Binding) nextTick(call goja.FunctionCall) goja.Value {
	fn := call.Argument(0)
	if isNullish(fn) {
		return b.thenable(b.sched.NextTick())
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		panic(b.runtime.NewTypeError("nextTick requires a function as first argument"))
	}
	this := call.This
	if this == nil {
		this = goja.Undefined()
	}
	return b.thenable(b.sched.NextTickFunc(func() (jobsched.Result, error) {
		v, err := callable(this)
		if err != nil {
			return nil, err
		}
		return v, nil
	}))
}

func (b *Binding) flushJobs(call goja.FunctionCall) goja.Value {
	if err := b.sched.FlushSync(); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

func (b *Binding) invalidateJob(call goja.FunctionCall) goja.Value {
	if obj, ok := call.Argument(0).(*goja.Object); ok {
		if job := b.lookupJob(obj); job != nil {
			b.sched.InvalidateJob(job)
		}
	}
	return goja.Undefined()
}

// jobArgument returns the job for the function passed as the first argument,
// creating it on first use, then applies the id and flags.
func (b *Binding) jobArgument(name string, call goja.FunctionCall) *jobsched.Job {
	fn := call.Argument(0)
	obj, _ := fn.(*goja.Object)
	callable, ok := goja.AssertFunction(fn)
	if obj == nil || !ok {
		panic(b.runtime.NewTypeError(name + " requires a function as first argument"))
	}

	job := b.lookupJob(obj)
	if job == nil {
		job = jobsched.NewJob(func() error {
			_, err := callable(goja.Undefined())
			return err
		})
		if err := obj.SetSymbol(b.jobKey, job); err != nil {
			panic(b.runtime.NewTypeError(name + " requires an extensible function: " + err.Error()))
		}
	}

	if !job.Flags().Has(jobsched.FlagQueued) {
		b.configureJob(job, obj, call.Argument(1))
	}

	return job
}

func (b *Binding) lookupJob(obj *goja.Object) *jobsched.Job {
	v := obj.GetSymbol(b.jobKey)
	if isNullish(v) {
		return nil
	}
	job, _ := v.Export().(*jobsched.Job)
	return job
}

// configureJob syncs the job with the `id` and `flags` properties of the
// function, then applies options, which take precedence.
func (b *Binding) configureJob(job *jobsched.Job, fn *goja.Object, options goja.Value) {
	if id := fn.Get(`id`); isNullish(id) {
		job.ClearID()
	} else {
		job.SetID(id.ToInteger())
	}

	var flags jobsched.JobFlags
	if v := fn.Get(`flags`); !isNullish(v) {
		flags = jobsched.JobFlags(v.ToInteger())
	}
	pre := flags.Has(jobsched.FlagPre)
	allowRecurse := flags.Has(jobsched.FlagAllowRecurse)

	if !isNullish(options) {
		opts := options.ToObject(b.runtime)
		if v := opts.Get(`id`); !isNullish(v) {
			job.SetID(v.ToInteger())
		}
		if v := opts.Get(`pre`); !isNullish(v) {
			pre = v.ToBoolean()
		}
		if v := opts.Get(`allowRecurse`); !isNullish(v) {
			allowRecurse = v.ToBoolean()
		}
	}

	job.SetPre(pre)
	job.SetAllowRecurse(allowRecurse)
	if flags.Has(jobsched.FlagDisposed) {
		job.Dispose()
	}
}

// thenable wraps h as an object with then and catch methods.
func (b *Binding) thenable(h *jobsched.Handle) *goja.Object {
	obj := b.runtime.NewObject()
	_ = obj.Set(`then`, func(call goja.FunctionCall) goja.Value {
		return b.thenable(h.ThenCatch(
			b.onResolved(call.Argument(0)),
			b.onRejected(call.Argument(1)),
		))
	})
	_ = obj.Set(`catch`, func(call goja.FunctionCall) goja.Value {
		return b.thenable(h.Catch(b.onRejected(call.Argument(0))))
	})
	return obj
}

func (b *Binding) onResolved(fn goja.Value) func(jobsched.Result) (jobsched.Result, error) {
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil
	}
	return func(v jobsched.Result) (jobsched.Result, error) {
		return callable(goja.Undefined(), b.toValue(v))
	}
}

func (b *Binding) onRejected(fn goja.Value) func(error) (jobsched.Result, error) {
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil
	}
	return func(err error) (jobsched.Result, error) {
		return callable(goja.Undefined(), b.errorValue(err))
	}
}

func (b *Binding) toValue(v jobsched.Result) goja.Value {
	if v, ok := v.(goja.Value); ok {
		return v
	}
	if v == nil {
		return goja.Undefined()
	}
	return b.runtime.ToValue(v)
}

// errorValue recovers the thrown JS value, if err originated from JS.
func (b *Binding) errorValue(err error) goja.Value {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return exception.Value()
	}
	return b.runtime.NewGoError(err)
}

// throw panics with the JS equivalent of err, which Goja rethrows. Errors
// thrown by JS are rethrown as-is.
func (b *Binding) throw(err error) {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		panic(exception)
	}
	panic(b.runtime.NewGoError(err))
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
