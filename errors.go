package jobsched

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrNilHost is returned by New when no Host is provided.
	ErrNilHost = errors.New("jobsched: host must not be nil")

	// ErrNilJob is returned when enqueueing a nil job, or a job without a func.
	ErrNilJob = errors.New("jobsched: job must not be nil")

	// ErrHostRejected wraps an error from Host.ScheduleMicrotask. Work queued
	// at the time stays queued, and will be run by the next flush.
	ErrHostRejected = errors.New("jobsched: host rejected microtask")

	// ErrReentrantFlush is returned by FlushSync when called from inside a flush.
	ErrReentrantFlush = errors.New("jobsched: cannot flush synchronously from within a flush")

	// ErrReset is the rejection reason of a pending flush handle, discarded
	// by Scheduler.Reset.
	ErrReset = errors.New("jobsched: scheduler reset")

	// ErrNoDefault is returned by the package-level functions, if no default
	// scheduler has been configured via SetDefault.
	ErrNoDefault = errors.New("jobsched: no default scheduler")

	// ErrInvalidRecursionLimit is returned by New for a non-positive limit.
	ErrInvalidRecursionLimit = errors.New("jobsched: recursion limit must be positive")

	// ErrInvalidRateLimit is returned by New for rates rejected by
	// WithErrorLogRateLimit.
	ErrInvalidRateLimit = errors.New("jobsched: invalid error log rate limit")

	// ErrHandleCycle rejects a handle whose continuation returned the handle
	// itself.
	ErrHandleCycle = errors.New("jobsched: handle resolved with itself")
)

// Sources describing the invocation context of a reported error, see
// [ErrorInfo.Source].
const (
	SourceSchedulerFlush  = `scheduler flush`
	SourceComponentUpdate = `component update`
	SourcePostFlush       = `scheduler post flush`
	SourceAppErrorHandler = `app error handler`
)

type (
	// ErrorInfo attributes a reported error to the job that caused it.
	ErrorInfo struct {
		// Job is the job or post-flush callback that failed.
		Job *Job

		// Owner is Job.Owner(), which may be nil.
		Owner fmt.Stringer

		// Source describes the invocation context, e.g. SourceSchedulerFlush.
		Source string
	}

	// ErrorHandler receives errors from jobs and callbacks, including
	// *RecursionLimitError reports.
	//
	// Returning a non-nil error (typically err itself) for a job error aborts
	// the current flush: the remaining jobs are dropped, and the flush handle
	// is rejected with the returned error. The return value is ignored for
	// recursion-limit reports, which only ever skip the offending job.
	ErrorHandler func(err error, info ErrorInfo) error

	// PanicError wraps a value recovered from a panicking job, or from a
	// continuation chained via Handle.Then.
	PanicError struct {
		Value any
	}

	// RecursionLimitError is reported when a job is invoked more than Limit
	// times within one flush session.
	RecursionLimitError struct {
		Job   *Job
		Owner fmt.Stringer
		Limit int
	}
)

func (e PanicError) Error() string {
	return fmt.Sprintf("jobsched: job panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, otherwise nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *RecursionLimitError) Error() string {
	msg := fmt.Sprintf(`jobsched: maximum recursive updates exceeded (limit %d)`, e.Limit)
	if e.Owner != nil {
		msg += ` in ` + e.Owner.String()
	}
	return msg + `: a job is mutating its own dependencies and thus recursively triggering itself`
}

// wrapHostError wraps err with ErrHostRejected, for errors.Is matching of
// both.
func wrapHostError(err error) error {
	return fmt.Errorf("%w: %w", ErrHostRejected, err)
}
