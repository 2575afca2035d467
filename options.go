package jobsched

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// DefaultRecursionLimit is the maximum number of invocations of one job,
// within one flush session, when recursion checking is enabled.
const DefaultRecursionLimit = 100

// schedulerOptions holds configuration for a Scheduler.
type schedulerOptions struct {
	logger         *logiface.Logger[logiface.Event]
	errorHandler   ErrorHandler
	errorLimiter   *catrate.Limiter
	postFlushHost  Host
	recursionLimit int
	recursionCheck bool
	diagnostics    bool
}

// Option configures a [Scheduler], see [New].
type Option interface {
	applyOption(*schedulerOptions) error
}

// schedulerOptionImpl implements [Option] via a closure.
type schedulerOptionImpl struct {
	fn func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyOption(opts *schedulerOptions) error {
	return o.fn(opts)
}

// WithDiagnostics enables the diagnostics mode: recursion checking is
// enabled, and the default error handler aborts the current flush after
// logging a job error, rather than continuing with the next job.
func WithDiagnostics(enabled bool) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) error {
		opts.diagnostics = enabled
		return nil
	}}
}

// WithRecursionCheck enables counting invocations per job within each flush
// session, skipping (and reporting) jobs that exceed the recursion limit.
// Implied by WithDiagnostics(true).
func WithRecursionCheck(enabled bool) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) error {
		opts.recursionCheck = enabled
		return nil
	}}
}

// WithRecursionLimit overrides [DefaultRecursionLimit].
func WithRecursionLimit(limit int) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) error {
		if limit <= 0 {
			return ErrInvalidRecursionLimit
		}
		opts.recursionLimit = limit
		return nil
	}}
}

// WithErrorHandler replaces the default error handler, which logs, and
// (only in diagnostics mode) aborts the flush. See [ErrorHandler].
func WithErrorHandler(handler ErrorHandler) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) error {
		opts.errorHandler = handler
		return nil
	}}
}

// WithErrorLogRateLimit limits how often the default error handler logs the
// errors of any one job, e.g. a job that fails on every flush. Rates map
// sliding windows to the maximum number of log events, per job. Errors that
// are not logged are still counted, see [Stats].
//
// Each window's count must be less than that of any longer window, and the
// effective rate must decrease as the window grows, otherwise New fails with
// ErrInvalidRateLimit. Empty rates disable limiting.
func WithErrorLogRateLimit(rates map[time.Duration]int) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) (err error) {
		if len(rates) == 0 {
			opts.errorLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf(`%w: %v`, ErrInvalidRateLimit, r)
			}
		}()
		opts.errorLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPostFlushHost defers each post-flush drain onto a second host
// primitive, e.g. one that runs after the host has rendered, instead of
// draining inline at the end of the job pass. The flush handle (see
// [Scheduler.NextTick]) only resolves once the deferred drain completes.
func WithPostFlushHost(host Host) Option {
	return &schedulerOptionImpl{fn: func(opts *schedulerOptions) error {
		opts.postFlushHost = host
		return nil
	}}
}

// resolveOptions applies the given options to a default [schedulerOptions].
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		recursionLimit: DefaultRecursionLimit,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.diagnostics {
		cfg.recursionCheck = true
	}
	return cfg, nil
}
