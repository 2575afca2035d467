package jobsched

import (
	"fmt"
	"math"
	"strings"
)

// JobFlags is the control bitset carried by each [Job].
type JobFlags uint8

const (
	// FlagQueued marks a job that is already pending, suppressing duplicate
	// enqueues.
	FlagQueued JobFlags = 1 << iota

	// FlagPre marks pre-phase work, which sorts before main-phase work that
	// has the same id.
	FlagPre

	// FlagAllowRecurse indicates the job may re-enqueue itself while it is
	// running.
	//
	// By default a job cannot trigger itself, because side effects that both
	// read and write the same reactive state would otherwise loop forever.
	// Component updates and watcher callbacks that intentionally converge on
	// a stable state set this flag, and rely on the recursion limit as the
	// backstop.
	FlagAllowRecurse

	// FlagDisposed makes the job inert. Disposed jobs are skipped on drain.
	FlagDisposed
)

// effectiveIDInfinity is the effective id of a job without an id, that isn't
// a PRE job.
const effectiveIDInfinity = math.MaxInt64

// Has reports whether all bits of f are set.
func (x JobFlags) Has(f JobFlags) bool { return x&f == f }

func (x JobFlags) String() string {
	if x == 0 {
		return `0`
	}
	var parts []string
	for _, v := range [...]struct {
		f    JobFlags
		name string
	}{
		{FlagQueued, `QUEUED`},
		{FlagPre, `PRE`},
		{FlagAllowRecurse, `ALLOW_RECURSE`},
		{FlagDisposed, `DISPOSED`},
	} {
		if x&v.f != 0 {
			parts = append(parts, v.name)
			x &^= v.f
		}
	}
	if x != 0 {
		parts = append(parts, fmt.Sprintf(`0x%x`, uint8(x)))
	}
	return strings.Join(parts, `|`)
}

type (
	// JobFunc is the work performed by a [Job]. A non-nil error is reported
	// by the scheduler, the same as a panic.
	JobFunc func() error

	// Job is a unit of deferred work, with an optional ordering id and
	// control flags. Jobs are identified by pointer: enqueueing the same *Job
	// twice before it runs collapses to one execution.
	//
	// Jobs are not owned by the scheduler, and may be enqueued repeatedly over
	// their lifetime. All mutation must happen on the scheduler goroutine.
	Job struct {
		fn    JobFunc
		owner fmt.Stringer
		id    int64
		flags JobFlags
		hasID bool
	}

	// JobOption configures a [Job], see [NewJob].
	JobOption func(j *Job)
)

// NewJob initializes a new Job. The fn may be nil only if the job is never
// enqueued, as [Scheduler.QueueJob] rejects jobs without a func.
func NewJob(fn JobFunc, opts ...JobOption) *Job {
	j := &Job{fn: fn}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// WithID sets the ordering id of the job. Lower ids run first.
func WithID(id int64) JobOption {
	return func(j *Job) {
		j.id = id
		j.hasID = true
	}
}

// WithPre marks the job as pre-phase work, see [FlagPre].
func WithPre() JobOption {
	return func(j *Job) { j.flags |= FlagPre }
}

// WithAllowRecurse allows the job to re-enqueue itself, see
// [FlagAllowRecurse].
func WithAllowRecurse() JobOption {
	return func(j *Job) { j.flags |= FlagAllowRecurse }
}

// WithOwner attaches the originating context, used only to attribute errors.
func WithOwner(owner fmt.Stringer) JobOption {
	return func(j *Job) { j.owner = owner }
}

// ID returns the ordering id, and whether one was set.
func (x *Job) ID() (int64, bool) { return x.id, x.hasID }

// SetID sets the ordering id. It must not be called while the job is queued,
// as the queue would no longer be sorted.
func (x *Job) SetID(id int64) {
	x.id = id
	x.hasID = true
}

// ClearID removes the ordering id, see [Job.EffectiveID].
func (x *Job) ClearID() {
	x.id = 0
	x.hasID = false
}

// Flags returns the current flags.
func (x *Job) Flags() JobFlags { return x.flags }

// Owner returns the owner attached with [WithOwner], which may be nil.
func (x *Job) Owner() fmt.Stringer { return x.owner }

// SetPre toggles [FlagPre]. Like SetID, it must not be called while the job
// is queued.
func (x *Job) SetPre(pre bool) {
	if pre {
		x.flags |= FlagPre
	} else {
		x.flags &^= FlagPre
	}
}

// SetAllowRecurse toggles [FlagAllowRecurse].
func (x *Job) SetAllowRecurse(allow bool) {
	if allow {
		x.flags |= FlagAllowRecurse
	} else {
		x.flags &^= FlagAllowRecurse
	}
}

// Dispose makes the job inert. A queued disposed job is skipped when the
// scheduler reaches it.
func (x *Job) Dispose() { x.flags |= FlagDisposed }

// Disposed reports whether [Job.Dispose] has been called.
func (x *Job) Disposed() bool { return x.flags&FlagDisposed != 0 }

// EffectiveID returns the key used to order the job. A job without an id is
// ordered at -1 if it is a PRE job, otherwise it goes last (math.MaxInt64),
// which degenerates to insertion order for hosts that never assign ids.
func (x *Job) EffectiveID() int64 {
	if x.hasID {
		return x.id
	}
	if x.flags&FlagPre != 0 {
		return -1
	}
	return effectiveIDInfinity
}

func (x *Job) isQueued() bool { return x.flags&FlagQueued != 0 }

func (x *Job) isPre() bool { return x.flags&FlagPre != 0 }

func (x *Job) allowsRecurse() bool { return x.flags&FlagAllowRecurse != 0 }

func (x *Job) markQueued() {
	if !x.allowsRecurse() {
		x.flags |= FlagQueued
	}
}

func (x *Job) clearQueued() { x.flags &^= FlagQueued }

// source describes the invocation context of the job, for error reports.
func (x *Job) source(post bool) string {
	if post {
		return SourcePostFlush
	}
	if x.owner != nil {
		return SourceComponentUpdate
	}
	return SourceSchedulerFlush
}
