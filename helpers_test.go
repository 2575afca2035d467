package jobsched_test

import (
	"bytes"
	"testing"

	jobsched "github.com/joeycumines/go-jobsched"
	"github.com/joeycumines/go-jobsched/microtask"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// newTestScheduler creates a scheduler on a manually drained microtask queue.
func newTestScheduler(t testing.TB, opts ...jobsched.Option) (*jobsched.Scheduler, *microtask.Queue) {
	t.Helper()
	q := new(microtask.Queue)
	s, err := jobsched.New(q, opts...)
	require.NoError(t, err)
	return s, q
}

// newTestLogger returns a debug level JSON logger, writing to buf.
func newTestLogger(buf *bytes.Buffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// recorder collects the names of invoked jobs, in order.
type recorder struct {
	calls []string
}

func (r *recorder) fn(name string) jobsched.JobFunc {
	return func() error {
		r.calls = append(r.calls, name)
		return nil
	}
}

func (r *recorder) job(name string, opts ...jobsched.JobOption) *jobsched.Job {
	return jobsched.NewJob(r.fn(name), opts...)
}

// then returns a job that records name, then calls fn.
func (r *recorder) then(name string, fn func(), opts ...jobsched.JobOption) *jobsched.Job {
	return jobsched.NewJob(func() error {
		r.calls = append(r.calls, name)
		fn()
		return nil
	}, opts...)
}

type owner string

func (x owner) String() string { return string(x) }
