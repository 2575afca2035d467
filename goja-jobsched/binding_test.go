package gojajobsched

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
	jobsched "github.com/joeycumines/go-jobsched"
	"github.com/joeycumines/go-jobsched/microtask"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv runs a scheduler with deferred post-flush drains, where q stands
// in for the microtask queue, and post for the render-complete tick.
type testEnv struct {
	runtime *goja.Runtime
	sched   *jobsched.Scheduler
	q       *microtask.Queue
	post    *microtask.Queue
}

func newTestEnv(t *testing.T, opts ...jobsched.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		runtime: goja.New(),
		q:       new(microtask.Queue),
		post:    new(microtask.Queue),
	}
	sched, err := jobsched.New(env.q, append([]jobsched.Option{jobsched.WithPostFlushHost(env.post)}, opts...)...)
	require.NoError(t, err)
	env.sched = sched
	binding, err := New(env.runtime, sched)
	require.NoError(t, err)
	require.NoError(t, binding.Bind())
	return env
}

func (env *testEnv) run(t *testing.T, src string) goja.Value {
	t.Helper()
	v, err := env.runtime.RunString(src)
	require.NoError(t, err)
	return v
}

// tick drains microtasks, like awaiting a resolved promise.
func (env *testEnv) tick() { env.q.Drain() }

// nextTickCb runs one pending post-flush drain.
func (env *testEnv) nextTickCb() { env.post.RunOnce() }

func (env *testEnv) calls(t *testing.T) []any {
	t.Helper()
	v := env.runtime.Get(`calls`)
	require.NotNil(t, v)
	calls, ok := v.Export().([]any)
	require.True(t, ok, `unexpected calls: %v`, v.Export())
	return calls
}

func TestNew_nil(t *testing.T) {
	sched, err := jobsched.New(new(microtask.Queue))
	require.NoError(t, err)
	_, err = New(nil, sched)
	assert.Error(t, err)
	_, err = New(goja.New(), nil)
	assert.Error(t, err)
}

func TestNextTick(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		nextTick(() => calls.push('job1'));
		calls.push('job2');
	`)
	assert.Equal(t, []any{`job2`}, env.calls(t))
	env.tick()
	assert.Equal(t, []any{`job2`, `job1`}, env.calls(t))
}

func TestNextTick_returnsThenable(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var called = 0, result;
		nextTick(() => { called++; return 1; }).then(v => { result = v; });
	`)
	env.tick()
	assert.Equal(t, int64(1), env.runtime.Get(`result`).Export())
	assert.Equal(t, int64(1), env.runtime.Get(`called`).Export())
}

func TestNextTick_bindsThis(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var result;
		const obj = { v: 5 };
		nextTick.call(obj, function () { return this.v; }).then(v => { result = v; });
	`)
	env.tick()
	assert.Equal(t, int64(5), env.runtime.Get(`result`).Export())
}

func TestNextTick_notAFunction(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var ok = false;
		try { nextTick(1); } catch (e) { ok = e instanceof TypeError; }
	`)
	assert.Equal(t, true, env.runtime.Get(`ok`).Export())
}

func TestQueueJob(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		src  string
		want []any
	}{
		{
			name: `basic usage`,
			src: `
				var calls = [];
				const job1 = () => { calls.push('job1'); };
				const job2 = () => { calls.push('job2'); };
				queueJob(job1);
				queueJob(job2);
			`,
			want: []any{`job1`, `job2`},
		},
		{
			name: `should dedupe queued jobs`,
			src: `
				var calls = [];
				const job1 = () => { calls.push('job1'); };
				const job2 = () => { calls.push('job2'); };
				queueJob(job1);
				queueJob(job2);
				queueJob(job1);
				queueJob(job2);
			`,
			want: []any{`job1`, `job2`},
		},
		{
			name: `queueJob while flushing`,
			src: `
				var calls = [];
				const job1 = () => { calls.push('job1'); queueJob(job2); };
				const job2 = () => { calls.push('job2'); };
				queueJob(job1);
			`,
			want: []any{`job1`, `job2`},
		},
		{
			name: `ordering options`,
			src: `
				var calls = [];
				const a = () => { calls.push('a'); };
				const b = () => { calls.push('b'); };
				const c = () => { calls.push('c'); };
				const d = () => { calls.push('d'); };
				d.id = 1;
				queueJob(a);
				queueJob(b, { id: 2 });
				queueJob(c, { id: 2, pre: true });
				queueJob(d);
			`,
			want: []any{`d`, `c`, `b`, `a`},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t, tc.src)
			assert.Empty(t, env.calls(t))
			env.tick()
			assert.Equal(t, tc.want, env.calls(t))
		})
	}
}

func TestQueuePostFlushCb_basic(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const cb1 = () => { calls.push('cb1'); };
		const cb2 = () => { calls.push('cb2'); };
		queuePostFlushCb(cb1);
		queuePostFlushCb(cb2);
	`)
	env.tick()
	assert.Empty(t, env.calls(t))
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`, `cb2`}, env.calls(t))
}

func TestQueuePostFlushCb_dedupe(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const cb1 = () => { calls.push('cb1'); };
		const cb2 = () => { calls.push('cb2'); };
		const cb3 = () => { calls.push('cb3'); };
		queuePostFlushCb(cb1);
		queuePostFlushCb(cb2);
		queuePostFlushCb(cb3);
		queuePostFlushCb(cb1);
		queuePostFlushCb(cb3);
		queuePostFlushCb(cb2);
	`)
	env.tick()
	assert.Empty(t, env.calls(t))
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`, `cb2`, `cb3`}, env.calls(t))
}

func TestQueuePostFlushCb_whileFlushing(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const cb1 = () => { calls.push('cb1'); queuePostFlushCb(cb2); };
		const cb2 = () => { calls.push('cb2'); };
		queuePostFlushCb(cb1);
	`)
	env.tick()
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`}, env.calls(t))
	env.tick()
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`, `cb2`}, env.calls(t))
}

func TestQueueJobInsidePostFlushCb(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const job1 = () => { calls.push('job1'); };
		const cb1 = () => { calls.push('cb1'); queueJob(job1); };
		queuePostFlushCb(cb1);
	`)
	env.tick()
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`}, env.calls(t))
	env.tick()
	assert.Equal(t, []any{`cb1`, `job1`}, env.calls(t))
}

func TestQueueJobAndPostFlushCbInsidePostFlushCb(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const job1 = () => { calls.push('job1'); };
		const cb1 = () => {
			calls.push('cb1');
			queuePostFlushCb(cb2);
			queueJob(job1);
		};
		const cb2 = () => { calls.push('cb2'); };
		queuePostFlushCb(cb1);
	`)
	env.tick()
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`}, env.calls(t))
	env.tick()
	assert.Equal(t, []any{`cb1`, `job1`}, env.calls(t))
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`, `job1`, `cb2`}, env.calls(t))
}

func TestPostFlushCbInsideQueueJob(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const job1 = () => { calls.push('job1'); queuePostFlushCb(cb1); };
		const cb1 = () => { calls.push('cb1'); };
		queueJob(job1);
	`)
	env.tick()
	assert.Equal(t, []any{`job1`}, env.calls(t))
	env.nextTickCb()
	assert.Equal(t, []any{`job1`, `cb1`}, env.calls(t))
}

func TestQueueJobAndPostFlushCbInsideQueueJob(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const job1 = () => {
			calls.push('job1');
			queuePostFlushCb(cb1);
			queueJob(job2);
		};
		const job2 = () => { calls.push('job2'); };
		const cb1 = () => { calls.push('cb1'); };
		queueJob(job1);
	`)
	env.tick()
	assert.Equal(t, []any{`job1`, `job2`}, env.calls(t))
	env.nextTickCb()
	assert.Equal(t, []any{`job1`, `job2`, `cb1`}, env.calls(t))
}

func TestNestedQueueJobWithPostFlushCb(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const job1 = () => {
			calls.push('job1');
			queuePostFlushCb(cb1);
			queueJob(job2);
		};
		const job2 = () => { calls.push('job2'); queuePostFlushCb(cb2); };
		const cb1 = () => { calls.push('cb1'); };
		const cb2 = () => { calls.push('cb2'); };
		queueJob(job1);
	`)
	env.tick()
	assert.Equal(t, []any{`job1`, `job2`}, env.calls(t))
	env.nextTickCb()
	assert.Equal(t, []any{`job1`, `job2`, `cb1`, `cb2`}, env.calls(t))
}

func TestAvoidDuplicatePostFlushCbInvocation(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const cb1 = () => { calls.push('cb1'); queuePostFlushCb(cb2); };
		const cb2 = () => { calls.push('cb2'); };
		queuePostFlushCb(cb1);
		queuePostFlushCb(cb2);
	`)
	env.tick()
	env.nextTickCb()
	assert.Equal(t, []any{`cb1`, `cb2`}, env.calls(t))
	env.tick()
	assert.Equal(t, 0, env.post.Len())
	assert.Equal(t, []any{`cb1`, `cb2`}, env.calls(t))
}

func TestFlushJobs_rethrows(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var same = false, ran = false;
		const error = new Error('test');
		queueJob(() => { throw error; });
		try {
			flushJobs();
		} catch (e) {
			same = e === error;
		}
		queuePostFlushCb(() => { ran = true; });
	`)
	assert.Equal(t, true, env.runtime.Get(`same`).Export())
	env.tick()
	env.nextTickCb()
	assert.Equal(t, true, env.runtime.Get(`ran`).Export())
}

func TestFlushJobs_goError(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var message;
		queueJob(() => {
			try { flushJobs(); } catch (e) { message = e.message; }
		});
	`)
	env.tick()
	assert.Contains(t, env.runtime.Get(`message`).String(), `cannot flush synchronously`)
}

func TestPreventsSelfTriggeringJobs(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var count = 0;
		const job = () => {
			if (count < 3) {
				count++;
				queueJob(job);
			}
		};
		queueJob(job);
	`)
	env.tick()
	assert.Equal(t, int64(1), env.runtime.Get(`count`).Export())
}

func TestAllowsMarkedJobsToTriggerThemselves(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var count = 0;
		const job = () => {
			if (count < 3) {
				count++;
				queueJob(job);
			}
		};
		job.flags |= SchedulerJobFlags.ALLOW_RECURSE;
		queueJob(job);
	`)
	env.tick()
	assert.Equal(t, int64(3), env.runtime.Get(`count`).Export())
}

func TestAllowsRecursePostCallbacks(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var count = 0;
		const cb = () => {
			if (count < 3) {
				count++;
				queuePostFlushCb(cb);
			}
		};
		cb.flags |= SchedulerJobFlags.ALLOW_RECURSE;
		queuePostFlushCb(cb);
	`)
	for i := int64(1); i <= 3; i++ {
		env.tick()
		env.nextTickCb()
		assert.Equal(t, i, env.runtime.Get(`count`).Export())
	}
}

func TestInvalidateJob(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var calls = [];
		const job1 = () => { calls.push('job1'); invalidateJob(job3); };
		const job2 = () => { calls.push('job2'); };
		const job3 = () => { calls.push('job3'); };
		queueJob(job1);
		queueJob(job2);
		queueJob(job3);
		invalidateJob(job2);
		invalidateJob(() => {});
		invalidateJob(undefined);
	`)
	env.tick()
	assert.Equal(t, []any{`job1`}, env.calls(t))
}

func TestQueueJob_errorIsolated(t *testing.T) {
	var reported []error
	env := newTestEnv(t, jobsched.WithErrorHandler(func(err error, info jobsched.ErrorInfo) error {
		reported = append(reported, err)
		return nil
	}))
	env.run(t, `
		var calls = [];
		queueJob(() => { throw new Error('boom'); });
		queueJob(() => { calls.push('job2'); });
	`)
	env.tick()
	assert.Equal(t, []any{`job2`}, env.calls(t))
	require.Len(t, reported, 1)
	var exception *goja.Exception
	require.True(t, errors.As(reported[0], &exception))
	assert.Contains(t, exception.Value().String(), `boom`)
}

func TestNextTick_rejectedWithThrownValue(t *testing.T) {
	env := newTestEnv(t, jobsched.WithDiagnostics(true))
	env.run(t, `
		var same = false, recovered;
		const error = new Error('test');
		queueJob(() => { throw error; });
		nextTick().then(null, e => { same = e === error; return 'ok'; }).then(v => { recovered = v; });
	`)
	env.tick()
	assert.Equal(t, true, env.runtime.Get(`same`).Export())
	assert.Equal(t, `ok`, env.runtime.Get(`recovered`).Export())
}

func TestNextTick_catch(t *testing.T) {
	env := newTestEnv(t, jobsched.WithDiagnostics(true))
	env.run(t, `
		var caught;
		queueJob(() => { throw 'plain'; });
		nextTick().catch(e => { caught = e; });
	`)
	env.tick()
	assert.Equal(t, `plain`, env.runtime.Get(`caught`).Export())
}

func TestQueueJob_typeErrors(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `
		var errs = [];
		for (const fn of [() => queueJob(1), () => queuePostFlushCb({}), () => queueJob()]) {
			try { fn(); } catch (e) { errs.push(e instanceof TypeError); }
		}
	`)
	assert.Equal(t, []any{true, true, true}, env.runtime.Get(`errs`).Export())
}
