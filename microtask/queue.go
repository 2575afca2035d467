// Package microtask provides a manually drained microtask host, for running a
// [jobsched.Scheduler] deterministically, e.g. in tests, or when embedding it
// in a host that has its own idea of a tick.
//
// [jobsched.Scheduler]: https://pkg.go.dev/github.com/joeycumines/go-jobsched#Scheduler
package microtask

import (
	"errors"
	"sync"
)

// chunkSize is the number of tasks per node of the queue's linked list.
const chunkSize = 64

// ErrClosed is returned by Queue.ScheduleMicrotask after Close.
var ErrClosed = errors.New("microtask: queue closed")

// Queue is a FIFO of microtasks, run by [Queue.RunOnce] or [Queue.Drain].
// The zero value is ready to use.
//
// Queue is NOT thread-safe. Tasks are expected to be scheduled and run on
// the one goroutine, which is what makes replays deterministic.
type Queue struct {
	head   *chunk
	tail   *chunk
	length int
	closed bool
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node, with a read and a write cursor.
type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

func returnChunk(c *chunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// ScheduleMicrotask appends fn, implementing jobsched.Host.
func (q *Queue) ScheduleMicrotask(fn func()) error {
	if q.closed {
		return ErrClosed
	}
	if fn == nil {
		return nil
	}
	q.push(fn)
	return nil
}

// Len returns the number of pending microtasks.
func (q *Queue) Len() int { return q.length }

// RunOnce runs the oldest pending microtask, returning false if there was
// none.
func (q *Queue) RunOnce() bool {
	fn, ok := q.pop()
	if !ok {
		return false
	}
	fn()
	return true
}

// Drain runs microtasks until the queue is empty, including any scheduled
// while draining, and returns the number run.
func (q *Queue) Drain() (n int) {
	for q.RunOnce() {
		n++
	}
	return n
}

// Close makes subsequent ScheduleMicrotask calls fail with [ErrClosed].
// Pending microtasks are discarded.
func (q *Queue) Close() {
	q.closed = true
	for {
		if _, ok := q.pop(); !ok {
			break
		}
	}
}

func (q *Queue) push(fn func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = fn
	q.tail.pos++
	q.length++
}

// pop keeps the head chunk non-exhausted while the queue is non-empty.
func (q *Queue) pop() (func(), bool) {
	if q.length == 0 {
		return nil, false
	}
	c := q.head
	fn := c.tasks[c.readPos]
	c.tasks[c.readPos] = nil
	c.readPos++
	q.length--
	if c.readPos == c.pos {
		if c == q.tail {
			c.pos, c.readPos = 0, 0
		} else {
			q.head = c.next
			returnChunk(c)
		}
	}
	return fn, true
}
