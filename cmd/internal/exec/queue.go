// Package exec provides the serialized execution contexts the session runs on:
// a single-worker FIFO queue, an inline executor for tests, and a gate that
// drops queued work once the session is destroyed.
package exec

import (
	"log/slog"
	"sync"
)

// Executor runs tasks. Implementations decide when and on which goroutine.
type Executor interface {
	Execute(task func())
}

// Immediate runs each task inline on the caller's goroutine.
type Immediate struct{}

func (Immediate) Execute(task func()) {
	if task != nil {
		task()
	}
}

// Queue runs tasks one at a time, in submission order, on its own goroutine.
//
// Execute never blocks: the backlog is an unbounded slice, which keeps a
// slow consumer from stalling the network loops that feed it.
type Queue struct {
	name string
	log  *slog.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue starts a queue worker. Close must be called to stop it.
func NewQueue(name string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		name: name,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Execute enqueues task. Tasks submitted after Close are dropped.
func (q *Queue) Execute(task func()) {
	if task == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Debug("exec.queue.drop_closed", "queue", q.name)
		return
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting tasks, lets the worker drain what is already
// queued, and waits for it to exit. It is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	})
	<-q.done
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, task := range batch {
			q.runTask(task)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *Queue) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("exec.queue.task_panic", "queue", q.name, "panic", r)
		}
	}()
	task()
}
