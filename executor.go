package rpc

import (
	"context"
	"sync"
)

// Executor runs tasks. An executor that owns a channel's state must run
// tasks one at a time in the order they were added.
type Executor interface {
	Add(task func())
}

// InlineExecutor runs each task immediately on the calling goroutine.
type InlineExecutor struct{}

func (InlineExecutor) Add(task func()) { task() }

// EventLoop is a single goroutine draining an unbounded FIFO queue of tasks.
type EventLoop struct {
	mu       sync.Mutex
	queue    []func()
	stopping bool
	exited   bool
	wake     chan struct{}
	done     chan struct{}
}

func NewEventLoop() *EventLoop {
	l := &EventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

// Add queues task. Once the loop has stopped, tasks run inline.
func (l *EventLoop) Add(task func()) {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		task()
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop runs the tasks already queued and waits for the loop to exit. It must
// not be called from a task.
func (l *EventLoop) Stop() {
	l.stop()
	<-l.done
}

// stop asks the loop to exit once its queue is empty without waiting for it.
func (l *EventLoop) stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) loop() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		if len(tasks) == 0 && l.stopping {
			l.exited = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		if len(tasks) == 0 {
			<-l.wake
			continue
		}
		for _, task := range tasks {
			task()
		}
	}
}

type executorKey struct{}

// WithExecutor marks ctx as running on e. Callbacks receive a context marked
// with the executor they were delivered on.
func WithExecutor(ctx context.Context, e Executor) context.Context {
	return context.WithValue(ctx, executorKey{}, e)
}

// ExecutorFrom returns the executor ctx was marked with, or nil.
func ExecutorFrom(ctx context.Context) Executor {
	e, _ := ctx.Value(executorKey{}).(Executor)
	return e
}
