// Package ticker runs cancellable recurring tasks.
package ticker

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("ticker")

// Task is a function invoked every interval until Stop is called.
type Task struct {
	name     string
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// Every starts fn on its own goroutine, first firing one interval from now.
// A panic inside fn is logged and the task keeps running.
func Every(name string, interval time.Duration, fn func()) *Task {
	t := &Task{
		name:   name,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go t.loop(interval, fn)
	return t
}

func (t *Task) loop(interval time.Duration, fn func()) {
	defer close(t.exited)

	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-tk.C:
			// Stop may race with a tick that is already pending.
			select {
			case <-t.done:
				return
			default:
			}
			t.run(fn)
		}
	}
}

func (t *Task) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recurring task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Stop cancels the task. It is safe to call more than once and on a nil
// Task. Stop does not wait for an in-flight invocation; use Wait for that.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.done)
	})
}

// Wait blocks until the task goroutine has exited. Call only after Stop,
// and never from inside fn.
func (t *Task) Wait() {
	if t == nil {
		return
	}
	<-t.exited
}
