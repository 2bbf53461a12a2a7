package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
)

// Loop runs tasks sequentially on a single goroutine.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	started bool
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates a loop. Call Start to begin processing tasks.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start more than once is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Post enqueues fn and returns immediately. It returns false if the loop has
// been stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop refuses further tasks. Tasks already queued still run, then the loop
// goroutine exits and Done is closed. Stop never blocks, so it may be called
// from a task running on the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if !l.started {
		close(l.done)
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range tasks {
			l.runTask(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("scheduler task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}
