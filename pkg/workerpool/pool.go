// Package workerpool implements a bounded pool of goroutines with a
// blocking submission queue.
//
// The mailbox pollers hand request handlers and completion callbacks to a
// pool so that a slow handler can never stall device polling. The queue is
// bounded: when it fills up, Submit blocks (backpressure) rather than
// dropping work.
package workerpool

import (
	"errors"
	"sync"
	"time"

	"github.com/svettore/spoold/internal/logger"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("worker pool is closed")

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	// Default: 4
	Workers int

	// QueueSize is the maximum number of queued tasks.
	// Default: 64
	QueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 64,
	}
}

// Pool executes submitted tasks on a fixed set of workers.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates and starts a pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	p := &Pool{
		tasks: make(chan func(), cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

// run executes one task, containing panics so a broken handler cannot take
// down its worker.
func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic recovered", "worker", id, "panic", r)
		}
	}()
	task()
}

// Submit enqueues a task for execution. It blocks while the queue is full
// and returns ErrClosed once the pool has begun shutting down.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	// Hold the lock across the send: Close must not close the channel while
	// a Submit is blocked on it.
	defer p.mu.Unlock()

	p.tasks <- task
	return nil
}

// TrySubmit enqueues a task without blocking. It reports whether the task
// was accepted.
func (p *Pool) TrySubmit(task func()) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}
	select {
	case p.tasks <- task:
		return true, nil
	default:
		return false, nil
	}
}

// Close stops accepting tasks and waits for queued tasks to finish, up to
// the given timeout. It reports whether the pool drained in time.
func (p *Pool) Close(timeout time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("worker pool did not drain before timeout", "timeout", timeout)
		return false
	}
}
