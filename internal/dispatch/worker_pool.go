package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/latchpoint/latchpoint/internal/logger"
)

// ErrPoolSaturated is returned by Submit when the task queue is full.
var ErrPoolSaturated = errors.New("worker pool queue is full")

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("worker pool is stopped")

// WorkerPool runs batch dispatches on a fixed set of goroutines. Submission
// never blocks: a saturated queue returns an error so the caller can count
// the drop instead of stalling the debounce loop.
type WorkerPool struct {
	tasks chan func(context.Context)
	wg    sync.WaitGroup
	log   logger.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// NewWorkerPool starts concurrency workers with a queue of depth queueDepth.
func NewWorkerPool(concurrency, queueDepth int, log logger.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		tasks:  make(chan func(context.Context), queueDepth),
		log:    log,
		cancel: cancel,
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					p.log.Error("panic in dispatch worker", logger.Any("panic", rec))
				}
			}()
			task(ctx)
		}()
	}
}

// Submit enqueues a task without blocking.
func (p *WorkerPool) Submit(task func(context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// SubmitEvictOldest enqueues a task without blocking, discarding the oldest
// queued task to make room when the queue is full. The evicted task never
// runs; evicted reports whether that happened.
func (p *WorkerPool) SubmitEvictOldest(task func(context.Context)) (evicted bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return false, nil
	default:
	}
	select {
	case <-p.tasks:
		evicted = true
	default:
	}
	select {
	case p.tasks <- task:
		return evicted, nil
	default:
		return evicted, ErrPoolSaturated
	}
}

// QueueDepth reports the number of queued, not-yet-started tasks.
func (p *WorkerPool) QueueDepth() int {
	return len(p.tasks)
}

// Stop rejects new tasks, drains the queue, and waits for in-flight work.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
