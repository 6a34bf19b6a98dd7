package runner

import (
	"context"
	"sync"
	"sync/atomic"
)

// task is one admitted job. abort runs instead of run when the pool shuts
// down before a worker picks the task up.
type task struct {
	jobID string
	run   func(ctx context.Context)
	abort func()
}

// workerPool runs tasks on a fixed number of goroutines behind a bounded queue
type workerPool struct {
	mu     sync.Mutex
	queue  chan task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers int
	running atomic.Int64
	onDepth func(int)
}

func newWorkerPool(workers, queueSize int, onDepth func(int)) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		queue:   make(chan task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
		onDepth: onDepth,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// submit admits all tasks or none of them
func (p *workerPool) submit(tasks ...task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrRunnerClosed
	}
	if len(tasks) > cap(p.queue)-len(p.queue) {
		return ErrQueueFull
	}
	// Only submit sends, under mu, so these sends never block
	for _, t := range tasks {
		p.queue <- t
	}
	p.reportDepth()
	return nil
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.reportDepth()
			p.running.Add(1)
			t.run(p.ctx)
			p.running.Add(-1)
		}
	}
}

func (p *workerPool) reportDepth() {
	if p.onDepth != nil {
		p.onDepth(len(p.queue))
	}
}

// shutdown stops admission, cancels running tasks, aborts queued ones and
// waits for the workers to exit or ctx to expire.
func (p *workerPool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	// Workers may still race us for queued tasks; they see a cancelled
	// context and fail the job the same way abort does.
drain:
	for {
		select {
		case t := <-p.queue:
			t.abort()
		default:
			break drain
		}
	}
	p.reportDepth()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) queued() int {
	return len(p.queue)
}
