package server

import (
	"sync"
)

// workerPool runs request handlers on a fixed set of goroutines fed by a
// bounded queue, so a slow method body ties up a worker rather than the
// connection goroutine that read the frame.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func newWorkerPool(size, queueSize int) *workerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &workerPool{jobs: make(chan func(), queueSize)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// TrySubmit enqueues job without blocking. It returns false when the queue
// is full or the pool is stopped; the caller must then reject the request.
func (p *workerPool) TrySubmit(job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop lets queued jobs finish, then stops every worker.
func (p *workerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
