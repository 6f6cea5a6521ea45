package striped

import (
	"hash/fnv"
	"sync"
)

// Pool executes tasks on a fixed set of single-goroutine workers, picking the
// worker by hashing the task key. Tasks sharing a key run strictly in
// submission order; tasks with different keys run in parallel.
type Pool struct {
	workers []chan func()
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts size workers, each with its own FIFO queue of queueDepth.
func NewPool(size, queueDepth int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}

	p := &Pool{workers: make([]chan func(), size)}
	for i := range p.workers {
		tasks := make(chan func(), queueDepth)
		p.workers[i] = tasks
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range tasks {
				task()
			}
		}()
	}
	return p
}

// Execute queues task on the stripe owning key. A full stripe blocks the
// caller until the worker catches up; other stripes are unaffected.
func (p *Pool) Execute(key string, task func()) {
	if task == nil {
		return
	}
	p.stripe(key) <- task
}

// Shutdown stops accepting tasks and waits for queued tasks to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, tasks := range p.workers {
		close(tasks)
	}
	p.wg.Wait()
}

func (p *Pool) stripe(key string) chan func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.workers[h.Sum32()%uint32(len(p.workers))]
}
