package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

type ProcessFunc[T any] func(ctx context.Context, job T) error

// Pool runs a fixed number of workers over a buffered job queue. Processing
// errors are counted and logged; they never stop the pool.
type Pool[T any] struct {
	name       string
	numWorkers int
	jobs       chan T
	processor  ProcessFunc[T]
	wg         sync.WaitGroup
	processed  atomic.Int64
	failed     atomic.Int64
}

func NewPool[T any](name string, numWorkers, bufferSize int, processor ProcessFunc[T]) *Pool[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool[T]{
		name:       name,
		numWorkers: numWorkers,
		jobs:       make(chan T, bufferSize),
		processor:  processor,
	}
}

func (p *Pool[T]) Start(ctx context.Context) {
	for i := 1; i <= p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool[T]) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := p.processor(ctx, job); err != nil {
				p.failed.Add(1)
				slog.Debug("job failed", "pool", p.name, "worker", id, "error", err)
			}
			p.processed.Add(1)
		}
	}
}

func (p *Pool[T]) Submit(job T) {
	p.jobs <- job
}

// Stop closes the queue and waits for the workers to drain it.
func (p *Pool[T]) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool[T]) Processed() int64 { return p.processed.Load() }

func (p *Pool[T]) Failed() int64 { return p.failed.Load() }

// Run processes every job with at most numWorkers in parallel and returns
// once all of them are done.
func Run[T any](ctx context.Context, name string, numWorkers int, jobs []T, processor ProcessFunc[T]) (failed int64) {
	p := NewPool(name, numWorkers, len(jobs), processor)
	p.Start(ctx)
	for _, j := range jobs {
		p.Submit(j)
	}
	p.Stop()
	return p.Failed()
}
