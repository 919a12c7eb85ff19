package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/chainflow/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Peak      int64 `json:"peak"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// IterationFunc runs one loop iteration.
type IterationFunc func(ctx context.Context, index int) error

// WorkerPool runs loop iterations with bounded concurrency. Workers pull
// iteration indices from an unbuffered channel, so indices are handed out in
// ascending order and never more than the pool size run at once.
type WorkerPool struct {
	size    int
	metrics PoolMetrics
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{size: size}
}

// Run calls fn for every index in [0, n). After the first failure no further
// index is started; Run waits for the in-flight iterations and returns that
// first error. A cancelled context stops the feed the same way.
func (p *WorkerPool) Run(ctx context.Context, n int, fn IterationFunc) error {
	if n <= 0 {
		return nil
	}
	workers := min(p.size, n)

	indices := make(chan int)
	stop := make(chan struct{})
	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			close(stop)
		})
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				select {
				case <-stop:
					continue // drain without starting
				default:
				}
				if ctx.Err() != nil {
					fail(cancelledLoop(ctx))
					continue
				}
				if err := p.runOne(ctx, i, fn); err != nil {
					fail(err)
				}
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case <-stop:
			break feed
		case <-ctx.Done():
			fail(cancelledLoop(ctx))
			break feed
		case indices <- i:
		}
	}
	close(indices)
	wg.Wait()
	return firstErr
}

func cancelledLoop(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "loop cancelled").WithCause(ctx.Err())
}

func (p *WorkerPool) runOne(ctx context.Context, index int, fn IterationFunc) (err error) {
	active := atomic.AddInt64(&p.metrics.Active, 1)
	for {
		peak := atomic.LoadInt64(&p.metrics.Peak)
		if active <= peak || atomic.CompareAndSwapInt64(&p.metrics.Peak, peak, active) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "iteration %d panicked: %v", index, r).
				WithDetails(map[string]any{"iteration": index, "panic": fmt.Sprint(r)})
		}
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
	}()

	return fn(ctx, index)
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Peak:      atomic.LoadInt64(&p.metrics.Peak),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// poolSize maps a ForEach concurrency policy to a worker count.
func poolSize(cfg *schema.ForEachConfig, n int) int {
	switch cfg.Concurrency {
	case schema.ConcurrencyParallel:
		return n
	case schema.ConcurrencyCustom:
		return cfg.ConcurrencyLimit
	default:
		return 1
	}
}
