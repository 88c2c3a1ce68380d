// Package pool bounds the number of goroutines concurrently in flight
// against an upstream provider, so a burst of sessions can't fork an
// unbounded number of STT/LLM calls (§12.5).
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrPoolFull    = errors.New("pool is full")
	ErrTaskTimeout = errors.New("task submission timeout")
)

// ProviderCall is one provider request dispatched through a ProviderPool.
type ProviderCall func(ctx context.Context) error

// ProviderPool bounds concurrent calls to one upstream provider behind a
// fixed-size worker set, spawning workers lazily up to MaxWorkers and
// retiring idle ones after IdleTimeout.
type ProviderPool struct {
	maxWorkers  int
	callQueue   chan callWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type callWrapper struct {
	call   ProviderCall
	ctx    context.Context
	result chan error
}

// ProviderPoolConfig configures a ProviderPool.
type ProviderPoolConfig struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultProviderPoolConfig returns sensible defaults for a per-provider
// pool: enough workers to cover a burst of concurrent sessions without
// letting a single slow provider exhaust the process's goroutines.
func DefaultProviderPoolConfig() ProviderPoolConfig {
	return ProviderPoolConfig{
		MaxWorkers:  100,
		QueueSize:   1000,
		IdleTimeout: 60 * time.Second,
	}
}

// NewProviderPool creates a new provider call pool.
func NewProviderPool(config ProviderPoolConfig) *ProviderPool {
	return &ProviderPool{
		maxWorkers:   config.MaxWorkers,
		callQueue:    make(chan callWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues call without waiting for it to finish.
func (p *ProviderPool) Submit(ctx context.Context, call ProviderCall) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	wrapper := callWrapper{
		call:   call,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.callQueue <- wrapper:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.callQueue <- wrapper:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues call and blocks until it completes.
func (p *ProviderPool) SubmitWait(ctx context.Context, call ProviderCall) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	wrapper := callWrapper{
		call:   call,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.callQueue <- wrapper:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ProviderPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *ProviderPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *ProviderPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.callQueue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.executeCall(wrapper)
			p.activeCount.Add(-1)

			if wrapper.result != nil {
				wrapper.result <- err
				close(wrapper.result)
			}

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *ProviderPool) executeCall(wrapper callWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("provider call panicked")
		}
	}()

	return wrapper.call(wrapper.ctx)
}

// Close stops accepting new calls and waits for in-flight workers to drain.
func (p *ProviderPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.callQueue)
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *ProviderPool) Stats() ProviderPoolStats {
	return ProviderPoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.callQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// ProviderPoolStats contains pool statistics.
type ProviderPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
