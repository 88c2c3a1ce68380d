package pool

import (
	"context"

	"github.com/voxrelay/gateway/internal/gwerr"
)

// WorkerPools holds the two bounded goroutine pools C17 names: one for
// STT calls, one for LLM calls. TTS is never pooled (§12.5) — it
// streams directly under the scheduler's own goroutine.
type WorkerPools struct {
	STT *ProviderPool
	LLM *ProviderPool
}

// NewWorkerPools builds both pools from a shared sizing config.
func NewWorkerPools(cfg ProviderPoolConfig) *WorkerPools {
	return &WorkerPools{
		STT: NewProviderPool(cfg),
		LLM: NewProviderPool(cfg),
	}
}

// Close shuts down both pools, waiting for in-flight tasks to drain.
func (w *WorkerPools) Close() {
	w.STT.Close()
	w.LLM.Close()
}

// Run submits fn to pool and blocks the calling goroutine (never the
// event-router's read loop, per §5) until it completes, returning its
// typed result and a *gwerr.Error instead of a bare error, per §12.5.
func Run[T any](ctx context.Context, p *ProviderPool, fn func(ctx context.Context) (T, *gwerr.Error)) (T, *gwerr.Error) {
	var (
		result T
		ferr   *gwerr.Error
	)
	err := p.SubmitWait(ctx, func(taskCtx context.Context) error {
		result, ferr = fn(taskCtx)
		if ferr != nil {
			return ferr
		}
		return nil
	})
	if err != nil {
		if ferr != nil {
			return result, ferr
		}
		return result, gwerr.New(gwerr.ProviderUnavailable, "worker pool submission failed").WithCause(err)
	}
	return result, nil
}
