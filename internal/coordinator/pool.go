package coordinator

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/miner"
)

var errNotAttached = errors.New("local pool has no signal receiver attached")

// Execute runs task on executor and reports every outcome through signals.
// An executor failure fails the subtask and is not returned. The returned
// error is a bookkeeping failure, or the context error when ctx ended before
// the executor finished; in both cases the task should be retried.
func Execute(ctx context.Context, signals Signals, executor miner.Executor, task miner.Task) error {
	if err := signals.ReportProgress(ctx, task.JobID, task.Subtask, 0, "starting"); err != nil {
		if errors.Is(err, ErrJobClosed) || errors.Is(err, ErrSubtaskClosed) {
			logger.Info("[Coordinator] Skipping closed subtask", "job_id", task.JobID, "subtask", task.Subtask, "reason", err)
			return nil
		}
		return err
	}

	report := func(percent int, stage string) {
		err := signals.ReportProgress(ctx, task.JobID, task.Subtask, percent, stage)
		if err != nil && !errors.Is(err, ErrJobClosed) && !errors.Is(err, ErrSubtaskClosed) {
			logger.Warn("[Coordinator] Failed to record progress", "job_id", task.JobID, "subtask", task.Subtask, "err", err)
		}
	}

	data, runErr := executor.Run(ctx, task, report)
	if runErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	var err error
	if runErr != nil {
		err = signals.FailSubtask(ctx, task.JobID, task.Subtask, runErr)
	} else {
		err = signals.CompleteSubtask(ctx, task.JobID, task.Subtask, data)
	}
	if errors.Is(err, ErrJobClosed) {
		return nil
	}
	return err
}

// LocalPool runs subtasks in goroutines of this process. Every subtask
// holds a slot of the global cap; downstream subtasks also hold a slot of
// the lower enrichment cap.
type LocalPool struct {
	ctx      context.Context
	executor miner.Executor
	global   *semaphore.Weighted
	enrich   *semaphore.Weighted

	mu      sync.RWMutex
	signals Signals
	wg      sync.WaitGroup
}

var _ Dispatcher = (*LocalPool)(nil)

// NewLocalPoolParams configures a LocalPool. Context bounds every subtask
// the pool starts; it defaults to context.Background. MiningParallel caps
// all running subtasks, EnrichParallel the downstream ones and is clamped
// to MiningParallel.
type NewLocalPoolParams struct {
	Context        context.Context
	Executor       miner.Executor
	MiningParallel int
	EnrichParallel int
}

// NewLocalPool creates a pool. Attach must be called before the first
// Dispatch.
//
// Example:
//
//	pool := coordinator.NewLocalPool(coordinator.NewLocalPoolParams{
//		Executor:       exec,
//		MiningParallel: 4,
//		EnrichParallel: 1,
//	})
//	c, _ := coordinator.NewCoordinator(coordinator.NewCoordinatorParams{Dispatcher: pool, ...})
//	pool.Attach(c)
func NewLocalPool(params NewLocalPoolParams) *LocalPool {
	ctx := params.Context
	if ctx == nil {
		ctx = context.Background()
	}
	mining := params.MiningParallel
	if mining <= 0 {
		mining = 4
	}
	enrich := params.EnrichParallel
	if enrich <= 0 {
		enrich = 1
	}
	enrich = min(enrich, mining)
	return &LocalPool{
		ctx:      ctx,
		executor: params.Executor,
		global:   semaphore.NewWeighted(int64(mining)),
		enrich:   semaphore.NewWeighted(int64(enrich)),
	}
}

// Attach sets the receiver of subtask signals.
func (p *LocalPool) Attach(signals Signals) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = signals
}

// Dispatch starts task in the background and returns immediately. The
// caller's ctx is not used by the subtask.
func (p *LocalPool) Dispatch(_ context.Context, task miner.Task, downstream bool) error {
	p.mu.RLock()
	signals := p.signals
	p.mu.RUnlock()
	if signals == nil {
		return errNotAttached
	}
	if p.executor == nil {
		return miner.ErrNoExecutor
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// the enrichment slot is taken first so a waiting downstream
		// subtask never holds a global slot
		if downstream {
			if err := p.enrich.Acquire(p.ctx, 1); err != nil {
				logger.Warn("[Pool] Subtask not started", "job_id", task.JobID, "subtask", task.Subtask, "err", err)
				return
			}
			defer p.enrich.Release(1)
		}
		if err := p.global.Acquire(p.ctx, 1); err != nil {
			logger.Warn("[Pool] Subtask not started", "job_id", task.JobID, "subtask", task.Subtask, "err", err)
			return
		}
		defer p.global.Release(1)

		if err := Execute(p.ctx, signals, p.executor, task); err != nil {
			logger.Error("[Pool] Subtask bookkeeping failed", "job_id", task.JobID, "subtask", task.Subtask, "err", err)
			// nothing will redeliver the task, so close the subtask out
			ferr := signals.FailSubtask(context.WithoutCancel(p.ctx), task.JobID, task.Subtask, err)
			if ferr != nil && !errors.Is(ferr, ErrJobClosed) {
				logger.Error("[Pool] Failed to fail subtask", "job_id", task.JobID, "subtask", task.Subtask, "err", ferr)
			}
		}
	}()
	return nil
}

// Wait blocks until every dispatched subtask returned, including the ones
// dispatched while waiting.
func (p *LocalPool) Wait() {
	p.wg.Wait()
}
