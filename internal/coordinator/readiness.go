package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/vanillabrand/fandom/pkg/aggregate"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
)

// downstreamHandleLimit caps the accounts handed to the enrichment stage.
const downstreamHandleLimit = 50

// advance re-evaluates a job after a terminal signal. It runs outside the
// per-job lock; the store's compare-and-set flags make concurrent callers
// agree on a single winner for each step.
func (c *Coordinator) advance(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || !c.primariesDone(job) {
		return nil
	}

	if c.downstream != "" {
		if !job.DownstreamDispatched {
			won, err := c.store.TryMarkDownstreamDispatched(ctx, jobID)
			if err != nil {
				return fmt.Errorf("failed to claim downstream dispatch of %s: %w", jobID, err)
			}
			if !won {
				return nil
			}
			return c.dispatchDownstream(ctx, job)
		}
		if rec := job.Subtasks[c.downstream]; rec != nil && !rec.State.Terminal() {
			return nil
		}
	}

	won, err := c.store.TryStartSynthesis(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to claim synthesis of %s: %w", jobID, err)
	}
	if !won {
		return nil
	}
	return c.synthesize(ctx, jobID)
}

func (c *Coordinator) primariesDone(job *common.Job) bool {
	for _, name := range c.required {
		rec := job.Subtasks[name]
		if rec == nil || !rec.State.Terminal() {
			return false
		}
	}
	return true
}

// dispatchDownstream hands the enrichment subtask to the dispatcher. A
// refused dispatch fails the subtask, which lets synthesis proceed without
// it.
func (c *Coordinator) dispatchDownstream(ctx context.Context, job *common.Job) error {
	task := c.task(job, c.downstream, c.topHandles(job))
	logger.Info("[Coordinator] Dispatching downstream subtask", "job_id", job.ID, "subtask", c.downstream, "handles", len(task.Handles))
	if err := c.dispatcher.Dispatch(ctx, task, true); err != nil {
		logger.Error("[Coordinator] Failed to dispatch downstream subtask", "job_id", job.ID, "subtask", c.downstream, "err", err)
		return c.FailSubtask(ctx, job.ID, c.downstream, fmt.Errorf("dispatch failed: %w", err))
	}
	return nil
}

// topHandles returns the most referenced accounts across the primary
// results.
func (c *Coordinator) topHandles(job *common.Job) []string {
	agg := aggregate.New()
	for _, name := range sortedNames(job.Results) {
		if name == c.downstream {
			continue
		}
		agg.AddRecords(name, job.Results[name].Items)
	}
	entities := agg.Entities()
	out := make([]string, 0, min(len(entities), downstreamHandleLimit))
	for _, ent := range entities {
		if len(out) == downstreamHandleLimit {
			break
		}
		out = append(out, ent.Username)
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
