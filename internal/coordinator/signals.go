package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
)


// Error key prefixes used in Job.Errors. The key is "<stage>:<subtask>".
const (
	StageMining     = "mining"
	StageEnrichment = "enrichment"
	StageSynthesis  = "synthesis"
	StageSummarize  = "summarize"
	StageDataset    = "dataset"
)

// ReportProgress records an intermediate update of a running subtask and
// recomputes the job's progress band and composite stage.
func (c *Coordinator) ReportProgress(ctx context.Context, jobID, name string, percent int, stage string) error {
	percent = max(0, min(percent, 100))
	err := c.withJob(ctx, jobID, func(ctx context.Context) error {
		if err := c.openSubtask(ctx, jobID, name); err != nil {
			return err
		}
		job, err := c.store.UpdateSubtask(ctx, jobID, name, func(rec *common.SubtaskRecord) error {
			if rec.State.Terminal() {
				return ErrSubtaskClosed
			}
			rec.State = common.SubtaskRunning
			rec.Progress = max(rec.Progress, percent)
			if stage != "" {
				rec.Stage = stage
			}
			return nil
		})
		if err != nil {
			return err
		}
		return c.raiseMiningProgress(ctx, job, name)
	})
	return c.settle(jobID, name, "progress", err)
}

// CompleteSubtask stores data for the subtask, marks it completed and
// re-evaluates readiness. Synthesis may run inside this call.
func (c *Coordinator) CompleteSubtask(ctx context.Context, jobID, name string, data common.MinedData) error {
	err := c.withJob(ctx, jobID, func(ctx context.Context) error {
		if err := c.openSubtask(ctx, jobID, name); err != nil {
			return err
		}
		util.SanitizeRecords(data.Items)
		if err := c.store.PutResult(ctx, jobID, name, data); err != nil {
			return fmt.Errorf("failed to store result of %s/%s: %w", jobID, name, err)
		}
		job, err := c.store.UpdateSubtask(ctx, jobID, name, func(rec *common.SubtaskRecord) error {
			if rec.State.Terminal() {
				return ErrSubtaskClosed
			}
			rec.State = common.SubtaskCompleted
			rec.Progress = 100
			rec.Stage = string(common.SubtaskCompleted)
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("[Coordinator] Subtask completed", "job_id", jobID, "subtask", name, "items", len(data.Items))
		return c.raiseMiningProgress(ctx, job, name)
	})
	if err := c.settle(jobID, name, "complete", err); err != nil {
		return err
	}
	return c.advance(ctx, jobID)
}

// FailSubtask marks the subtask failed and keeps its error on the job. The
// job itself carries on; the subtask simply contributes no data.
func (c *Coordinator) FailSubtask(ctx context.Context, jobID, name string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := c.withJob(ctx, jobID, func(ctx context.Context) error {
		if err := c.openSubtask(ctx, jobID, name); err != nil {
			return err
		}
		job, err := c.store.UpdateSubtask(ctx, jobID, name, func(rec *common.SubtaskRecord) error {
			if rec.State.Terminal() {
				return ErrSubtaskClosed
			}
			rec.State = common.SubtaskFailed
			rec.Error = msg
			rec.Stage = string(common.SubtaskFailed)
			return nil
		})
		if err != nil {
			return err
		}
		if err := c.store.PutError(ctx, jobID, c.errorKey(name), msg); err != nil {
			return fmt.Errorf("failed to store error of %s/%s: %w", jobID, name, err)
		}
		logger.Warn("[Coordinator] Subtask failed", "job_id", jobID, "subtask", name, "err", msg)
		return c.raiseMiningProgress(ctx, job, name)
	})
	if err := c.settle(jobID, name, "fail", err); err != nil {
		return err
	}
	return c.advance(ctx, jobID)
}

// openSubtask loads the job and checks that it and the subtask accept
// signals.
func (c *Coordinator) openSubtask(ctx context.Context, jobID, name string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
	}
	rec, ok := job.Subtasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, name)
	}
	if name == c.downstream && !job.DownstreamDispatched {
		return fmt.Errorf("%w: %s of %s", ErrNotDispatched, name, jobID)
	}
	if rec.State.Terminal() {
		return ErrSubtaskClosed
	}
	return nil
}

// raiseMiningProgress moves the job within the mining band. Downstream
// updates only touch the stage since the band is already full by then.
func (c *Coordinator) raiseMiningProgress(ctx context.Context, job *common.Job, name string) error {
	var err error
	if name == c.downstream {
		rec := job.Subtasks[name]
		label := rec.Stage
		if label == "" {
			label = fmt.Sprintf("%d%%", util.SubtaskPercent(rec))
		}
		err = c.store.RaiseProgress(ctx, job.ID, 0, name+": "+label)
	} else {
		progress := util.CalculateMiningProgress(job.Subtasks, c.required)
		err = c.store.RaiseProgress(ctx, job.ID, progress, util.BuildCompositeStage(job.Subtasks, c.required))
	}
	if err != nil {
		return fmt.Errorf("failed to update progress of %s: %w", job.ID, err)
	}
	return nil
}

// settle turns a duplicate terminal signal into a no-op and logs signals
// that arrive for closed jobs. Progress for a closed subtask is reported as
// ErrSubtaskClosed so that a runner can skip the work.
func (c *Coordinator) settle(jobID, name, signal string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSubtaskClosed):
		logger.Debug("[Coordinator] Ignoring signal for closed subtask", "job_id", jobID, "subtask", name, "signal", signal)
		if signal == "progress" {
			return err
		}
		return nil
	case errors.Is(err, ErrJobClosed):
		logger.Info("[Coordinator] Discarding late signal", "job_id", jobID, "subtask", name, "signal", signal)
	}
	return err
}

func (c *Coordinator) errorKey(name string) string {
	if name == c.downstream {
		return StageEnrichment + ":" + name
	}
	return StageMining + ":" + name
}
