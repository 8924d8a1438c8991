package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/miner"
	"github.com/vanillabrand/fandom/pkg/store"
)

// DispatchRequest carries the parameters of a new job.
type DispatchRequest struct {
	JobID      string
	Query      string
	SampleSize int
	Platform   string
	Intent     string
	Profile    string
}

// Submit assigns a fresh id to req and dispatches it.
func (c *Coordinator) Submit(ctx context.Context, req DispatchRequest) (string, error) {
	id, err := util.NewJobID()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	req.JobID = id
	if err := c.Dispatch(ctx, req); err != nil {
		return id, err
	}
	return id, nil
}

// Dispatch creates the job, marks every required subtask pending and hands
// each of them to the dispatcher. A subtask the dispatcher refuses is failed
// right away so the job can still reach synthesis. Dispatching a job id that
// already exists only re-dispatches subtasks that are still pending.
func (c *Coordinator) Dispatch(ctx context.Context, req DispatchRequest) error {
	if strings.TrimSpace(req.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return errors.New("query is required")
	}
	if req.SampleSize <= 0 {
		return errors.New("sample size must be positive")
	}

	job := c.newJob(req)
	if err := c.store.CreateJob(ctx, job); err != nil {
		if !errors.Is(err, store.ErrJobExists) {
			return fmt.Errorf("failed to create job %s: %w", req.JobID, err)
		}
		existing, err := c.store.GetJob(ctx, req.JobID)
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrJobClosed, req.JobID, existing.Status)
		}
		job = existing
	}

	if _, err := c.store.SetStatus(ctx, req.JobID, common.JobRunning); err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", req.JobID, err)
	}
	if err := c.store.RaiseProgress(ctx, req.JobID, util.DispatchProgress, "dispatching"); err != nil {
		return fmt.Errorf("failed to set dispatch progress for %s: %w", req.JobID, err)
	}

	logger.Info("[Coordinator] Dispatching job", "job_id", req.JobID, "query", req.Query, "sample_size", req.SampleSize)

	for _, name := range c.required {
		if rec := job.Subtasks[name]; rec != nil && rec.State != common.SubtaskPending {
			continue
		}
		task := c.task(job, name, nil)
		if err := c.dispatcher.Dispatch(ctx, task, false); err != nil {
			logger.Error("[Coordinator] Failed to dispatch subtask", "job_id", req.JobID, "subtask", name, "err", err)
			if ferr := c.FailSubtask(ctx, req.JobID, name, fmt.Errorf("dispatch failed: %w", err)); ferr != nil && !errors.Is(ferr, ErrJobClosed) {
				return ferr
			}
		}
	}
	return nil
}

// Abort moves a running job to aborted. Subtasks already in flight keep
// running but their signals are discarded.
func (c *Coordinator) Abort(ctx context.Context, jobID string) error {
	ok, err := c.store.SetStatus(ctx, jobID, common.JobAborted)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobClosed, jobID)
	}
	logger.Info("[Coordinator] Job aborted", "job_id", jobID)
	return nil
}

func (c *Coordinator) newJob(req DispatchRequest) *common.Job {
	ts := c.now()
	job := &common.Job{
		ID:       req.JobID,
		Status:   common.JobQueued,
		Subtasks: make(map[string]*common.SubtaskRecord, len(c.required)+1),
		Results:  map[string]common.MinedData{},
		Errors:   map[string]string{},
		Metadata: common.JobMetadata{
			Query:      req.Query,
			SampleSize: req.SampleSize,
			Platform:   req.Platform,
			Intent:     req.Intent,
			Profile:    req.Profile,
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	names := c.required
	if c.downstream != "" {
		names = append(names[:len(names):len(names)], c.downstream)
	}
	for _, name := range names {
		job.Subtasks[name] = &common.SubtaskRecord{
			Name:      name,
			State:     common.SubtaskPending,
			UpdatedAt: ts,
		}
	}
	return job
}

func (c *Coordinator) task(job *common.Job, name string, handles []string) miner.Task {
	return miner.Task{
		JobID:      job.ID,
		Subtask:    name,
		Query:      job.Metadata.Query,
		SampleSize: job.Metadata.SampleSize,
		Platform:   job.Metadata.Platform,
		Handles:    handles,
	}
}
