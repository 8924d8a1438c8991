// Package miner defines how the coordinator runs a mining subtask and ships
// an HTTP client for scraper actors.
package miner

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanillabrand/fandom/pkg/common"
)

var ErrNoExecutor = errors.New("no executor for subtask")

// Task describes one subtask run.
type Task struct {
	JobID      string `json:"jobId"`
	Subtask    string `json:"subtask"`
	Query      string `json:"query"`
	SampleSize int    `json:"sampleSize"`
	Platform   string `json:"platform,omitempty"`
	// Handles is set for the downstream stage and lists the accounts the
	// primary subtasks surfaced.
	Handles []string `json:"handles,omitempty"`
}

// Reporter receives progress updates from a running executor. Percent is in
// [0, 100] and refers to the subtask only.
type Reporter func(percent int, stage string)

// Executor runs one mining subtask to completion.
type Executor interface {
	Run(ctx context.Context, task Task, report Reporter) (common.MinedData, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task, report Reporter) (common.MinedData, error)

func (f ExecutorFunc) Run(ctx context.Context, task Task, report Reporter) (common.MinedData, error) {
	return f(ctx, task, report)
}

// Router picks an executor by subtask name, falling back to Default.
type Router struct {
	Routes  map[string]Executor
	Default Executor
}

func (r Router) Run(ctx context.Context, task Task, report Reporter) (common.MinedData, error) {
	if e, ok := r.Routes[task.Subtask]; ok && e != nil {
		return e.Run(ctx, task, report)
	}
	if r.Default != nil {
		return r.Default.Run(ctx, task, report)
	}
	return common.MinedData{}, fmt.Errorf("%w: %s", ErrNoExecutor, task.Subtask)
}

// NopReporter discards progress.
func NopReporter(int, string) {}
