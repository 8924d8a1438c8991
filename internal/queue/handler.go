package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/miner"
)

// QueueSubtaskMsg is the body of every mining and enrichment message.
type QueueSubtaskMsg struct {
	Message    string     `json:"message"`
	Task       miner.Task `json:"task"`
	Downstream bool       `json:"downstream"`
}

// Dispatcher publishes subtasks to RabbitMQ. Primary subtasks go to
// MiningQueue and the downstream subtask to EnrichmentQueue.
type Dispatcher struct {
	mu sync.Mutex
	ch Publisher
}

var _ coordinator.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(ch Publisher) *Dispatcher {
	return &Dispatcher{ch: ch}
}

func (d *Dispatcher) Dispatch(ctx context.Context, task miner.Task, downstream bool) error {
	queueName := MiningQueue
	message := "Mining subtask"
	if downstream {
		queueName = EnrichmentQueue
		message = "Enrichment subtask"
	}

	msgBytes, err := json.Marshal(QueueSubtaskMsg{
		Message:    message,
		Task:       task,
		Downstream: downstream,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := PublishFIFO(d.ch, queueName, msgBytes); err != nil {
		return fmt.Errorf("failed to publish %s/%s to %s: %w", task.JobID, task.Subtask, queueName, err)
	}
	logger.Debug("[Queue] Published subtask", "job_id", task.JobID, "subtask", task.Subtask, "queue", queueName)
	return nil
}

// ProcessSubtaskMessage runs the subtask carried by msg and reports its
// outcome through signals. Malformed messages are rejected without retry;
// every other error is worth another delivery.
func ProcessSubtaskMessage(
	ctx context.Context,
	signals coordinator.Signals,
	executor miner.Executor,
	msg string,
) error {
	data := new(QueueSubtaskMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if data.Task.JobID == "" || data.Task.Subtask == "" {
		return fmt.Errorf("%w: missing job id or subtask", ErrMalformedMessage)
	}

	logger.Info("[Queue] Running subtask", "job_id", data.Task.JobID, "subtask", data.Task.Subtask, "downstream", data.Downstream)
	err := coordinator.Execute(ctx, signals, executor, data.Task)
	if errors.Is(err, coordinator.ErrJobNotFound) || errors.Is(err, coordinator.ErrUnknownSubtask) {
		logger.Warn("[Queue] Dropping subtask for unknown job", "job_id", data.Task.JobID, "subtask", data.Task.Subtask, "err", err)
		return nil
	}
	return err
}

// ErrMalformedMessage marks a message that can never be processed.
var ErrMalformedMessage = errors.New("malformed queue message")
