package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vanillabrand/fandom/pkg/common"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrUnknownSubtask  = errors.New("unknown subtask")
	ErrDatasetNotFound = errors.New("dataset not found")
)

// JobStore persists jobs and the datasets derived from them.
//
// Writes are field scoped: a subtask update touches only that subtask's
// record, status writes never leave a terminal state, and progress only
// ever increases. The Try* methods are compare-and-set guards that return
// true for exactly one caller per job.
type JobStore interface {
	CreateJob(ctx context.Context, job *common.Job) error
	GetJob(ctx context.Context, id string) (*common.Job, error)

	// UpdateSubtask applies fn to the named subtask record under a row lock
	// and returns a snapshot of the whole job after the write.
	UpdateSubtask(ctx context.Context, jobID, name string, fn func(rec *common.SubtaskRecord) error) (*common.Job, error)
	PutResult(ctx context.Context, jobID, name string, data common.MinedData) error
	PutError(ctx context.Context, jobID, key, message string) error

	// SetStatus moves a non-terminal job to status and reports whether the
	// write happened.
	SetStatus(ctx context.Context, jobID string, status common.JobStatus) (bool, error)
	RaiseProgress(ctx context.Context, jobID string, progress int, stage string) error
	SetArtifacts(ctx context.Context, jobID, resultKey, datasetID string) error

	TryMarkDownstreamDispatched(ctx context.Context, jobID string) (bool, error)
	TryStartSynthesis(ctx context.Context, jobID string) (bool, error)

	CreateDataset(ctx context.Context, ds common.Dataset) error
	InsertRecords(ctx context.Context, datasetID string, records []json.RawMessage) (int, error)
}

// ChunkRange calls fn for consecutive [start, end) windows of at most
// chunkSize elements.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// EncodeRecords marshals each value into its own JSON document, ready for
// InsertRecords.
func EncodeRecords[T any](values []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(values))
	for i := range values {
		b, err := json.Marshal(values[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
