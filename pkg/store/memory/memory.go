// Package memory is an in-process JobStore used by tests and single-binary
// deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/store"
)

type Store struct {
	mu       sync.Mutex
	jobs     map[string]*common.Job
	datasets map[string]common.Dataset
	records  map[string][]json.RawMessage
	now      func() time.Time
}

// New returns an empty store. A nil now uses time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		jobs:     make(map[string]*common.Job),
		datasets: make(map[string]common.Dataset),
		records:  make(map[string][]json.RawMessage),
		now:      now,
	}
}

var _ store.JobStore = (*Store)(nil)

func (s *Store) CreateJob(ctx context.Context, job *common.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
	}
	j := job.Clone()
	ts := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = ts
	}
	j.UpdatedAt = ts
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*common.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

func (s *Store) job(id string) (*common.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return j, nil
}

func (s *Store) UpdateSubtask(
	ctx context.Context,
	jobID, name string,
	fn func(rec *common.SubtaskRecord) error,
) (*common.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return nil, err
	}
	rec, ok := j.Subtasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownSubtask, name)
	}

	// fn works on a copy so a failed update leaves the record untouched
	next := *rec
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.Name = name
	next.UpdatedAt = s.now()
	j.Subtasks[name] = &next
	j.UpdatedAt = next.UpdatedAt
	return j.Clone(), nil
}

func (s *Store) PutResult(ctx context.Context, jobID, name string, data common.MinedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if j.Results == nil {
		j.Results = make(map[string]common.MinedData)
	}
	items := make([]common.RawRecord, len(data.Items))
	copy(items, data.Items)
	j.Results[name] = common.MinedData{Items: items}
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) PutError(ctx context.Context, jobID, key, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if j.Errors == nil {
		j.Errors = make(map[string]string)
	}
	j.Errors[key] = message
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetStatus(ctx context.Context, jobID string, status common.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return false, err
	}
	if j.Status.Terminal() {
		return false, nil
	}
	j.Status = status
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) RaiseProgress(ctx context.Context, jobID string, progress int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if progress > j.Progress {
		j.Progress = min(progress, 100)
	}
	if stage != "" {
		j.Stage = stage
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetArtifacts(ctx context.Context, jobID, resultKey, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if resultKey != "" {
		j.ResultKey = resultKey
	}
	if datasetID != "" {
		j.DatasetID = datasetID
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) TryMarkDownstreamDispatched(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return false, err
	}
	if j.DownstreamDispatched {
		return false, nil
	}
	j.DownstreamDispatched = true
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) TryStartSynthesis(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return false, err
	}
	if j.SynthesisStarted {
		return false, nil
	}
	j.SynthesisStarted = true
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) CreateDataset(ctx context.Context, ds common.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = s.now()
	}
	s.datasets[ds.ID] = ds
	return nil
}

func (s *Store) InsertRecords(ctx context.Context, datasetID string, records []json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.datasets[datasetID]; !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, datasetID)
	}
	for _, r := range records {
		cp := make(json.RawMessage, len(r))
		copy(cp, r)
		s.records[datasetID] = append(s.records[datasetID], cp)
	}
	return len(records), nil
}

// Dataset returns a stored dataset and its records.
func (s *Store) Dataset(id string) (common.Dataset, []json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.datasets[id]
	if !ok {
		return common.Dataset{}, nil, false
	}
	recs := make([]json.RawMessage, len(s.records[id]))
	copy(recs, s.records[id])
	return ds, recs, true
}
