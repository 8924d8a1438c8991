package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/store"
)

// CreateJob inserts the job row and one row per subtask in one transaction.
func (s *JobDBStorage) CreateJob(ctx context.Context, job *common.Job) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal job metadata: %w", err)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertJobSQL, job.ID, string(job.Status), job.Progress, job.Stage, meta)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
		}
		return err
	}

	for name, rec := range job.Subtasks {
		_, err := tx.Exec(ctx, insertSubtaskSQL, job.ID, name, string(rec.State), rec.Progress, rec.Stage)
		if err != nil {
			return err
		}
	}

	logger.Debug("[Store] Created job", "job_id", job.ID, "subtasks", len(job.Subtasks))
	return tx.Commit(ctx)
}

// GetJob loads the job row together with its subtasks, results and errors.
func (s *JobDBStorage) GetJob(ctx context.Context, id string) (*common.Job, error) {
	j := &common.Job{
		Subtasks: make(map[string]*common.SubtaskRecord),
		Results:  make(map[string]common.MinedData),
		Errors:   make(map[string]string),
	}

	var status string
	var meta []byte
	err := s.conn.QueryRow(ctx, selectJobSQL, id).Scan(
		&j.ID,
		&status,
		&j.Progress,
		&j.Stage,
		&meta,
		&j.DownstreamDispatched,
		&j.SynthesisStarted,
		&j.ResultKey,
		&j.DatasetID,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
		}
		return nil, err
	}
	j.Status = common.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode job metadata: %w", err)
		}
	}

	rows, err := s.conn.Query(ctx, selectSubtasksSQL, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec   common.SubtaskRecord
			state string
			data  []byte
		)
		if err := rows.Scan(&rec.Name, &state, &rec.Progress, &rec.Stage, &rec.Error, &data, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.State = common.SubtaskState(state)
		j.Subtasks[rec.Name] = &rec
		if len(data) > 0 {
			var md common.MinedData
			if err := json.Unmarshal(data, &md); err != nil {
				return nil, fmt.Errorf("failed to decode result of %s: %w", rec.Name, err)
			}
			j.Results[rec.Name] = md
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	errRows, err := s.conn.Query(ctx, selectErrorsSQL, id)
	if err != nil {
		return nil, err
	}
	defer errRows.Close()
	for errRows.Next() {
		var key, msg string
		if err := errRows.Scan(&key, &msg); err != nil {
			return nil, err
		}
		j.Errors[key] = msg
	}
	return j, errRows.Err()
}

// UpdateSubtask locks the subtask row, applies fn and writes the row back.
// Nothing outside the named subtask is modified.
func (s *JobDBStorage) UpdateSubtask(
	ctx context.Context,
	jobID, name string,
	fn func(rec *common.SubtaskRecord) error,
) (*common.Job, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec := common.SubtaskRecord{Name: name}
	var state string
	err = tx.QueryRow(ctx, lockSubtaskSQL, jobID, name).Scan(&state, &rec.Progress, &rec.Stage, &rec.Error, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			if _, jerr := s.GetJob(ctx, jobID); jerr != nil {
				return nil, jerr
			}
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownSubtask, name)
		}
		return nil, err
	}
	rec.State = common.SubtaskState(state)

	if err := fn(&rec); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, updateSubtaskSQL, jobID, name, string(rec.State), rec.Progress, rec.Stage, rec.Error)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, touchJobSQL, jobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return s.GetJob(ctx, jobID)
}

func (s *JobDBStorage) PutResult(ctx context.Context, jobID, name string, data common.MinedData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal result of %s: %w", name, err)
	}
	tag, err := s.conn.Exec(ctx, putResultSQL, jobID, name, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrUnknownSubtask, name)
	}
	return nil
}

func (s *JobDBStorage) PutError(ctx context.Context, jobID, key, message string) error {
	_, err := s.conn.Exec(ctx, putErrorSQL, jobID, key, message)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		return err
	}
	return nil
}

func (s *JobDBStorage) SetStatus(ctx context.Context, jobID string, status common.JobStatus) (bool, error) {
	return s.execGuarded(ctx, setStatusSQL, jobID, string(status))
}

func (s *JobDBStorage) RaiseProgress(ctx context.Context, jobID string, progress int, stage string) error {
	ok, err := s.execGuarded(ctx, raiseProgressSQL, jobID, min(progress, 100), stage)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *JobDBStorage) SetArtifacts(ctx context.Context, jobID, resultKey, datasetID string) error {
	ok, err := s.execGuarded(ctx, setArtifactsSQL, jobID, resultKey, datasetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *JobDBStorage) TryMarkDownstreamDispatched(ctx context.Context, jobID string) (bool, error) {
	return s.compareAndSet(ctx, markDownstreamSQL, jobID)
}

func (s *JobDBStorage) TryStartSynthesis(ctx context.Context, jobID string) (bool, error) {
	return s.compareAndSet(ctx, startSynthesisSQL, jobID)
}

// compareAndSet runs a conditional UPDATE. A miss is disambiguated into
// "already set" and "no such job".
func (s *JobDBStorage) compareAndSet(ctx context.Context, sql, jobID string) (bool, error) {
	ok, err := s.execGuarded(ctx, sql, jobID)
	if err != nil || ok {
		return ok, err
	}
	var exists bool
	if err := s.conn.QueryRow(ctx, jobExistsSQL, jobID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return false, nil
}

func (s *JobDBStorage) execGuarded(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const insertJobSQL = `
INSERT INTO jobs (id, status, progress, stage, metadata)
VALUES ($1, $2, $3, $4, $5);
`

const insertSubtaskSQL = `
INSERT INTO job_subtasks (job_id, name, state, progress, stage)
VALUES ($1, $2, $3, $4, $5);
`

const selectJobSQL = `
SELECT id, status, progress, stage, metadata, downstream_dispatched,
       synthesis_started, result_key, dataset_id, created_at, updated_at
FROM jobs
WHERE id = $1;
`

const selectSubtasksSQL = `
SELECT name, state, progress, stage, error, data, updated_at
FROM job_subtasks
WHERE job_id = $1
ORDER BY name;
`

const selectErrorsSQL = `
SELECT key, message
FROM job_errors
WHERE job_id = $1
ORDER BY key;
`

const lockSubtaskSQL = `
SELECT state, progress, stage, error, updated_at
FROM job_subtasks
WHERE job_id = $1 AND name = $2
FOR UPDATE;
`

const updateSubtaskSQL = `
UPDATE job_subtasks
SET state = $3, progress = $4, stage = $5, error = $6, updated_at = now()
WHERE job_id = $1 AND name = $2;
`

const touchJobSQL = `
UPDATE jobs SET updated_at = now() WHERE id = $1;
`

const putResultSQL = `
UPDATE job_subtasks
SET data = $3, updated_at = now()
WHERE job_id = $1 AND name = $2;
`

const putErrorSQL = `
INSERT INTO job_errors (job_id, key, message)
VALUES ($1, $2, $3)
ON CONFLICT (job_id, key) DO UPDATE
SET message = EXCLUDED.message;
`

const setStatusSQL = `
UPDATE jobs
SET status = $2, updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'aborted');
`

const raiseProgressSQL = `
UPDATE jobs
SET progress   = GREATEST(progress, $2),
    stage      = CASE WHEN $3 = '' THEN stage ELSE $3 END,
    updated_at = now()
WHERE id = $1;
`

const setArtifactsSQL = `
UPDATE jobs
SET result_key = CASE WHEN $2 = '' THEN result_key ELSE $2 END,
    dataset_id = CASE WHEN $3 = '' THEN dataset_id ELSE $3 END,
    updated_at = now()
WHERE id = $1;
`

const markDownstreamSQL = `
UPDATE jobs
SET downstream_dispatched = true, updated_at = now()
WHERE id = $1 AND NOT downstream_dispatched;
`

const startSynthesisSQL = `
UPDATE jobs
SET synthesis_started = true, updated_at = now()
WHERE id = $1 AND NOT synthesis_started;
`

const jobExistsSQL = `
SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1);
`
