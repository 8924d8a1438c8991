package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/store"
)

func (s *JobDBStorage) CreateDataset(ctx context.Context, ds common.Dataset) error {
	meta := []byte(ds.Meta)
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := s.conn.Exec(ctx, insertDatasetSQL, ds.ID, ds.JobID, ds.Name, ds.Kind, meta)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, ds.JobID)
		}
		return err
	}
	return nil
}

// InsertRecords appends records to a dataset in chunks, one transaction per
// chunk. Records keep their input order.
func (s *JobDBStorage) InsertRecords(ctx context.Context, datasetID string, records []json.RawMessage) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	logger.Debug("[Store] Inserting dataset records", "dataset_id", datasetID, "records", len(records))

	inserted := 0
	err := store.ChunkRange(len(records), s.recordChunkSize, func(start, end int) error {
		docs := make([]string, 0, end-start)
		for _, r := range records[start:end] {
			docs = append(docs, string(r))
		}

		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, insertRecordsSQL, datasetID, docs)
		if err != nil {
			if pgCode(err) == pgForeignKeyViolation {
				return fmt.Errorf("%w: %s", store.ErrDatasetNotFound, datasetID)
			}
			return fmt.Errorf("failed to insert dataset records: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		inserted += int(tag.RowsAffected())
		return nil
	})
	return inserted, err
}

const insertDatasetSQL = `
INSERT INTO datasets (id, job_id, name, kind, meta)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING;
`

const insertRecordsSQL = `
INSERT INTO dataset_records (dataset_id, data)
SELECT $1, d.doc::jsonb
FROM unnest($2::text[]) WITH ORDINALITY AS d(doc, ord)
ORDER BY d.ord;
`
