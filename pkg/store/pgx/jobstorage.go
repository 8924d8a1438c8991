package pgx

import (
	"context"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vanillabrand/fandom/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// JobDBStorage implements store.JobStore on PostgreSQL. Every method is a
// single statement or a short transaction, so several workers can share one
// database without any in-process coordination.
type JobDBStorage struct {
	conn pgxIConn

	recordChunkSize int
}

type JobDBStorageOption func(*JobDBStorage)

// WithRecordChunkSize bounds how many dataset records go into one INSERT.
func WithRecordChunkSize(n int) JobDBStorageOption {
	return func(s *JobDBStorage) {
		s.recordChunkSize = n
	}
}

// NewJobDBStorageWithConnection creates a JobDBStorage on top of an existing
// pool or connection. The schema is expected to be migrated already.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
//	jobs := pgx.NewJobDBStorageWithConnection(pool)
func NewJobDBStorageWithConnection(conn pgxIConn, opts ...JobDBStorageOption) *JobDBStorage {
	s := &JobDBStorage{
		conn:            conn,
		recordChunkSize: 1000,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

var _ store.JobStore = (*JobDBStorage)(nil)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
