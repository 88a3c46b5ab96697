package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS icare_run_log (
	id         BIGSERIAL PRIMARY KEY,
	from_date  TIMESTAMPTZ NOT NULL,
	to_date    TIMESTAMPTZ NOT NULL,
	date_run   TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	tableExistsSQL = `SELECT to_regclass('icare_run_log') IS NOT NULL`
	latestToSQL    = `SELECT max(to_date) FROM icare_run_log`
	insertRunSQL   = `INSERT INTO icare_run_log (from_date, to_date, date_run) VALUES ($1, $2, $3)`
)

// querier is the subset of pgxpool.Pool used by PostgresStore.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the run history in the icare_run_log table. Each
// append is a single INSERT, so history is never rewritten.
type PostgresStore struct {
	db  querier
	now func() time.Time
}

// NewPool opens a small connection pool for the run log and verifies it.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 2
	cfg.MinConns = 0
	cfg.ConnConfig.RuntimeParams["application_name"] = "icare-extract"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Init creates the run log table when it is missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create run log table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Check(ctx context.Context) error {
	var exists bool
	if err := s.db.QueryRow(ctx, tableExistsSQL).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check run log table: %v", ErrInvalidLog, err)
	}
	if !exists {
		return fmt.Errorf("%w: table icare_run_log does not exist, run `icare-extract runlog init`", ErrInvalidLog)
	}
	return nil
}

func (s *PostgresStore) MostRecentToDate(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	if err := s.db.QueryRow(ctx, latestToSQL).Scan(&latest); err != nil {
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	return latest, nil
}

func (s *PostgresStore) AppendRun(ctx context.Context, from time.Time, to *time.Time) error {
	now := s.now()
	end := now
	if to != nil {
		end = *to
	}
	if _, err := s.db.Exec(ctx, insertRunSQL, from, end, now); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}
