// Package audit keeps a PostgreSQL ledger of conversion attempts.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one finished conversion request.
type Entry struct {
	ID         string
	FileName   string
	Outcome    string
	NativeCode *int
	DurationMs int64
	SizeBytes  int64
	FinishedAt time.Time
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards entries; it is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres writes entries to the conversions table.
type Postgres struct {
	db   execer
	pool *pgxpool.Pool
}

// Open connects to dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	const query = `
        INSERT INTO conversions (id, file_name, outcome, native_code, duration_ms, size_bytes, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id)
        DO UPDATE SET outcome = EXCLUDED.outcome,
                      native_code = EXCLUDED.native_code,
                      duration_ms = EXCLUDED.duration_ms,
                      size_bytes = EXCLUDED.size_bytes,
                      finished_at = EXCLUDED.finished_at;`
	finished := e.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx, query, e.ID, e.FileName, e.Outcome, e.NativeCode, e.DurationMs, e.SizeBytes, finished)
	return err
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func migrate(ctx context.Context, db execer) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS conversions (
            id UUID PRIMARY KEY,
            file_name TEXT NOT NULL,
            outcome TEXT NOT NULL,
            native_code INTEGER,
            duration_ms BIGINT NOT NULL DEFAULT 0,
            size_bytes BIGINT NOT NULL DEFAULT 0,
            finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`
	_, err := db.Exec(ctx, stmt)
	return err
}
