package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/harvest/writable"
)

const pgSchema = `CREATE TABLE IF NOT EXISTS harvest_writables (
	id                 UUID PRIMARY KEY,
	schema_name        TEXT NOT NULL,
	query              TEXT NOT NULL DEFAULT '',
	page               INTEGER NOT NULL,
	item_index         INTEGER NOT NULL,
	source_url         TEXT NOT NULL DEFAULT '',
	fetched_at         TIMESTAMPTZ NOT NULL,
	complete           BOOLEAN NOT NULL,
	required_satisfied BOOLEAN NOT NULL,
	record             JSONB NOT NULL
)`

const pgInsert = `INSERT INTO harvest_writables
	(id, schema_name, query, page, item_index, source_url, fetched_at, complete, required_satisfied, record)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO NOTHING`

// Postgres buffers records and inserts them in batches.
type Postgres struct {
	pool  *pgxpool.Pool
	batch int

	mu      sync.Mutex
	pending [][]any
	closed  bool
}

// PostgresConfig tunes the Postgres sink.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	// Batch is the number of records buffered before a flush. Default 100.
	Batch int
	// SimpleProtocol disables prepared statements for pgbouncer.
	SimpleProtocol bool
}

// OpenPostgres connects and creates the table.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 2
	}
	pc.MaxConns = int32(cfg.MaxConns)
	if cfg.SimpleProtocol {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: postgres schema: %w", err)
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Postgres{pool: pool, batch: cfg.Batch}, nil
}

func pgArgs(w *writable.Writable) ([]any, error) {
	rec, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	m, v := w.Meta(), w.Validation()
	return []any{w.ID(), m.Schema, m.Query, m.Page, m.Index, m.SourceURL,
		m.FetchedAt.UTC(), v.Complete, v.RequiredSatisfied, rec}, nil
}

func (p *Postgres) Write(ctx context.Context, w *writable.Writable) error {
	args, err := pgArgs(w)
	if err != nil {
		return fmt.Errorf("sink: postgres: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.pending = append(p.pending, args)
	if len(p.pending) < p.batch {
		return nil
	}
	return p.flushLocked(ctx)
}

// Flush sends buffered records.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

func (p *Postgres) flushLocked(ctx context.Context) error {
	if len(p.pending) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, args := range p.pending {
		b.Queue(pgInsert, args...)
	}
	br := p.pool.SendBatch(ctx, b)
	for range p.pending {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("sink: postgres insert: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("sink: postgres batch: %w", err)
	}
	p.pending = p.pending[:0]
	return nil
}

// Close flushes pending records and closes the pool.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.flushLocked(ctx)
	p.pool.Close()
	return err
}
