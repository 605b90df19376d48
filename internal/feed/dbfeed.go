package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secureauth/honeysap/internal/session"
)

// DBFeed writes each event as a row in a Postgres table, grounded on
// original_source/honeysap/feeds/dbfeed.py's SQLAlchemy-backed sink and
// wired through the teacher's connect/pgx pgxpool.Pool usage.
type DBFeed struct {
	dsn       string
	tableName string
	pool      *pgxpool.Pool
	logger    *slog.Logger
}

// NewDBFeed creates a sink that inserts into tableName over a pgxpool.Pool
// connected with dsn. logger scopes insert failures the caller otherwise
// only sees wrapped in the feed pipeline's own error path.
func NewDBFeed(dsn, tableName string, logger *slog.Logger) *DBFeed {
	if tableName == "" {
		tableName = "honeysap_events"
	}
	return &DBFeed{dsn: dsn, tableName: tableName, logger: logger}
}

func (f *DBFeed) Name() string { return "db" }

func (f *DBFeed) Setup(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, f.dsn)
	if err != nil {
		return fmt.Errorf("feed: connect to database: %w", err)
	}
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		event TEXT NOT NULL,
		service TEXT NOT NULL,
		source_ip TEXT NOT NULL,
		source_port INTEGER NOT NULL,
		target_ip TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL
	)`, f.tableName)
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return fmt.Errorf("feed: create events table: %w", err)
	}
	f.pool = pool
	return nil
}

func (f *DBFeed) Stop(ctx context.Context) error {
	if f.pool != nil {
		f.pool.Close()
	}
	return nil
}

func (f *DBFeed) Log(ctx context.Context, event session.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	s := event.Session()
	insert := fmt.Sprintf(`INSERT INTO %s
		(session_id, event, service, source_ip, source_port, target_ip, target_port, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, f.tableName)
	_, err = f.pool.Exec(ctx, insert,
		s.ID.String(), event.Kind, s.Service, s.SourceIP, s.SourcePort, s.TargetIP, s.TargetPort,
		event.Timestamp, payload)
	if err != nil {
		f.logger.Warn("dbfeed: insert failed", "session", s.ID, "error", err)
		return fmt.Errorf("feed: insert event: %w", err)
	}
	return nil
}

func (f *DBFeed) Consume(ctx context.Context, out chan<- session.Event) error {
	return fmt.Errorf("feed: db sink cannot be consumed")
}
