// Package history keeps a Postgres ledger of per-ad run outcomes.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"adsync/pkg/run"
)

const schema = `
CREATE TABLE IF NOT EXISTS ad_events (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT        NOT NULL,
	command      TEXT        NOT NULL,
	action       TEXT        NOT NULL,
	ad_id        BIGINT      NOT NULL DEFAULT 0,
	previous_id  BIGINT      NOT NULL DEFAULT 0,
	file         TEXT        NOT NULL DEFAULT '',
	title        TEXT        NOT NULL DEFAULT '',
	content_hash TEXT        NOT NULL DEFAULT '',
	reason       TEXT        NOT NULL DEFAULT '',
	occurred_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ad_events_ad_id_idx ON ad_events (ad_id, occurred_at DESC);
`

const insertEvent = `
INSERT INTO ad_events (run_id, command, action, ad_id, previous_id, file, title, content_hash, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const selectRecent = `
SELECT run_id, command, action, ad_id, previous_id, file, title, content_hash, reason, occurred_at
FROM ad_events
ORDER BY occurred_at DESC, id DESC
LIMIT $1`

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Ledger records run events. Verify outcomes are not recorded.
type Ledger struct {
	db     db
	close  func()
	logger *slog.Logger
}

// Open connects to dbURL and creates the ledger table when missing.
func Open(ctx context.Context, dbURL string, logger *slog.Logger) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}
	logger.Info("History ledger connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Ledger{db: pool, close: pool.Close, logger: logger}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	if l.close != nil {
		l.close()
	}
}

// Record stores one event.
func (l *Ledger) Record(ctx context.Context, e run.Event) error {
	if e.Action == run.Verified {
		return nil
	}
	_, err := l.db.Exec(ctx, insertEvent,
		e.RunID, e.Command, string(e.Action), e.AdID, e.PreviousID,
		e.File, e.Title, e.Hash, e.Reason, e.Time)
	if err != nil {
		return fmt.Errorf("insert ad event: %w", err)
	}
	l.logger.Debug("Ad event recorded", "action", e.Action, "ad_id", e.AdID, "run_id", e.RunID)
	return nil
}

// Recent returns the newest events first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]run.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("query ad events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (run.Event, error) {
		var e run.Event
		var action string
		err := row.Scan(&e.RunID, &e.Command, &action, &e.AdID, &e.PreviousID,
			&e.File, &e.Title, &e.Hash, &e.Reason, &e.Time)
		e.Action = run.Action(action)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("read ad events: %w", err)
	}
	return events, nil
}
