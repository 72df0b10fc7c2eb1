package pgpool

import (
	"context"
	"fmt"
)

func migrationSQL(ns string) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, ns),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.records (
	id           TEXT PRIMARY KEY,
	item_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload      JSONB NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (item_id, content_hash)
)`, ns),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.runs (
	run_id      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	processed   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	elapsed_ms  BIGINT NOT NULL
)`, ns),
	}
}

func upsertRecordSQL(ns string) string {
	return fmt.Sprintf(`
INSERT INTO %s.records (id, item_id, kind, content_hash, payload, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (item_id, content_hash) DO UPDATE
SET payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at, updated_at = now()
RETURNING id`, ns)
}

func insertRunSQL(ns string) string {
	return fmt.Sprintf(`
INSERT INTO %s.runs (run_id, source, processed, failed, started_at, finished_at, elapsed_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id) DO UPDATE
SET processed = EXCLUDED.processed, failed = EXCLUDED.failed,
	finished_at = EXCLUDED.finished_at, elapsed_ms = EXCLUDED.elapsed_ms`, ns)
}

// migrate creates the namespace schema and tables when missing. ns must
// already be validated.
func migrate(ctx context.Context, db DB, ns string) error {
	for _, stmt := range migrationSQL(ns) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", ns, err)
		}
	}
	return nil
}
