package memo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS entries (
	fingerprint TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	version     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	hits        INTEGER NOT NULL DEFAULT 0,
	last_hit_at INTEGER
);
CREATE INDEX IF NOT EXISTS entries_operation ON entries(operation);
`

// Index is a sqlite ledger of published entries. The entry directories stay
// the source of truth; the index only serves statistics and bookkeeping, so
// a missing row never turns a hit into a miss.
type Index struct {
	db *sql.DB
}

// OperationStats aggregates index rows for one operation.
type OperationStats struct {
	Operation string
	Entries   int
	Bytes     int64
	Hits      int
	Compute   time.Duration
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		indexSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare cache index: %w", err)
		}
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Record stores or replaces the row of a freshly published entry.
func (ix *Index) Record(ctx context.Context, m manifest, bytes int64) error {
	_, err := ix.db.ExecContext(ctx, `
INSERT INTO entries (fingerprint, operation, version, created_at, duration_ms, bytes)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
	operation = excluded.operation,
	version = excluded.version,
	created_at = excluded.created_at,
	duration_ms = excluded.duration_ms,
	bytes = excluded.bytes`,
		m.Fingerprint, m.Operation, m.Version, m.CreatedAt.UnixNano(), m.DurationMS, bytes)
	if err != nil {
		return fmt.Errorf("record cache entry: %w", err)
	}
	return nil
}

// Touch counts a cache hit.
func (ix *Index) Touch(ctx context.Context, fp string, at time.Time) error {
	_, err := ix.db.ExecContext(ctx,
		`UPDATE entries SET hits = hits + 1, last_hit_at = ? WHERE fingerprint = ?`,
		at.UnixNano(), fp)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// Stats returns per-operation aggregates ordered by operation name.
func (ix *Index) Stats(ctx context.Context) ([]OperationStats, error) {
	rows, err := ix.db.QueryContext(ctx, `
SELECT operation, COUNT(*), COALESCE(SUM(bytes), 0), COALESCE(SUM(hits), 0), COALESCE(SUM(duration_ms), 0)
FROM entries GROUP BY operation ORDER BY operation`)
	if err != nil {
		return nil, fmt.Errorf("query cache stats: %w", err)
	}
	defer rows.Close()

	var out []OperationStats
	for rows.Next() {
		var s OperationStats
		var ms int64
		if err := rows.Scan(&s.Operation, &s.Entries, &s.Bytes, &s.Hits, &ms); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		s.Compute = time.Duration(ms) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// Reset deletes every row.
func (ix *Index) Reset(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("reset cache index: %w", err)
	}
	return nil
}
