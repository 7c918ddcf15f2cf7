// Package usagelog keeps a rolling history of per-instance resource
// samples in a local sqlite database so operators can see what an
// instance was doing leading up to a suspension.
package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	instance     TEXT    NOT NULL,
	at           INTEGER NOT NULL,
	cpu_percent  REAL    NOT NULL,
	ram_used_mb  INTEGER NOT NULL,
	ram_total_mb INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_instance_at ON samples (instance, at DESC);
`

// Sample is one observation of an instance's resource usage.
type Sample struct {
	Instance   string    `json:"instance"`
	Time       time.Time `json:"time"`
	CPUPercent float64   `json:"cpu_percent"`
	RAMUsedMB  int       `json:"ram_used_mb"`
	RAMTotalMB int       `json:"ram_total_mb"`
}

// Log is a handle to the sample database.
type Log struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record inserts one sample.
func (l *Log) Record(ctx context.Context, s Sample) error {
	if s.Time.IsZero() {
		s.Time = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO samples (instance, at, cpu_percent, ram_used_mb, ram_total_mb) VALUES (?, ?, ?, ?, ?)`,
		s.Instance, s.Time.UnixMilli(), s.CPUPercent, s.RAMUsedMB, s.RAMTotalMB)
	return err
}

// Recent returns up to limit samples for instance, newest first.
func (l *Log) Recent(ctx context.Context, instance string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT instance, at, cpu_percent, ram_used_mb, ram_total_mb
		 FROM samples WHERE instance = ? ORDER BY at DESC LIMIT ?`,
		instance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var at int64
		if err := rows.Scan(&s.Instance, &at, &s.CPUPercent, &s.RAMUsedMB, &s.RAMTotalMB); err != nil {
			return nil, err
		}
		s.Time = time.UnixMilli(at).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes samples older than the cutoff.
func (l *Log) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM samples WHERE at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (l *Log) Close() error { return l.db.Close() }
