// Package changelog records per-channel check outcomes in a local sqlite
// database. The scheduler's liveness never depends on it: write failures
// are logged and dropped.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sbeimel/streamflow-sub002/internal/logx"
)

// Entry is one recorded check outcome.
type Entry struct {
	ID          int64
	ChannelID   int
	ChannelName string
	CheckedAt   time.Time
	Probed      int
	Reused      int
	Dead        int
	Removed     int
	Duration    time.Duration
	Error       string
}

// Log is the sqlite-backed rolling changelog.
type Log struct {
	db  *sql.DB
	log zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS check_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id   INTEGER NOT NULL,
	channel_name TEXT NOT NULL DEFAULT '',
	checked_at   INTEGER NOT NULL,
	probed       INTEGER NOT NULL DEFAULT 0,
	reused       INTEGER NOT NULL DEFAULT 0,
	dead         INTEGER NOT NULL DEFAULT 0,
	removed      INTEGER NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_check_log_channel ON check_log(channel_id, checked_at);
`

// Open opens (and migrates) the changelog database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("changelog open %s: %w", path, err)
	}
	// Concurrent workers append; a single writer connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("changelog schema: %w", err)
	}
	return &Log{db: db, log: logx.WithComponent("changelog")}, nil
}

// Close releases the database handle.
func (l *Log) Close() error { return l.db.Close() }

// Record appends one check outcome. Failures are logged, never returned:
// the changelog is reporting, not state.
func (l *Log) Record(ctx context.Context, e Entry) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO check_log (channel_id, channel_name, checked_at, probed, reused, dead, removed, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChannelID, e.ChannelName, e.CheckedAt.UTC().Unix(),
		e.Probed, e.Reused, e.Dead, e.Removed, e.Duration.Milliseconds(), e.Error,
	)
	if err != nil {
		l.log.Warn().Int("channel", e.ChannelID).Err(err).Msg("record failed")
	}
}

// Recent returns the newest entries, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, channel_id, channel_name, checked_at, probed, reused, dead, removed, duration_ms, error
		 FROM check_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("changelog query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var ms int64
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.ChannelName, &ts, &e.Probed, &e.Reused, &e.Dead, &e.Removed, &ms, &e.Error); err != nil {
			return nil, err
		}
		e.CheckedAt = time.Unix(ts, 0).UTC()
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the retention window and returns the
// number removed.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Unix()
	res, err := l.db.ExecContext(ctx, `DELETE FROM check_log WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("changelog prune: %w", err)
	}
	return res.RowsAffected()
}
