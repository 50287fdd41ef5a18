// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store is the durable side of the system: the write-command ledger,
// the append-only audit log and the snapshot tables, all in one
// embedded SQLite file. The dispatcher writes concurrently with any
// number of observers; WAL plus a busy timeout covers that.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS write_commands (
	id               TEXT PRIMARY KEY,
	register         TEXT NOT NULL,
	value            REAL NOT NULL,
	raw              INTEGER NOT NULL,
	source_origin    TEXT NOT NULL DEFAULT '',
	source_info      TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	scheduled_at     INTEGER NOT NULL,
	next_attempt_at  INTEGER NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_commands_due
	ON write_commands(status, next_attempt_at, priority, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id       TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	at               INTEGER NOT NULL,
	register         TEXT NOT NULL,
	old_value        REAL,
	new_value        REAL NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	success          INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_command ON audit_events(command_id, at, id);

CREATE TABLE IF NOT EXISTS snapshot_latest (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at    INTEGER NOT NULL,
	online      INTEGER NOT NULL,
	values_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at    INTEGER NOT NULL,
	online      INTEGER NOT NULL,
	values_json TEXT NOT NULL
);
`

// Open opens (or creates) the database file and applies the schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path required")
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- time encoding ----

// Times are stored as unix milliseconds so SQL ordering and comparisons
// stay integer-exact.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// CommandCounts returns the number of ledger rows per status, for the
// statistics report.
func (s *Store) CommandCounts(ctx context.Context) (map[CommandStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM write_commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: command counts: %w", err)
	}
	defer rows.Close()

	out := make(map[CommandStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[CommandStatus(st)] = n
	}
	return out, rows.Err()
}
