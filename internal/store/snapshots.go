// internal/store/snapshots.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nordvent/climabus/internal/codec"
	"github.com/nordvent/climabus/internal/registers"
)

// SaveSnapshot persists one successful cycle: the latest row is
// overwritten and a history row is appended, in a single transaction so
// observers never see the two disagree.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	at := toMillis(snap.TakenAt)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_latest (id, taken_at, online, values_json)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			taken_at = excluded.taken_at,
			online = excluded.online,
			values_json = excluded.values_json`,
		at, snap.Online, string(payload),
	); err != nil {
		return fmt.Errorf("store: update latest snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_history (taken_at, online, values_json)
		VALUES (?, ?, ?)`,
		at, snap.Online, string(payload),
	); err != nil {
		return fmt.Errorf("store: append snapshot history: %w", err)
	}

	return tx.Commit()
}

// snapshotValue is the persisted shape of one decoded value. Only the
// raw word matters for reload; the descriptor table re-derives the rest.
type snapshotValue struct {
	Raw uint16 `json:"raw"`
}

// LatestSnapshot loads the last persisted snapshot, or nil when the
// system has never completed a cycle.
func (s *Store) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	var at int64
	var online bool
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT taken_at, online, values_json FROM snapshot_latest WHERE id = 1`,
	).Scan(&at, &online, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load latest snapshot: %w", err)
	}

	var stored map[string]snapshotValue
	if err := json.Unmarshal([]byte(payload), &stored); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}

	values := make(map[string]codec.Value, len(stored))
	for name, sv := range stored {
		d, ok := registers.ByName(name)
		if !ok {
			// Register dropped from the table since this row was written.
			continue
		}
		values[name] = codec.Decode(sv.Raw, d)
	}

	return &Snapshot{
		TakenAt: fromMillis(at),
		Online:  online,
		Values:  values,
	}, nil
}

// HistoryCount returns the number of snapshot history rows.
func (s *Store) HistoryCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot_history`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: history count: %w", err)
	}
	return n, nil
}
