// internal/store/commands.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a command id has no ledger row.
var ErrNotFound = errors.New("store: command not found")

const commandColumns = `id, register, value, raw, source_origin, source_info,
	created_at, scheduled_at, next_attempt_at, status, attempts, max_attempts,
	priority, error_message, execution_time_ms`

// InsertCommand appends one pending row to the ledger.
func (s *Store) InsertCommand(ctx context.Context, c *Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO write_commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Register, c.Value, c.Raw, c.Source.Origin, c.Source.Info,
		toMillis(c.CreatedAt), toMillis(c.ScheduledAt), toMillis(c.NextAttemptAt),
		string(c.Status), c.Attempts, c.MaxAttempts,
		c.Priority, c.ErrorMessage, c.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert command %s: %w", c.ID, err)
	}
	return nil
}

func scanCommand(row interface{ Scan(...any) error }) (*Command, error) {
	var c Command
	var status string
	var created, scheduled, nextAttempt int64
	err := row.Scan(
		&c.ID, &c.Register, &c.Value, &c.Raw, &c.Source.Origin, &c.Source.Info,
		&created, &scheduled, &nextAttempt, &status, &c.Attempts, &c.MaxAttempts,
		&c.Priority, &c.ErrorMessage, &c.ExecutionTimeMs,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.ScheduledAt = fromMillis(scheduled)
	c.NextAttemptAt = fromMillis(nextAttempt)
	c.Status = CommandStatus(status)
	return &c, nil
}

// GetCommand fetches one ledger row by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM write_commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get command %s: %w", id, err)
	}
	return c, nil
}

// DueCommands fetches up to limit pending commands whose backoff and
// schedule gates have passed, ordered by priority desc, created_at asc.
func (s *Store) DueCommands(ctx context.Context, now time.Time, limit int) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM write_commands
		WHERE status = ? AND scheduled_at <= ? AND next_attempt_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		string(StatusPending), toMillis(now), toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: due commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BeginAttempt moves a pending command to executing and increments its
// attempt counter, returning the new count. next_attempt_at is stamped
// with the attempt start so interrupted attempts stay recognizable.
func (s *Store) BeginAttempt(ctx context.Context, id string, startedAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE write_commands
		SET status = ?, attempts = attempts + 1, next_attempt_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusExecuting), toMillis(startedAt), id, string(StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("store: begin attempt %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM write_commands WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("store: read attempts %s: %w", id, err)
	}
	return attempts, nil
}

// RequeueStale returns executing commands whose attempt started before
// olderThan to pending. An executing row outliving every bounded wait
// means the attempt was interrupted (crash, failed bookkeeping) and
// would otherwise never be fetched again.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE write_commands
		SET status = ?, error_message = ?
		WHERE status = ? AND next_attempt_at <= ?`,
		string(StatusPending), "attempt interrupted",
		string(StatusExecuting), toMillis(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompleteCommand marks a command completed with its measured execution
// time.
func (s *Store) CompleteCommand(ctx context.Context, id string, execMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE write_commands
		SET status = ?, error_message = '', execution_time_ms = ?
		WHERE id = ?`,
		string(StatusCompleted), execMs, id,
	)
	if err != nil {
		return fmt.Errorf("store: complete command %s: %w", id, err)
	}
	return nil
}

// RescheduleCommand returns an executing command to pending for a later
// retry, recording the failure text and the backoff gate.
func (s *Store) RescheduleCommand(ctx context.Context, id, errMsg string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE write_commands
		SET status = ?, error_message = ?, next_attempt_at = ?
		WHERE id = ?`,
		string(StatusPending), errMsg, toMillis(nextAttempt), id,
	)
	if err != nil {
		return fmt.Errorf("store: reschedule command %s: %w", id, err)
	}
	return nil
}

// FailCommand marks a command terminally failed.
func (s *Store) FailCommand(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE write_commands
		SET status = ?, error_message = ?
		WHERE id = ?`,
		string(StatusFailed), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("store: fail command %s: %w", id, err)
	}
	return nil
}

// CancelCommand cancels a command that has not started executing.
func (s *Store) CancelCommand(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE write_commands
		SET status = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("store: cancel command %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
