// internal/store/audit.go
package store

import (
	"context"
	"fmt"
)

// AppendAudit appends one lifecycle event. The audit log is append-only:
// there is no update or delete path on this table.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			command_id, event_type, at, register, old_value, new_value,
			source, success, error_message, execution_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CommandID, string(e.Type), toMillis(e.At), e.Register,
		e.OldValue, e.NewValue, e.Source, e.Success,
		e.ErrorMessage, e.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("store: append audit %s/%s: %w", e.CommandID, e.Type, err)
	}
	return nil
}

// AuditTrail returns every event for one command in append order. This
// is the authoritative record for "did this command actually execute".
func (s *Store) AuditTrail(ctx context.Context, commandID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_id, event_type, at, register, old_value, new_value,
			source, success, error_message, execution_time_ms
		FROM audit_events
		WHERE command_id = ?
		ORDER BY at ASC, id ASC`,
		commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: audit trail %s: %w", commandID, err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var typ string
		var at int64
		if err := rows.Scan(
			&e.ID, &e.CommandID, &typ, &at, &e.Register, &e.OldValue, &e.NewValue,
			&e.Source, &e.Success, &e.ErrorMessage, &e.ExecutionTimeMs,
		); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.At = fromMillis(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AuditCount returns the total number of audit events.
func (s *Store) AuditCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: audit count: %w", err)
	}
	return n, nil
}
