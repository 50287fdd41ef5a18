// internal/store/types.go
package store

import (
	"time"

	"github.com/nordvent/climabus/internal/codec"
)

// ---- COMMAND STATUS MACHINE ----

type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// ---- AUDIT EVENT TYPES ----

type EventType string

const (
	EventReceived  EventType = "received"
	EventExecuting EventType = "executing"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Source identifies where a write command came from. Origin is an
// address (IP, socket path); Info is free-form user/context detail.
type Source struct {
	Origin string
	Info   string
}

// Command is one durable write-command row. Rows are never deleted;
// terminal statuses are historical record.
type Command struct {
	ID       string
	Register string
	Value    float64
	Raw      uint16
	Source   Source

	CreatedAt     time.Time
	ScheduledAt   time.Time // earliest execution; CreatedAt when no delay
	NextAttemptAt time.Time // retry backoff gate

	Status      CommandStatus
	Attempts    int
	MaxAttempts int
	Priority    int

	ErrorMessage    string
	ExecutionTimeMs int64
}

// AuditEvent is one append-only lifecycle record, keyed by command id.
type AuditEvent struct {
	ID        int64
	CommandID string
	Type      EventType
	At        time.Time
	Register  string
	OldValue  *float64
	NewValue  float64
	Source    string
	Success   bool

	ErrorMessage    string
	ExecutionTimeMs int64
}

// Snapshot is one decoded telemetry cycle. The latest instance is kept
// current; every successful one is also appended to history.
type Snapshot struct {
	TakenAt time.Time              `json:"taken_at"`
	Online  bool                   `json:"online"`
	Values  map[string]codec.Value `json:"values"`
}
