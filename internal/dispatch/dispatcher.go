// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nordvent/climabus/internal/codec"
	"github.com/nordvent/climabus/internal/registers"
	"github.com/nordvent/climabus/internal/sched"
	"github.com/nordvent/climabus/internal/store"
)

// busWriter is the exact scheduler surface the dispatcher uses.
type busWriter interface {
	RequestWriteRegister(name string, raw uint16) <-chan sched.WriteResult
}

// ValidationError rejects a write before it reaches the ledger or the
// hardware. It is the only error returned synchronously to submitters.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "dispatch: " + e.Reason
}

// Config tunes the retry state machine.
type Config struct {
	// BatchSize is the number of due commands fetched per tick.
	BatchSize int

	// MaxAttempts bounds retries per command.
	MaxAttempts int

	// RetryBackoff is the fixed pause between attempts.
	RetryBackoff time.Duration

	// WaitTimeout bounds the wait for one bus completion.
	WaitTimeout time.Duration

	// Interval is the dispatch tick.
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
}

// Stats is the dispatcher's own counter view; ledger row counts come
// from the store.
type Stats struct {
	Processed uint64 `json:"processed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
}

// Dispatcher owns the write-command pipeline: whitelist validation,
// ledger submission and the background retry loop that drives pending
// commands through the bus scheduler.
type Dispatcher struct {
	st  *store.Store
	bus busWriter
	cfg Config
	log zerolog.Logger

	// now is injectable so the state machine tests run without sleeping.
	now func() time.Time

	// oldValue, when set, supplies the register's last known value for
	// the audit trail. The facade wires this to its latest snapshot.
	oldValue func(register string) *float64

	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
}

// New creates a dispatcher. Run must be started for submissions to make
// progress; Submit itself never touches the bus.
func New(st *store.Store, bus busWriter, cfg Config, log zerolog.Logger) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("dispatch: store required")
	}
	if bus == nil {
		return nil, errors.New("dispatch: bus writer required")
	}
	cfg.applyDefaults()

	return &Dispatcher{
		st:  st,
		bus: bus,
		cfg: cfg,
		log: log.With().Str("component", "dispatch").Logger(),
		now: time.Now,
	}, nil
}

// SetOldValueSource wires the audit trail's old-value lookup.
func (d *Dispatcher) SetOldValueSource(fn func(register string) *float64) {
	d.oldValue = fn
}

// Validate checks a write against the static whitelist and its range.
// It fails with a human-readable reason and never touches hardware.
func (d *Dispatcher) Validate(register string, value float64) error {
	desc, ok := registers.ByName(register)
	if !ok || !desc.Writable() {
		return &ValidationError{Reason: fmt.Sprintf("register %q is not writable", register)}
	}
	if value < desc.Write.Min || value > desc.Write.Max {
		return &ValidationError{Reason: fmt.Sprintf(
			"value %g out of range [%g, %g] for register %q",
			value, desc.Write.Min, desc.Write.Max, register,
		)}
	}
	if _, err := codec.Encode(value, desc); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// Submit validates, inserts a pending ledger row plus its received
// audit event, and returns the command id. Fire-and-forget for callers.
func (d *Dispatcher) Submit(ctx context.Context, register string, value float64, src store.Source, priority int, delay time.Duration) (string, error) {
	if err := d.Validate(register, value); err != nil {
		return "", err
	}

	desc, _ := registers.ByName(register)
	raw, err := codec.Encode(value, desc)
	if err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}

	now := d.now()
	cmd := &store.Command{
		ID:            uuid.NewString(),
		Register:      register,
		Value:         value,
		Raw:           raw,
		Source:        src,
		CreatedAt:     now,
		ScheduledAt:   now.Add(delay),
		NextAttemptAt: now,
		Status:        store.StatusPending,
		MaxAttempts:   d.cfg.MaxAttempts,
		Priority:      priority,
	}

	if err := d.st.InsertCommand(ctx, cmd); err != nil {
		return "", err
	}

	if err := d.st.AppendAudit(ctx, &store.AuditEvent{
		CommandID: cmd.ID,
		Type:      store.EventReceived,
		At:        now,
		Register:  register,
		OldValue:  d.lookupOld(register),
		NewValue:  value,
		Source:    src.Origin,
		Success:   true,
	}); err != nil {
		return "", err
	}

	d.log.Info().
		Str("command_id", cmd.ID).
		Str("register", register).
		Float64("value", value).
		Str("source", src.Origin).
		Int("priority", priority).
		Msg("write command accepted")
	return cmd.ID, nil
}

func (d *Dispatcher) lookupOld(register string) *float64 {
	if d.oldValue == nil {
		return nil
	}
	return d.oldValue(register)
}

// Run drives the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.DispatchOnce(ctx); err != nil {
				d.log.Error().Err(err).Msg("dispatch cycle failed")
			} else if n > 0 {
				d.log.Debug().Int("commands", n).Msg("dispatch cycle done")
			}
		}
	}
}

// staleAfter bounds how long a row may sit in executing before it is
// treated as an interrupted attempt. Every live attempt resolves within
// WaitTimeout, so anything older has no worker driving it.
func (d *Dispatcher) staleAfter() time.Duration {
	return d.cfg.WaitTimeout + d.cfg.RetryBackoff
}

// DispatchOnce performs exactly one dispatch cycle: requeue interrupted
// attempts, then fetch due commands and drive each through one attempt.
// Returns the number processed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if n, err := d.st.RequeueStale(ctx, d.now().Add(-d.staleAfter())); err != nil {
		d.log.Error().Err(err).Msg("stale command requeue failed")
	} else if n > 0 {
		d.log.Warn().Int("commands", n).Msg("requeued interrupted attempts")
	}

	cmds, err := d.st.DueCommands(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, cmd := range cmds {
		if err := d.attempt(ctx, cmd); err != nil {
			d.log.Error().Err(err).Str("command_id", cmd.ID).Msg("attempt bookkeeping failed")
		}
	}
	return len(cmds), nil
}

// attempt drives one command through a single execution attempt. The
// command id stays stable across retries so every attempt correlates in
// the audit trail.
func (d *Dispatcher) attempt(ctx context.Context, cmd *store.Command) error {
	attempts, err := d.st.BeginAttempt(ctx, cmd.ID, d.now())
	if err != nil {
		return err
	}
	d.processed.Add(1)

	old := d.lookupOld(cmd.Register)
	if err := d.st.AppendAudit(ctx, &store.AuditEvent{
		CommandID: cmd.ID,
		Type:      store.EventExecuting,
		At:        d.now(),
		Register:  cmd.Register,
		OldValue:  old,
		NewValue:  cmd.Value,
		Source:    cmd.Source.Origin,
		Success:   true,
	}); err != nil {
		// The row must not stay in executing with no attempt running.
		if rbErr := d.st.RescheduleCommand(ctx, cmd.ID,
			"attempt bookkeeping failed", d.now().Add(d.cfg.RetryBackoff)); rbErr != nil {
			d.log.Error().Err(rbErr).Str("command_id", cmd.ID).Msg("attempt rollback failed")
		}
		return err
	}

	started := d.now()
	res := sched.AwaitWrite(d.bus.RequestWriteRegister(cmd.Register, cmd.Raw), d.cfg.WaitTimeout)
	execMs := d.now().Sub(started).Milliseconds()

	if res.OK {
		d.succeeded.Add(1)
		if err := d.st.CompleteCommand(ctx, cmd.ID, execMs); err != nil {
			return err
		}
		d.log.Info().
			Str("command_id", cmd.ID).
			Str("register", cmd.Register).
			Int("attempt", attempts).
			Int64("exec_ms", execMs).
			Msg("write command completed")
		return d.st.AppendAudit(ctx, &store.AuditEvent{
			CommandID:       cmd.ID,
			Type:            store.EventCompleted,
			At:              d.now(),
			Register:        cmd.Register,
			OldValue:        old,
			NewValue:        cmd.Value,
			Source:          cmd.Source.Origin,
			Success:         true,
			ExecutionTimeMs: execMs,
		})
	}

	errMsg := "write not confirmed"
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	if audErr := d.st.AppendAudit(ctx, &store.AuditEvent{
		CommandID:       cmd.ID,
		Type:            store.EventFailed,
		At:              d.now(),
		Register:        cmd.Register,
		OldValue:        old,
		NewValue:        cmd.Value,
		Source:          cmd.Source.Origin,
		Success:         false,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: execMs,
	}); audErr != nil {
		return audErr
	}

	if attempts < cmd.MaxAttempts {
		d.retries.Add(1)
		d.log.Warn().
			Str("command_id", cmd.ID).
			Str("register", cmd.Register).
			Int("attempt", attempts).
			Int("max_attempts", cmd.MaxAttempts).
			Str("error", errMsg).
			Msg("write attempt failed, retry scheduled")
		return d.st.RescheduleCommand(ctx, cmd.ID, errMsg, d.now().Add(d.cfg.RetryBackoff))
	}

	d.failed.Add(1)
	d.log.Error().
		Str("command_id", cmd.ID).
		Str("register", cmd.Register).
		Int("attempts", attempts).
		Str("error", errMsg).
		Msg("write command failed terminally")
	return d.st.FailCommand(ctx, cmd.ID, errMsg)
}

// Stats returns the dispatcher's rolling counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Retries:   d.retries.Load(),
	}
}
