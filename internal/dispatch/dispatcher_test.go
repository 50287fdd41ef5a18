// internal/dispatch/dispatcher_test.go
package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nordvent/climabus/internal/sched"
	"github.com/nordvent/climabus/internal/store"
)

// fakeBus answers write requests from a scripted result list, falling
// back to success when the script runs out.
type fakeBus struct {
	mu     sync.Mutex
	script []sched.WriteResult
	writes []writeCall
}

type writeCall struct {
	register string
	raw      uint16
}

func (b *fakeBus) RequestWriteRegister(name string, raw uint16) <-chan sched.WriteResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writes = append(b.writes, writeCall{register: name, raw: raw})
	res := sched.WriteResult{OK: true}
	if len(b.script) > 0 {
		res = b.script[0]
		b.script = b.script[1:]
	}

	ch := make(chan sched.WriteResult, 1)
	ch <- res
	return ch
}

func (b *fakeBus) calls() []writeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]writeCall(nil), b.writes...)
}

func newTestDispatcher(t *testing.T, bus *fakeBus) (*Dispatcher, *store.Store, *time.Time) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "climabus.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open err=%v", err)
	}
	t.Cleanup(func() { st.Close() })

	d, err := New(st, bus, Config{
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Second,
		WaitTimeout:  time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New err=%v", err)
	}

	clock := time.Now()
	d.now = func() time.Time { return clock }
	return d, st, &clock
}

func eventTypes(t *testing.T, st *store.Store, id string) []store.EventType {
	t.Helper()
	trail, err := st.AuditTrail(context.Background(), id)
	if err != nil {
		t.Fatalf("AuditTrail err=%v", err)
	}
	types := make([]store.EventType, len(trail))
	for i, e := range trail {
		types[i] = e.Type
	}
	return types
}

func TestSubmitAndDispatch_Success(t *testing.T) {
	bus := &fakeBus{}
	d, st, _ := newTestDispatcher(t, bus)
	ctx := context.Background()

	id, err := d.Submit(ctx, "target_temp", 21.5, store.Source{Origin: "api"}, 0, 0)
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}

	n, err := d.DispatchOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DispatchOnce n=%d err=%v", n, err)
	}

	cmd, err := st.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("GetCommand err=%v", err)
	}
	if cmd.Status != store.StatusCompleted || cmd.Attempts != 1 {
		t.Fatalf("unexpected command: status=%s attempts=%d", cmd.Status, cmd.Attempts)
	}

	calls := bus.calls()
	if len(calls) != 1 || calls[0].register != "target_temp" || calls[0].raw != 215 {
		t.Fatalf("unexpected bus calls: %+v", calls)
	}

	want := []store.EventType{store.EventReceived, store.EventExecuting, store.EventCompleted}
	got := eventTypes(t, st, id)
	if len(got) != len(want) {
		t.Fatalf("audit trail %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit trail %v, want %v", got, want)
		}
	}
}

func TestSubmit_ValidationRejectsBeforeLedger(t *testing.T) {
	bus := &fakeBus{}
	d, st, _ := newTestDispatcher(t, bus)
	ctx := context.Background()

	cases := []struct {
		name     string
		register string
		value    float64
	}{
		{"read only register", "outdoor_temp", 5},
		{"unknown register", "no_such_register", 1},
		{"value above range", "target_temp", 36},
		{"value below range", "target_temp", 4},
	}
	for _, tc := range cases {
		_, err := d.Submit(ctx, tc.register, tc.value, store.Source{Origin: "api"}, 0, 0)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}

	counts, err := st.CommandCounts(ctx)
	if err != nil {
		t.Fatalf("CommandCounts err=%v", err)
	}
	for status, n := range counts {
		if n != 0 {
			t.Fatalf("rejected submits must not reach the ledger: %s=%d", status, n)
		}
	}
	if n, _ := st.AuditCount(ctx); n != 0 {
		t.Fatalf("rejected submits must not be audited: %d events", n)
	}
	if len(bus.calls()) != 0 {
		t.Fatal("rejected submits must not touch the bus")
	}
}

func TestDispatch_RetryThenSuccess(t *testing.T) {
	bus := &fakeBus{script: []sched.WriteResult{
		{Err: errors.New("bus timeout")},
		{OK: true},
	}}
	d, st, clock := newTestDispatcher(t, bus)
	ctx := context.Background()

	id, err := d.Submit(ctx, "eco_mode", 1, store.Source{Origin: "api"}, 0, 0)
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}

	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatalf("first cycle processed %d", n)
	}
	cmd, _ := st.GetCommand(ctx, id)
	if cmd.Status != store.StatusPending || cmd.Attempts != 1 {
		t.Fatalf("after failure: status=%s attempts=%d", cmd.Status, cmd.Attempts)
	}

	// Backoff gate: not due until the fixed pause has passed.
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Fatal("command dispatched before backoff expiry")
	}

	*clock = clock.Add(6 * time.Second)
	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatal("command not dispatched after backoff expiry")
	}

	cmd, _ = st.GetCommand(ctx, id)
	if cmd.Status != store.StatusCompleted || cmd.Attempts != 2 {
		t.Fatalf("after retry: status=%s attempts=%d", cmd.Status, cmd.Attempts)
	}
	if s := d.Stats(); s.Retries != 1 || s.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestDispatch_ExhaustsAttemptsThenFails(t *testing.T) {
	bus := &fakeBus{script: []sched.WriteResult{
		{Err: errors.New("no reply")},
		{Err: errors.New("no reply")},
		{Err: errors.New("no reply")},
	}}
	d, st, clock := newTestDispatcher(t, bus)
	ctx := context.Background()

	id, err := d.Submit(ctx, "target_temp", 20, store.Source{Origin: "api"}, 0, 0)
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}

	for i := 0; i < 3; i++ {
		if n, _ := d.DispatchOnce(ctx); n != 1 {
			t.Fatalf("cycle %d processed %d commands", i, n)
		}
		*clock = clock.Add(6 * time.Second)
	}

	cmd, _ := st.GetCommand(ctx, id)
	if cmd.Status != store.StatusFailed || cmd.Attempts != 3 {
		t.Fatalf("terminal state: status=%s attempts=%d", cmd.Status, cmd.Attempts)
	}
	if cmd.ErrorMessage != "no reply" {
		t.Fatalf("unexpected error message: %q", cmd.ErrorMessage)
	}

	// No fourth attempt.
	*clock = clock.Add(time.Minute)
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Fatal("terminally failed command dispatched again")
	}
	if len(bus.calls()) != 3 {
		t.Fatalf("expected exactly 3 bus writes, got %d", len(bus.calls()))
	}

	// received, then executing+failed per attempt.
	got := eventTypes(t, st, id)
	want := []store.EventType{
		store.EventReceived,
		store.EventExecuting, store.EventFailed,
		store.EventExecuting, store.EventFailed,
		store.EventExecuting, store.EventFailed,
	}
	if len(got) != len(want) {
		t.Fatalf("audit trail %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit trail %v, want %v", got, want)
		}
	}
}

func TestDispatch_RecoversInterruptedAttempt(t *testing.T) {
	bus := &fakeBus{}
	d, st, clock := newTestDispatcher(t, bus)
	ctx := context.Background()

	id, err := d.Submit(ctx, "eco_mode", 1, store.Source{Origin: "api"}, 0, 0)
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}

	// An attempt that began and never resolved (crash before any
	// outcome was recorded) leaves the row in executing.
	if _, err := st.BeginAttempt(ctx, id, *clock); err != nil {
		t.Fatalf("BeginAttempt err=%v", err)
	}

	// Within the stale bound the row is left alone: a worker could
	// still be inside its wait.
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Fatal("in-flight attempt dispatched again")
	}
	cmd, _ := st.GetCommand(ctx, id)
	if cmd.Status != store.StatusExecuting {
		t.Fatalf("live attempt disturbed: status=%s", cmd.Status)
	}

	// Past the bound the row is requeued and driven to completion.
	*clock = clock.Add(10 * time.Minute)
	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatal("interrupted attempt never recovered")
	}
	cmd, _ = st.GetCommand(ctx, id)
	if cmd.Status != store.StatusCompleted || cmd.Attempts != 2 {
		t.Fatalf("after recovery: status=%s attempts=%d", cmd.Status, cmd.Attempts)
	}
}

func TestDispatch_DelayedCommandWaits(t *testing.T) {
	bus := &fakeBus{}
	d, st, clock := newTestDispatcher(t, bus)
	ctx := context.Background()

	id, err := d.Submit(ctx, "holiday_mode", 1, store.Source{Origin: "api"}, 0, time.Minute)
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}

	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Fatal("delayed command dispatched early")
	}

	*clock = clock.Add(2 * time.Minute)
	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatal("delayed command never dispatched")
	}
	cmd, _ := st.GetCommand(ctx, id)
	if cmd.Status != store.StatusCompleted {
		t.Fatalf("status=%s", cmd.Status)
	}
}

func TestDispatch_OldValueInAudit(t *testing.T) {
	bus := &fakeBus{}
	d, st, _ := newTestDispatcher(t, bus)
	ctx := context.Background()

	prev := 19.5
	d.SetOldValueSource(func(register string) *float64 {
		if register == "target_temp" {
			return &prev
		}
		return nil
	})

	id, err := d.Submit(ctx, "target_temp", 22, store.Source{Origin: "api"}, 0, 0)
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}
	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatalf("DispatchOnce err=%v", err)
	}

	trail, _ := st.AuditTrail(ctx, id)
	for _, e := range trail {
		if e.OldValue == nil || *e.OldValue != 19.5 {
			t.Fatalf("event %s missing old value: %+v", e.Type, e.OldValue)
		}
	}
}
