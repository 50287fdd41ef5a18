// internal/facade/facade.go
package facade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nordvent/climabus/internal/codec"
	"github.com/nordvent/climabus/internal/dispatch"
	"github.com/nordvent/climabus/internal/registers"
	"github.com/nordvent/climabus/internal/sched"
	"github.com/nordvent/climabus/internal/store"
)

// busReader is the scheduler surface the read loop uses.
type busReader interface {
	RequestReadAll() <-chan sched.ReadResult
	Stats() sched.Stats
}

// Sink receives every new snapshot (relays). Offer must not block.
type Sink interface {
	Offer(*store.Snapshot)
}

// Config tunes the periodic read loop.
type Config struct {
	// ReadInterval is the base polling cadence.
	ReadInterval time.Duration

	// MaxReadInterval caps the backed-off cadence on a downed bus.
	MaxReadInterval time.Duration

	// ErrorThreshold is the consecutive-failure count that doubles the
	// polling interval.
	ErrorThreshold int

	// WaitTimeout bounds the wait for one read-all completion.
	WaitTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadInterval <= 0 {
		c.ReadInterval = 10 * time.Second
	}
	if c.MaxReadInterval <= 0 {
		c.MaxReadInterval = 60 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 15 * time.Second
	}
}

// ReadLoopStats is the read loop's contribution to the system report.
type ReadLoopStats struct {
	Cycles            uint64        `json:"cycles"`
	Failures          uint64        `json:"failures"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	CurrentInterval   time.Duration `json:"current_interval"`
	LastSuccess       time.Time     `json:"last_success"`
}

// Statistics aggregates scheduler, dispatcher, ledger and read-loop
// state into one report.
type Statistics struct {
	Bus             sched.Stats                 `json:"bus"`
	Dispatcher      dispatch.Stats              `json:"dispatcher"`
	Commands        map[store.CommandStatus]int `json:"commands"`
	ReadLoop        ReadLoopStats               `json:"read_loop"`
	SnapshotHistory int64                       `json:"snapshot_history"`
	AuditEvents     int64                       `json:"audit_events"`
}

// Facade is the composition surface consumed by external collaborators:
// bot, dashboard and relay layers only ever talk to this type.
type Facade struct {
	bus  busReader
	disp *dispatch.Dispatcher
	st   *store.Store
	cfg  Config
	log  zerolog.Logger

	latest atomic.Pointer[store.Snapshot]

	mu       sync.Mutex
	sinks    []Sink
	cycles   uint64
	failures uint64
	consec   int
	interval time.Duration
	lastOK   time.Time
}

// New wires the facade. The last persisted snapshot, if any, seeds the
// in-memory latest so GetCurrentData works before the first cycle.
func New(ctx context.Context, bus busReader, disp *dispatch.Dispatcher, st *store.Store, cfg Config, log zerolog.Logger) (*Facade, error) {
	if bus == nil || disp == nil || st == nil {
		return nil, errors.New("facade: bus, dispatcher and store required")
	}
	cfg.applyDefaults()

	f := &Facade{
		bus:      bus,
		disp:     disp,
		st:       st,
		cfg:      cfg,
		log:      log.With().Str("component", "facade").Logger(),
		interval: cfg.ReadInterval,
	}

	if snap, err := st.LatestSnapshot(ctx); err != nil {
		f.log.Warn().Err(err).Msg("could not restore latest snapshot")
	} else if snap != nil {
		f.latest.Store(snap)
	}

	// Audit events carry the register's last known value.
	disp.SetOldValueSource(f.currentValue)

	return f, nil
}

// AddSink registers a snapshot consumer. Call before Run.
func (f *Facade) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// ---- external API ----

// GetCurrentData returns the last persisted snapshot without ever
// touching the bus. Nil means no cycle has succeeded yet.
func (f *Facade) GetCurrentData() *store.Snapshot {
	return f.latest.Load()
}

// ValidateWriteCommand checks a write against the whitelist and range
// without creating any ledger row.
func (f *Facade) ValidateWriteCommand(register string, value float64) error {
	return f.disp.Validate(register, value)
}

// AddWriteCommand re-validates and submits a write command, returning
// its stable id.
func (f *Facade) AddWriteCommand(ctx context.Context, register string, value float64, src store.Source, priority int) (string, error) {
	return f.disp.Submit(ctx, register, value, src, priority, 0)
}

// GetWritableRegisters returns the writable whitelist with ranges and
// required access levels.
func (f *Facade) GetWritableRegisters() []codec.Descriptor {
	return registers.Writable()
}

// GetSystemStatistics aggregates all component counters into one report.
func (f *Facade) GetSystemStatistics(ctx context.Context) Statistics {
	stats := Statistics{
		Bus:        f.bus.Stats(),
		Dispatcher: f.disp.Stats(),
		ReadLoop:   f.readLoopStats(),
	}

	if counts, err := f.st.CommandCounts(ctx); err == nil {
		stats.Commands = counts
	} else {
		f.log.Warn().Err(err).Msg("command counts unavailable")
	}
	if n, err := f.st.HistoryCount(ctx); err == nil {
		stats.SnapshotHistory = n
	}
	if n, err := f.st.AuditCount(ctx); err == nil {
		stats.AuditEvents = n
	}
	return stats
}

func (f *Facade) readLoopStats() ReadLoopStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ReadLoopStats{
		Cycles:            f.cycles,
		Failures:          f.failures,
		ConsecutiveErrors: f.consec,
		CurrentInterval:   f.interval,
		LastSuccess:       f.lastOK,
	}
}

// currentValue supplies the audit trail's old-value lookup.
func (f *Facade) currentValue(register string) *float64 {
	snap := f.latest.Load()
	if snap == nil {
		return nil
	}
	v, ok := snap.Values[register]
	if !ok || v.Unavailable {
		return nil
	}
	n := v.Num
	return &n
}

// ---- read loop ----

// Run drives the periodic read loop until ctx is cancelled.
func (f *Facade) Run(ctx context.Context) {
	timer := time.NewTimer(f.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			err := f.pollOnce(ctx)
			timer.Reset(f.recordCycle(ctx, err))
		}
	}
}

func (f *Facade) currentInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

// pollOnce issues one read-all and persists the resulting snapshot.
func (f *Facade) pollOnce(ctx context.Context) error {
	res := sched.AwaitRead(f.bus.RequestReadAll(), f.cfg.WaitTimeout)
	if res.Err != nil {
		return res.Err
	}

	snap := &store.Snapshot{
		TakenAt: time.Now(),
		Online:  true,
		Values:  res.Values,
	}

	f.latest.Store(snap)
	if err := f.st.SaveSnapshot(ctx, snap); err != nil {
		f.log.Error().Err(err).Msg("snapshot persist failed")
	}

	f.mu.Lock()
	sinks := f.sinks
	f.mu.Unlock()
	for _, s := range sinks {
		s.Offer(snap)
	}
	return nil
}

// recordCycle advances the cadence state machine and returns the delay
// before the next cycle. Consecutive failures past the threshold double
// the interval (capped) and mark the held snapshot offline; the base
// cadence resumes on the next success.
func (f *Facade) recordCycle(ctx context.Context, err error) time.Duration {
	f.mu.Lock()

	f.cycles++
	if err == nil {
		f.consec = 0
		f.interval = f.cfg.ReadInterval
		f.lastOK = time.Now()
		interval := f.interval
		f.mu.Unlock()
		return interval
	}

	f.failures++
	f.consec++
	f.log.Warn().Err(err).Int("consecutive", f.consec).Msg("read cycle failed")

	tripped := false
	if f.consec >= f.cfg.ErrorThreshold {
		doubled := f.interval * 2
		if doubled > f.cfg.MaxReadInterval {
			doubled = f.cfg.MaxReadInterval
		}
		f.interval = doubled
		f.consec = 0
		tripped = true
		f.log.Warn().Dur("interval", f.interval).Msg("backing off read cadence")
	}
	interval := f.interval
	f.mu.Unlock()

	if tripped {
		f.markOffline(ctx)
	}
	return interval
}

// markOffline republishes the held snapshot with Online false so
// consumers can tell stale data from a live bus. The decoded values
// stay available as the last known state.
func (f *Facade) markOffline(ctx context.Context) {
	snap := f.latest.Load()
	if snap == nil || !snap.Online {
		return
	}

	off := &store.Snapshot{
		TakenAt: snap.TakenAt,
		Online:  false,
		Values:  snap.Values,
	}
	f.latest.Store(off)
	if err := f.st.SaveSnapshot(ctx, off); err != nil {
		f.log.Error().Err(err).Msg("offline marker persist failed")
	}
	f.log.Warn().Time("taken_at", snap.TakenAt).Msg("snapshot marked offline")
}
