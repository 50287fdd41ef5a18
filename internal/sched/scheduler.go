// internal/sched/scheduler.go
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nordvent/climabus/internal/codec"
	"github.com/nordvent/climabus/internal/registers"
)

// Config tunes the window state machine per bus characteristics.
type Config struct {
	SlaveID uint8

	// WindowDuration is the ceiling on one open access window.
	WindowDuration time.Duration

	// CooldownDuration is the mandatory quiet period between windows.
	CooldownDuration time.Duration

	// QueueSize bounds the shared request queue.
	QueueSize int
}

const (
	// Poll pacing inside an open window: short right after a request was
	// served (keeps latency low), longer when the queue has been idle.
	busyPoll = 5 * time.Millisecond
	idlePoll = 50 * time.Millisecond

	// Pause after an unexpected worker failure before resuming.
	recoverPause = 250 * time.Millisecond

	// EWMA weight for the rolling latency average.
	latencyAlpha = 0.2
)

// Scheduler serializes every bus operation through a single worker. At
// most one access window is open system-wide and consecutive windows are
// separated by at least the cooldown.
type Scheduler struct {
	cfg   Config
	bus   Bus
	log   zerolog.Logger
	queue chan *request

	mu            sync.Mutex
	lastClose     time.Time
	requests      uint64
	errors        uint64
	avgLatencyMs  float64
	windowsOpened uint64
	lastWindowOps int

	// windowHook observes (open, close) pairs. Test-only.
	windowHook func(open, close time.Time)
}

// New validates the configuration and creates a scheduler. Run must be
// started on its own goroutine before requests will make progress.
func New(cfg Config, bus Bus, log zerolog.Logger) (*Scheduler, error) {
	if bus == nil {
		return nil, errors.New("sched: bus required")
	}
	if cfg.WindowDuration <= 0 {
		return nil, errors.New("sched: window duration must be > 0")
	}
	if cfg.CooldownDuration <= 0 {
		return nil, errors.New("sched: cooldown duration must be > 0")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	return &Scheduler{
		cfg:   cfg,
		bus:   bus,
		log:   log.With().Str("component", "sched").Logger(),
		queue: make(chan *request, cfg.QueueSize),
		// First window may open immediately.
		lastClose: time.Now().Add(-cfg.CooldownDuration),
	}, nil
}

// ---- producer contract ----

// RequestReadAll enqueues a full telemetry read. The returned channel
// (capacity 1) receives exactly one result; producers must bound their
// wait with AwaitRead.
func (s *Scheduler) RequestReadAll() <-chan ReadResult {
	req := &request{
		kind:       reqReadAll,
		enqueuedAt: time.Now(),
		readC:      make(chan ReadResult, 1),
	}
	if !s.enqueue(req) {
		req.readC <- ReadResult{Err: ErrQueueFull}
	}
	return req.readC
}

// RequestReadRegister enqueues a single-register read by name.
func (s *Scheduler) RequestReadRegister(name string) <-chan ReadResult {
	c := make(chan ReadResult, 1)
	desc, ok := registers.ByName(name)
	if !ok {
		c <- ReadResult{Err: errors.New("sched: unknown register " + name)}
		return c
	}
	req := &request{
		kind:       reqReadOne,
		desc:       desc,
		enqueuedAt: time.Now(),
		readC:      c,
	}
	if !s.enqueue(req) {
		c <- ReadResult{Err: ErrQueueFull}
	}
	return c
}

// RequestWriteRegister enqueues a single-register write of an already
// encoded raw word.
func (s *Scheduler) RequestWriteRegister(name string, raw uint16) <-chan WriteResult {
	c := make(chan WriteResult, 1)
	desc, ok := registers.ByName(name)
	if !ok {
		c <- WriteResult{Err: errors.New("sched: unknown register " + name)}
		return c
	}
	req := &request{
		kind:       reqWriteOne,
		desc:       desc,
		raw:        raw,
		enqueuedAt: time.Now(),
		writeC:     c,
	}
	if !s.enqueue(req) {
		c <- WriteResult{Err: ErrQueueFull}
	}
	return c
}

func (s *Scheduler) enqueue(req *request) bool {
	select {
	case s.queue <- req:
		return true
	default:
		s.log.Warn().Msg("request queue full, rejecting")
		return false
	}
}

// Stats returns a copy of the rolling counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Requests:      s.requests,
		Errors:        s.errors,
		AvgLatencyMs:  s.avgLatencyMs,
		WindowsOpened: s.windowsOpened,
		LastWindowOps: s.lastWindowOps,
		QueueDepth:    len(s.queue),
	}
}

// ---- worker ----

// Run drives the window state machine until ctx is cancelled. It is the
// only code path that touches the Bus.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if wait := s.cooldownRemaining(); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.runWindow(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) cooldownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CooldownDuration - time.Since(s.lastClose)
}

func (s *Scheduler) runWindow(ctx context.Context) {
	open := time.Now()
	expiry := open.Add(s.cfg.WindowDuration)
	processed := 0
	pace := idlePoll

	s.log.Debug().Time("expires", expiry).Msg("window opened")

	for time.Now().Before(expiry) {
		select {
		case <-ctx.Done():
			goto done
		case req := <-s.queue:
			s.serve(req)
			processed++
			pace = busyPoll
		default:
			select {
			case <-ctx.Done():
				goto done
			case <-time.After(pace):
				pace = idlePoll
			}
		}
	}

done:
	if processed > 0 {
		s.bus.CloseIdle()
	}
	closeAt := time.Now()

	s.mu.Lock()
	s.lastClose = closeAt
	s.windowsOpened++
	s.lastWindowOps = processed
	hook := s.windowHook
	s.mu.Unlock()

	if hook != nil {
		hook(open, closeAt)
	}
	s.log.Debug().Int("processed", processed).Msg("window closed")
}

// serve executes one request and delivers its result. The worker must
// never die: unexpected failures are logged and the loop resumes.
func (s *Scheduler) serve(req *request) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("worker recovered")
			s.deliverErr(req, errors.New("sched: internal failure"))
			time.Sleep(recoverPause)
		}
	}()

	started := time.Now()
	var failed bool

	switch req.kind {
	case reqReadAll:
		values, err := s.readAll()
		failed = err != nil
		s.deliver(req, ReadResult{Values: values, Err: err}, WriteResult{})
	case reqReadOne:
		value, err := s.readOne(req.desc)
		failed = err != nil
		s.deliver(req, ReadResult{Value: value, Err: err}, WriteResult{})
	case reqWriteOne:
		err := s.writeOne(req.desc, req.raw)
		failed = err != nil
		s.deliver(req, ReadResult{}, WriteResult{OK: err == nil, Err: err})
	}

	s.recordOp(time.Since(started), failed)
}

func (s *Scheduler) deliver(req *request, rr ReadResult, wr WriteResult) {
	// Capacity-1 channels and a single send per request: the send never
	// blocks, and a producer that already gave up simply never receives.
	switch req.kind {
	case reqReadAll, reqReadOne:
		select {
		case req.readC <- rr:
		default:
		}
	case reqWriteOne:
		select {
		case req.writeC <- wr:
		default:
		}
	}
}

func (s *Scheduler) deliverErr(req *request, err error) {
	s.deliver(req, ReadResult{Err: err}, WriteResult{Err: err})
}

func (s *Scheduler) recordOp(latency time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if failed {
		s.errors++
	}
	ms := float64(latency.Microseconds()) / 1000
	if s.requests == 1 {
		s.avgLatencyMs = ms
	} else {
		s.avgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*s.avgLatencyMs
	}
}

// ---- bus operations ----

// readAll reads every register in the static table, one transaction per
// register. All-or-nothing: the first transport failure aborts the cycle
// and force-closes the line.
func (s *Scheduler) readAll() (map[string]codec.Value, error) {
	values := make(map[string]codec.Value)
	for _, d := range registers.All() {
		v, err := s.readOne(d)
		if err != nil {
			return nil, err
		}
		values[d.Name] = *v
	}
	return values, nil
}

func (s *Scheduler) readOne(d codec.Descriptor) (*codec.Value, error) {
	frame := codec.BuildReadRequest(s.cfg.SlaveID, d.Function, d.Address, 1)
	raw, err := s.bus.Transact(frame, codec.ReadResponseLen(1))
	if err != nil {
		s.failBus(d.Name, err)
		return nil, err
	}

	regs, err := codec.ParseReadResponse(raw, s.cfg.SlaveID, d.Function)
	if err != nil {
		s.failBus(d.Name, err)
		return nil, err
	}
	if len(regs) < 1 {
		err := errors.New("sched: empty read response")
		s.failBus(d.Name, err)
		return nil, err
	}

	v := codec.Decode(regs[0], d)
	return &v, nil
}

func (s *Scheduler) writeOne(d codec.Descriptor, raw uint16) error {
	frame := codec.BuildWriteRequest(s.cfg.SlaveID, d.Address, raw)
	resp, err := s.bus.Transact(frame, codec.WriteResponseLen)
	if err != nil {
		s.failBus(d.Name, err)
		return err
	}

	addr, value, err := codec.ParseWriteResponse(resp, s.cfg.SlaveID)
	if err != nil {
		s.failBus(d.Name, err)
		return err
	}
	if addr != d.Address || value != raw {
		s.failBus(d.Name, ErrWriteNotConfirmed)
		return ErrWriteNotConfirmed
	}
	return nil
}

// failBus logs a protocol-level failure and force-closes the handle so
// the next request starts from a clean line.
func (s *Scheduler) failBus(register string, err error) {
	s.log.Warn().Str("register", register).Err(err).Msg("bus operation failed")
	s.bus.ReleaseOnError()
}
