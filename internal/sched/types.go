// internal/sched/types.go
package sched

import (
	"errors"
	"time"

	"github.com/nordvent/climabus/internal/codec"
)

// Bus is the exact transaction surface the worker drives. The real
// implementation is conn.Manager; tests inject an instrumented fake.
type Bus interface {
	Transact(frame []byte, respLen int) ([]byte, error)
	ReleaseOnError()
	CloseIdle()
}

var (
	// ErrQueueFull is delivered when a request cannot be enqueued.
	ErrQueueFull = errors.New("sched: request queue full")

	// ErrAwaitTimeout is returned by the Await helpers when a producer's
	// bounded wait expires. A late completion after this is discarded.
	ErrAwaitTimeout = errors.New("sched: timed out waiting for completion")

	// ErrWriteNotConfirmed is returned when the device echo does not
	// match the written register/value.
	ErrWriteNotConfirmed = errors.New("sched: write echo mismatch")
)

// ReadResult carries the outcome of a read request. Values is set for
// read-all, Value for read-one; Err is non-nil on failure.
type ReadResult struct {
	Values map[string]codec.Value
	Value  *codec.Value
	Err    error
}

// WriteResult carries the outcome of a write request.
type WriteResult struct {
	OK  bool
	Err error
}

type requestKind int

const (
	reqReadAll requestKind = iota
	reqReadOne
	reqWriteOne
)

// request is ephemeral: it exists until its result channel is served or
// the producer gives up on it.
type request struct {
	kind       requestKind
	desc       codec.Descriptor // read-one / write-one
	raw        uint16           // write-one
	enqueuedAt time.Time

	readC  chan ReadResult
	writeC chan WriteResult
}

// Stats is a point-in-time view of the scheduler's rolling counters.
type Stats struct {
	Requests      uint64  `json:"requests"`
	Errors        uint64  `json:"errors"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	WindowsOpened uint64  `json:"windows_opened"`
	LastWindowOps int     `json:"last_window_ops"`
	QueueDepth    int     `json:"queue_depth"`
}

// AwaitRead performs the producer side of the completion contract: a
// bounded receive. On timeout the request is treated as failed and its
// eventual completion, if any, is dropped by the buffered channel.
func AwaitRead(c <-chan ReadResult, timeout time.Duration) ReadResult {
	select {
	case r := <-c:
		return r
	case <-time.After(timeout):
		return ReadResult{Err: ErrAwaitTimeout}
	}
}

// AwaitWrite is AwaitRead's counterpart for write requests.
func AwaitWrite(c <-chan WriteResult, timeout time.Duration) WriteResult {
	select {
	case r := <-c:
		return r
	case <-time.After(timeout):
		return WriteResult{Err: ErrAwaitTimeout}
	}
}
