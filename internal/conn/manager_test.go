// internal/conn/manager_test.go
package conn

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakePort replays scripted read chunks and records writes.
type fakePort struct {
	reads   [][]byte // one slice per Read call; empty slice = timeout
	writes  [][]byte
	drained int
	closed  bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, nil // timeout
	}
	chunk := f.reads[0]
	f.reads = f.reads[1:]
	return copy(p, chunk), nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.drained++
	return nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func newTestManager(port *fakePort) (*Manager, *int) {
	dials := 0
	m := NewWithDial(
		Config{Port: "/dev/ttyUSB0", BaudRate: 9600, Timeout: 100 * time.Millisecond},
		func() (Port, error) {
			dials++
			return port, nil
		},
		zerolog.Nop(),
	)
	return m, &dials
}

func TestAcquire_Idempotent(t *testing.T) {
	m, dials := newTestManager(&fakePort{})

	if _, err := m.Acquire(); err != nil {
		t.Fatalf("Acquire err=%v", err)
	}
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("second Acquire err=%v", err)
	}
	if *dials != 1 {
		t.Fatalf("expected 1 dial, got %d", *dials)
	}
}

func TestReleaseOnError_ForcesReopen(t *testing.T) {
	port := &fakePort{}
	m, dials := newTestManager(port)

	if _, err := m.Acquire(); err != nil {
		t.Fatalf("Acquire err=%v", err)
	}
	m.ReleaseOnError()
	if !port.closed {
		t.Fatal("expected handle closed")
	}
	if m.Connected() {
		t.Fatal("expected disconnected state")
	}

	if _, err := m.Acquire(); err != nil {
		t.Fatalf("reopen err=%v", err)
	}
	if *dials != 2 {
		t.Fatalf("expected 2 dials, got %d", *dials)
	}
}

func TestTransact_AssemblesChunkedResponse(t *testing.T) {
	port := &fakePort{
		reads: [][]byte{{0x01, 0x03}, {0x02, 0x00}, {0xD2, 0xAA, 0xBB}},
	}
	m, _ := newTestManager(port)

	resp, err := m.Transact([]byte{0x01, 0x03, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00}, 7)
	if err != nil {
		t.Fatalf("Transact err=%v", err)
	}
	if len(resp) != 7 {
		t.Fatalf("expected 7 bytes, got %d", len(resp))
	}
	if port.drained != 1 {
		t.Fatal("expected stale input drained before write")
	}
	if len(port.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(port.writes))
	}
}

func TestTransact_Timeout(t *testing.T) {
	port := &fakePort{reads: [][]byte{{0x01, 0x03}}}
	m, _ := newTestManager(port)

	_, err := m.Transact([]byte{0x01}, 7)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTransact_DialFailure(t *testing.T) {
	m := NewWithDial(
		Config{Port: "p", BaudRate: 9600, Timeout: time.Second},
		func() (Port, error) { return nil, errors.New("no such device") },
		zerolog.Nop(),
	)

	_, err := m.Transact([]byte{0x01}, 7)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{BaudRate: 9600, Timeout: time.Second}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing port")
	}
	if _, err := New(Config{Port: "p", Timeout: time.Second}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing baud rate")
	}
}

func TestNewWithDial_LoggerContext(t *testing.T) {
	var buf bytes.Buffer
	m := NewWithDial(
		Config{Port: "/dev/ttyUSB0", BaudRate: 9600, Timeout: time.Second},
		func() (Port, error) { return &fakePort{}, nil },
		zerolog.New(&buf),
	)

	if _, err := m.Acquire(); err != nil {
		t.Fatalf("Acquire err=%v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"component":"conn"`) || !strings.Contains(out, `"port":"/dev/ttyUSB0"`) {
		t.Fatalf("log line missing context fields: %s", out)
	}
}
