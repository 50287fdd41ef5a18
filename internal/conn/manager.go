// internal/conn/manager.go
package conn

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Port is the subset of the serial port the manager needs. The real
// implementation is go.bug.st/serial; tests inject a scripted fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// ErrNotConnected is returned when a transaction is attempted and the
// line cannot be opened.
var ErrNotConnected = errors.New("conn: serial line not available")

// ErrTimeout is returned when the device stays silent past its response
// timeout mid-transaction.
var ErrTimeout = errors.New("conn: device response timeout")

// Config holds the serial line parameters.
type Config struct {
	Port     string
	BaudRate int
	Parity   serial.Parity
	DataBits int
	StopBits serial.StopBits

	// Timeout bounds one device response.
	Timeout time.Duration
}

// Manager owns the single serial handle for the half-duplex line. It is
// NOT safe for concurrent use: the bus scheduler's worker is its only
// caller.
type Manager struct {
	cfg  Config
	dial func() (Port, error)
	log  zerolog.Logger

	port Port
}

// New creates a manager. The handle is opened lazily on first use.
func New(cfg Config, log zerolog.Logger) (*Manager, error) {
	if cfg.Port == "" {
		return nil, errors.New("conn: port path required")
	}
	if cfg.BaudRate <= 0 {
		return nil, errors.New("conn: baud rate must be > 0")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("conn: device timeout must be > 0")
	}

	m := &Manager{
		cfg: cfg,
		log: log.With().Str("component", "conn").Str("port", cfg.Port).Logger(),
	}
	m.dial = m.open
	return m, nil
}

// NewWithDial creates a manager with an injected dial function (tests).
func NewWithDial(cfg Config, dial func() (Port, error), log zerolog.Logger) *Manager {
	return &Manager{
		cfg:  cfg,
		dial: dial,
		log:  log.With().Str("component", "conn").Str("port", cfg.Port).Logger(),
	}
}

func (m *Manager) open() (Port, error) {
	mode := &serial.Mode{
		BaudRate: m.cfg.BaudRate,
		DataBits: m.cfg.DataBits,
		Parity:   m.cfg.Parity,
		StopBits: m.cfg.StopBits,
	}
	port, err := serial.Open(m.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("conn: open %s: %w", m.cfg.Port, err)
	}
	if err := port.SetReadTimeout(m.cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("conn: set read timeout: %w", err)
	}
	return port, nil
}

// Acquire opens the line if needed. Idempotent while open.
func (m *Manager) Acquire() (Port, error) {
	if m.port != nil {
		return m.port, nil
	}
	port, err := m.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.port = port
	m.log.Debug().Msg("serial line opened")
	return m.port, nil
}

// ReleaseOnError force-closes the handle. A desynchronized half-duplex
// line cannot be trusted; the next Acquire reopens cleanly.
func (m *Manager) ReleaseOnError() {
	if m.port == nil {
		return
	}
	if err := m.port.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close after error failed")
	}
	m.port = nil
	m.log.Debug().Msg("serial line closed after error")
}

// CloseIdle closes the handle at the end of an access window so the
// physical line is not held open through the cooldown.
func (m *Manager) CloseIdle() {
	if m.port == nil {
		return
	}
	if err := m.port.Close(); err != nil {
		m.log.Warn().Err(err).Msg("idle close failed")
	}
	m.port = nil
	m.log.Debug().Msg("serial line closed idle")
}

// Connected reports whether a handle is currently open.
func (m *Manager) Connected() bool {
	return m.port != nil
}

// Transact writes one request frame and reads exactly respLen response
// bytes, bounded by the device timeout. Any stale input is drained
// before the write so a previous desync cannot bleed into this exchange.
func (m *Manager) Transact(frame []byte, respLen int) ([]byte, error) {
	port, err := m.Acquire()
	if err != nil {
		return nil, err
	}

	if err := port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("conn: drain input: %w", err)
	}

	if _, err := port.Write(frame); err != nil {
		return nil, fmt.Errorf("conn: write request: %w", err)
	}

	buf := make([]byte, respLen)
	read := 0
	deadline := time.Now().Add(m.cfg.Timeout)
	for read < respLen {
		n, err := port.Read(buf[read:])
		if err != nil {
			return nil, fmt.Errorf("conn: read response: %w", err)
		}
		if n == 0 {
			// go.bug.st/serial signals a read timeout as n==0.
			return buf[:read], fmt.Errorf("%w after %d/%d bytes", ErrTimeout, read, respLen)
		}
		read += n
		if time.Now().After(deadline) && read < respLen {
			return buf[:read], fmt.Errorf("%w after %d/%d bytes", ErrTimeout, read, respLen)
		}
	}
	return buf, nil
}
