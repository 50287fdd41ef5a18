// internal/relay/regmap/regmap.go
package regmap

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"

	"github.com/nordvent/climabus/internal/codec"
	"github.com/nordvent/climabus/internal/registers"
	"github.com/nordvent/climabus/internal/store"
)

// source supplies the latest decoded snapshot (the facade).
type source interface {
	GetCurrentData() *store.Snapshot
}

// submitter accepts validated write commands (the facade).
type submitter interface {
	ValidateWriteCommand(register string, value float64) error
	AddWriteCommand(ctx context.Context, register string, value float64, src store.Source, priority int) (string, error)
}

// Config holds the TCP register map settings.
type Config struct {
	// URL is the listen address, e.g. "tcp://0.0.0.0:5502".
	URL string

	// UnitID is the unit the map answers for; other units are rejected.
	UnitID uint8

	Timeout    time.Duration
	MaxClients uint
}

// Relay re-exposes the latest snapshot as a network-facing register
// map at the same addresses as the physical device. Values are
// re-encoded with the descriptor table used for decoding, so anything
// outside the sentinel set round-trips losslessly. Writes to
// whitelisted holding registers become write commands attributed to
// the TCP client address.
type Relay struct {
	cfg    Config
	src    source
	sub    submitter
	log    zerolog.Logger
	server *modbus.ModbusServer
}

// New creates the relay; Start brings the listener up.
func New(cfg Config, src source, sub submitter, log zerolog.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, errors.New("regmap: listen url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 5
	}

	r := &Relay{
		cfg: cfg,
		src: src,
		sub: sub,
		log: log.With().Str("component", "regmap").Str("url", cfg.URL).Logger(),
	}

	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        cfg.URL,
		Timeout:    cfg.Timeout,
		MaxClients: cfg.MaxClients,
	}, r)
	if err != nil {
		return nil, err
	}
	r.server = server
	return r, nil
}

// Start brings the TCP listener up.
func (r *Relay) Start() error {
	if err := r.server.Start(); err != nil {
		return err
	}
	r.log.Info().Msg("register map listening")
	return nil
}

// Stop shuts the listener down.
func (r *Relay) Stop() error {
	return r.server.Stop()
}

// ---- modbus.RequestHandler ----

// HandleCoils rejects coil access: the controller family is register
// oriented.
func (r *Relay) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleDiscreteInputs rejects discrete input access.
func (r *Relay) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleInputRegisters serves the telemetry registers.
func (r *Relay) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if req.UnitId != r.cfg.UnitID {
		return nil, modbus.ErrIllegalDataAddress
	}
	return r.readRange(req.Addr, req.Quantity, codec.FuncReadInput)
}

// HandleHoldingRegisters serves the setpoint registers and translates
// writes into write commands.
func (r *Relay) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.UnitId != r.cfg.UnitID {
		return nil, modbus.ErrIllegalDataAddress
	}
	if !req.IsWrite {
		return r.readRange(req.Addr, req.Quantity, codec.FuncReadHolding)
	}
	return r.writeRange(req)
}

func (r *Relay) readRange(addr, quantity uint16, fn codec.Function) ([]uint16, error) {
	snap := r.src.GetCurrentData()

	out := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		d, ok := registers.ByAddress(addr + i)
		if !ok || d.Function != fn {
			return nil, modbus.ErrIllegalDataAddress
		}

		if snap == nil {
			out[i] = codec.SentinelUnavailable
			continue
		}
		v, ok := snap.Values[d.Name]
		if !ok {
			out[i] = codec.SentinelUnavailable
			continue
		}
		out[i] = codec.EncodeValue(v, d)
	}
	return out, nil
}

func (r *Relay) writeRange(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	// The write is all-or-nothing: validate the whole range before any
	// command is submitted so a rejected request leaves no trace.
	type pending struct {
		name  string
		value float64
	}
	writes := make([]pending, req.Quantity)

	for i := uint16(0); i < req.Quantity; i++ {
		d, ok := registers.ByAddress(req.Addr + i)
		if !ok || !d.Writable() {
			return nil, modbus.ErrIllegalDataAddress
		}

		raw := req.Args[i]
		if codec.IsSentinel(raw) {
			return nil, modbus.ErrIllegalDataValue
		}
		value := codec.Decode(raw, d)

		if err := r.sub.ValidateWriteCommand(d.Name, value.Num); err != nil {
			r.log.Warn().
				Str("register", d.Name).
				Str("client", req.ClientAddr).
				Err(err).
				Msg("relayed write rejected")
			return nil, modbus.ErrIllegalDataValue
		}
		writes[i] = pending{name: d.Name, value: value.Num}
	}

	for _, w := range writes {
		id, err := r.sub.AddWriteCommand(
			context.Background(),
			w.name,
			w.value,
			store.Source{Origin: req.ClientAddr, Info: "regmap relay"},
			0,
		)
		if err != nil {
			r.log.Warn().
				Str("register", w.name).
				Str("client", req.ClientAddr).
				Err(err).
				Msg("relayed write rejected")
			return nil, modbus.ErrIllegalDataValue
		}

		r.log.Info().
			Str("register", w.name).
			Str("client", req.ClientAddr).
			Str("command_id", id).
			Msg("relayed write accepted")
	}
	return req.Args, nil
}
