// internal/config/validate.go
package config

import (
	"fmt"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	// ------------------------------------------------------------
	// SERIAL LINE
	// ------------------------------------------------------------

	if cfg.Serial.Port == "" {
		return fmt.Errorf("serial: port is required")
	}
	if cfg.Serial.BaudRate < 0 {
		return fmt.Errorf("serial: baud_rate must be >= 0")
	}
	switch cfg.Serial.Parity {
	case "", "none", "even", "odd":
	default:
		return fmt.Errorf("serial: parity %q must be none, even or odd", cfg.Serial.Parity)
	}
	switch cfg.Serial.DataBits {
	case 0, 7, 8:
	default:
		return fmt.Errorf("serial: data_bits %d must be 7 or 8", cfg.Serial.DataBits)
	}
	switch cfg.Serial.StopBits {
	case 0, 1, 2:
	default:
		return fmt.Errorf("serial: stop_bits %d must be 1 or 2", cfg.Serial.StopBits)
	}
	if cfg.Serial.TimeoutMs < 0 {
		return fmt.Errorf("serial: timeout_ms must be >= 0")
	}
	if cfg.Serial.SlaveID == 0 {
		return fmt.Errorf("serial: slave_id is required")
	}

	// ------------------------------------------------------------
	// BUS WINDOWING
	// ------------------------------------------------------------

	if cfg.Bus.WindowMs < 0 || cfg.Bus.CooldownMs < 0 {
		return fmt.Errorf("bus: window_ms and cooldown_ms must be >= 0")
	}
	if cfg.Bus.QueueSize < 0 {
		return fmt.Errorf("bus: queue_size must be >= 0")
	}

	// ------------------------------------------------------------
	// READ LOOP
	// ------------------------------------------------------------

	if cfg.ReadLoop.IntervalMs < 0 || cfg.ReadLoop.MaxIntervalMs < 0 {
		return fmt.Errorf("read_loop: interval_ms and max_interval_ms must be >= 0")
	}
	if cfg.ReadLoop.MaxIntervalMs != 0 && cfg.ReadLoop.IntervalMs > cfg.ReadLoop.MaxIntervalMs {
		return fmt.Errorf(
			"read_loop: interval_ms %d exceeds max_interval_ms %d",
			cfg.ReadLoop.IntervalMs, cfg.ReadLoop.MaxIntervalMs,
		)
	}

	// ------------------------------------------------------------
	// DISPATCHER
	// ------------------------------------------------------------

	if cfg.Dispatcher.MaxAttempts < 0 {
		return fmt.Errorf("dispatcher: max_attempts must be >= 0")
	}
	if cfg.Dispatcher.BatchSize < 0 {
		return fmt.Errorf("dispatcher: batch_size must be >= 0")
	}

	// ------------------------------------------------------------
	// STORE
	// ------------------------------------------------------------

	if cfg.Store.Path == "" {
		return fmt.Errorf("store: path is required")
	}

	// ------------------------------------------------------------
	// RELAYS
	// ------------------------------------------------------------

	if cfg.Relays.Regmap.Enabled && cfg.Relays.Regmap.Listen == "" {
		return fmt.Errorf("relays: regmap enabled but listen address missing")
	}
	if cfg.Relays.MQTT.Enabled {
		if cfg.Relays.MQTT.Broker == "" {
			return fmt.Errorf("relays: mqtt enabled but broker missing")
		}
		if cfg.Relays.MQTT.Topic == "" {
			return fmt.Errorf("relays: mqtt enabled but topic missing")
		}
		if cfg.Relays.MQTT.QoS > 2 {
			return fmt.Errorf("relays: mqtt qos %d must be 0, 1 or 2", cfg.Relays.MQTT.QoS)
		}
	}

	return nil
}
