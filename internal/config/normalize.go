// internal/config/normalize.go
package config

// Normalize applies post-validation defaults.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// ------------------------------------------------------------
	// SERIAL LINE DEFAULTS (9600 8N1, 2s device timeout)
	// ------------------------------------------------------------

	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 9600
	}
	if cfg.Serial.Parity == "" {
		cfg.Serial.Parity = "none"
	}
	if cfg.Serial.DataBits == 0 {
		cfg.Serial.DataBits = 8
	}
	if cfg.Serial.StopBits == 0 {
		cfg.Serial.StopBits = 1
	}
	if cfg.Serial.TimeoutMs == 0 {
		cfg.Serial.TimeoutMs = 2000
	}

	// ------------------------------------------------------------
	// BUS WINDOWING DEFAULTS (5s window, 10s cooldown)
	// ------------------------------------------------------------

	if cfg.Bus.WindowMs == 0 {
		cfg.Bus.WindowMs = 5000
	}
	if cfg.Bus.CooldownMs == 0 {
		cfg.Bus.CooldownMs = 10000
	}
	if cfg.Bus.QueueSize == 0 {
		cfg.Bus.QueueSize = 64
	}

	// ------------------------------------------------------------
	// READ LOOP DEFAULTS (10s base, 60s cap, threshold 3)
	// ------------------------------------------------------------

	if cfg.ReadLoop.IntervalMs == 0 {
		cfg.ReadLoop.IntervalMs = 10000
	}
	if cfg.ReadLoop.MaxIntervalMs == 0 {
		cfg.ReadLoop.MaxIntervalMs = 60000
	}
	if cfg.ReadLoop.ErrorThreshold == 0 {
		cfg.ReadLoop.ErrorThreshold = 3
	}
	if cfg.ReadLoop.WaitTimeoutMs == 0 {
		cfg.ReadLoop.WaitTimeoutMs = 15000
	}

	// ------------------------------------------------------------
	// DISPATCHER DEFAULTS
	// ------------------------------------------------------------

	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 5
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 3
	}
	if cfg.Dispatcher.RetryBackoffMs == 0 {
		cfg.Dispatcher.RetryBackoffMs = 5000
	}
	if cfg.Dispatcher.WaitTimeoutMs == 0 {
		cfg.Dispatcher.WaitTimeoutMs = 15000
	}
	if cfg.Dispatcher.IntervalMs == 0 {
		cfg.Dispatcher.IntervalMs = 1000
	}

	// ------------------------------------------------------------
	// LOGGING DEFAULTS
	// ------------------------------------------------------------

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// ------------------------------------------------------------
	// RELAY DEFAULTS
	// ------------------------------------------------------------

	if cfg.Relays.Regmap.Enabled {
		if cfg.Relays.Regmap.UnitID == 0 {
			cfg.Relays.Regmap.UnitID = 1
		}
		if cfg.Relays.Regmap.MaxClients == 0 {
			cfg.Relays.Regmap.MaxClients = 5
		}
	}
	if cfg.Relays.MQTT.Enabled && cfg.Relays.MQTT.ClientID == "" {
		cfg.Relays.MQTT.ClientID = "climabus"
	}
}
