// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Bus        BusConfig        `yaml:"bus"`
	ReadLoop   ReadLoopConfig   `yaml:"read_loop"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
	Relays     RelaysConfig     `yaml:"relays"`
}

// ---- SERIAL LINE ----

type SerialConfig struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	Parity    string `yaml:"parity"` // none | even | odd
	DataBits  int    `yaml:"data_bits"`
	StopBits  int    `yaml:"stop_bits"`
	TimeoutMs int    `yaml:"timeout_ms"`
	SlaveID   uint8  `yaml:"slave_id"`
}

// ---- BUS WINDOWING ----

type BusConfig struct {
	WindowMs   int `yaml:"window_ms"`
	CooldownMs int `yaml:"cooldown_ms"`
	QueueSize  int `yaml:"queue_size"`
}

// ---- READ LOOP ----

type ReadLoopConfig struct {
	IntervalMs     int `yaml:"interval_ms"`
	MaxIntervalMs  int `yaml:"max_interval_ms"`
	ErrorThreshold int `yaml:"error_threshold"`
	WaitTimeoutMs  int `yaml:"wait_timeout_ms"`
}

// ---- DISPATCHER ----

type DispatcherConfig struct {
	BatchSize      int `yaml:"batch_size"`
	MaxAttempts    int `yaml:"max_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	WaitTimeoutMs  int `yaml:"wait_timeout_ms"`
	IntervalMs     int `yaml:"interval_ms"`
}

// ---- STORE ----

type StoreConfig struct {
	Path string `yaml:"path"`
}

// ---- LOGGING ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ---- RELAYS ----

type RelaysConfig struct {
	Regmap RegmapConfig `yaml:"regmap"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

type RegmapConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	UnitID     uint8  `yaml:"unit_id"`
	MaxClients uint   `yaml:"max_clients"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// Load reads and parses the YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
