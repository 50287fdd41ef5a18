// cmd/climabusd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/nordvent/climabus/internal/config"
	"github.com/nordvent/climabus/internal/conn"
	"github.com/nordvent/climabus/internal/dispatch"
	"github.com/nordvent/climabus/internal/facade"
	"github.com/nordvent/climabus/internal/relay/mqttpub"
	"github.com/nordvent/climabus/internal/relay/regmap"
	"github.com/nordvent/climabus/internal/sched"
	"github.com/nordvent/climabus/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: climabusd <config.yaml>")
		os.Exit(2)
	}
	cfgPath := os.Args[1]

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(err, "config load failed")
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err, "config validation failed")
	}
	config.Normalize(cfg)

	log := buildLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Durable state
	// --------------------

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	// --------------------
	// Bus stack: connection manager -> scheduler -> dispatcher
	// --------------------

	manager, err := conn.New(conn.Config{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
		Parity:   parityOf(cfg.Serial.Parity),
		DataBits: cfg.Serial.DataBits,
		StopBits: stopBitsOf(cfg.Serial.StopBits),
		Timeout:  time.Duration(cfg.Serial.TimeoutMs) * time.Millisecond,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connection manager build failed")
	}

	scheduler, err := sched.New(sched.Config{
		SlaveID:          cfg.Serial.SlaveID,
		WindowDuration:   time.Duration(cfg.Bus.WindowMs) * time.Millisecond,
		CooldownDuration: time.Duration(cfg.Bus.CooldownMs) * time.Millisecond,
		QueueSize:        cfg.Bus.QueueSize,
	}, manager, log)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler build failed")
	}

	dispatcher, err := dispatch.New(st, scheduler, dispatch.Config{
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		RetryBackoff: time.Duration(cfg.Dispatcher.RetryBackoffMs) * time.Millisecond,
		WaitTimeout:  time.Duration(cfg.Dispatcher.WaitTimeoutMs) * time.Millisecond,
		Interval:     time.Duration(cfg.Dispatcher.IntervalMs) * time.Millisecond,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dispatcher build failed")
	}

	fc, err := facade.New(ctx, scheduler, dispatcher, st, facade.Config{
		ReadInterval:    time.Duration(cfg.ReadLoop.IntervalMs) * time.Millisecond,
		MaxReadInterval: time.Duration(cfg.ReadLoop.MaxIntervalMs) * time.Millisecond,
		ErrorThreshold:  cfg.ReadLoop.ErrorThreshold,
		WaitTimeout:     time.Duration(cfg.ReadLoop.WaitTimeoutMs) * time.Millisecond,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("facade build failed")
	}

	var wg sync.WaitGroup

	// --------------------
	// Relays (optional)
	// --------------------

	if cfg.Relays.Regmap.Enabled {
		relay, err := regmap.New(regmap.Config{
			URL:        cfg.Relays.Regmap.Listen,
			UnitID:     cfg.Relays.Regmap.UnitID,
			MaxClients: cfg.Relays.Regmap.MaxClients,
		}, fc, fc, log)
		if err != nil {
			log.Fatal().Err(err).Msg("regmap relay build failed")
		}
		if err := relay.Start(); err != nil {
			log.Fatal().Err(err).Msg("regmap relay start failed")
		}
		defer relay.Stop()
	}

	if cfg.Relays.MQTT.Enabled {
		pub, err := mqttpub.New(mqttpub.Config{
			Broker:   cfg.Relays.MQTT.Broker,
			ClientID: cfg.Relays.MQTT.ClientID,
			Username: cfg.Relays.MQTT.Username,
			Password: cfg.Relays.MQTT.Password,
			Topic:    cfg.Relays.MQTT.Topic,
			QoS:      cfg.Relays.MQTT.QoS,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("mqtt publisher build failed")
		}
		fc.AddSink(pub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx)
		}()
	}

	// --------------------
	// Background loops
	// --------------------

	wg.Add(3)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		fc.Run(ctx)
	}()

	log.Info().
		Str("port", cfg.Serial.Port).
		Uint8("slave_id", cfg.Serial.SlaveID).
		Str("db", cfg.Store.Path).
		Msg("climabusd running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	wg.Wait()
}

func buildLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func parityOf(s string) serial.Parity {
	switch s {
	case "even":
		return serial.EvenParity
	case "odd":
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

func stopBitsOf(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func fatal(err error, msg string) {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	l.Fatal().Err(err).Msg(msg)
}
