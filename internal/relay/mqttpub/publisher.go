// internal/relay/mqttpub/publisher.go
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nordvent/climabus/internal/store"
)

// Config holds the MQTT publisher settings.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://broker:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic receives one retained JSON document per snapshot.
	Topic string
	QoS   byte
}

// Publisher republishes every snapshot as JSON. Offer never blocks: a
// slow broker drops old snapshots instead of stalling the read loop.
type Publisher struct {
	cfg    Config
	log    zerolog.Logger
	client mqtt.Client
	queue  chan *store.Snapshot
}

// New creates a publisher; Run connects and drains the queue.
func New(cfg Config, log zerolog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttpub: broker url required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqttpub: topic required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "climabus"
	}

	p := &Publisher{
		cfg:   cfg,
		log:   log.With().Str("component", "mqttpub").Str("broker", cfg.Broker).Logger(),
		queue: make(chan *store.Snapshot, 1),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(60 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		p.log.Info().Msg("connected to broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("broker connection lost")
	}

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Offer hands a snapshot to the publisher, replacing any unpublished
// one. Implements facade.Sink.
func (p *Publisher) Offer(snap *store.Snapshot) {
	for {
		select {
		case p.queue <- snap:
			return
		default:
			// Queue full: drop the stale snapshot and retry.
			select {
			case <-p.queue:
			default:
			}
		}
	}
}

// Run connects to the broker and publishes queued snapshots until ctx
// is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		// AutoReconnect keeps trying in the background.
		p.log.Warn().Err(token.Error()).Msg("initial broker connect failed")
	}

	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return
		case snap := <-p.queue:
			p.publish(snap)
		}
	}
}

func (p *Publisher) publish(snap *store.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.log.Error().Err(err).Msg("snapshot marshal failed")
		return
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, true, payload)
	if token.Wait() && token.Error() != nil {
		p.log.Warn().Err(token.Error()).Msg("snapshot publish failed")
		return
	}
	p.log.Debug().Time("taken_at", snap.TakenAt).Msg("snapshot published")
}
