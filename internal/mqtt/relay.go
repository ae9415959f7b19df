package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
)

// publisher is the part of [autopaho.ConnectionManager] the relay uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Relay forwards bus events to an MQTT broker.
type Relay struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	counters *DailyCounters
	logger   *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// NewRelay creates a Relay but does not connect. Call [Relay.Start] to
// begin forwarding.
func NewRelay(cfg config.MQTTConfig, clientID string, bus *events.Bus, counters *DailyCounters, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = NewDailyCounters(nil, nil)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "steward"
	}
	return &Relay{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		counters: counters,
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. The first connection is awaited briefly; autopaho keeps
// retrying in the background after that.
func (r *Relay) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(r.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: r.cfg.Username,
		ConnectPassword: []byte(r.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   r.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			r.logger.Info("mqtt connected to broker", "broker", r.cfg.Broker)
			r.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			r.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: r.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so events emitted while the first
	// connection is pending are queued rather than lost.
	ch := r.bus.Subscribe(64)
	defer r.bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	r.mu.Lock()
	r.cm = cm
	r.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		r.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	r.run(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" and disconnects. The context bounds how long
// to wait.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cm := r.cm
	r.mu.Unlock()
	if cm == nil {
		return nil
	}
	r.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// run forwards events until ctx is cancelled or the channel closes.
func (r *Relay) run(ctx context.Context, pub publisher, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.forward(ctx, pub, e)
		}
	}
}

func (r *Relay) forward(ctx context.Context, pub publisher, e events.Event) {
	r.counters.Observe(e)

	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := r.EventTopic(e)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		r.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
		return
	}

	if e.Kind == events.KindRequestComplete {
		r.publishStats(ctx, pub)
	}
}

func (r *Relay) publishStats(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(r.counters.Snapshot())
	if err != nil {
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   r.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		r.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

func (r *Relay) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   r.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		r.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		r.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

// EventTopic returns the topic an event is published to.
func (r *Relay) EventTopic(e events.Event) string {
	return r.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

func (r *Relay) availabilityTopic() string {
	return r.cfg.TopicPrefix + "/availability"
}

func (r *Relay) statsTopic() string {
	return r.cfg.TopicPrefix + "/stats"
}
