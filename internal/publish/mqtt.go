// Package publish ships completed activity intervals and session events
// to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fliptrace/fliptrace/internal/config"
)

// IntervalRecord is the JSON payload published for every closed
// activity interval.
type IntervalRecord struct {
	Device          string    `json:"device"`
	Facet           uint8     `json:"facet"`
	FacetName       string    `json:"facet_name,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationSeconds float64   `json:"duration_seconds"`
	Source          string    `json:"source"` // "live" or "history"
}

// EventRecord is the JSON payload published for session lifecycle
// events.
type EventRecord struct {
	Device string    `json:"device"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Error  string    `json:"error,omitempty"`
}

// Publisher is a thin wrapper over the paho client publishing to
// <prefix>/<device>/intervals and <prefix>/<device>/events.
type Publisher struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPublisher builds the MQTT client; call Connect before publishing.
func NewPublisher(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect establishes the broker connection. Waits for the initial
// connection and respects ctx and Disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}

	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// PublishInterval publishes a closed activity interval.
func (p *Publisher) PublishInterval(rec IntervalRecord) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt publisher not connected")
	}

	topic := fmt.Sprintf("%s/%s/intervals", p.cfg.TopicPrefix, rec.Device)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal interval: %w", err)
	}

	token := p.client.Publish(topic, byte(p.cfg.QoS), false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		p.logger.Error("failed to publish interval", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish interval: %w", token.Error())
	}

	p.logger.Debug("published interval", "topic", topic, "facet", rec.Facet, "duration", rec.DurationSeconds)
	return nil
}

// PublishEvent publishes a session lifecycle event. Retained, so a
// late-joining subscriber sees the current connection state.
func (p *Publisher) PublishEvent(rec EventRecord) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt publisher not connected")
	}

	topic := fmt.Sprintf("%s/%s/events", p.cfg.TopicPrefix, rec.Device)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(topic, byte(p.cfg.QoS), true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		p.logger.Error("failed to publish event", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish event: %w", token.Error())
	}
	return nil
}

// IsConnected returns whether the publisher is connected.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect stops the publisher. Idempotent.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
