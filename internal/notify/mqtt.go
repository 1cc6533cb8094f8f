// Package notify publishes recognition responses to MQTT subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/facequeue/internal/types"
)

// MQTTConfig locates the broker and topic namespace.
type MQTTConfig struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // responses go to <prefix>/<label>
	QoS         byte
}

// MQTT publishes each response to a per-label topic.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "facequeue/results"
	}
	return &MQTT{cfg: cfg}
}

// Connect establishes the broker connection; the client reconnects on its own afterwards.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		slog.Info("mqtt connection established", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", m.cfg.Broker)
	}

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Topic returns the topic a response is published on.
func (m *MQTT) Topic(resp types.ResponseMessage) string {
	return m.cfg.TopicPrefix + "/" + resp.Prediction
}

// Publish sends resp as JSON.
func (m *MQTT) Publish(ctx context.Context, resp types.ResponseMessage) error {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	if !connected {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	topic := m.Topic(resp)
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	m.mu.Lock()
	m.published++
	m.mu.Unlock()
	slog.Debug("response published", "topic", topic, "size", len(payload))
	return nil
}

// Published returns how many responses were delivered to the broker.
func (m *MQTT) Published() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.client != nil {
		m.client.Disconnect(250)
	}
}
