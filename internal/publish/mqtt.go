package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/i474232898/noaa-weather/internal/weather"
)

var (
	// ErrSinkGone is returned when publishing without an open connection.
	ErrSinkGone     = errors.New("mqtt connection is not open")
	errTokenTimeout = errors.New("mqtt operation timed out")
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

// Subtopics under MQTTConfig.Topic, one retained message per field.
const (
	TemperatureSubtopic = "temperature"
	HumiditySubtopic    = "humidity"
)

// Telemetry is the JSON payload of a single field message.
type Telemetry struct {
	StationID   string   `json:"station_id"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Temperature *float64 `json:"temperature_c,omitempty"`
	Humidity    *float64 `json:"humidity_pct,omitempty"`
}

// MQTTPublisher publishes readings to an MQTT topic.
type MQTTPublisher struct {
	cfg    MQTTConfig
	logger *slog.Logger

	newClient func(opts *mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTPublisher creates an unconnected publisher; call Connect before use.
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		cfg:       cfg,
		logger:    logger,
		newClient: mqtt.NewClient,
	}
}

func (p *MQTTPublisher) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(p.cfg.Timeout)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})
	return opts
}

// Connect establishes the initial connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	return p.Recreate(ctx)
}

// Publish sends each non-nil field of u as a retained message on its own
// subtopic, so a partial update leaves the other field's last value intact.
func (p *MQTTPublisher) Publish(ctx context.Context, u weather.Update) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return ErrSinkGone
	}

	if u.Temperature != nil {
		msg := Telemetry{StationID: u.StationID, Timestamp: u.Timestamp, Temperature: u.Temperature}
		if err := p.send(ctx, client, TemperatureSubtopic, msg); err != nil {
			return err
		}
	}
	if u.Humidity != nil {
		msg := Telemetry{StationID: u.StationID, Timestamp: u.Timestamp, Humidity: u.Humidity}
		if err := p.send(ctx, client, HumiditySubtopic, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *MQTTPublisher) send(ctx context.Context, client mqtt.Client, subtopic string, msg Telemetry) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	topic := p.cfg.Topic + "/" + subtopic
	token := client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)
	if err := waitToken(ctx, token, p.cfg.Timeout); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Exists reports whether the connection is open.
func (p *MQTTPublisher) Exists() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && p.client.IsConnectionOpen()
}

// Recreate drops the current client, if any, and connects a fresh one.
func (p *MQTTPublisher) Recreate(ctx context.Context) error {
	p.mu.Lock()
	old := p.client
	p.client = nil
	p.mu.Unlock()

	if old != nil {
		old.Disconnect(250)
	}

	client := p.newClient(p.options())
	if err := waitToken(ctx, client.Connect(), p.cfg.Timeout); err != nil {
		return fmt.Errorf("connect to %s: %w", p.cfg.Broker, err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

func waitToken(ctx context.Context, t mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}

var _ weather.Publisher = (*MQTTPublisher)(nil)
