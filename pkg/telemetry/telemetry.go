// Package telemetry publishes the pose estimate and run events to an MQTT
// broker so a run can be followed from another machine.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/odometry"
)

const publishTimeout = 2 * time.Second

// Config holds the broker settings. An empty Broker disables telemetry.
type Config struct {
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// DefaultConfig has telemetry disabled.
func DefaultConfig() Config {
	return Config{ClientID: "khepera", Topic: "khepera"}
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool {
	return c.Broker != ""
}

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PoseMessage is published on <topic>/<run>/pose.
type PoseMessage struct {
	RunID     string  `json:"run_id"`
	Mode      string  `json:"mode"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Heading   float64 `json:"heading"`
	VarX      float64 `json:"var_x"`
	VarY      float64 `json:"var_y"`
	ESS       float64 `json:"ess"`
	Timestamp int64   `json:"timestamp"`
}

// EventMessage is published on <topic>/<run>/events.
type EventMessage struct {
	RunID     string        `json:"run_id"`
	Kind      string        `json:"kind"`
	Detail    string        `json:"detail,omitempty"`
	Pose      odometry.Pose `json:"pose"`
	Timestamp int64         `json:"timestamp"`
}

// Publisher sends messages for one run. A nil *Publisher drops everything,
// so callers need no enabled checks.
type Publisher struct {
	client Client
	prefix string
	qos    byte
	runID  string
	now    func() time.Time
}

// NewPublisher publishes through an existing client under a fresh run id.
func NewPublisher(client Client, cfg Config) *Publisher {
	prefix := cfg.Topic
	if prefix == "" {
		prefix = DefaultConfig().Topic
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    cfg.QoS,
		runID:  uuid.NewString(),
		now:    time.Now,
	}
}

// Connect dials the broker. It returns a nil publisher when telemetry is
// disabled.
func Connect(cfg Config) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("telemetry: connection lost (%v), reconnecting", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return NewPublisher(client, cfg), nil
}

// RunID identifies this run in topic names.
func (p *Publisher) RunID() string {
	if p == nil {
		return ""
	}
	return p.runID
}

// PublishEstimate sends the current pose estimate.
func (p *Publisher) PublishEstimate(mode string, est filter.Estimate) error {
	if p == nil {
		return nil
	}
	return p.publish("pose", false, PoseMessage{
		RunID:     p.runID,
		Mode:      mode,
		X:         est.Mean.X,
		Y:         est.Mean.Y,
		Heading:   est.Mean.Heading,
		VarX:      est.VarX,
		VarY:      est.VarY,
		ESS:       est.ESS,
		Timestamp: p.now().Unix(),
	})
}

// PublishEvent sends a discrete run event such as a food mark or arrival
// at home.
func (p *Publisher) PublishEvent(kind, detail string, pose odometry.Pose) error {
	if p == nil {
		return nil
	}
	return p.publish("events", false, EventMessage{
		RunID:     p.runID,
		Kind:      kind,
		Detail:    detail,
		Pose:      pose,
		Timestamp: p.now().Unix(),
	})
}

func (p *Publisher) publish(leaf string, retain bool, msg any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", leaf, err)
	}

	topic := fmt.Sprintf("%s/%s/%s", p.prefix, p.runID, leaf)
	token := p.client.Publish(topic, p.qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if c, ok := p.client.(mqtt.Client); ok {
		c.Disconnect(250)
	}
}
