package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/odometry"
)

type mockToken struct{ err error }

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type mockClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []mockMessage
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &mockToken{err: c.publishErr}
	}
	c.published = append(c.published, mockMessage{Topic: topic, Payload: payload.([]byte), QoS: qos, Retain: retained})
	return &mockToken{}
}

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestPublishEstimate(t *testing.T) {
	client := &mockClient{connected: true}
	p := NewPublisher(client, Config{Topic: "arena", QoS: 1})
	p.now = fixedNow

	_, err := uuid.Parse(p.RunID())
	require.NoError(t, err)

	est := filter.Estimate{Mean: odometry.Pose{X: 60, Y: 20, Heading: 90}, VarX: 1.5, VarY: 2, ESS: 320}
	require.NoError(t, p.PublishEstimate("search", est))

	require.Len(t, client.published, 1)
	msg := client.published[0]
	assert.Equal(t, "arena/"+p.RunID()+"/pose", msg.Topic)
	assert.Equal(t, byte(1), msg.QoS)

	var got PoseMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, PoseMessage{
		RunID: p.RunID(), Mode: "search", X: 60, Y: 20, Heading: 90,
		VarX: 1.5, VarY: 2, ESS: 320, Timestamp: 1700000000,
	}, got)
}

func TestPublishEvent(t *testing.T) {
	client := &mockClient{connected: true}
	p := NewPublisher(client, Config{})
	p.now = fixedNow

	require.NoError(t, p.PublishEvent("food", "mark 1", odometry.Pose{X: 3, Y: 4}))
	require.Len(t, client.published, 1)
	assert.True(t, strings.HasPrefix(client.published[0].Topic, "khepera/"))
	assert.True(t, strings.HasSuffix(client.published[0].Topic, "/events"))

	var got EventMessage
	require.NoError(t, json.Unmarshal(client.published[0].Payload, &got))
	assert.Equal(t, "food", got.Kind)
	assert.Equal(t, odometry.Pose{X: 3, Y: 4}, got.Pose)
}

func TestPublish_Errors(t *testing.T) {
	client := &mockClient{}
	p := NewPublisher(client, DefaultConfig())
	assert.ErrorContains(t, p.PublishEvent("home", "", odometry.Pose{}), "not connected")

	client.connected = true
	client.publishErr = errors.New("broker full")
	assert.ErrorContains(t, p.PublishEstimate("search", filter.Estimate{}), "broker full")
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.PublishEstimate("search", filter.Estimate{}))
	assert.NoError(t, p.PublishEvent("home", "", odometry.Pose{}))
	assert.Empty(t, p.RunID())
	p.Close()

	p, err := Connect(DefaultConfig())
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestRunIDsDiffer(t *testing.T) {
	a := NewPublisher(&mockClient{}, DefaultConfig())
	b := NewPublisher(&mockClient{}, DefaultConfig())
	assert.NotEqual(t, a.RunID(), b.RunID())
}
