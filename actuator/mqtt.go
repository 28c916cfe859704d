package actuator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

const publishTimeout = 2 * time.Second

// Publisher is the part of mqtt.Client used to send commands.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTInput publishes msgpack-encoded commands to <prefix>/input for an
// input agent running next to the game.
type MQTTInput struct {
	client Publisher
	topic  string
	qos    byte
	logger *logging.Logger
	now    func() time.Time

	seq atomic.Uint64

	mu     sync.Mutex
	sent   uint64
	errors uint64
}

func NewMQTTInput(client Publisher, topicPrefix string, qos byte, logger *logging.Logger) *MQTTInput {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &MQTTInput{
		client: client,
		topic:  topicPrefix + "/input",
		qos:    qos,
		logger: logger.WithComponent("mqtt_input"),
		now:    time.Now,
	}
}

// Topic returns the command topic.
func (m *MQTTInput) Topic() string {
	return m.topic
}

func (m *MQTTInput) Rotate(dir models.Direction, pixels float64) error {
	return m.send(Command{Op: OpRotate, Direction: dir.String(), Pixels: pixels})
}

func (m *MQTTInput) KeyDown(key string) error {
	return m.send(Command{Op: OpKeyDown, Key: key})
}

func (m *MQTTInput) KeyUp(key string) error {
	return m.send(Command{Op: OpKeyUp, Key: key})
}

func (m *MQTTInput) Press(key string, hold time.Duration) error {
	return m.send(Command{Op: OpPress, Key: key, HoldMs: hold.Milliseconds()})
}

func (m *MQTTInput) send(cmd Command) error {
	if !m.client.IsConnected() {
		m.recordError()
		return ErrNotConnected
	}

	cmd.Seq = m.seq.Add(1)
	cmd.SentAt = m.now().UnixMilli()
	payload, err := msgpack.Marshal(&cmd)
	if err != nil {
		m.recordError()
		return fmt.Errorf("failed to encode %s command: %w", cmd.Op, err)
	}

	token := m.client.Publish(m.topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.recordError()
		return fmt.Errorf("publish %s: timeout", cmd.Op)
	}
	if err := token.Error(); err != nil {
		m.recordError()
		return fmt.Errorf("publish %s: %w", cmd.Op, err)
	}

	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	m.logger.Debug("command published", "seq", cmd.Seq, "op", cmd.Op, "size", len(payload))
	return nil
}

func (m *MQTTInput) recordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Stats returns the number of published and failed commands.
func (m *MQTTInput) Stats() (sent, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.errors
}
