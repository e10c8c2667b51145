package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/level-sensor/internal/engine"
)

// Options configures a RealPublisher.
type Options struct {
	Broker   string
	ClientID string

	// Buffer is how many messages are kept for replay while offline.
	Buffer int

	Logger *zap.Logger
	Now    func() time.Time
}

// RealPublisher publishes to an actual MQTT broker and receives commands
// from it. Messages published while the broker is unreachable are held in a
// ring buffer and replayed on reconnect.
type RealPublisher struct {
	client   paho.Client
	log      *zap.Logger
	now      func() time.Time
	commands chan CommandMessage

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool // true once the first connection has been made
}

// NewRealPublisher creates a publisher connected to the given broker. A
// broker that does not answer within the connect timeout is not fatal: the
// client keeps retrying in the background and buffers meanwhile.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	log := o.Logger.Named("mqtt")

	p := &RealPublisher{
		log:      log,
		now:      o.Now,
		commands: make(chan CommandMessage, 16),
		buffer:   newRingBuffer(o.Buffer, log),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: o.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	// Client IDs are unique per process.
	clientID := fmt.Sprintf("%s-%s", o.ClientID, uuid.NewString()[:8])

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Warn("connection timeout, buffering until the broker is reachable",
			zap.String("broker", o.Broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	token := c.Subscribe(TopicCommands, 1, p.onMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() == nil {
		p.log.Info("subscribed", zap.String("topic", TopicCommands))
	} else {
		p.log.Error("subscribe failed", zap.String("topic", TopicCommands), zap.Error(token.Error()))
	}

	p.mu.Lock()
	reconnect := p.connected
	p.connected = true
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	if reconnect {
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err == nil {
			c.Publish(TopicSystem, 1, false, payload)
		}
	}
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	p.log.Info("connected", zap.Bool("reconnect", reconnect), zap.Int("replayed", len(pending)))
}

func (p *RealPublisher) onMessage(_ paho.Client, msg paho.Message) {
	raw := append([]byte(nil), msg.Payload()...)
	cmd, err := ParseCommand(raw)
	select {
	case p.commands <- CommandMessage{Command: cmd, Raw: raw, Err: err}:
	default:
		p.log.Warn("command queue full, dropping", zap.ByteString("payload", raw))
	}
}

// Commands returns the channel parsed command messages are delivered on.
func (p *RealPublisher) Commands() <-chan CommandMessage {
	return p.commands
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Buffered returns how many messages are waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

func (p *RealPublisher) send(topic string, qos byte, retained bool, payload []byte) error {
	// The client reports connected before onConnect drains under p.mu, so
	// checking and buffering under the same lock cannot strand a message.
	p.mu.Lock()
	if !p.client.IsConnected() {
		p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Publish sends an engine event to the MQTT broker.
func (p *RealPublisher) Publish(event engine.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(TopicEvents, 1, false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(TopicSystem, 1, event.Retained, payload)
}

// PublishResult sends a command acknowledgement to the events topic.
func (p *RealPublisher) PublishResult(result CommandResult) error {
	payload, err := FormatResultPayload(result)
	if err != nil {
		return fmt.Errorf("format result payload: %w", err)
	}
	return p.send(TopicEvents, 0, false, payload)
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
