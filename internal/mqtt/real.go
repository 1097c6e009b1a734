package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/calllog"
	"github.com/sweeney/dialtone/internal/hook"
)

// DefaultBufferSize is the number of messages kept while disconnected.
const DefaultBufferSize = 100

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	Logger     logrus.FieldLogger
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	log    logrus.FieldLogger

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool
	reconnect bool // true once the first connection has been made
}

// NewRealPublisher creates a publisher for the given broker. It does not
// wait for the connection: the client keeps retrying in the background and
// messages are buffered meanwhile.
func NewRealPublisher(o Options) *RealPublisher {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ClientID == "" {
		o.ClientID = "dialtone"
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	p := &RealPublisher{
		log: o.Logger.WithField("broker", o.Broker),
		buf: newRingBuffer(o.BufferSize),
	}
	p.buf.log = p.log

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(WillPayload()), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	p.client.Connect()
	return p
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	pending := p.buf.drainAll()
	wasReconnect := p.reconnect
	p.reconnect = true
	p.mu.Unlock()

	p.log.WithField("buffered", len(pending)).Info("mqtt connected")
	if wasReconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		c.Publish(TopicSystem, 1, true, payload)
	}
	for _, m := range pending {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(5 * time.Second) {
			p.log.WithField("topic", m.topic).Warn("replay publish timeout")
			continue
		}
		if err := token.Error(); err != nil {
			p.log.WithError(err).WithField("topic", m.topic).Warn("replay publish failed")
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.log.WithError(err).Warn("mqtt connection lost")
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishCall sends a call log entry. QoS 1: call records should not be lost.
func (p *RealPublisher) PublishCall(entry calllog.Entry) error {
	payload, err := FormatCallPayload(entry)
	if err != nil {
		return fmt.Errorf("format call payload: %w", err)
	}
	return p.publish(TopicCalls, 1, false, payload)
}

// PublishHook sends a hook transition. QoS 0 (at-most-once), not retained.
func (p *RealPublisher) PublishHook(event hook.Event) error {
	payload, err := FormatHookPayload(event)
	if err != nil {
		return fmt.Errorf("format hook payload: %w", err)
	}
	return p.publish(TopicHook, 0, false, payload)
}

// PublishSystem sends a system lifecycle event.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
