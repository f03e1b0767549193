package relabel

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT-backed source.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	// Buffer bounds the payloads held between receipt and Recv. Payloads
	// arriving while the buffer is full are dropped.
	Buffer int
}

// MQTTSource subscribes to a topic carrying relabel payloads.
type MQTTSource struct {
	client mqtt.Client
	topic  string

	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

// NewMQTTSource connects to the broker and subscribes to the topic on every
// (re)connect.
func NewMQTTSource(opts MQTTOptions) (*MQTTSource, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("relabel: no broker configured")
	}
	s := newMQTTSource(opts)

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(60 * time.Second)
	co.SetCleanSession(false)
	co.SetOnConnectHandler(s.onConnect)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		opsf("mqtt connection lost (%v), reconnecting", err)
	})

	s.client = mqtt.NewClient(co)
	token := s.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("relabel: connect %s: %w", opts.Broker, token.Error())
	}
	return s, nil
}

func newMQTTSource(opts MQTTOptions) *MQTTSource {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	return &MQTTSource{
		topic:    opts.Topic,
		messages: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (s *MQTTSource) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.topic, 1, s.handleMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		opsf("subscribe %s: %v", s.topic, token.Error())
		return
	}
	diagf("subscribed to %s", s.topic)
}

func (s *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case s.messages <- payload:
	default:
		opsf("dropping relabel payload on %s: buffer full", msg.Topic())
	}
}

func (s *MQTTSource) Recv(ctx context.Context, timeout time.Duration) (*Update, error) {
	return recv(ctx, s.messages, s.done, timeout)
}

// Close unsubscribes and disconnects.
func (s *MQTTSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.client == nil {
			return
		}
		if s.client.IsConnected() {
			s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		}
		s.client.Disconnect(250)
	})
	return nil
}
