package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/config"
)

// MQTTOptions configures an MQTT subscription.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

func mqttOptionsFromConfig(cfg config.SourceConfig) (MQTTOptions, error) {
	o := MQTTOptions{
		Broker:   cfg.OptString("broker", ""),
		ClientID: cfg.OptString("client_id", "tinystation-"+cfg.ID),
		Topic:    cfg.OptString("topic", ""),
		QoS:      byte(cfg.OptInt("qos", 0)),
		Username: cfg.OptString("username", ""),
		Password: cfg.OptString("password", ""),
	}
	if o.Broker == "" || o.Topic == "" {
		return o, errors.New("mqtt source needs broker and topic options")
	}
	if o.QoS > 2 {
		return o, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", o.QoS)
	}
	return o, nil
}

// MQTT keeps the newest JSON object received on a broker topic. Each
// message is handed out once; Fetch returns no payload until a new one
// arrives.
type MQTT struct {
	opts   MQTTOptions
	client mqtt.Client

	mu      sync.Mutex
	latest  bus.Payload
	invalid uint64
}

// invalidLogEvery throttles the invalid message log.
const invalidLogEvery = 50

// NewMQTT creates the client and starts connecting in the background.
// paho retries the connection and resubscribes on reconnect.
func NewMQTT(opts MQTTOptions) *MQTT {
	m := &MQTT{opts: opts}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}

	co.OnConnect = func(c mqtt.Client) {
		log.Printf("[source] mqtt connected to %s", opts.Broker)
		if token := c.Subscribe(opts.Topic, opts.QoS, m.onMessage); token.Wait() && token.Error() != nil {
			log.Printf("[source] mqtt subscribe %s: %v", opts.Topic, token.Error())
		}
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[source] mqtt connection lost: %v", err)
	}

	m.client = mqtt.NewClient(co)
	m.client.Connect()
	return m
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.Accept(msg.Payload())
}

// Accept decodes one message body. Bodies that are not a JSON object
// are counted and dropped.
func (m *MQTT) Accept(body []byte) {
	var p bus.Payload
	if err := json.Unmarshal(body, &p); err != nil || p == nil {
		m.mu.Lock()
		m.invalid++
		n := m.invalid
		m.mu.Unlock()
		if n == 1 || n%invalidLogEvery == 0 {
			log.Printf("[source] mqtt %s: dropped %d invalid messages", m.opts.Topic, n)
		}
		return
	}

	m.mu.Lock()
	m.latest = p
	m.mu.Unlock()
}

// Fetch implements source.Producer.
func (m *MQTT) Fetch(ctx context.Context) (bus.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.latest
	m.latest = nil
	return p, nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}
