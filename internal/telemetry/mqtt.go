package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures an MQTTBroker.
type MQTTOptions struct {
	URI       string // e.g. tcp://broker.local:1883
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration

	// ConnectTimeout bounds Paho's own dial; Connect also honours its context.
	ConnectTimeout time.Duration
}

// MQTTBroker is a Broker backed by the Paho MQTT client. Paho's own
// reconnect logic is disabled; Fanout owns the retry schedule, so every
// Connect builds a fresh client.
type MQTTBroker struct {
	opts MQTTOptions

	mu     sync.Mutex
	client mqtt.Client
	onLost func(error)
}

// NewMQTTBroker returns an unconnected broker. An empty client id gets a
// time-based one.
func NewMQTTBroker(opts MQTTOptions) *MQTTBroker {
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("rowbridge_%d", time.Now().UnixMilli())
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 20 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &MQTTBroker{opts: opts}
}

// SetConnectionLostHandler implements LossNotifier.
func (b *MQTTBroker) SetConnectionLostHandler(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLost = fn
}

func (b *MQTTBroker) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions().
		AddBroker(b.opts.URI).
		SetClientID(b.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(b.opts.KeepAlive).
		SetConnectTimeout(b.opts.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.mu.Lock()
			fn := b.onLost
			b.mu.Unlock()
			if fn != nil {
				fn(err)
			}
		})
	if b.opts.Username != "" {
		o.SetUsername(b.opts.Username)
		o.SetPassword(b.opts.Password)
	}
	return o
}

// Connect dials the broker with a new client, replacing any previous one.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	b.Close()

	client := mqtt.NewClient(b.clientOptions())
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("telemetry: connect %s: %w", b.opts.URI, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// Publish sends payload and waits for the broker's acknowledgement.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, client.Publish(topic, qos, false, payload))
}

// Close disconnects the current client, if any.
func (b *MQTTBroker) Close() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
