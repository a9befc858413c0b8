// Package telemetry forwards rowing metrics to a publish/subscribe broker
// and keeps the broker connection alive with a fixed backoff schedule.
package telemetry

import "context"

// QoSAtLeastOnce is the delivery level used for every metrics publish.
const QoSAtLeastOnce byte = 1

// Broker is the publish side of a message bus.
type Broker interface {
	// Connect dials the broker and blocks until the session is established.
	Connect(ctx context.Context) error
	// Publish sends payload to topic and waits for the acknowledgement
	// required by qos.
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	// Close drops the session. Safe to call when not connected.
	Close()
}

// LossNotifier is implemented by brokers that report an established session
// dropping out from under them.
type LossNotifier interface {
	SetConnectionLostHandler(fn func(error))
}
