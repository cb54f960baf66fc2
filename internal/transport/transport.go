// Package transport carries envelopes over MQTT: QoS-1 publish with a
// bounded retry buffer, subscription recovery across reconnects, and the
// agent's retained status lifecycle (startup, heartbeat, Last-Will).
package transport

import (
	"context"
	"time"
)

// InboundMessage is one message delivered from the broker.
type InboundMessage struct {
	Topic       string
	Payload     []byte
	Retained    bool
	ReceiveTime time.Time
}

// Transport abstracts the broker connection for the processor and
// lifecycle. Implementations must be safe for concurrent use.
type Transport interface {
	// Connect establishes the session, replays subscriptions, and
	// publishes the startup status.
	Connect(ctx context.Context) error

	// Subscribe registers a topic filter. Filters registered before
	// Connect are applied at connect time; all filters are replayed on
	// reconnect.
	Subscribe(filter string, qos byte) error

	// Publish enqueues a message. Delivery is asynchronous; messages
	// survive connection loss up to the buffer cap.
	Publish(topic string, payload []byte, qos byte, retain bool) error

	// Incoming returns the channel of messages from subscribed topics.
	Incoming() <-chan InboundMessage

	// Disconnect publishes the retained Offline status and closes the
	// session.
	Disconnect(ctx context.Context) error
}
