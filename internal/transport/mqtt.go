package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mqmesh/mqmesh/internal/backoff"
	"github.com/mqmesh/mqmesh/internal/errdefs"
	"github.com/mqmesh/mqmesh/internal/topics"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Client is the subset of the paho client the transport uses. Tests
// substitute a fake via the client factory.
type Client interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// ClientFactory builds a client from options. The default wraps
// mqtt.NewClient; tests inject fakes.
type ClientFactory func(opts *mqtt.ClientOptions) Client

func defaultClientFactory(opts *mqtt.ClientOptions) Client {
	return mqtt.NewClient(opts)
}

// Config configures the MQTT transport.
type Config struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string
	// AgentID names this agent; it derives the client ID, the input
	// subscription, and the status topic.
	AgentID string
	// Capabilities are advertised in every status message.
	Capabilities []string
	// Username and Password authenticate against the broker. Optional.
	Username string
	Password string
	// KeepAlive is the MQTT keep-alive interval. Default 30 s.
	KeepAlive time.Duration
	// HeartbeatInterval is how often the retained status is refreshed.
	// Default 15 s.
	HeartbeatInterval time.Duration
	// PublishBufferCap bounds the pending publish queue. Default 1024.
	PublishBufferCap int
	// Status reports the agent's current state for heartbeats. Optional;
	// when nil the transport reports Available with zero load.
	Status func() wire.AgentStatus
	// OnError receives asynchronous transport failures, notably
	// TransportOverflow when the publish buffer drops a message.
	OnError func(error)
	// OnBufferDepth reports the pending publish queue depth whenever it
	// changes. Optional; feeds a gauge.
	OnBufferDepth func(depth int)
}

type pendingPublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// MQTT is the paho-backed Transport. Reconnection is handled by the
// transport itself with exponential backoff rather than paho's
// auto-reconnect, so subscriptions are always replayed before the
// connection is considered up.
type MQTT struct {
	config  Config
	logger  *slog.Logger
	factory ClientFactory

	client Client
	inbox  chan InboundMessage

	mu      sync.Mutex
	filters map[string]byte
	pending []pendingPublish
	state   wire.AgentState // last explicitly published state; heartbeats repeat it
	started bool
	closed  bool

	wake     chan struct{} // publisher: work or connectivity changed
	lost     chan struct{} // reconnector: connection dropped
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewMQTT creates a transport with the default paho client.
func NewMQTT(config Config, logger *slog.Logger) *MQTT {
	return NewMQTTWithFactory(config, logger, defaultClientFactory)
}

// NewMQTTWithFactory creates a transport with a custom client factory, for
// tests.
func NewMQTTWithFactory(config Config, logger *slog.Logger, factory ClientFactory) *MQTT {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.PublishBufferCap <= 0 {
		config.PublishBufferCap = 1024
	}
	return &MQTT{
		config:   config,
		logger:   logger.With("component", "transport"),
		factory:  factory,
		inbox:    make(chan InboundMessage, 256),
		filters:  make(map[string]byte),
		state:    wire.StateAvailable,
		wake:     make(chan struct{}, 1),
		lost:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

// Subscribe registers a filter. Applied immediately when connected,
// otherwise at the next (re)connect.
func (m *MQTT) Subscribe(filter string, qos byte) error {
	m.mu.Lock()
	m.filters[filter] = qos
	client := m.client
	connected := client != nil && client.IsConnected()
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.subscribeOne(client, filter, qos)
}

// Connect dials the broker, applies subscriptions, publishes the retained
// Available status, and starts the publisher, heartbeat, and reconnect
// goroutines.
func (m *MQTT) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	opts := m.clientOptions()
	client := m.factory(opts)

	token := client.Connect()
	if !waitToken(ctx, token) {
		m.abortConnect()
		return fmt.Errorf("connect to %s: %w", m.config.BrokerURL, ctx.Err())
	}
	if err := token.Error(); err != nil {
		m.abortConnect()
		return fmt.Errorf("connect to %s: %w", m.config.BrokerURL, err)
	}

	if err := m.resubscribe(client); err != nil {
		client.Disconnect(0)
		m.abortConnect()
		return err
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.PublishStatus(wire.StateAvailable)

	m.wg.Add(3)
	go m.publisherLoop()
	go m.heartbeatLoop()
	go m.reconnectLoop()
	return nil
}

// abortConnect lets a later Connect call try again after a failed dial.
func (m *MQTT) abortConnect() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *MQTT) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(m.config.BrokerURL).
		SetClientID("mqmesh-" + m.config.AgentID).
		SetKeepAlive(m.config.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false)

	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
		opts.SetPassword(m.config.Password)
	}

	// Last-Will: the broker marks this agent Offline if the session dies
	// without a graceful disconnect.
	if will, err := json.Marshal(m.statusPayload(wire.StateOffline)); err == nil {
		opts.SetBinaryWill(topics.AgentStatus(m.config.AgentID), will, 1, true)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("connection lost", "error", err)
		select {
		case m.lost <- struct{}{}:
		default:
		}
	})
	return opts
}

// Incoming returns the inbound message channel.
func (m *MQTT) Incoming() <-chan InboundMessage {
	return m.inbox
}

// Publish enqueues a message for the publisher goroutine. When the buffer
// is full the oldest pending message is dropped and the overflow is
// reported through OnError; the new message is still accepted.
func (m *MQTT) Publish(topic string, payload []byte, qos byte, retain bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("transport closed")
	}
	var dropped *pendingPublish
	if len(m.pending) >= m.config.PublishBufferCap {
		d := m.pending[0]
		dropped = &d
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, pendingPublish{
		topic:   topic,
		payload: payload,
		qos:     qos,
		retain:  retain,
	})
	depth := len(m.pending)
	m.mu.Unlock()

	m.reportDepth(depth)
	if dropped != nil {
		m.reportError(errdefs.New(errdefs.KindTransportOverflow,
			"publish buffer full, dropped oldest message for %s", dropped.topic))
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect drains what it can, publishes the retained Offline status
// explicitly, and closes the session.
func (m *MQTT) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	client := m.client
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if client != nil && client.IsConnected() {
		if will, err := json.Marshal(m.statusPayload(wire.StateOffline)); err == nil {
			token := client.Publish(topics.AgentStatus(m.config.AgentID), 1, true, will)
			waitToken(ctx, token)
		}
		client.Disconnect(250)
	}
	close(m.inbox)
	return nil
}

// PublishStatus publishes the retained agent status immediately, outside
// the heartbeat cadence. Used for Busy/Available backpressure flips and the
// Draining announcement. Heartbeats keep repeating the state set here, so a
// Busy or Draining announcement stays in force until the next flip.
func (m *MQTT) PublishStatus(state wire.AgentState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.publishStatus(state, true)
}

func (m *MQTT) currentState() wire.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MQTT) publishStatus(state wire.AgentState, retain bool) {
	payload, err := json.Marshal(m.statusPayload(state))
	if err != nil {
		return
	}
	_ = m.Publish(topics.AgentStatus(m.config.AgentID), payload, 1, retain)
}

func (m *MQTT) statusPayload(state wire.AgentState) wire.AgentStatus {
	status := wire.AgentStatus{
		AgentID:      m.config.AgentID,
		Status:       state,
		Capabilities: m.config.Capabilities,
		LastSeen:     time.Now().UTC(),
	}
	if m.config.Status != nil {
		current := m.config.Status()
		status.CurrentLoad = current.CurrentLoad
		status.MaxLoad = current.MaxLoad
		if state != wire.StateOffline && current.Status != "" {
			status.Status = current.Status
		}
	}
	return status
}

// publisherLoop is the single goroutine that talks to client.Publish, so
// QoS-1 sends leave in FIFO order.
func (m *MQTT) publisherLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.shutdown:
			m.flushPending()
			return
		case <-m.wake:
			m.flushPending()
		}
	}
}

func (m *MQTT) flushPending() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		client := m.client
		if client == nil || !client.IsConnected() {
			// Keep the buffer; the reconnect loop wakes us again.
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		depth := len(m.pending)
		m.mu.Unlock()
		m.reportDepth(depth)

		token := client.Publish(next.topic, next.qos, next.retain, next.payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			m.logger.Warn("publish failed, requeueing",
				"topic", next.topic, "error", token.Error())
			m.mu.Lock()
			m.pending = append([]pendingPublish{next}, m.pending...)
			depth = len(m.pending)
			m.mu.Unlock()
			m.reportDepth(depth)
			return
		}
	}
}

func (m *MQTT) reportDepth(depth int) {
	if m.config.OnBufferDepth != nil {
		m.config.OnBufferDepth(depth)
	}
}

// heartbeatLoop refreshes the retained status periodically, repeating the
// last explicitly published state so backpressure and drain announcements
// are not reverted between flips.
func (m *MQTT) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.publishStatus(m.currentState(), true)
		}
	}
}

// reconnectLoop rebuilds the session after connection loss: exponential
// backoff from 25 ms to 10 s with jitter, unbounded attempts.
// Subscriptions are replayed before the connection is considered up.
func (m *MQTT) reconnectLoop() {
	defer m.wg.Done()
	policy := backoff.ReconnectPolicy()
	for {
		select {
		case <-m.shutdown:
			return
		case <-m.lost:
		}

		for attempt := 0; ; attempt++ {
			select {
			case <-m.shutdown:
				return
			default:
			}

			client := m.factory(m.clientOptions())
			token := client.Connect()
			if token.WaitTimeout(10*time.Second) && token.Error() == nil {
				if err := m.resubscribe(client); err != nil {
					m.logger.Warn("resubscribe failed", "error", err)
					client.Disconnect(0)
				} else {
					m.mu.Lock()
					m.client = client
					m.mu.Unlock()
					m.logger.Info("reconnected", "attempts", attempt+1)
					m.publishStatus(m.currentState(), true)
					select {
					case m.wake <- struct{}{}:
					default:
					}
					break
				}
			} else {
				m.logger.Debug("reconnect attempt failed",
					"attempt", attempt+1, "error", token.Error())
			}

			delay := backoff.Compute(policy, attempt+1)
			select {
			case <-m.shutdown:
				return
			case <-time.After(delay):
			}
		}
	}
}

func (m *MQTT) resubscribe(client Client) error {
	m.mu.Lock()
	filters := make(map[string]byte, len(m.filters))
	for f, qos := range m.filters {
		filters[f] = qos
	}
	m.mu.Unlock()

	for filter, qos := range filters {
		if err := m.subscribeOne(client, filter, qos); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTT) subscribeOne(client Client, filter string, qos byte) error {
	token := client.Subscribe(filter, qos, m.handleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe to %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", filter, err)
	}
	m.logger.Debug("subscribed", "filter", filter, "qos", qos)
	return nil
}

func (m *MQTT) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	in := InboundMessage{
		Topic:       msg.Topic(),
		Payload:     msg.Payload(),
		Retained:    msg.Retained(),
		ReceiveTime: time.Now(),
	}
	select {
	case m.inbox <- in:
	case <-m.shutdown:
	default:
		m.logger.Warn("inbox full, dropping message", "topic", in.Topic)
	}
}

func (m *MQTT) reportError(err error) {
	if m.config.OnError != nil {
		m.config.OnError(err)
	}
	m.logger.Warn("transport error", "error", err)
}

// waitToken waits for a paho token respecting context cancellation.
func waitToken(ctx context.Context, token mqtt.Token) bool {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ Transport = (*MQTT)(nil)
