package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mqmesh/mqmesh/internal/errdefs"
	"github.com/mqmesh/mqmesh/internal/topics"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type recordedPublish struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	subs       map[string]mqtt.MessageHandler
	published  []recordedPublish
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf []byte
	switch p := payload.(type) {
	case []byte:
		buf = append([]byte(nil), p...)
	case string:
		buf = []byte(p)
	}
	c.published = append(c.published, recordedPublish{topic, buf, qos, retained})
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) publishes() []recordedPublish {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedPublish, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeClient) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// harness tracks the clients and options handed out by the factory.
type harness struct {
	mu      sync.Mutex
	clients []*fakeClient
	opts    []*mqtt.ClientOptions
}

func (h *harness) factory(opts *mqtt.ClientOptions) Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := newFakeClient()
	h.clients = append(h.clients, c)
	h.opts = append(h.opts, opts)
	return c
}

func (h *harness) client(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.clients) {
		return nil
	}
	return h.clients[i]
}

func (h *harness) options(i int) *mqtt.ClientOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.opts) {
		return nil
	}
	return h.opts[i]
}

func newTestTransport(t *testing.T, cfg Config) (*MQTT, *harness) {
	t.Helper()
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://test:1883"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-a"
	}
	h := &harness{}
	return NewMQTTWithFactory(cfg, discardLogger(), h.factory), h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSubscribesAndAnnounces(t *testing.T) {
	tr, h := newTestTransport(t, Config{})
	if err := tr.Subscribe("/mqmesh/tasks/agent-a", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	c := h.client(0)
	if c.handler("/mqmesh/tasks/agent-a") == nil {
		t.Fatal("input filter not subscribed on connect")
	}

	statusTopic := topics.AgentStatus("agent-a")
	waitFor(t, "status publish", func() bool {
		for _, p := range c.publishes() {
			if p.topic == statusTopic {
				return true
			}
		}
		return false
	})
	for _, p := range c.publishes() {
		if p.topic != statusTopic {
			continue
		}
		if !p.retained || p.qos != 1 {
			t.Fatalf("status publish retained=%v qos=%d, want retained QoS 1", p.retained, p.qos)
		}
		var status wire.AgentStatus
		if err := json.Unmarshal(p.payload, &status); err != nil {
			t.Fatalf("status payload: %v", err)
		}
		if status.AgentID != "agent-a" || status.Status != wire.StateAvailable {
			t.Fatalf("status = %+v", status)
		}
		return
	}
}

func TestLastWillConfigured(t *testing.T) {
	tr, h := newTestTransport(t, Config{})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	opts := h.options(0)
	if !opts.WillEnabled {
		t.Fatal("will not enabled")
	}
	if opts.WillTopic != topics.AgentStatus("agent-a") {
		t.Fatalf("will topic = %s", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Fatalf("will retained=%v qos=%d, want retained QoS 1", opts.WillRetained, opts.WillQos)
	}
	var status wire.AgentStatus
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if status.Status != wire.StateOffline {
		t.Fatalf("will status = %s, want offline", status.Status)
	}
}

func TestInboundRetainedFlag(t *testing.T) {
	tr, h := newTestTransport(t, Config{})
	if err := tr.Subscribe("/mqmesh/tasks/agent-a", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	handler := h.client(0).handler("/mqmesh/tasks/agent-a")
	handler(nil, &fakeMessage{topic: "/mqmesh/tasks/agent-a", payload: []byte("{}"), retained: true})

	select {
	case in := <-tr.Incoming():
		if !in.Retained {
			t.Fatal("retained flag lost on the way to the inbox")
		}
		if in.ReceiveTime.IsZero() {
			t.Fatal("receive time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("message never reached the inbox")
	}
}

func TestPublishBufferDropsOldest(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	tr, _ := newTestTransport(t, Config{
		PublishBufferCap: 2,
		OnError: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})

	// Not connected: everything stays buffered.
	for i := 0; i < 3; i++ {
		if err := tr.Publish("/t", []byte("x"), 1, false); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Fatalf("overflow reports = %d, want 1", len(reported))
	}
	if errdefs.KindOf(reported[0]) != errdefs.KindTransportOverflow {
		t.Fatalf("overflow kind = %s", errdefs.KindOf(reported[0]))
	}
}

func TestBufferedPublishesFlushInOrder(t *testing.T) {
	tr, h := newTestTransport(t, Config{})

	// Queued before the connection exists.
	tr.Publish("/a", []byte("1"), 1, false)
	tr.Publish("/b", []byte("2"), 1, false)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	c := h.client(0)
	waitFor(t, "buffered publishes", func() bool {
		n := 0
		for _, p := range c.publishes() {
			if p.topic == "/a" || p.topic == "/b" {
				n++
			}
		}
		return n == 2
	})

	var order []string
	for _, p := range c.publishes() {
		if p.topic == "/a" || p.topic == "/b" {
			order = append(order, p.topic)
		}
	}
	if order[0] != "/a" || order[1] != "/b" {
		t.Fatalf("publish order = %v, want [/a /b]", order)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	tr, h := newTestTransport(t, Config{})
	if err := tr.Subscribe("/mqmesh/tasks/agent-a", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	// Drop the connection the way paho would report it.
	h.client(0).Disconnect(0)
	h.options(0).OnConnectionLost(nil, errors.New("broker went away"))

	waitFor(t, "reconnect", func() bool {
		c := h.client(1)
		return c != nil && c.handler("/mqmesh/tasks/agent-a") != nil
	})

	// The replacement session announces availability again.
	statusTopic := topics.AgentStatus("agent-a")
	waitFor(t, "post-reconnect status", func() bool {
		for _, p := range h.client(1).publishes() {
			if p.topic == statusTopic {
				return true
			}
		}
		return false
	})
}

func TestDisconnectPublishesOffline(t *testing.T) {
	tr, h := newTestTransport(t, Config{})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	c := h.client(0)
	statusTopic := topics.AgentStatus("agent-a")
	var last *recordedPublish
	for _, p := range c.publishes() {
		if p.topic == statusTopic {
			q := p
			last = &q
		}
	}
	if last == nil {
		t.Fatal("no status published")
	}
	var status wire.AgentStatus
	if err := json.Unmarshal(last.payload, &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if status.Status != wire.StateOffline {
		t.Fatalf("final status = %s, want offline", status.Status)
	}
	if !last.retained {
		t.Fatal("offline status not retained")
	}

	// Inbox closes so consumers can range over it.
	if _, ok := <-tr.Incoming(); ok {
		t.Fatal("inbox still open after disconnect")
	}

	// Second disconnect is a no-op.
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func decodeStatus(t *testing.T, payload []byte) wire.AgentStatus {
	t.Helper()
	var status wire.AgentStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	return status
}

func TestHeartbeatRepeatsExplicitState(t *testing.T) {
	tr, h := newTestTransport(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		// Lifecycle-shaped callback: load numbers only, no state.
		Status: func() wire.AgentStatus {
			return wire.AgentStatus{AgentID: "agent-a", CurrentLoad: 500, MaxLoad: 16}
		},
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	c := h.client(0)
	statusTopic := topics.AgentStatus("agent-a")
	statuses := func() []wire.AgentStatus {
		var out []wire.AgentStatus
		for _, p := range c.publishes() {
			if p.topic == statusTopic {
				out = append(out, decodeStatus(t, p.payload))
			}
		}
		return out
	}
	countState := func(state wire.AgentState) int {
		n := 0
		for _, s := range statuses() {
			if s.Status == state {
				n++
			}
		}
		return n
	}

	tr.PublishStatus(wire.StateBusy)
	// At least two heartbeats must fire while backpressure is engaged.
	waitFor(t, "busy heartbeats", func() bool { return countState(wire.StateBusy) >= 3 })

	all := statuses()
	firstBusy := -1
	for i, s := range all {
		if s.Status == wire.StateBusy {
			firstBusy = i
			break
		}
	}
	for _, s := range all[firstBusy:] {
		if s.Status == wire.StateAvailable {
			t.Fatalf("heartbeat reverted to Available while Busy is in force: %v", all)
		}
	}

	// Draining sticks the same way during the shutdown window.
	tr.PublishStatus(wire.StateDraining)
	waitFor(t, "draining heartbeats", func() bool { return countState(wire.StateDraining) >= 3 })

	// An explicit flip back resumes Available heartbeats.
	before := len(statuses())
	tr.PublishStatus(wire.StateAvailable)
	waitFor(t, "available heartbeats", func() bool {
		all := statuses()
		return len(all) > before+1 && all[len(all)-1].Status == wire.StateAvailable
	})
}

func TestConnectRetriesAfterFailure(t *testing.T) {
	h := &harness{}
	calls := 0
	factory := func(opts *mqtt.ClientOptions) Client {
		c := newFakeClient()
		calls++
		if calls == 1 {
			c.connectErr = errors.New("connection refused")
		}
		h.mu.Lock()
		h.clients = append(h.clients, c)
		h.opts = append(h.opts, opts)
		h.mu.Unlock()
		return c
	}
	tr := NewMQTTWithFactory(Config{BrokerURL: "tcp://flaky:1883", AgentID: "agent-a"},
		discardLogger(), factory)
	if err := tr.Subscribe("/control/agents/agent-a/input", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("first Connect succeeded against a dead broker")
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	c := h.client(1)
	if c == nil || !c.IsConnected() {
		t.Fatal("second Connect did not dial a new client")
	}
	if c.handler("/control/agents/agent-a/input") == nil {
		t.Fatal("subscription not applied on the retried connect")
	}
}

func TestConnectError(t *testing.T) {
	h := &harness{}
	factory := func(opts *mqtt.ClientOptions) Client {
		c := newFakeClient()
		c.connectErr = errors.New("connection refused")
		h.mu.Lock()
		h.clients = append(h.clients, c)
		h.opts = append(h.opts, opts)
		h.mu.Unlock()
		return c
	}
	tr := NewMQTTWithFactory(Config{BrokerURL: "tcp://down:1883", AgentID: "agent-a"},
		discardLogger(), factory)

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a dead broker")
	}
}
