// Package testutil provides shared fakes for package tests: an in-memory
// transport, a silent logger, and canned tools.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mqmesh/mqmesh/internal/tools"
	"github.com/mqmesh/mqmesh/internal/transport"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// PublishedMessage records one Publish call on the fake transport.
type PublishedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// FakeTransport is an in-memory Transport that records publishes and lets
// tests inject inbound messages.
type FakeTransport struct {
	mu        sync.Mutex
	published []PublishedMessage
	filters   []string
	states    []wire.AgentState
	incoming  chan transport.InboundMessage
	connected bool
}

// NewFakeTransport creates a fake transport with a buffered inbox.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{incoming: make(chan transport.InboundMessage, 64)}
}

func (f *FakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *FakeTransport) Subscribe(filter string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return nil
}

func (f *FakeTransport) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.published = append(f.published, PublishedMessage{
		Topic:   topic,
		Payload: buf,
		QoS:     qos,
		Retain:  retain,
	})
	return nil
}

func (f *FakeTransport) Incoming() <-chan transport.InboundMessage {
	return f.incoming
}

func (f *FakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.connected = false
		close(f.incoming)
	}
	return nil
}

// PublishStatus records an out-of-band status flip.
func (f *FakeTransport) PublishStatus(state wire.AgentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

// States returns every status flip published so far.
func (f *FakeTransport) States() []wire.AgentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.AgentState, len(f.states))
	copy(out, f.states)
	return out
}

// Connected reports whether Connect has been called without a Disconnect.
func (f *FakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Deliver injects an inbound message as if it arrived from the broker.
func (f *FakeTransport) Deliver(msg transport.InboundMessage) {
	if msg.ReceiveTime.IsZero() {
		msg.ReceiveTime = time.Now()
	}
	f.incoming <- msg
}

// Published returns a snapshot of everything published so far.
func (f *FakeTransport) Published() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

// Filters returns the subscribed topic filters.
func (f *FakeTransport) Filters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.filters))
	copy(out, f.filters)
	return out
}

var _ transport.Transport = (*FakeTransport)(nil)

// StaticTool answers every call with a fixed string.
type StaticTool struct {
	name   string
	schema string
	answer string
}

// NewStaticTool creates a tool with the given name, JSON Schema, and fixed
// answer.
func NewStaticTool(name, schema, answer string) *StaticTool {
	return &StaticTool{name: name, schema: schema, answer: answer}
}

func (s *StaticTool) Name() string            { return s.name }
func (s *StaticTool) Description() string     { return "static test tool " + s.name }
func (s *StaticTool) Schema() json.RawMessage { return json.RawMessage(s.schema) }
func (s *StaticTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: s.answer}, nil
}
