// Package enginetest provides an in-memory media engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
)

var ErrInjected = errors.New("injected failure")

type Engine struct {
	mx         *sync.Mutex
	caps       engine.Capabilities
	loaded     bool
	loads      int
	transports []*Transport

	// FailLoad, FailTransport, FailConsume make the corresponding calls fail.
	FailLoad      bool
	FailTransport bool
	FailConsume   bool
	// ConsumerKind overrides the kind reported by created consumers when set.
	ConsumerKind *string
	// FailClose makes every created transport and consumer fail to close.
	FailClose bool
}

func NewEngine() *Engine {
	return &Engine{mx: &sync.Mutex{}}
}

func (e *Engine) Load(_ context.Context, caps engine.Capabilities) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.FailLoad {
		return ErrInjected
	}
	if caps.Empty() {
		return engine.ErrNoCapabilities
	}
	e.caps = caps
	e.loaded = true
	e.loads++
	return nil
}

func (e *Engine) Loaded() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.loaded
}

// Loads returns how many times Load succeeded.
func (e *Engine) Loads() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.loads
}

func (e *Engine) RTPCapabilities() engine.Capabilities {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.caps
}

func (e *Engine) CreateRecvTransport(_ context.Context, params engine.TransportParams) (engine.Transport, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.FailTransport {
		return nil, ErrInjected
	}
	t := &Transport{
		id:     params.ID,
		engine: e,
	}
	e.transports = append(e.transports, t)
	return t, nil
}

func (e *Engine) CreateSendTransport(ctx context.Context, params engine.TransportParams) (engine.Transport, error) {
	return e.CreateRecvTransport(ctx, params)
}

func (e *Engine) GetUserMedia(_ context.Context, _ engine.Constraints) (engine.Stream, error) {
	return stream("local"), nil
}

func (e *Engine) EnumerateDevices(_ context.Context) ([]engine.DeviceInfo, error) {
	return []engine.DeviceInfo{
		{DeviceID: "mic0", Kind: "audioinput", Label: "Fake microphone"},
		{DeviceID: "cam0", Kind: "videoinput", Label: "Fake camera"},
	}, nil
}

// Transports returns every transport created so far.
func (e *Engine) Transports() []*Transport {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]*Transport(nil), e.transports...)
}

type Transport struct {
	id       string
	engine   *Engine
	mx       sync.Mutex
	closed   bool
	consumer *Consumer

	onConnect func(engine.DTLSParameters)
	onState   func(string)
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Consume(_ context.Context, params engine.ConsumeParams) (engine.Consumer, error) {
	t.engine.mx.Lock()
	fail, kind, failClose := t.engine.FailConsume, params.Kind, t.engine.FailClose
	if t.engine.ConsumerKind != nil {
		kind = *t.engine.ConsumerKind
	}
	t.engine.mx.Unlock()
	if fail {
		return nil, ErrInjected
	}
	c := &Consumer{
		id:         params.ID,
		producerID: params.ProducerID,
		kind:       kind,
		failClose:  failClose,
	}
	t.mx.Lock()
	t.consumer = c
	t.mx.Unlock()
	return c, nil
}

func (t *Transport) OnConnect(fn func(engine.DTLSParameters)) {
	t.mx.Lock()
	t.onConnect = fn
	t.mx.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(string)) {
	t.mx.Lock()
	t.onState = fn
	t.mx.Unlock()
}

// Connect simulates the engine asking to connect the transport.
func (t *Transport) Connect(params engine.DTLSParameters) {
	t.mx.Lock()
	fn := t.onConnect
	t.mx.Unlock()
	if fn != nil {
		fn(params)
	}
}

// SetState simulates a connection state change.
func (t *Transport) SetState(state string) {
	t.mx.Lock()
	fn := t.onState
	t.mx.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *Transport) Close() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.closed = true
	if t.engine.FailClose {
		return ErrInjected
	}
	return nil
}

func (t *Transport) Closed() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.closed
}

func (t *Transport) Consumer() *Consumer {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.consumer
}

type Consumer struct {
	id         string
	producerID string
	kind       string
	failClose  bool

	mx      sync.Mutex
	resumed bool
	closed  bool
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producerID }
func (c *Consumer) Kind() string       { return c.kind }

func (c *Consumer) Resume() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.resumed = true
	return nil
}

func (c *Consumer) Resumed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.resumed
}

func (c *Consumer) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed = true
	if c.failClose {
		return ErrInjected
	}
	return nil
}

func (c *Consumer) Closed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

type stream string

func (s stream) ID() string   { return string(s) }
func (s stream) Close() error { return nil }
