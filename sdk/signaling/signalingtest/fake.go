// Package signalingtest provides an in-memory signaling channel for tests.
package signalingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/signaling"
)

// Responder produces the acknowledgement for one request.
type Responder func(payload json.RawMessage) (any, error)

type Emitted struct {
	Event   string
	Payload json.RawMessage
}

type Channel struct {
	mx         *sync.Mutex
	id         string
	connected  bool
	closed     bool
	handlers   map[string][]signaling.Handler
	reconnects []func()
	responders map[string]Responder
	emitted    []Emitted
}

func NewChannel(id string) *Channel {
	return &Channel{
		mx:         &sync.Mutex{},
		id:         id,
		connected:  true,
		handlers:   make(map[string][]signaling.Handler),
		responders: make(map[string]Responder),
	}
}

// Respond installs the acknowledgement producer for event.
func (c *Channel) Respond(event string, r Responder) {
	c.mx.Lock()
	c.responders[event] = r
	c.mx.Unlock()
}

// RespondWith acknowledges event with a fixed reply.
func (c *Channel) RespondWith(event string, reply any) {
	c.Respond(event, func(json.RawMessage) (any, error) { return reply, nil })
}

func (c *Channel) ID() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.id
}

func (c *Channel) Connected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.connected && !c.closed
}

func (c *Channel) SetConnected(v bool) {
	c.mx.Lock()
	c.connected = v
	c.mx.Unlock()
}

func (c *Channel) Emit(_ context.Context, event string, payload any) error {
	_, err := c.record(event, payload)
	return err
}

func (c *Channel) EmitWithAck(ctx context.Context, event string, payload any, reply any) error {
	raw, err := c.record(event, payload)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	c.mx.Lock()
	r, ok := c.responders[event]
	c.mx.Unlock()
	if !ok {
		return fmt.Errorf("no responder for %q", event)
	}
	ack, err := r(raw)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, reply)
}

func (c *Channel) record(event string, payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return nil, signaling.ErrClosed
	}
	if !c.connected {
		return nil, signaling.ErrNotConnected
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: b})
	return b, nil
}

func (c *Channel) On(event string, h signaling.Handler) {
	c.mx.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mx.Unlock()
}

func (c *Channel) OnReconnect(fn func()) {
	c.mx.Lock()
	c.reconnects = append(c.reconnects, fn)
	c.mx.Unlock()
}

func (c *Channel) Close() error {
	c.mx.Lock()
	c.closed = true
	c.mx.Unlock()
	return nil
}

func (c *Channel) Closed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

// Push delivers a server event to the registered handlers synchronously.
func (c *Channel) Push(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.mx.Lock()
	handlers := append([]signaling.Handler(nil), c.handlers[event]...)
	c.mx.Unlock()
	for _, h := range handlers {
		h(b)
	}
}

// Reconnect runs the reconnect callbacks synchronously.
func (c *Channel) Reconnect() {
	c.mx.Lock()
	fns := append([]func(){}, c.reconnects...)
	c.mx.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Emitted returns the emitted events, optionally filtered by name.
func (c *Channel) Emitted(events ...string) []Emitted {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(events) == 0 {
		return append([]Emitted(nil), c.emitted...)
	}
	var out []Emitted
	for _, e := range c.emitted {
		for _, name := range events {
			if e.Event == name {
				out = append(out, e)
			}
		}
	}
	return out
}

// Connector hands out channels built by New and counts connection attempts.
type Connector struct {
	mx       *sync.Mutex
	New      func(url string) (*Channel, error)
	attempts []string
	channels []*Channel
}

func NewConnector(newFn func(url string) (*Channel, error)) *Connector {
	return &Connector{mx: &sync.Mutex{}, New: newFn}
}

func (c *Connector) Connect(ctx context.Context, url string, _ model.Identity) (signaling.Channel, error) {
	c.mx.Lock()
	c.attempts = append(c.attempts, url)
	c.mx.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := c.New(url)
	if err != nil {
		return nil, err
	}
	c.mx.Lock()
	c.channels = append(c.channels, ch)
	c.mx.Unlock()
	return ch, nil
}

// Attempts returns the urls of every Connect call.
func (c *Connector) Attempts() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.attempts...)
}

func (c *Connector) Channels() []*Channel {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]*Channel(nil), c.channels...)
}
