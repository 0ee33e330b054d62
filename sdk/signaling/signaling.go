// Package signaling defines the request/acknowledgement event channel the
// room client talks to the SFU over.
package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/webrtc-roomclient/sdk/model"
)

var (
	ErrNotConnected = errors.New("signaling channel is not connected")
	ErrAckTimeout   = errors.New("acknowledgement timed out")
	ErrClosed       = errors.New("signaling channel is closed")
)

type (
	// Handler receives the raw payload of a pushed event. Handlers of one
	// channel are invoked sequentially in receive order.
	Handler func(payload json.RawMessage)

	Channel interface {
		// ID is the server-side connection id, empty until known.
		ID() string
		Connected() bool
		Emit(ctx context.Context, event string, payload any) error
		// EmitWithAck sends event and decodes the acknowledgement into reply, which may be nil.
		EmitWithAck(ctx context.Context, event string, payload any, reply any) error
		On(event string, h Handler)
		// OnReconnect registers fn to run after the channel re-established its connection.
		OnReconnect(fn func())
		Close() error
	}

	Connector interface {
		Connect(ctx context.Context, url string, id model.Identity) (Channel, error)
	}

	ConnectorFunc func(ctx context.Context, url string, id model.Identity) (Channel, error)
)

func (f ConnectorFunc) Connect(ctx context.Context, url string, id model.Identity) (Channel, error) {
	return f(ctx, url, id)
}
