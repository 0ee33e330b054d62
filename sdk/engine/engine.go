package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// TransportStateFailed is reported by a transport whose ICE/DTLS connection is lost for good.
const TransportStateFailed = "failed"

var (
	ErrNotLoaded      = errors.New("media engine is not loaded")
	ErrNoCapabilities = errors.New("rtp capabilities must be provided")
)

type (
	// Engine is the native media handle. It negotiates capabilities with the SFU router
	// and creates transports bound to server-side transports.
	Engine interface {
		Load(ctx context.Context, caps Capabilities) error
		Loaded() bool
		RTPCapabilities() Capabilities
		CreateRecvTransport(ctx context.Context, params TransportParams) (Transport, error)
		CreateSendTransport(ctx context.Context, params TransportParams) (Transport, error)
		GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)
		EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
	}

	Transport interface {
		ID() string
		Consume(ctx context.Context, params ConsumeParams) (Consumer, error)
		// OnConnect fires once the local DTLS parameters are known and must be
		// relayed to the server side of the transport.
		OnConnect(fn func(DTLSParameters))
		OnConnectionStateChange(fn func(state string))
		Close() error
	}

	Consumer interface {
		ID() string
		ProducerID() string
		// Kind is the track kind reported by the engine, may be empty.
		Kind() string
		Resume() error
		Close() error
	}

	Stream interface {
		ID() string
		Close() error
	}

	Constraints struct {
		Audio    bool
		Video    bool
		DeviceID string
	}

	DeviceInfo struct {
		DeviceID string `json:"deviceId"`
		Kind     string `json:"kind"`
		Label    string `json:"label"`
	}

	TransportParams struct {
		ID             string          `json:"id"`
		ICEParameters  ICEParameters   `json:"iceParameters"`
		ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
		DTLSParameters DTLSParameters  `json:"dtlsParameters"`
	}

	ICEParameters struct {
		UsernameFragment string `json:"usernameFragment"`
		Password         string `json:"password"`
		ICELite          bool   `json:"iceLite,omitempty"`
	}

	DTLSParameters struct {
		Role         string        `json:"role,omitempty"`
		Fingerprints []Fingerprint `json:"fingerprints"`
	}

	Fingerprint struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	}

	ConsumeParams struct {
		ID            string
		ProducerID    string
		Kind          string
		RTPParameters json.RawMessage
	}
)
