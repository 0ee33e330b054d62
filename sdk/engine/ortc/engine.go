// Package ortc implements a receive-only media engine on top of pion's ORTC
// API. Each transport maps onto one ICE/DTLS pair bound to a server-side
// transport, so no SDP negotiation is involved.
package ortc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultICEDisconnectedTimeout = 10 * time.Second
	defaultICEFailedTimeout       = 30 * time.Second
	defaultICEKeepaliveInterval   = 2 * time.Second
)

var (
	ErrCodec           = errors.New("unable to register codec")
	ErrUnsupported     = errors.New("operation is not supported by a receive-only engine")
	ErrTransportClosed = errors.New("transport is closed")
	ErrUnsupportedKind = errors.New("unsupported media kind")
)

type Config struct {
	Logger                 *zerolog.Logger
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

type Engine struct {
	logger   zerolog.Logger
	settings webrtc.SettingEngine

	mx   *sync.RWMutex
	caps engine.Capabilities
	api  *webrtc.API
}

func NewEngine(cfg Config) *Engine {
	if cfg.ICEDisconnectedTimeout == 0 {
		cfg.ICEDisconnectedTimeout = defaultICEDisconnectedTimeout
	}
	if cfg.ICEFailedTimeout == 0 {
		cfg.ICEFailedTimeout = defaultICEFailedTimeout
	}
	if cfg.ICEKeepaliveInterval == 0 {
		cfg.ICEKeepaliveInterval = defaultICEKeepaliveInterval
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepaliveInterval)
	return &Engine{
		logger:   cfg.Logger.With().Str("component", "ortc-engine").Logger(),
		settings: se,
		mx:       &sync.RWMutex{},
	}
}

// Load registers the router codecs and header extensions with a fresh pion API.
func (e *Engine) Load(_ context.Context, caps engine.Capabilities) error {
	if caps.Empty() {
		return engine.ErrNoCapabilities
	}
	m := &webrtc.MediaEngine{}
	for _, codec := range caps.Codecs {
		typ := codec.CodecType()
		if typ != webrtc.RTPCodecTypeAudio && typ != webrtc.RTPCodecTypeVideo {
			e.logger.Debug().Str("mime", codec.MimeType).Msg("skipping codec of unknown kind")
			continue
		}
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codec.Capability(),
			PayloadType:        webrtc.PayloadType(codec.PreferredPayloadType),
		}, typ)
		if err != nil {
			return errors.Join(ErrCodec, err)
		}
	}
	for _, typ := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		for _, ext := range caps.HeaderExtensionCapabilities(typ) {
			if err := m.RegisterHeaderExtension(ext, typ); err != nil {
				return errors.Join(ErrCodec, err)
			}
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return errors.Join(ErrCodec, err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(e.settings),
	)

	e.mx.Lock()
	e.caps, e.api = caps, api
	e.mx.Unlock()

	e.logger.Debug().
		Int("audio", len(caps.CodecCapabilities(webrtc.RTPCodecTypeAudio))).
		Int("video", len(caps.CodecCapabilities(webrtc.RTPCodecTypeVideo))).
		Msg("engine loaded")
	return nil
}

func (e *Engine) Loaded() bool {
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.api != nil
}

func (e *Engine) RTPCapabilities() engine.Capabilities {
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.caps
}

func (e *Engine) CreateRecvTransport(ctx context.Context, params engine.TransportParams) (engine.Transport, error) {
	e.mx.RLock()
	api := e.api
	e.mx.RUnlock()
	if api == nil {
		return nil, engine.ErrNotLoaded
	}
	t, err := newRecvTransport(ctx, api, params, e.logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) CreateSendTransport(context.Context, engine.TransportParams) (engine.Transport, error) {
	return nil, ErrUnsupported
}

func (e *Engine) GetUserMedia(context.Context, engine.Constraints) (engine.Stream, error) {
	return nil, ErrUnsupported
}

// EnumerateDevices reports no devices, the engine never captures.
func (e *Engine) EnumerateDevices(context.Context) ([]engine.DeviceInfo, error) {
	return []engine.DeviceInfo{}, nil
}
