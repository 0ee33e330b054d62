package ortc

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type recvTransport struct {
	logger zerolog.Logger
	id     string
	api    *webrtc.API

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	remoteICE        webrtc.ICEParameters
	remoteCandidates []webrtc.ICECandidate
	remoteDTLS       webrtc.DTLSParameters

	ctx    context.Context
	cancel context.CancelFunc
	// ready is closed once DTLS is up and receivers may start.
	ready chan struct{}

	mx        *sync.Mutex
	onConnect func(engine.DTLSParameters)
	onState   func(string)
	started   bool
	closed    bool
}

func newRecvTransport(
	ctx context.Context,
	api *webrtc.API,
	params engine.TransportParams,
	logger zerolog.Logger,
) (*recvTransport, error) {
	candidates, err := remoteCandidates(params.ICECandidates)
	if err != nil {
		return nil, err
	}
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, errors.Join(err, ice.Stop(), gatherer.Close())
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &recvTransport{
		logger:           logger.With().Str("transport", params.ID).Logger(),
		id:               params.ID,
		api:              api,
		gatherer:         gatherer,
		ice:              ice,
		dtls:             dtls,
		remoteICE:        iceParameters(params.ICEParameters),
		remoteCandidates: candidates,
		remoteDTLS:       serverDTLS(params.DTLSParameters),
		ctx:              tctx,
		cancel:           cancel,
		ready:            make(chan struct{}),
		mx:               &sync.Mutex{},
	}
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debug().Str("state", state.String()).Msg("dtls state changed")
		t.notify(state.String())
	})

	if err = gather(ctx, gatherer); err != nil {
		return nil, errors.Join(err, t.Close())
	}
	return t, nil
}

// gather blocks until local candidate gathering completes.
func gather(ctx context.Context, g *webrtc.ICEGatherer) error {
	done := make(chan struct{})
	once := &sync.Once{}
	g.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := g.Gather(); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *recvTransport) ID() string {
	return t.id
}

func (t *recvTransport) OnConnect(fn func(engine.DTLSParameters)) {
	t.mx.Lock()
	t.onConnect = fn
	t.mx.Unlock()
}

func (t *recvTransport) OnConnectionStateChange(fn func(string)) {
	t.mx.Lock()
	t.onState = fn
	t.mx.Unlock()
}

func (t *recvTransport) notify(state string) {
	t.mx.Lock()
	fn, closed := t.onState, t.closed
	t.mx.Unlock()
	if fn != nil && !closed {
		fn(state)
	}
}

func (t *recvTransport) Consume(_ context.Context, params engine.ConsumeParams) (engine.Consumer, error) {
	kind := webrtc.NewRTPCodecType(engine.NormalizeKind(params.Kind))
	if kind != webrtc.RTPCodecTypeAudio && kind != webrtc.RTPCodecTypeVideo {
		return nil, ErrUnsupportedKind
	}
	recv, err := receiveParameters(params.RTPParameters)
	if err != nil {
		return nil, err
	}
	if err = t.start(); err != nil {
		return nil, err
	}
	receiver, err := t.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, err
	}
	c := &consumer{
		logger:     t.logger.With().Str("consumer", params.ID).Logger(),
		id:         params.ID,
		producerID: params.ProducerID,
		kind:       kind.String(),
		receiver:   receiver,
		mx:         &sync.Mutex{},
		paused:     true,
	}
	go c.receive(t.ctx, t.ready, recv)
	return c, nil
}

// start relays local DTLS parameters and brings up ICE and DTLS on first consume.
func (t *recvTransport) start() error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return ErrTransportClosed
	}
	if t.started {
		t.mx.Unlock()
		return nil
	}
	t.started = true
	onConnect := t.onConnect
	t.mx.Unlock()

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}
	if onConnect != nil {
		onConnect(localDTLS(local))
	}
	go t.connect()
	return nil
}

func (t *recvTransport) connect() {
	role := webrtc.ICERoleControlling
	if err := t.ice.SetRemoteCandidates(t.remoteCandidates); err != nil {
		t.fail(err)
		return
	}
	if err := t.ice.Start(nil, t.remoteICE, &role); err != nil {
		t.fail(err)
		return
	}
	if err := t.dtls.Start(t.remoteDTLS); err != nil {
		t.fail(err)
		return
	}
	close(t.ready)
}

func (t *recvTransport) fail(err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.logger.Error().Err(err).Msg("transport connection failed")
	t.notify(engine.TransportStateFailed)
}

func (t *recvTransport) Close() error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return nil
	}
	t.closed = true
	t.mx.Unlock()

	t.cancel()
	return errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
}

type consumer struct {
	logger     zerolog.Logger
	id         string
	producerID string
	kind       string
	receiver   *webrtc.RTPReceiver

	mx     *sync.Mutex
	paused bool
}

func (c *consumer) receive(ctx context.Context, ready <-chan struct{}, params webrtc.RTPReceiveParameters) {
	select {
	case <-ctx.Done():
		return
	case <-ready:
	}
	if err := c.receiver.Receive(params); err != nil {
		c.logger.Error().Err(err).Msg("unable to start receiver")
		return
	}
	c.logger.Debug().Str("kind", c.kind).Msg("receiving")
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }
func (c *consumer) Kind() string       { return c.kind }

// Resume unpauses the consumer locally, the server resumes the stream itself.
func (c *consumer) Resume() error {
	c.mx.Lock()
	c.paused = false
	c.mx.Unlock()
	return nil
}

func (c *consumer) Paused() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.paused
}

func (c *consumer) Close() error {
	return c.receiver.Stop()
}
