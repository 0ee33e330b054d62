// Package session drives one room membership: it connects to the SFU,
// joins the room, consumes remote producers and reconciles server pushes
// into local state the UI layer can read.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/ratelimit"
	"github.com/adwski/webrtc-roomclient/sdk/registry"
	"github.com/adwski/webrtc-roomclient/sdk/signaling"
	"github.com/rs/zerolog"
)

const defaultConnectDelay = 50 * time.Millisecond

var (
	ErrIdentity          = errors.New("identity is incomplete")
	ErrConnect           = errors.New("unable to connect")
	ErrJoin              = errors.New("unable to join room")
	ErrJoinRejected      = errors.New("join rejected by server")
	ErrEngineLoad        = errors.New("unable to load media engine")
	ErrDiscovery         = errors.New("unable to discover remote producers")
	ErrTransportCreation = errors.New("unable to create consumer transport")
	ErrReconcile         = errors.New("unable to reconcile room state")
	ErrDecode            = errors.New("unable to decode push payload")
	ErrExit              = errors.New("unable to notify exit")
	ErrClosed            = errors.New("session is closed")
)

type State int32

const (
	StateUnjoined State = iota
	StateJoining
	StateJoined
	StateJoinFailed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateJoinFailed:
		return "join failed"
	default:
		return "unjoined"
	}
}

// Alert kinds passed to Hooks.Alert.
const (
	AlertSuccess = "success"
	AlertDanger  = "danger"
)

// Hooks are the UI side effects the session triggers. Every hook is optional.
type Hooks struct {
	// OnCloseAndResize is called after a remote producer went away so the
	// layout can reclaim its grid slot.
	OnCloseAndResize func(ctx context.Context, producerID, kind string)
	// OnScreenChanges requests a full screen re-layout.
	OnScreenChanges func(ctx context.Context)
	// RePort requests a session re-sync of the displayed participants.
	RePort func(ctx context.Context, restart bool)
	Alert  func(message, kind string, duration time.Duration)
	// OnConsumerResumed is called once a consumer's media is flowing.
	OnConsumerResumed func(ctx context.Context, info model.ConsumerTransportInfo)
	OnPollModal       func(visible bool)
	OnBreakoutChange  func(state model.BreakoutState)
}

func (h Hooks) alert(message, kind string, d time.Duration) {
	if h.Alert != nil {
		h.Alert(message, kind, d)
	}
}

func (h Hooks) screenChanges(ctx context.Context) {
	if h.OnScreenChanges != nil {
		h.OnScreenChanges(ctx)
	}
}

func (h Hooks) rePort(ctx context.Context, restart bool) {
	if h.RePort != nil {
		h.RePort(ctx, restart)
	}
}

type Config struct {
	Logger   *zerolog.Logger
	Identity model.Identity
	// URL is the primary signaling endpoint.
	URL string
	// LocalURL is an optional community-edition server joined alongside the primary one.
	LocalURL  string
	Connector signaling.Connector
	Engine    engine.Engine
	// Governor gates connection attempts. A default governor is used when nil.
	Governor *ratelimit.Governor
	// ConnectDelay is waited before dialing. Zero uses the default, negative disables it.
	ConnectDelay time.Duration
	Hooks        Hooks
}

// source is a signaling channel together with the origin tag its registry
// entries carry.
type source struct {
	ch     signaling.Channel
	origin string
}

func (src source) community() bool {
	return src.origin == model.OriginLocal
}

type Session struct {
	logger       zerolog.Logger
	identity     model.Identity
	url          string
	localURL     string
	connectDelay time.Duration
	connector    signaling.Connector
	engine       engine.Engine
	governor     *ratelimit.Governor
	hooks        Hooks

	registry  *registry.Registry
	display   *display
	piped     *pipedManager
	producers *producerReconciler
	breakout  *breakoutReconciler
	polls     *pollReconciler

	ctx    context.Context
	cancel context.CancelFunc

	// joinMx serialises Connect, JoinRoom and Close.
	joinMx *sync.Mutex
	// opMu serialises push handlers and registry-mutating flows.
	opMu *sync.Mutex

	connMx   *sync.RWMutex
	primary  signaling.Channel
	local    signaling.Channel
	attempts atomic.Int64
	state    atomic.Int32
}

func New(cfg Config) *Session {
	if cfg.Governor == nil {
		cfg.Governor = ratelimit.NewGovernor(ratelimit.Config{})
	}
	switch {
	case cfg.ConnectDelay == 0:
		cfg.ConnectDelay = defaultConnectDelay
	case cfg.ConnectDelay < 0:
		cfg.ConnectDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("room", cfg.Identity.RoomName).
			Str("member", cfg.Identity.DisplayName).
			Logger(),
		identity:     cfg.Identity,
		url:          cfg.URL,
		localURL:     cfg.LocalURL,
		connectDelay: cfg.ConnectDelay,
		connector:    cfg.Connector,
		engine:       cfg.Engine,
		governor:     cfg.Governor,
		hooks:        cfg.Hooks,
		registry:     registry.New(),
		display:      newDisplay(),
		ctx:          ctx,
		cancel:       cancel,
		joinMx:       &sync.Mutex{},
		opMu:         &sync.Mutex{},
		connMx:       &sync.RWMutex{},
	}
	s.piped = &pipedManager{
		logger:    s.logger.With().Str("component", "piped").Logger(),
		identity:  cfg.Identity,
		engine:    cfg.Engine,
		registry:  s.registry,
		consuming: make(map[string]struct{}),
		hooks:     cfg.Hooks,
	}
	s.piped.failed = s.transportFailed
	s.producers = &producerReconciler{
		logger:   s.logger.With().Str("component", "producers").Logger(),
		registry: s.registry,
		piped:    s.piped,
		display:  s.display,
		hooks:    cfg.Hooks,
	}
	s.breakout = &breakoutReconciler{
		logger:  s.logger.With().Str("component", "breakout").Logger(),
		host:    cfg.Identity.IsHost(),
		display: s.display,
		mx:      &sync.RWMutex{},
		hooks:   cfg.Hooks,
	}
	s.polls = &pollReconciler{
		member: cfg.Identity.DisplayName,
		host:   cfg.Identity.IsHost(),
		mx:     &sync.RWMutex{},
		hooks:  cfg.Hooks,
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug().Stringer("state", st).Msg("session state changed")
}

// ConnectionAttempts returns how many signaling connections were dialed.
func (s *Session) ConnectionAttempts() int {
	return int(s.attempts.Load())
}

// Primary returns the primary signaling channel, nil when not connected yet.
func (s *Session) Primary() signaling.Channel {
	s.connMx.RLock()
	defer s.connMx.RUnlock()
	return s.primary
}

// Local returns the community-edition channel, nil when none is configured or connected.
func (s *Session) Local() signaling.Channel {
	s.connMx.RLock()
	defer s.connMx.RUnlock()
	return s.local
}

func (s *Session) source(origin string) source {
	if origin == model.OriginLocal {
		return source{ch: s.Local(), origin: origin}
	}
	return source{ch: s.Primary(), origin: model.OriginPrimary}
}

// Consumers returns the current consumer transports.
func (s *Session) Consumers() []model.ConsumerTransportInfo {
	return s.registry.Snapshot()
}

// WatchConsumers registers fn to receive every new consumer snapshot.
func (s *Session) WatchConsumers(fn func([]model.ConsumerTransportInfo)) (cancel func()) {
	return s.registry.Subscribe(fn)
}

func (s *Session) Display() model.DisplayState {
	return s.display.snapshot()
}

// SetScreenShare records the remote screen share producer.
func (s *Session) SetScreenShare(screenID string, started bool) {
	s.display.update(func(d *model.DisplayState) {
		d.ScreenID = screenID
		d.ShareScreenStarted = started
	})
}

// SetLocalShare records whether the local participant is sharing.
func (s *Session) SetLocalShare(shared bool) {
	s.display.update(func(d *model.DisplayState) { d.Shared = shared })
}

func (s *Session) SetWideScreen(wide bool) {
	s.display.update(func(d *model.DisplayState) { d.WideScreen = wide })
}

func (s *Session) SetDisplayType(displayType string) {
	s.display.update(func(d *model.DisplayState) { d.DisplayType = displayType })
}

func (s *Session) Breakout() model.BreakoutState {
	return s.breakout.snapshot()
}

// Participants returns the non-banned participants known to a host.
func (s *Session) Participants() []model.Participant {
	return s.breakout.activeParticipants()
}

func (s *Session) ParticipantsAll() []model.Participant {
	return s.breakout.allParticipants()
}

func (s *Session) Polls() []model.Poll {
	return s.polls.list()
}

// CurrentPoll returns the poll last announced by the server.
func (s *Session) CurrentPoll() (model.Poll, bool) {
	return s.polls.currentPoll()
}

// Close tears down every consumer transport and both signaling channels.
// The session cannot be reused afterwards.
func (s *Session) Close() error {
	s.cancel()

	s.joinMx.Lock()
	defer s.joinMx.Unlock()

	s.opMu.Lock()
	for _, info := range s.registry.Snapshot() {
		s.producers.discard(info)
	}
	s.opMu.Unlock()

	s.connMx.Lock()
	primary, local := s.primary, s.local
	s.primary, s.local = nil, nil
	s.connMx.Unlock()

	var errs []error
	for _, ch := range []signaling.Channel{primary, local} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.setState(StateUnjoined)
	s.logger.Debug().Msg("session closed")
	return errors.Join(errs...)
}
