package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultAckTimeout     = 30 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 5
	defaultQueueSize      = 128

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	// eventConnectionSuccess carries the server-assigned connection id.
	eventConnectionSuccess = "connection-success"
)

var (
	ErrDial   = errors.New("unable to dial signaling server")
	ErrEncode = errors.New("unable to encode payload")
	ErrDecode = errors.New("unable to decode acknowledgement")
	ErrRemote = errors.New("server rejected request")
)

type (
	// envelope is the frame exchanged in both directions. Requests that expect
	// an acknowledgement carry an ID, the server answers with Ack set and the same ID.
	envelope struct {
		Event string          `json:"event,omitempty"`
		ID    string          `json:"id,omitempty"`
		Ack   bool            `json:"ack,omitempty"`
		Data  json.RawMessage `json:"data,omitempty"`
		Error string          `json:"error,omitempty"`
	}

	ackResult struct {
		env envelope
		err error
	}

	Config struct {
		Logger         *zerolog.Logger
		AckTimeout     time.Duration
		ReconnectDelay time.Duration
		// MaxReconnects bounds redial attempts after a lost connection, negative disables redialing.
		MaxReconnects int
		PingInterval  time.Duration
		PongWait      time.Duration
	}

	// Connector dials websocket signaling channels.
	Connector struct {
		cfg    Config
		dialer *websocket.Dialer
		logger zerolog.Logger
	}

	Channel struct {
		logger zerolog.Logger
		cfg    Config
		dialer *websocket.Dialer
		url    string

		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}

		tx    chan envelope
		queue chan func()

		mx         *sync.RWMutex
		id         string
		connected  bool
		handlers   map[string][]signaling.Handler
		reconnects []func()

		pendingMx *sync.Mutex
		pending   map[string]chan ackResult
	}
)

func NewConnector(cfg Config) *Connector {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval + (defaultPongWait - defaultPingInterval)
	}
	return &Connector{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		},
	}
}

// Connect dials rawURL and returns a connected channel. The channel redials on
// its own after a connection loss until Close is called.
func (c *Connector) Connect(ctx context.Context, rawURL string, id model.Identity) (signaling.Channel, error) {
	u, err := dialURL(rawURL, id)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	chCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		logger:    c.logger.With().Str("url", u.Host).Logger(),
		cfg:       c.cfg,
		dialer:    c.dialer,
		url:       u.String(),
		ctx:       chCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		tx:        make(chan envelope, defaultQueueSize),
		queue:     make(chan func(), defaultQueueSize),
		mx:        &sync.RWMutex{},
		handlers:  make(map[string][]signaling.Handler),
		pendingMx: &sync.Mutex{},
		pending:   make(map[string]chan ackResult),
	}

	conn, err := ch.dial(ctx)
	if err != nil {
		cancel()
		return nil, errors.Join(ErrDial, err)
	}
	ch.logger.Debug().Str("id", ch.ID()).Msg("signaling channel connected")

	go ch.dispatchLoop()
	go ch.run(conn)
	return ch, nil
}

func dialURL(raw string, id model.Identity) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("apiUserName", id.APIUserName)
	q.Set("apiKey", id.APIToken)
	if id.DisplayName != "" {
		q.Set("member", id.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func (ch *Channel) ID() string {
	ch.mx.RLock()
	defer ch.mx.RUnlock()
	return ch.id
}

func (ch *Channel) Connected() bool {
	ch.mx.RLock()
	defer ch.mx.RUnlock()
	return ch.connected
}

func (ch *Channel) On(event string, h signaling.Handler) {
	ch.mx.Lock()
	ch.handlers[event] = append(ch.handlers[event], h)
	ch.mx.Unlock()
}

func (ch *Channel) OnReconnect(fn func()) {
	ch.mx.Lock()
	ch.reconnects = append(ch.reconnects, fn)
	ch.mx.Unlock()
}

func (ch *Channel) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	return ch.send(ctx, envelope{Event: event, Data: data})
}

func (ch *Channel) EmitWithAck(ctx context.Context, event string, payload any, reply any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}

	id := uuid.NewString()
	res := make(chan ackResult, 1)
	ch.pendingMx.Lock()
	ch.pending[id] = res
	ch.pendingMx.Unlock()
	defer func() {
		ch.pendingMx.Lock()
		delete(ch.pending, id)
		ch.pendingMx.Unlock()
	}()

	if err = ch.send(ctx, envelope{Event: event, ID: id, Data: data}); err != nil {
		return err
	}

	timer := time.NewTimer(ch.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case r := <-res:
		if r.err != nil {
			return r.err
		}
		if r.env.Error != "" {
			return errors.Join(ErrRemote, errors.New(r.env.Error))
		}
		if reply == nil || len(r.env.Data) == 0 {
			return nil
		}
		if err = json.Unmarshal(r.env.Data, reply); err != nil {
			return errors.Join(ErrDecode, err)
		}
		return nil
	case <-timer.C:
		return signaling.ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.ctx.Done():
		return signaling.ErrClosed
	}
}

func (ch *Channel) send(ctx context.Context, env envelope) error {
	if ch.ctx.Err() != nil {
		return signaling.ErrClosed
	}
	if !ch.Connected() {
		return signaling.ErrNotConnected
	}
	select {
	case ch.tx <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.ctx.Done():
		return signaling.ErrClosed
	}
}

// Close stops redialing, closes the connection and fails pending acknowledgements.
func (ch *Channel) Close() error {
	ch.cancel()
	<-ch.done
	return nil
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := ch.dialer.DialContext(ctx, ch.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	ch.mx.Lock()
	// the server announces the socket id in connection-success
	ch.id = ""
	ch.connected = true
	ch.mx.Unlock()
	return conn, nil
}

func (ch *Channel) setDisconnected() {
	ch.mx.Lock()
	ch.connected = false
	ch.mx.Unlock()
}

// run serves connections until the channel is closed or redialing gives up.
func (ch *Channel) run(conn *websocket.Conn) {
	defer close(ch.done)
	for {
		ch.serve(conn)
		ch.setDisconnected()
		ch.failPending(signaling.ErrNotConnected)
		ch.drainTx()

		if ch.ctx.Err() != nil {
			ch.logger.Debug().Msg("signaling channel closed")
			return
		}
		ch.logger.Warn().Msg("signaling connection lost")

		if conn = ch.redial(); conn == nil {
			ch.logger.Error().Msg("giving up reconnecting")
			return
		}
		ch.logger.Info().Str("id", ch.ID()).Msg("signaling channel reconnected")
		ch.enqueue(ch.fireReconnect)
	}
}

func (ch *Channel) redial() *websocket.Conn {
	if ch.cfg.MaxReconnects < 0 {
		return nil
	}
	for attempt := 1; attempt <= ch.cfg.MaxReconnects; attempt++ {
		select {
		case <-ch.ctx.Done():
			return nil
		case <-time.After(ch.cfg.ReconnectDelay):
		}
		ctx, cancel := context.WithTimeout(ch.ctx, defaultWebSocketHandshakeTimeout)
		conn, err := ch.dial(ctx)
		cancel()
		if err == nil {
			return conn
		}
		ch.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
	return nil
}

func (ch *Channel) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ch.ctx)
	defer cancel()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		ch.receiver(ctx, wg, conn)
		cancel()
	}()
	go func() {
		ch.sender(ctx, wg, conn)
		cancel()
	}()

	<-ctx.Done()
	webSocketCloser(conn, &ch.logger)
	wg.Wait()
}

func (ch *Channel) sender(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn) {
	pingTicker := time.NewTicker(ch.cfg.PingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				ch.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			ch.logger.Trace().Msg("ping sent")

		case env := <-ch.tx:
			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				ch.logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				continue
			}
			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				ch.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				ch.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			ch.logger.Trace().Str("event", env.Event).Str("id", env.ID).Msg("message sent")
		}
	}
}

func (ch *Channel) receiver(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		ch.logger.Trace().Msg("got pong")
		return readDeadLineFunc(ch.cfg.PongWait)
	})
	if err := readDeadLineFunc(ch.cfg.PongWait); err != nil {
		ch.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				ch.logger.Warn().Err(wsErr).Msg("connection closed")
			default:
				ch.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if err := readDeadLineFunc(ch.cfg.PongWait); err != nil {
			ch.logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			ch.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		switch {
		case env.Ack:
			ch.resolve(env)
		case env.Event == eventConnectionSuccess:
			ch.assignID(env.Data)
		default:
			if !ch.enqueue(func() { ch.deliver(env) }) {
				return
			}
		}
	}
}

func (ch *Channel) assignID(data json.RawMessage) {
	var cs struct {
		SocketID string `json:"socketId"`
	}
	if err := json.Unmarshal(data, &cs); err != nil || cs.SocketID == "" {
		ch.logger.Error().Err(err).Msg("malformed connection-success message")
		return
	}
	ch.mx.Lock()
	ch.id = cs.SocketID
	ch.mx.Unlock()
}

func (ch *Channel) resolve(env envelope) {
	ch.pendingMx.Lock()
	res, ok := ch.pending[env.ID]
	delete(ch.pending, env.ID)
	ch.pendingMx.Unlock()
	if !ok {
		ch.logger.Debug().Str("id", env.ID).Msg("acknowledgement without pending request")
		return
	}
	res <- ackResult{env: env}
}

func (ch *Channel) failPending(err error) {
	ch.pendingMx.Lock()
	defer ch.pendingMx.Unlock()
	for id, res := range ch.pending {
		res <- ackResult{err: err}
		delete(ch.pending, id)
	}
}

// drainTx drops messages queued for a connection that is gone. Their
// acknowledgements have been failed already.
func (ch *Channel) drainTx() {
	for {
		select {
		case env := <-ch.tx:
			ch.logger.Debug().Str("event", env.Event).Str("id", env.ID).Msg("dropping message of lost connection")
		default:
			return
		}
	}
}

// enqueue hands fn to the dispatch goroutine, keeping receive order.
func (ch *Channel) enqueue(fn func()) bool {
	select {
	case ch.queue <- fn:
		return true
	case <-ch.ctx.Done():
		return false
	}
}

func (ch *Channel) dispatchLoop() {
	for {
		select {
		case <-ch.ctx.Done():
			return
		case fn := <-ch.queue:
			fn()
		}
	}
}

func (ch *Channel) deliver(env envelope) {
	ch.mx.RLock()
	handlers := append([]signaling.Handler(nil), ch.handlers[env.Event]...)
	ch.mx.RUnlock()

	if len(handlers) == 0 {
		ch.logger.Debug().Str("event", env.Event).Msg("no handler for event")
		return
	}
	for _, h := range handlers {
		ch.safely(env.Event, func() { h(env.Data) })
	}
}

func (ch *Channel) fireReconnect() {
	ch.mx.RLock()
	fns := append([]func(){}, ch.reconnects...)
	ch.mx.RUnlock()
	for _, fn := range fns {
		ch.safely("reconnect", fn)
	}
}

func (ch *Channel) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error().Str("event", event).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close message")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
