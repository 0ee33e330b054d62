package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/adwski/webrtc-roomclient/sdk/engine/enginetest"
	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/signaling/signalingtest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	primaryURL = "https://sfu.test/socket"
	localURL   = "http://127.0.0.1:3000"
)

var routerCaps = engine.Capabilities{
	Codecs: []engine.Codec{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000},
	},
	HeaderExtensions: []engine.HeaderExtension{
		{Kind: "video", URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
		{Kind: "video", URI: engine.VideoOrientationURI, PreferredID: 4},
	},
}

type resized struct {
	producerID string
	kind       string
}

// harness wires a session to fake engine and signaling servers. Each fake
// server announces the producers listed for its url, per level.
type harness struct {
	t    *testing.T
	sess *Session
	eng  *enginetest.Engine
	conn *signalingtest.Connector

	mx         sync.Mutex
	producers  map[string]map[string][]string
	kinds      map[string]string
	joinReply  model.JoinResponse
	transports atomic.Int32

	alerts        []string
	resized       []resized
	screenChanges int
	reports       []bool
	modal         []bool
	resumed       []string
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		eng: enginetest.NewEngine(),
		producers: map[string]map[string][]string{
			primaryURL: {"0": {"p1"}, "2": {"p2"}},
			localURL:   {"0": {"l1"}},
		},
		kinds:     map[string]string{"p1": "audio"},
		joinReply: model.JoinResponse{Success: true, RTPCapabilities: &routerCaps},
	}
	var seq atomic.Int32
	h.conn = signalingtest.NewConnector(func(url string) (*signalingtest.Channel, error) {
		ch := signalingtest.NewChannel(fmt.Sprintf("sock-%d", seq.Add(1)))
		h.serve(ch, url)
		return ch, nil
	})

	logger := zerolog.Nop()
	cfg := Config{
		Logger: &logger,
		Identity: model.Identity{
			APIUserName: "user",
			APIToken:    "token",
			DisplayName: "alice",
			RoomName:    "room-1",
			Level:       "0",
		},
		URL:          primaryURL,
		Connector:    h.conn,
		Engine:       h.eng,
		ConnectDelay: -1,
		Hooks: Hooks{
			OnCloseAndResize: func(_ context.Context, producerID, kind string) {
				h.mx.Lock()
				h.resized = append(h.resized, resized{producerID: producerID, kind: kind})
				h.mx.Unlock()
			},
			OnScreenChanges: func(context.Context) {
				h.mx.Lock()
				h.screenChanges++
				h.mx.Unlock()
			},
			RePort: func(_ context.Context, restart bool) {
				h.mx.Lock()
				h.reports = append(h.reports, restart)
				h.mx.Unlock()
			},
			Alert: func(message, _ string, _ time.Duration) {
				h.mx.Lock()
				h.alerts = append(h.alerts, message)
				h.mx.Unlock()
			},
			OnConsumerResumed: func(_ context.Context, info model.ConsumerTransportInfo) {
				h.mx.Lock()
				h.resumed = append(h.resumed, info.ProducerID)
				h.mx.Unlock()
			},
			OnPollModal: func(visible bool) {
				h.mx.Lock()
				h.modal = append(h.modal, visible)
				h.mx.Unlock()
			},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.sess = New(cfg)
	t.Cleanup(func() {
		_ = h.sess.Close()
	})
	return h
}

func withLocal(cfg *Config) {
	cfg.LocalURL = localURL
}

func asHost(cfg *Config) {
	cfg.Identity.Level = model.LevelHost
}

func (h *harness) serve(ch *signalingtest.Channel, url string) {
	discovery := func(json.RawMessage) (any, error) {
		h.mx.Lock()
		defer h.mx.Unlock()
		return model.ReceiveAllTransportsResponse{ProducersExist: len(h.producers[url]) > 0}, nil
	}
	producers := func(raw json.RawMessage) (any, error) {
		var req model.GetProducersRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		h.mx.Lock()
		defer h.mx.Unlock()
		ids := append([]string{}, h.producers[url][req.Level]...)
		return ids, nil
	}
	ch.Respond(model.EventJoinConRoom, func(json.RawMessage) (any, error) {
		h.mx.Lock()
		defer h.mx.Unlock()
		return h.joinReply, nil
	})
	ch.Respond(model.EventCreateReceiveAllTransportsPiped, discovery)
	ch.Respond(model.EventCreateReceiveAllTransports, discovery)
	ch.Respond(model.EventGetProducersPipedAlt, producers)
	ch.Respond(model.EventGetProducersAlt, producers)
	ch.Respond(model.EventCreateWebRtcTransport, func(json.RawMessage) (any, error) {
		id := fmt.Sprintf("t-%d", h.transports.Add(1))
		return model.CreateTransportResponse{Params: &model.TransportParamsReply{
			TransportParams: engine.TransportParams{ID: id},
		}}, nil
	})
	ch.Respond(model.EventConsume, func(raw json.RawMessage) (any, error) {
		var req model.ConsumeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		h.mx.Lock()
		kind, ok := h.kinds[req.RemoteProducerID]
		h.mx.Unlock()
		if !ok {
			kind = model.KindVideo
		}
		return model.ConsumeResponse{Params: &model.ConsumeReply{
			ID:               "c-" + req.RemoteProducerID,
			ProducerID:       req.RemoteProducerID,
			Kind:             kind,
			ServerConsumerID: "sc-" + req.RemoteProducerID,
		}}, nil
	})
	ch.RespondWith(model.EventConsumerResume, model.ConsumerResumeResponse{Resumed: true})
}

func (h *harness) join() *signalingtest.Channel {
	h.t.Helper()
	resp, err := h.sess.JoinRoom(context.Background())
	require.NoError(h.t, err)
	require.True(h.t, resp.Success)
	return h.primary()
}

func (h *harness) primary() *signalingtest.Channel {
	h.t.Helper()
	ch, ok := h.sess.Primary().(*signalingtest.Channel)
	require.True(h.t, ok)
	return ch
}

func (h *harness) local() *signalingtest.Channel {
	h.t.Helper()
	ch, ok := h.sess.Local().(*signalingtest.Channel)
	require.True(h.t, ok)
	return ch
}

func (h *harness) alertsSeen() []string {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]string(nil), h.alerts...)
}

func (h *harness) resizedSeen() []resized {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]resized(nil), h.resized...)
}

func producerIDs(infos []model.ConsumerTransportInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ProducerID)
	}
	return out
}

func consumedProducers(ch *signalingtest.Channel) []string {
	var out []string
	for _, e := range ch.Emitted(model.EventConsume) {
		var req model.ConsumeRequest
		if json.Unmarshal(e.Payload, &req) == nil {
			out = append(out, req.RemoteProducerID)
		}
	}
	return out
}

func TestSession_Accessors(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, StateUnjoined, h.sess.State())
	assert.Equal(t, "media", h.sess.Display().DisplayType)
	assert.Equal(t, "video", h.sess.Display().PrevDisplayType)

	h.sess.SetScreenShare("scr", true)
	h.sess.SetLocalShare(true)
	h.sess.SetWideScreen(true)
	h.sess.SetDisplayType("video")
	d := h.sess.Display()
	assert.Equal(t, "scr", d.ScreenID)
	assert.True(t, d.ShareScreenStarted)
	assert.True(t, d.Shared)
	assert.True(t, d.WideScreen)
	assert.Equal(t, "video", d.DisplayType)
}

func TestSession_WatchConsumers(t *testing.T) {
	h := newHarness(t)

	var (
		mx    sync.Mutex
		sizes []int
	)
	cancel := h.sess.WatchConsumers(func(infos []model.ConsumerTransportInfo) {
		mx.Lock()
		sizes = append(sizes, len(infos))
		mx.Unlock()
	})
	h.join()
	cancel()
	h.primary().Push(model.EventProducerClosed, model.ProducerClosed{RemoteProducerID: "p1"})

	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestSession_Close(t *testing.T) {
	h := newHarness(t, withLocal)
	primary := h.join()
	local := h.local()
	transports := h.eng.Transports()
	require.Len(t, transports, 3)

	require.NoError(t, h.sess.Close())

	assert.True(t, primary.Closed())
	assert.True(t, local.Closed())
	for _, tr := range transports {
		assert.True(t, tr.Closed())
	}
	assert.Empty(t, h.sess.Consumers())
	assert.Empty(t, h.resizedSeen())
	assert.Nil(t, h.sess.Primary())

	_, err := h.sess.JoinRoom(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unjoined", StateUnjoined.String())
	assert.Equal(t, "joining", StateJoining.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "join failed", StateJoinFailed.String())
}
