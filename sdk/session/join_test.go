package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/adwski/webrtc-roomclient/sdk/engine/enginetest"
	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/ratelimit"
	"github.com/adwski/webrtc-roomclient/sdk/signaling/signalingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRoom_CleanStateWithLocal(t *testing.T) {
	h := newHarness(t, withLocal)

	primary := h.join()
	local := h.local()

	assert.Equal(t, StateJoined, h.sess.State())
	assert.Equal(t, 2, h.sess.ConnectionAttempts())
	assert.Equal(t, []string{primaryURL, localURL}, h.conn.Attempts())
	assert.Equal(t, 1, h.eng.Loads())

	loaded := h.eng.RTPCapabilities()
	require.Len(t, loaded.HeaderExtensions, 1)
	assert.NotEqual(t, engine.VideoOrientationURI, loaded.HeaderExtensions[0].URI)

	assert.Len(t, primary.Emitted(model.EventCreateReceiveAllTransportsPiped), 1)
	assert.Len(t, primary.Emitted(model.EventGetProducersPipedAlt), 3)
	assert.Len(t, local.Emitted(model.EventCreateReceiveAllTransports), 1)
	assert.Len(t, local.Emitted(model.EventGetProducersAlt), 3)

	consumers := h.sess.Consumers()
	assert.Equal(t, []string{"p1", "p2", "l1"}, producerIDs(consumers))
	for _, info := range consumers {
		if info.ProducerID == "l1" {
			assert.Equal(t, model.OriginLocal, info.Origin)
		} else {
			assert.Equal(t, model.OriginPrimary, info.Origin)
		}
		c, ok := info.Consumer.(*enginetest.Consumer)
		require.True(t, ok)
		assert.True(t, c.Resumed())
	}
	assert.Equal(t, model.KindAudio, consumers[0].Kind)
	assert.ElementsMatch(t, []string{"p1", "p2", "l1"}, h.resumed)
}

func TestJoinRoom_JoinRequest(t *testing.T) {
	h := newHarness(t)
	primary := h.join()

	sent := primary.Emitted(model.EventJoinConRoom)
	require.Len(t, sent, 1)
	var req model.JoinRequest
	require.NoError(t, json.Unmarshal(sent[0].Payload, &req))
	assert.Equal(t, model.JoinRequest{
		RoomName:    "room-1",
		Level:       "0",
		Member:      "alice",
		Sec:         "token",
		APIUserName: "user",
	}, req)
}

func TestJoinRoom_HealthyConnectionIsReused(t *testing.T) {
	h := newHarness(t, withLocal)
	h.join()
	require.Equal(t, 2, h.sess.ConnectionAttempts())

	h.join()

	assert.Equal(t, 2, h.sess.ConnectionAttempts())
	assert.Equal(t, 1, h.eng.Loads())
	assert.Equal(t, []string{"p1", "p2", "l1"}, producerIDs(h.sess.Consumers()))
	assert.Equal(t, []string{"p1", "p2"}, consumedProducers(h.primary()))
}

func TestJoinRoom_UnhealthyConnectionIsReplaced(t *testing.T) {
	h := newHarness(t)
	first := h.join()
	first.SetConnected(false)

	second := h.join()

	assert.NotSame(t, first, second)
	assert.True(t, first.Closed())
	assert.Equal(t, 2, h.sess.ConnectionAttempts())
	assert.Equal(t, 1, h.eng.Loads())
	assert.Equal(t, []string{"p1", "p2"}, producerIDs(h.sess.Consumers()))
	assert.Equal(t, []string{"p1", "p2"}, consumedProducers(second))
}

func TestConnect_RateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Governor = ratelimit.NewGovernor(ratelimit.Config{MaxRequests: ratelimit.DefaultMaxRequests})
	})

	for i := 0; i < ratelimit.DefaultMaxRequests; i++ {
		require.NoError(t, h.sess.Connect(context.Background()))
		require.Equal(t, i+1, h.sess.ConnectionAttempts())
		h.primary().SetConnected(false)
	}

	require.NoError(t, h.sess.Connect(context.Background()))
	assert.Equal(t, ratelimit.DefaultMaxRequests, h.sess.ConnectionAttempts())

	resp, err := h.sess.JoinRoom(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ratelimit.DefaultMaxRequests, h.sess.ConnectionAttempts())
	assert.Equal(t, StateUnjoined, h.sess.State())
}

func TestConnect_HealthyConnectionStillCounts(t *testing.T) {
	gov := ratelimit.NewGovernor(ratelimit.Config{MaxRequests: 2})
	h := newHarness(t, func(cfg *Config) { cfg.Governor = gov })

	require.NoError(t, h.sess.Connect(context.Background()))
	require.NoError(t, h.sess.Connect(context.Background()))

	assert.Equal(t, 1, h.sess.ConnectionAttempts())
	assert.Zero(t, gov.Remaining(ratelimit.GlobalKey))
}

func TestConnect_IncompleteIdentity(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Identity.RoomName = "" })

	assert.ErrorIs(t, h.sess.Connect(context.Background()), ErrIdentity)
	_, err := h.sess.JoinRoom(context.Background())
	assert.ErrorIs(t, err, ErrJoin)
	assert.ErrorIs(t, err, ErrIdentity)
	assert.Zero(t, h.sess.ConnectionAttempts())
}

func TestConnect_LocalFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, withLocal)
	next := h.conn.New
	h.conn.New = func(url string) (*signalingtest.Channel, error) {
		if url == localURL {
			return nil, enginetest.ErrInjected
		}
		return next(url)
	}

	h.join()

	assert.Equal(t, 2, h.sess.ConnectionAttempts())
	assert.Nil(t, h.sess.Local())
	assert.Equal(t, []string{"p1", "p2"}, producerIDs(h.sess.Consumers()))
}

func TestJoinRoom_Rejected(t *testing.T) {
	h := newHarness(t)
	h.joinReply = model.JoinResponse{Success: false, Reason: "room is full"}

	resp, err := h.sess.JoinRoom(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoin)
	assert.ErrorIs(t, err, ErrJoinRejected)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, StateJoinFailed, h.sess.State())
	assert.Nil(t, h.sess.Primary())
	require.Len(t, h.conn.Channels(), 1)
	assert.True(t, h.conn.Channels()[0].Closed())
	assert.False(t, h.eng.Loaded())
}

func TestJoinRoom_CancelledJoinClosesConnection(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	next := h.conn.New
	h.conn.New = func(url string) (*signalingtest.Channel, error) {
		ch, err := next(url)
		if err != nil {
			return nil, err
		}
		ch.Respond(model.EventJoinConRoom, func(json.RawMessage) (any, error) {
			cancel()
			return nil, context.Canceled
		})
		return ch, nil
	}

	_, err := h.sess.JoinRoom(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, h.conn.Channels(), 1)
	assert.True(t, h.conn.Channels()[0].Closed())
	assert.Nil(t, h.sess.Primary())
}

func TestJoinRoom_EngineLoadFailure(t *testing.T) {
	h := newHarness(t)
	h.eng.FailLoad = true

	_, err := h.sess.JoinRoom(context.Background())

	assert.ErrorIs(t, err, ErrEngineLoad)
	assert.Equal(t, StateJoinFailed, h.sess.State())
	assert.Empty(t, h.sess.Consumers())
}

func TestJoinRoom_NoProducers(t *testing.T) {
	h := newHarness(t)
	h.producers = map[string]map[string][]string{}

	primary := h.join()

	assert.Empty(t, h.sess.Consumers())
	assert.Empty(t, primary.Emitted(model.EventGetProducersPipedAlt))
}

func TestJoinRoom_TransportFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.eng.FailTransport = true

	_, err := h.sess.JoinRoom(context.Background())

	assert.ErrorIs(t, err, ErrJoin)
	assert.ErrorIs(t, err, ErrTransportCreation)
	assert.Empty(t, h.sess.Consumers())
}

func TestReconnect_RevalidatesEntries(t *testing.T) {
	h := newHarness(t)
	primary := h.join()
	before, ok := h.sess.registry.Lookup("p1")
	require.True(t, ok)

	primary.Reconnect()

	after, ok := h.sess.registry.Lookup("p1")
	require.True(t, ok)
	assert.NotSame(t, before.Transport, after.Transport)
	assert.True(t, before.Transport.(*enginetest.Transport).Closed())
	assert.Equal(t, []string{"p1", "p2"}, producerIDs(h.sess.Consumers()))
	assert.Equal(t, 1, h.sess.ConnectionAttempts())
	assert.Equal(t, 1, h.eng.Loads())
	assert.ElementsMatch(t, []resized{{"p1", model.KindAudio}, {"p2", model.KindVideo}}, h.resizedSeen())
	assert.Equal(t, StateJoined, h.sess.State())
}

func TestReconnect_LocalOnlyRevalidatesLocal(t *testing.T) {
	h := newHarness(t, withLocal)
	primary := h.join()
	local := h.local()

	local.Reconnect()

	assert.Equal(t, []string{"p1", "p2", "l1"}, producerIDs(h.sess.Consumers()))
	assert.Len(t, primary.Emitted(model.EventJoinConRoom), 1)
	assert.Len(t, local.Emitted(model.EventJoinConRoom), 2)
	assert.Equal(t, []resized{{"l1", model.KindVideo}}, h.resizedSeen())
}

func TestReconnect_RateLimitedRejoinFails(t *testing.T) {
	gov := ratelimit.NewGovernor(ratelimit.Config{MaxRequests: ratelimit.DefaultMaxRequests})
	h := newHarness(t, func(cfg *Config) { cfg.Governor = gov })
	primary := h.join()

	for i := 1; i < ratelimit.DefaultMaxRequests; i++ {
		primary.Reconnect()
		require.Equal(t, StateJoined, h.sess.State(), "reconnect %d", i)
		require.Equal(t, []string{"p1", "p2"}, producerIDs(h.sess.Consumers()), "reconnect %d", i)
	}

	primary.Reconnect()
	assert.Equal(t, StateJoinFailed, h.sess.State())
	assert.Empty(t, h.sess.Consumers())

	gov.Reset()
	resp, err := h.sess.JoinRoom(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, StateJoined, h.sess.State())
	assert.Equal(t, []string{"p1", "p2"}, producerIDs(h.sess.Consumers()))
}
