package session

import (
	"context"
	"errors"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/signaling"
	"github.com/davecgh/go-spew/spew"
)

// JoinRoom connects if needed, joins the room on every connected channel,
// loads the media engine once and consumes the producers already present.
//
// An attempt denied by the governor returns an unsuccessful response and no
// error. On failure, channels opened by this call are closed again.
func (s *Session) JoinRoom(ctx context.Context) (*model.JoinResponse, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	s.joinMx.Lock()
	defer s.joinMx.Unlock()
	return s.joinRoom(ctx)
}

// joinRoom runs a join with joinMx held.
func (s *Session) joinRoom(ctx context.Context) (*model.JoinResponse, error) {
	if err := s.validate(); err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	if !s.allow() {
		return &model.JoinResponse{Success: false}, nil
	}

	s.setState(StateJoining)
	resp, opened, err := s.join(ctx)
	if err != nil {
		for _, ch := range opened {
			s.detach(ch)
		}
		s.setState(StateJoinFailed)
		s.logger.Error().Err(err).Msg("join failed")
		return resp, errors.Join(ErrJoin, err)
	}
	s.setState(StateJoined)
	s.logger.Info().Int("consumers", s.registry.Len()).Msg("joined room")
	return resp, nil
}

func (s *Session) join(ctx context.Context) (*model.JoinResponse, []signaling.Channel, error) {
	opened, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, opened, err
	}
	primary := s.source(model.OriginPrimary)
	if primary.ch == nil {
		return nil, opened, signaling.ErrNotConnected
	}
	resp, err := s.joinChannel(ctx, primary)
	if err != nil {
		return resp, opened, err
	}
	if local := s.source(model.OriginLocal); local.ch != nil {
		if _, err = s.joinChannel(ctx, local); err != nil {
			s.logger.Warn().Err(err).Msg("local join failed")
		}
	}
	return resp, opened, nil
}

func (s *Session) joinChannel(ctx context.Context, src source) (*model.JoinResponse, error) {
	req := model.JoinRequest{
		RoomName:    s.identity.RoomName,
		Level:       s.identity.Level,
		Member:      s.identity.DisplayName,
		Sec:         s.identity.APIToken,
		APIUserName: s.identity.APIUserName,
	}
	var resp model.JoinResponse
	if err := src.ch.EmitWithAck(ctx, model.EventJoinConRoom, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Reason != "" {
			return &resp, errors.Join(ErrJoinRejected, errors.New(resp.Reason))
		}
		return &resp, ErrJoinRejected
	}
	if err := s.loadEngine(ctx, resp.RTPCapabilities); err != nil {
		return &resp, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.piped.receiveAll(ctx, src); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// loadEngine loads the engine with caps unless it is loaded already.
func (s *Session) loadEngine(ctx context.Context, caps *engine.Capabilities) error {
	if s.engine.Loaded() || caps == nil {
		return nil
	}
	filtered := engine.ForDevice(*caps)
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("capabilities", spew.Sdump(filtered)).Msg("loading media engine")
	}
	if err := s.engine.Load(ctx, filtered); err != nil {
		return errors.Join(ErrEngineLoad, err)
	}
	s.logger.Debug().Int("codecs", len(filtered.Codecs)).Msg("media engine loaded")
	return nil
}

// handleReconnect revalidates the entries of a channel that re-established
// its connection: they are dropped and discovered again.
func (s *Session) handleReconnect(src source) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Info().Str("origin", src.origin).Msg("signaling reconnected, rejoining")
	s.dropOrigin(s.ctx, src.origin)

	if src.community() {
		s.joinMx.Lock()
		defer s.joinMx.Unlock()
		if _, err := s.joinChannel(s.ctx, src); err != nil {
			s.logger.Error().Err(err).Msg("local rejoin failed")
		}
		return
	}

	s.joinMx.Lock()
	defer s.joinMx.Unlock()
	resp, err := s.joinRoom(s.ctx)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Msg("rejoin failed")
	case !resp.Success:
		// entries of the primary channel are gone and discovery did not run
		s.setState(StateJoinFailed)
		s.logger.Warn().Msg("rejoin suppressed by rate limit")
	}
}
