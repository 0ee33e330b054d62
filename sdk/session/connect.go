package session

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/ratelimit"
	"github.com/adwski/webrtc-roomclient/sdk/signaling"
)

// Connect opens the signaling connections unless a healthy primary one
// already exists. An attempt denied by the governor is a silent no-op.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	s.joinMx.Lock()
	defer s.joinMx.Unlock()

	if err := s.validate(); err != nil {
		return err
	}
	if !s.allow() {
		return nil
	}
	_, err := s.ensureConnected(ctx)
	return err
}

// bound derives a context that is also cancelled when the session closes.
func (s *Session) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) validate() error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	id := s.identity
	if id.APIUserName == "" || id.APIToken == "" || id.DisplayName == "" || id.RoomName == "" || s.url == "" {
		return ErrIdentity
	}
	return nil
}

// allow consults the governor. The attempt is counted even if a healthy
// connection makes dialing unnecessary.
func (s *Session) allow() bool {
	if s.governor.Allow(ratelimit.GlobalKey) {
		return true
	}
	s.logger.Debug().Msg("connection attempt suppressed by rate limit")
	return false
}

// ensureConnected dials the primary channel, and the local one if configured,
// when the primary is missing or unhealthy. It returns the channels it opened.
func (s *Session) ensureConnected(ctx context.Context) ([]signaling.Channel, error) {
	if ch := s.Primary(); ch != nil && ch.Connected() {
		return nil, nil
	}
	if err := s.settle(ctx); err != nil {
		return nil, err
	}

	ch, err := s.dial(ctx, s.url)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	s.attach(source{ch: ch, origin: model.OriginPrimary})
	opened := []signaling.Channel{ch}

	if s.localURL == "" {
		return opened, nil
	}
	if lch := s.Local(); lch != nil && lch.Connected() {
		return opened, nil
	}
	lch, err := s.dial(ctx, s.localURL)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to establish local connection")
		return opened, nil
	}
	s.attach(source{ch: lch, origin: model.OriginLocal})
	return append(opened, lch), nil
}

func (s *Session) settle(ctx context.Context) error {
	if s.connectDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.connectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) dial(ctx context.Context, url string) (signaling.Channel, error) {
	s.attempts.Add(1)
	ch, err := s.connector.Connect(ctx, url, s.identity)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	s.logger.Debug().Str("url", url).Str("id", ch.ID()).Msg("signaling connected")
	return ch, nil
}

// attach installs ch as the channel of src.origin and binds push handlers.
// Entries negotiated on a replaced channel are dropped.
func (s *Session) attach(src source) {
	s.connMx.Lock()
	var old signaling.Channel
	if src.origin == model.OriginLocal {
		old, s.local = s.local, src.ch
	} else {
		old, s.primary = s.primary, src.ch
	}
	s.connMx.Unlock()

	s.bind(src)
	if old == nil || old == src.ch {
		return
	}
	if err := old.Close(); err != nil {
		s.logger.Debug().Err(err).Str("origin", src.origin).Msg("failed to close stale channel")
	}
	s.dropOrigin(s.ctx, src.origin)
}

// detach closes ch and forgets it if it is still installed.
func (s *Session) detach(ch signaling.Channel) {
	s.connMx.Lock()
	switch ch {
	case s.primary:
		s.primary = nil
	case s.local:
		s.local = nil
	}
	s.connMx.Unlock()
	if err := ch.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close channel")
	}
}

// dropOrigin closes every consumer transport negotiated over origin.
func (s *Session) dropOrigin(ctx context.Context, origin string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	for _, info := range s.registry.Snapshot() {
		if info.Origin == origin {
			s.producers.closeProducer(ctx, info)
		}
	}
}
