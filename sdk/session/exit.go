package session

import (
	"context"
	"errors"

	"github.com/adwski/webrtc-roomclient/sdk/model"
)

// ConfirmExit tells the server the member is leaving, optionally banning it,
// and closes the session.
func (s *Session) ConfirmExit(ctx context.Context, ban bool) error {
	msg := model.DisconnectUser{
		Member:   s.identity.DisplayName,
		RoomName: s.identity.RoomName,
		Ban:      ban,
	}
	var errs []error
	if ch := s.Primary(); ch != nil {
		if err := ch.Emit(ctx, model.EventDisconnectUser, msg); err != nil {
			errs = append(errs, err)
		}
	}
	// the local server only knows members that completed its handshake
	if ch := s.Local(); ch != nil && ch.ID() != "" {
		if err := ch.Emit(ctx, model.EventDisconnectUser, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Join(ErrExit, err)
	}
	s.logger.Info().Bool("ban", ban).Msg("left room")
	return nil
}
