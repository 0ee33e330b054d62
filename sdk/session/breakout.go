package session

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/rs/zerolog"
)

var errNoBreakoutRooms = errors.New("breakout update carries no rooms")

type breakoutReconciler struct {
	logger  zerolog.Logger
	host    bool
	display *display
	hooks   Hooks

	mx              *sync.RWMutex
	state           model.BreakoutState
	participantsAll []model.Participant
	participants    []model.Participant
}

// HandleBreakoutRoomUpdated applies a breakout room push to the local state.
func (s *Session) HandleBreakoutRoomUpdated(ctx context.Context, u model.BreakoutRoomUpdate) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.breakout.apply(ctx, u); err != nil {
		return errors.Join(ErrReconcile, err)
	}
	return nil
}

func (br *breakoutReconciler) apply(ctx context.Context, u model.BreakoutRoomUpdate) error {
	if u.ForHost {
		br.mx.Lock()
		if u.NewRoom != nil {
			idx := *u.NewRoom
			br.state.HostRoomIndex = &idx
		}
		br.mx.Unlock()
		br.hooks.screenChanges(ctx)
		br.changed()
		return nil
	}

	if br.host && u.Members != nil {
		all := append([]model.Participant(nil), u.Members...)
		active := make([]model.Participant, 0, len(all))
		for _, p := range all {
			if !p.IsBanned {
				active = append(active, p)
			}
		}
		br.mx.Lock()
		br.participantsAll, br.participants = all, active
		br.mx.Unlock()
	}

	if u.BreakoutRooms == nil {
		return errNoBreakoutRooms
	}
	rooms := make([][]model.BreakoutParticipant, len(u.BreakoutRooms))
	for i, room := range u.BreakoutRooms {
		rooms[i] = append([]model.BreakoutParticipant(nil), room...)
	}

	br.mx.Lock()
	br.state.Rooms = rooms
	prev := br.state
	switch {
	case u.Status == model.StatusStarted && prev.Started:
		br.state.Started, br.state.Ended = true, false
	case u.Status == model.StatusStarted && !prev.Ended:
		br.state.Started, br.state.Ended = true, false
	case u.Status == model.StatusEnded:
		br.state.Started, br.state.Ended = false, true
	}
	br.mx.Unlock()

	switch {
	case u.Status == model.StatusStarted && prev.Started:
		br.logger.Debug().Msg("breakout re-announced")
		br.hooks.screenChanges(ctx)
	case u.Status == model.StatusStarted && !prev.Ended:
		br.logger.Info().Int("rooms", len(rooms)).Msg("breakout started")
		br.display.enterBreakout()
		br.resync(ctx)
	case u.Status == model.StatusEnded:
		br.logger.Info().Msg("breakout ended")
		br.display.leaveBreakout()
		br.resync(ctx)
	}
	br.changed()
	return nil
}

func (br *breakoutReconciler) resync(ctx context.Context) {
	br.hooks.screenChanges(ctx)
	if br.host {
		br.hooks.rePort(ctx, true)
	}
}

func (br *breakoutReconciler) changed() {
	if br.hooks.OnBreakoutChange != nil {
		br.hooks.OnBreakoutChange(br.snapshot())
	}
}

func (br *breakoutReconciler) snapshot() model.BreakoutState {
	br.mx.RLock()
	defer br.mx.RUnlock()
	st := br.state
	st.Rooms = make([][]model.BreakoutParticipant, len(br.state.Rooms))
	for i, room := range br.state.Rooms {
		st.Rooms[i] = append([]model.BreakoutParticipant(nil), room...)
	}
	if br.state.HostRoomIndex != nil {
		idx := *br.state.HostRoomIndex
		st.HostRoomIndex = &idx
	}
	return st
}

func (br *breakoutReconciler) activeParticipants() []model.Participant {
	br.mx.RLock()
	defer br.mx.RUnlock()
	return append([]model.Participant(nil), br.participants...)
}

func (br *breakoutReconciler) allParticipants() []model.Participant {
	br.mx.RLock()
	defer br.mx.RUnlock()
	return append([]model.Participant(nil), br.participantsAll...)
}
