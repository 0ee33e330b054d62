package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/signaling"
)

// bind subscribes the session to the pushes of src.
func (s *Session) bind(src source) {
	src.ch.On(model.EventNewPipeProducer, s.push(model.EventNewPipeProducer,
		func(ctx context.Context, raw json.RawMessage) error {
			var msg model.NewPipeProducer
			if err := decode(raw, &msg); err != nil {
				return err
			}
			return s.producers.handleNewPipeProducer(ctx, src, msg)
		}))

	src.ch.On(model.EventProducerClosed, s.push(model.EventProducerClosed,
		func(ctx context.Context, raw json.RawMessage) error {
			var msg model.ProducerClosed
			if err := decode(raw, &msg); err != nil {
				return err
			}
			return s.producers.handleProducerClosed(ctx, msg)
		}))

	src.ch.On(model.EventBreakoutRoomUpdated, s.push(model.EventBreakoutRoomUpdated,
		func(ctx context.Context, raw json.RawMessage) error {
			var msg model.BreakoutRoomUpdate
			if err := decode(raw, &msg); err != nil {
				return err
			}
			if err := s.breakout.apply(ctx, msg); err != nil {
				return errors.Join(ErrReconcile, err)
			}
			return nil
		}))

	src.ch.On(model.EventPollUpdated, s.push(model.EventPollUpdated,
		func(ctx context.Context, raw json.RawMessage) error {
			var msg model.PollUpdate
			if err := decode(raw, &msg); err != nil {
				return err
			}
			if err := s.polls.apply(ctx, msg); err != nil {
				return errors.Join(ErrReconcile, err)
			}
			return nil
		}))

	src.ch.OnReconnect(func() {
		s.handleReconnect(src)
	})
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrDecode, err)
	}
	return nil
}

// push adapts fn into a channel handler. Push handlers have no caller to
// report to, so this is where their errors and panics end: they are logged.
func (s *Session) push(event string, fn func(context.Context, json.RawMessage) error) signaling.Handler {
	logger := s.logger.With().Str("event", event).Logger()
	return func(payload json.RawMessage) {
		if s.ctx.Err() != nil {
			logger.Debug().Msg("session closed, push dropped")
			return
		}
		s.opMu.Lock()
		defer s.opMu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("push handler panicked")
			}
		}()
		if err := fn(s.ctx, payload); err != nil {
			logger.Error().Err(err).Msg("push handler failed")
		}
	}
}
