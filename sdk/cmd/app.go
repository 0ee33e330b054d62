package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/config"
	"github.com/adwski/webrtc-roomclient/sdk/engine/ortc"
	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/ratelimit"
	"github.com/adwski/webrtc-roomclient/sdk/roomapi"
	"github.com/adwski/webrtc-roomclient/sdk/session"
	"github.com/adwski/webrtc-roomclient/sdk/signaling/websocket"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MeetingID != "" {
		if err = resolveRoom(ctx, cfg, &logger); err != nil {
			logger.Fatal().Err(err).Str("meeting", cfg.MeetingID).Msg("failed to resolve room")
		}
	}

	sess := session.New(session.Config{
		Logger:   &logger,
		Identity: cfg.Identity,
		URL:      cfg.URL,
		LocalURL: cfg.LocalURL,
		Connector: websocket.NewConnector(websocket.Config{
			Logger:     &logger,
			AckTimeout: cfg.AckTimeout,
		}),
		Engine: ortc.NewEngine(ortc.Config{Logger: &logger}),
		Governor: ratelimit.NewGovernor(ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		}),
		ConnectDelay: cfg.ConnectDelay,
		Hooks:        logHooks(&logger),
	})

	resp, err := sess.JoinRoom(ctx)
	switch {
	case err != nil:
		logger.Fatal().Err(err).Msg("failed to join room")
	case !resp.Success:
		logger.Fatal().Str("reason", resp.Reason).Msg("join was not attempted")
	}
	logger.Info().
		Str("room", cfg.Identity.RoomName).
		Int("consumers", len(sess.Consumers())).
		Msg("joined")

	var stay <-chan time.Time
	if cfg.Stay > 0 {
		stay = time.After(cfg.Stay)
	}
	select {
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	case <-stay:
		logger.Info().Msg("leaving room")
	}

	exitCtx, exitCancel := context.WithTimeout(context.Background(), cfg.AckTimeout)
	defer exitCancel()
	if err = sess.ConfirmExit(exitCtx, false); err != nil {
		logger.Error().Err(err).Msg("exit was not confirmed")
	}
}

// resolveRoom asks the room api for the room behind cfg.MeetingID and fills
// in the signaling url, room name and token.
func resolveRoom(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	client := roomapi.NewClient(roomapi.Config{Logger: logger, LocalLink: cfg.LocalURL})
	room, err := client.JoinRoom(ctx,
		roomapi.Credentials{APIUserName: cfg.Identity.APIUserName, APIKey: cfg.APIKey},
		roomapi.JoinRoomRequest{
			MeetingID: cfg.MeetingID,
			UserName:  cfg.Identity.DisplayName,
			Level:     cfg.Identity.Level,
		})
	if err != nil {
		return err
	}
	cfg.Identity.RoomName = room.RoomName
	cfg.Identity.APIToken = room.Secret
	if room.Link != "" {
		cfg.URL = room.Link
	}
	logger.Debug().Str("room", room.RoomName).Str("url", cfg.URL).Msg("room resolved")
	return nil
}

func logHooks(logger *zerolog.Logger) session.Hooks {
	return session.Hooks{
		OnCloseAndResize: func(_ context.Context, producerID, kind string) {
			logger.Info().Str("producer", producerID).Str("kind", kind).Msg("producer closed")
		},
		OnScreenChanges: func(context.Context) {
			logger.Debug().Msg("screen changed")
		},
		RePort: func(_ context.Context, restart bool) {
			logger.Debug().Bool("restart", restart).Msg("re-port requested")
		},
		Alert: func(message, kind string, _ time.Duration) {
			logger.Info().Str("kind", kind).Msg(message)
		},
		OnConsumerResumed: func(_ context.Context, info model.ConsumerTransportInfo) {
			logger.Info().
				Str("producer", info.ProducerID).
				Str("kind", info.Kind).
				Str("origin", info.Origin).
				Msg("consuming")
		},
		OnPollModal: func(visible bool) {
			logger.Debug().Bool("visible", visible).Msg("poll modal")
		},
		OnBreakoutChange: func(state model.BreakoutState) {
			logger.Info().
				Bool("started", state.Started).
				Bool("ended", state.Ended).
				Int("rooms", len(state.Rooms)).
				Msg("breakout rooms changed")
		},
	}
}
