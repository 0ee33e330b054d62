package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/registry"
	"github.com/rs/zerolog"
)

const recvConnectTimeout = 10 * time.Second

// Participant levels producers are discovered for.
var pipedLevels = []string{"0", "1", "2"}

var (
	errNoTransportParams = errors.New("server returned no transport parameters")
	errNoConsumeParams   = errors.New("server returned no consume parameters")
)

// pipedManager materialises one receive transport per remote producer.
// Its methods that touch the registry expect the session opMu to be held.
type pipedManager struct {
	logger   zerolog.Logger
	identity model.Identity
	engine   engine.Engine
	registry *registry.Registry
	hooks    Hooks

	mx        sync.Mutex
	consuming map[string]struct{}

	// failed is called, without opMu, after a receive transport failed for good.
	failed func(producerID string, t engine.Transport)
}

// ReceiveAllPipedTransports discovers the producers present on the primary
// channel and consumes each of them. Producers already consumed are skipped.
func (s *Session) ReceiveAllPipedTransports(ctx context.Context) error {
	src := s.source(model.OriginPrimary)
	if src.ch == nil {
		return errors.Join(ErrDiscovery, ErrClosed)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.piped.receiveAll(ctx, src)
}

// SignalNewConsumerTransport consumes producerID over the primary channel.
func (s *Session) SignalNewConsumerTransport(ctx context.Context, producerID, level string) error {
	src := s.source(model.OriginPrimary)
	if src.ch == nil {
		return errors.Join(ErrTransportCreation, ErrClosed)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.piped.signalNewConsumerTransport(ctx, src, producerID, level)
}

func (pm *pipedManager) receiveAll(ctx context.Context, src source) error {
	event := model.EventCreateReceiveAllTransportsPiped
	req := model.ReceiveAllTransportsRequest{
		RoomName: pm.identity.RoomName,
		Member:   pm.identity.DisplayName,
	}
	if src.community() {
		event = model.EventCreateReceiveAllTransports
		req = model.ReceiveAllTransportsRequest{Level: "0"}
	}
	var resp model.ReceiveAllTransportsResponse
	if err := src.ch.EmitWithAck(ctx, event, req, &resp); err != nil {
		return errors.Join(ErrDiscovery, err)
	}
	if !resp.ProducersExist {
		pm.logger.Debug().Str("origin", src.origin).Msg("no producers to receive")
		return nil
	}

	var errs []error
	for _, level := range pipedLevels {
		if err := pm.receiveLevel(ctx, src, level); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (pm *pipedManager) receiveLevel(ctx context.Context, src source, level string) error {
	event := model.EventGetProducersPipedAlt
	if src.community() {
		event = model.EventGetProducersAlt
	}
	var ids []string
	req := model.GetProducersRequest{Level: level, Member: pm.identity.DisplayName}
	if err := src.ch.EmitWithAck(ctx, event, req, &ids); err != nil {
		return errors.Join(ErrDiscovery, err)
	}

	var errs []error
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := pm.signalNewConsumerTransport(ctx, src, id, level); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (pm *pipedManager) acquire(producerID string) bool {
	pm.mx.Lock()
	defer pm.mx.Unlock()
	if _, ok := pm.consuming[producerID]; ok {
		return false
	}
	pm.consuming[producerID] = struct{}{}
	return true
}

func (pm *pipedManager) release(producerID string) {
	pm.mx.Lock()
	delete(pm.consuming, producerID)
	pm.mx.Unlock()
}

// signalNewConsumerTransport creates, registers and resumes the receive
// transport of producerID. It is a no-op for a producer already consumed.
func (pm *pipedManager) signalNewConsumerTransport(ctx context.Context, src source, producerID, level string) error {
	if producerID == "" {
		return errors.Join(ErrTransportCreation, registry.ErrEmptyProducer)
	}
	if !pm.engine.Loaded() {
		return errors.Join(ErrTransportCreation, engine.ErrNotLoaded)
	}
	if pm.registry.Contains(producerID) || !pm.acquire(producerID) {
		pm.logger.Debug().Str("producer", producerID).Msg("producer already consumed")
		return nil
	}

	info, serverConsumerID, err := pm.consume(ctx, src, producerID, level)
	if err != nil {
		pm.release(producerID)
		return errors.Join(ErrTransportCreation, err)
	}
	if err = pm.registry.Add(info); err != nil {
		_ = bestEffort(info.Transport.Close)
		pm.release(producerID)
		return errors.Join(ErrTransportCreation, err)
	}
	pm.logger.Debug().
		Str("producer", producerID).
		Str("kind", info.Kind).
		Str("origin", src.origin).
		Msg("consumer transport created")

	pm.resume(ctx, src, info, serverConsumerID)
	return nil
}

func (pm *pipedManager) consume(
	ctx context.Context,
	src source,
	producerID, level string,
) (model.ConsumerTransportInfo, string, error) {
	var (
		info    model.ConsumerTransportInfo
		created model.CreateTransportResponse
	)
	err := src.ch.EmitWithAck(ctx, model.EventCreateWebRtcTransport,
		model.CreateTransportRequest{Consumer: true, Level: level}, &created)
	if err != nil {
		return info, "", err
	}
	params := created.Params
	switch {
	case params == nil:
		return info, "", errNoTransportParams
	case len(params.Error) > 0:
		return info, "", fmt.Errorf("%s: %s", model.EventCreateWebRtcTransport, params.Error)
	case params.ID == "":
		return info, "", errNoTransportParams
	}

	var consumed model.ConsumeResponse
	err = src.ch.EmitWithAck(ctx, model.EventConsume, model.ConsumeRequest{
		RTPCapabilities:           engine.ForDevice(pm.engine.RTPCapabilities()),
		RemoteProducerID:          producerID,
		ServerConsumerTransportID: params.ID,
	}, &consumed)
	if err != nil {
		return info, "", err
	}
	reply := consumed.Params
	switch {
	case reply == nil:
		return info, "", errNoConsumeParams
	case len(reply.Error) > 0:
		return info, "", fmt.Errorf("%s: %s", model.EventConsume, reply.Error)
	case reply.ID == "" || reply.Kind == "":
		return info, "", errNoConsumeParams
	}

	transport, err := pm.engine.CreateRecvTransport(ctx, params.TransportParams)
	if err != nil {
		return info, "", err
	}
	serverTransportID := params.ID
	transport.OnConnect(func(dtls engine.DTLSParameters) {
		go pm.connectRecv(src, serverTransportID, dtls)
	})
	transport.OnConnectionStateChange(func(state string) {
		if state != engine.TransportStateFailed {
			return
		}
		pm.logger.Warn().Str("transport", serverTransportID).Msg("receive transport failed, closing")
		_ = bestEffort(transport.Close)
		if pm.failed != nil {
			go pm.failed(producerID, transport)
		}
	})

	consumerProducerID := reply.ProducerID
	if consumerProducerID == "" {
		consumerProducerID = producerID
	}
	consumer, err := transport.Consume(ctx, engine.ConsumeParams{
		ID:            reply.ID,
		ProducerID:    consumerProducerID,
		Kind:          reply.Kind,
		RTPParameters: reply.RTPParameters,
	})
	if err != nil {
		_ = bestEffort(transport.Close)
		return info, "", err
	}

	serverConsumerID := reply.ServerConsumerID
	if serverConsumerID == "" {
		serverConsumerID = reply.ID
	}
	return model.ConsumerTransportInfo{
		ProducerID:        producerID,
		ServerTransportID: serverTransportID,
		Kind:              reply.Kind,
		Origin:            src.origin,
		Transport:         transport,
		Consumer:          consumer,
	}, serverConsumerID, nil
}

// transportFailed drops the entry still backed by a failed transport so a
// later new pipe producer event consumes the producer again.
func (s *Session) transportFailed(producerID string, t engine.Transport) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	info, ok := s.registry.Lookup(producerID)
	if !ok || info.Transport != t {
		return
	}
	s.producers.closeProducer(s.ctx, info)
}

func (pm *pipedManager) connectRecv(src source, serverTransportID string, dtls engine.DTLSParameters) {
	ctx, cancel := context.WithTimeout(context.Background(), recvConnectTimeout)
	defer cancel()
	err := src.ch.Emit(ctx, model.EventTransportRecvConnect, model.TransportRecvConnect{
		DTLSParameters:            dtls,
		ServerConsumerTransportID: serverTransportID,
	})
	if err != nil {
		pm.logger.Error().Err(err).Str("transport", serverTransportID).Msg("failed to connect receive transport")
	}
}

func (pm *pipedManager) resume(ctx context.Context, src source, info model.ConsumerTransportInfo, serverConsumerID string) {
	var resp model.ConsumerResumeResponse
	err := src.ch.EmitWithAck(ctx, model.EventConsumerResume,
		model.ConsumerResumeRequest{ServerConsumerID: serverConsumerID}, &resp)
	if err != nil {
		pm.logger.Warn().Err(err).Str("producer", info.ProducerID).Msg("consumer resume failed")
		return
	}
	if !resp.Resumed {
		return
	}
	if err = info.Consumer.Resume(); err != nil {
		pm.logger.Warn().Err(err).Str("producer", info.ProducerID).Msg("local consumer resume failed")
		return
	}
	if pm.hooks.OnConsumerResumed != nil {
		pm.hooks.OnConsumerResumed(ctx, info)
	}
}
