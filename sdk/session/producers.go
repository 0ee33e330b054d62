package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/registry"
	"github.com/rs/zerolog"
)

const (
	rotateHint         = "Please rotate your device to landscape mode for better experience"
	rotateHintDuration = 3 * time.Second

	initialDisplayType     = "media"
	initialPrevDisplayType = "video"
)

type display struct {
	mx    *sync.RWMutex
	state model.DisplayState
}

func newDisplay() *display {
	return &display{
		mx: &sync.RWMutex{},
		state: model.DisplayState{
			DisplayType:     initialDisplayType,
			PrevDisplayType: initialPrevDisplayType,
		},
	}
}

func (d *display) snapshot() model.DisplayState {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return d.state
}

func (d *display) update(fn func(*model.DisplayState)) {
	d.mx.Lock()
	fn(&d.state)
	d.mx.Unlock()
}

// afterNewProducer updates the layout flags once a producer was signaled.
// It reports whether the rotate hint should be raised.
func (d *display) afterNewProducer() (hint bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.state.FirstRound = false
	if !d.state.Sharing() {
		return false
	}
	if !d.state.WideScreen && !d.state.Landscape {
		d.state.Landscape = true
		hint = true
	}
	d.state.FirstRound = true
	return hint
}

// enterBreakout snapshots the display type and switches to showing everyone.
func (d *display) enterBreakout() {
	d.mx.Lock()
	d.state.PrevDisplayType = d.state.DisplayType
	if d.state.DisplayType != model.DisplayTypeAll {
		d.state.DisplayType = model.DisplayTypeAll
	}
	d.mx.Unlock()
}

func (d *display) leaveBreakout() {
	d.mx.Lock()
	if d.state.DisplayType != d.state.PrevDisplayType {
		d.state.DisplayType = d.state.PrevDisplayType
	}
	d.mx.Unlock()
}

type producerReconciler struct {
	logger   zerolog.Logger
	registry *registry.Registry
	piped    *pipedManager
	display  *display
	hooks    Hooks
}

// HandleNewPipeProducer consumes a producer announced by the server and
// updates the layout flags. Repeated announcements of a producer are no-ops.
func (s *Session) HandleNewPipeProducer(ctx context.Context, msg model.NewPipeProducer) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.producers.handleNewPipeProducer(ctx, s.source(model.OriginPrimary), msg)
}

// HandleProducerClosed releases the transport of a producer that went away.
// An unknown producer is a no-op.
func (s *Session) HandleProducerClosed(ctx context.Context, msg model.ProducerClosed) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.producers.handleProducerClosed(ctx, msg)
}

func (pr *producerReconciler) handleNewPipeProducer(ctx context.Context, src source, msg model.NewPipeProducer) error {
	if src.ch == nil {
		return ErrClosed
	}
	err := pr.piped.signalNewConsumerTransport(ctx, src, msg.ProducerID, msg.Level)
	if pr.display.afterNewProducer() {
		pr.hooks.alert(rotateHint, AlertSuccess, rotateHintDuration)
	}
	return err
}

func (pr *producerReconciler) handleProducerClosed(ctx context.Context, msg model.ProducerClosed) error {
	info, ok := pr.registry.Lookup(msg.RemoteProducerID)
	if !ok {
		pr.logger.Debug().Str("producer", msg.RemoteProducerID).Msg("closed producer is unknown")
		return nil
	}
	pr.closeProducer(ctx, info)
	return nil
}

// closeProducer releases info and asks the layout to reclaim its slot.
func (pr *producerReconciler) closeProducer(ctx context.Context, info model.ConsumerTransportInfo) {
	kind := producerKind(info, pr.display.snapshot().ScreenID)
	pr.discard(info)
	if pr.hooks.OnCloseAndResize != nil {
		pr.hooks.OnCloseAndResize(ctx, info.ProducerID, kind)
	}
}

// discard closes the native handles of info and removes it from the
// registry. Close failures do not stop the removal.
func (pr *producerReconciler) discard(info model.ConsumerTransportInfo) {
	if info.Transport != nil {
		if err := bestEffort(info.Transport.Close); err != nil {
			pr.logger.Debug().Err(err).Str("producer", info.ProducerID).Msg("transport close failed")
		}
	}
	if info.Consumer != nil {
		if err := bestEffort(info.Consumer.Close); err != nil {
			pr.logger.Debug().Err(err).Str("producer", info.ProducerID).Msg("consumer close failed")
		}
	}
	pr.registry.Remove(info.ProducerID)
	pr.piped.release(info.ProducerID)
}

// producerKind resolves the kind passed to the layout: the screen share
// producer first, then the consumer track kind, then video.
func producerKind(info model.ConsumerTransportInfo, screenID string) string {
	if screenID != "" && info.ProducerID == screenID {
		return model.KindScreenshare
	}
	if info.Consumer != nil {
		if kind := strings.ToLower(info.Consumer.Kind()); kind != "" {
			return kind
		}
	}
	return model.KindVideo
}

func bestEffort(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return fn()
}
