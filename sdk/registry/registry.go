package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adwski/webrtc-roomclient/sdk/model"
)

var (
	ErrDuplicate     = errors.New("producer is already registered")
	ErrEmptyProducer = errors.New("producer id is empty")
)

// Registry holds one ConsumerTransportInfo per remote producer.
//
// Readers load the current snapshot without locking. Writers are serialised,
// build a new slice from the current one and publish it atomically, so a
// published snapshot is never modified afterwards.
type Registry struct {
	mx      *sync.Mutex
	current atomic.Pointer[[]model.ConsumerTransportInfo]

	subsMx *sync.RWMutex
	subs   map[int]func([]model.ConsumerTransportInfo)
	nextID int
}

func New() *Registry {
	r := &Registry{
		mx:     &sync.Mutex{},
		subsMx: &sync.RWMutex{},
		subs:   make(map[int]func([]model.ConsumerTransportInfo)),
	}
	empty := make([]model.ConsumerTransportInfo, 0)
	r.current.Store(&empty)
	return r
}

func (r *Registry) load() []model.ConsumerTransportInfo {
	return *r.current.Load()
}

// Snapshot returns a copy of the current entries in insertion order.
func (r *Registry) Snapshot() []model.ConsumerTransportInfo {
	return append([]model.ConsumerTransportInfo(nil), r.load()...)
}

func (r *Registry) Len() int {
	return len(r.load())
}

func (r *Registry) Lookup(producerID string) (model.ConsumerTransportInfo, bool) {
	for _, info := range r.load() {
		if info.ProducerID == producerID {
			return info, true
		}
	}
	return model.ConsumerTransportInfo{}, false
}

func (r *Registry) Contains(producerID string) bool {
	_, ok := r.Lookup(producerID)
	return ok
}

// Add appends info unless its producer is already present.
func (r *Registry) Add(info model.ConsumerTransportInfo) error {
	if info.ProducerID == "" {
		return ErrEmptyProducer
	}
	r.mx.Lock()
	old := r.load()
	for _, existing := range old {
		if existing.ProducerID == info.ProducerID {
			r.mx.Unlock()
			return ErrDuplicate
		}
	}
	next := make([]model.ConsumerTransportInfo, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, info)
	r.publish(next)
	r.mx.Unlock()
	return nil
}

// Remove drops the entry of producerID and returns it.
func (r *Registry) Remove(producerID string) (model.ConsumerTransportInfo, bool) {
	removed := r.RemoveFunc(func(info model.ConsumerTransportInfo) bool {
		return info.ProducerID == producerID
	})
	if len(removed) == 0 {
		return model.ConsumerTransportInfo{}, false
	}
	return removed[0], true
}

// RemoveFunc drops every entry matching fn and returns the removed entries.
func (r *Registry) RemoveFunc(fn func(model.ConsumerTransportInfo) bool) []model.ConsumerTransportInfo {
	r.mx.Lock()
	old := r.load()
	var (
		next    = make([]model.ConsumerTransportInfo, 0, len(old))
		removed []model.ConsumerTransportInfo
	)
	for _, info := range old {
		if fn(info) {
			removed = append(removed, info)
		} else {
			next = append(next, info)
		}
	}
	if len(removed) == 0 {
		r.mx.Unlock()
		return nil
	}
	r.publish(next)
	r.mx.Unlock()
	return removed
}

// publish must be called with mx held.
func (r *Registry) publish(next []model.ConsumerTransportInfo) {
	r.current.Store(&next)
	r.notify(next)
}

// Subscribe registers fn to receive every published snapshot.
// Snapshots are delivered in publish order on the writer's goroutine; fn must
// not modify them or write to the registry.
func (r *Registry) Subscribe(fn func([]model.ConsumerTransportInfo)) (cancel func()) {
	r.subsMx.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subsMx.Unlock()

	return func() {
		r.subsMx.Lock()
		delete(r.subs, id)
		r.subsMx.Unlock()
	}
}

func (r *Registry) notify(snapshot []model.ConsumerTransportInfo) {
	r.subsMx.RLock()
	subs := make([]func([]model.ConsumerTransportInfo), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subsMx.RUnlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
