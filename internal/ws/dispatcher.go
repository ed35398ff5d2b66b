package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives unsolicited events. A returned error is logged and does
// not stop delivery to other handlers.
type Handler func(kind string, payload json.RawMessage) error

type subscriber struct {
	id      uint64
	handler Handler
}

// Dispatcher fans events out to subscribers. Delivery happens on the caller's
// goroutine, in registration order.
type Dispatcher struct {
	log zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log.With().Str("component", "dispatcher").Logger()}
}

// Subscribe registers h. The returned func removes it; calling it again, or
// from inside a handler, is safe.
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscriber{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

// Notify delivers one event to every current subscriber.
func (d *Dispatcher) Notify(kind string, payload json.RawMessage) {
	d.mu.RLock()
	subs := make([]subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(s.handler, kind, payload)
	}
}

func (d *Dispatcher) invoke(h Handler, kind string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("type", kind).Err(fmt.Errorf("panic: %v", r)).Msg("event handler panicked")
		}
	}()
	if err := h(kind, payload); err != nil {
		d.log.Error().Str("type", kind).Err(err).Msg("event handler failed")
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}
