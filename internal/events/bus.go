package events

import (
	"context"
	"sync"

	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// Bus is an in-process Sink and History. It keeps a bounded ring of events
// per session and pushes new events to subscribers without blocking. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionLog
	subs      map[string]map[chan *types.Event]struct{} // session id ("" = all) -> channels
	maxEvents int
	bufSize   int
	closed    bool
}

type sessionLog struct {
	events []*types.Event
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMaxEvents bounds the retained events per session (default 5000).
func WithMaxEvents(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxEvents = n
		}
	}
}

// WithBufferSize sets the subscriber channel buffer (default 100).
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		sessions:  make(map[string]*sessionLog),
		subs:      make(map[string]map[chan *types.Event]struct{}),
		maxEvents: 5000,
		bufSize:   100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records the event and notifies subscribers.
func (b *Bus) Publish(ctx context.Context, event *types.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	log, ok := b.sessions[event.SessionID]
	if !ok {
		log = &sessionLog{}
		b.sessions[event.SessionID] = log
	}
	if len(log.events) >= b.maxEvents {
		log.events = log.events[1:]
	}
	log.events = append(log.events, event)

	// Sends happen under the lock so cleanup cannot close a channel
	// mid-send; they never block.
	keys := []string{""}
	if event.SessionID != "" {
		keys = append(keys, event.SessionID)
	}
	for _, key := range keys {
		for ch := range b.subs[key] {
			select {
			case ch <- event:
			default:
			}
		}
	}
	b.mu.Unlock()
	return nil
}

// EventsSince returns retained events after lastEventID.
func (b *Bus) EventsSince(ctx context.Context, sessionID, lastEventID string) ([]*types.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.sessions[sessionID]
	if !ok {
		return []*types.Event{}, nil
	}
	return eventsAfter(log.events, lastEventID), nil
}

// Subscribe registers a subscriber channel.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan *types.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}

	ch := make(chan *types.Event, b.bufSize)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan *types.Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sessionID][ch]; ok {
				delete(b.subs[sessionID], ch)
				if len(b.subs[sessionID]) == 0 {
					delete(b.subs, sessionID)
				}
				close(ch)
			}
		})
	}
	return ch, cleanup, nil
}

// Forget drops the retained history of a session.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Close closes every subscriber channel. Later Publish calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for ch := range set {
			close(ch)
		}
	}
	b.subs = make(map[string]map[chan *types.Event]struct{})
	return nil
}

func eventsAfter(events []*types.Event, lastEventID string) []*types.Event {
	if lastEventID == "" {
		out := make([]*types.Event, len(events))
		copy(out, events)
		return out
	}
	out := []*types.Event{}
	found := false
	for _, e := range events {
		if found {
			out = append(out, e)
		}
		if e.ID == lastEventID {
			found = true
		}
	}
	return out
}
