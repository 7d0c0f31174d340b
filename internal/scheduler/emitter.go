package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultEventBuffer is the per-subscriber channel capacity used
	// when the configuration does not set one.
	defaultEventBuffer = 256
	// emitRetryTimeout bounds how long Emit blocks on a full
	// subscriber before dropping the event.
	emitRetryTimeout = 5 * time.Millisecond
)

// Emitter fans scheduler events out to subscribers. Each subscriber
// owns a buffered channel; a subscriber that stops draining loses
// events rather than stalling the dispatch loop.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	bufSize int
	closed  bool
	dropped atomic.Int64
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

// NewEmitter creates an emitter whose subscriber channels hold bufSize
// events. A non-positive bufSize falls back to defaultEventBuffer.
func NewEmitter(bufSize int) *Emitter {
	if bufSize <= 0 {
		bufSize = defaultEventBuffer
	}
	return &Emitter{
		subs:    make(map[int]*subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a listener. A nil filter receives every event.
// The returned cancel func unregisters the listener and closes its
// channel; it is safe to call more than once.
func (e *Emitter) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	sub := &subscription{
		ch:     make(chan Event, e.bufSize),
		filter: filter,
	}
	if e.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	e.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if s, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Emit delivers ev to every matching subscriber. Delivery tries a
// non-blocking send first, then waits briefly for slow consumers, and
// finally drops the event so the scheduler loop never wedges.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for _, sub := range e.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case sub.ch <- ev:
		case <-time.After(emitRetryTimeout):
			e.dropped.Add(1)
			debugLog("emitter: dropped %s event for task %s (subscriber full)", ev.Type, ev.TaskID)
		}
	}
}

// Dropped returns how many events were discarded due to slow subscribers.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close unregisters all subscribers and closes their channels. Emit
// calls after Close are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.ch)
	}
}
