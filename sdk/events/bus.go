// Package events fans incoming Events out to the calls waiting on them.
package events

import (
	"sync"

	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
)

// Key addresses the events of one call.
type Key struct {
	Namespace string
	ID        int64
}

// KeyOf returns the bus key of ev.
func KeyOf(ev *bridge.Event) Key {
	return Key{Namespace: ev.Context.Namespace, ID: ev.ID}
}

// Queue is an unbounded FIFO of events. Push never blocks and never drops.
// Consumers pop until the queue is empty and then wait on Ready.
type Queue struct {
	mu    sync.Mutex
	items []*bridge.Event
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends ev and signals Ready.
func (q *Queue) Push(ev *bridge.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest event.
func (q *Queue) Pop() (*bridge.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready receives a value after a Push. A wakeup may find the queue already
// drained.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Bus is a keyed publish/subscribe hub. Publish never blocks and every
// listener receives every event published under its key.
type Bus struct {
	mu        sync.Mutex
	listeners map[Key][]*Queue
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Key][]*Queue)}
}

// Subscribe registers a listener for key. The returned function removes it
// and may be called more than once.
func (b *Bus) Subscribe(key Key) (*Queue, func()) {
	q := NewQueue()
	b.mu.Lock()
	b.listeners[key] = append(b.listeners[key], q)
	b.mu.Unlock()
	var once sync.Once
	return q, func() {
		once.Do(func() { b.remove(key, q) })
	}
}

func (b *Bus) remove(key Key, q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[key]
	for i, x := range ls {
		if x == q {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(b.listeners, key)
		return
	}
	b.listeners[key] = ls
}

// Publish delivers ev to every listener of key and reports whether there was
// one.
func (b *Bus) Publish(key Key, ev *bridge.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[key]
	for _, q := range ls {
		q.Push(ev)
	}
	return len(ls) > 0
}

// Listeners returns the number of listeners registered for key.
func (b *Bus) Listeners(key Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[key])
}
