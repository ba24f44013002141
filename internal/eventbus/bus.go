package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the daemon.
const (
	TypeStarted  = "thumbnail.started"
	TypeReady    = "thumbnail.ready"
	TypeError    = "thumbnail.error"
	TypeFinished = "thumbnail.finished"
	TypeQueued   = "thumbnail.queued"
	// TypeDequeued marks a handle dropped before it started; no Finished
	// follows it.
	TypeDequeued = "thumbnail.dequeued"
	TypeUnmount  = "volume.unmounted"
)

// Event is an in-memory notification between components.
//
// Publish never blocks; subscribers own a buffered channel and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Dispatch is the payload of the thumbnail.* events.
type Dispatch struct {
	Handle    uint32   `json:"handle"`
	Scheduler string   `json:"scheduler"`
	Origin    string   `json:"origin,omitempty"`
	URIs      []string `json:"uris,omitempty"`
	Code      int32    `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
