// Package events fans out worker status and transcript events to live
// subscribers. Publishing never blocks: a subscriber whose buffer is full is
// dropped and its channel closed.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindStatus     Kind = "status"
	KindTranscript Kind = "transcript"
	KindError      Kind = "error"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Event is a sequenced payload. Data is the status snapshot, transcript
// segment or error description, ready for JSON encoding.
type Event struct {
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	CameraID  int64     `json:"camera_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats reports delivery counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Subscription is a live feed. C is closed on Unsubscribe, on broadcaster
// Close, or when the subscriber falls behind.
type Subscription struct {
	C <-chan Event

	id       uint64
	cameraID int64 // 0 = all cameras
	ch       chan Event
	b        *Broadcaster
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() { s.b.remove(s.id) }

// Broadcaster is a non-blocking fan-out hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    int64
	buffer int
	closed bool
	now    func() time.Time

	published uint64
	delivered uint64
	dropped   uint64
}

// New returns a broadcaster whose subscribers buffer up to buffer events.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber. cameraID 0 receives every camera.
func (b *Broadcaster) Subscribe(cameraID int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, id: b.nextID, cameraID: cameraID, ch: ch, b: b}
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish stamps e with a sequence number and timestamp and delivers it to
// every matching subscriber without blocking.
func (b *Broadcaster) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	if b.closed {
		return e
	}
	b.published++

	for id, s := range b.subs {
		if s.cameraID != 0 && s.cameraID != e.CameraID {
			continue
		}
		select {
		case s.ch <- e:
			b.delivered++
		default:
			b.dropped++
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return e
}

// Stats returns a copy of the delivery counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:   b.published,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		Subscribers: len(b.subs),
	}
}

// Close closes every subscriber channel. Further publishes are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}
