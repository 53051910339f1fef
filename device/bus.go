package device

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus fans events out to subscribers. Publish for one device is serialized
// under the bus lock, so every subscriber observes a device's events in
// emission order. Each subscription owns an unbounded queue drained by its
// own goroutine: a slow subscriber delays only itself.
type Bus struct {
	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[string]map[*Subscription]struct{}
	all    map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		seq:  make(map[string]uint64),
		subs: make(map[string]map[*Subscription]struct{}),
		all:  make(map[*Subscription]struct{}),
	}
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	bus      *Bus
	deviceID string
	wildcard bool

	c      chan Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Event
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.c
}

// DeviceID returns the subscribed device, empty for wildcard subscriptions.
func (s *Subscription) DeviceID() string {
	return s.deviceID
}

// Close stops delivery. Events still queued for this subscriber are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.c)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.c <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (b *Bus) newSubscription(deviceID string, wildcard bool) *Subscription {
	s := &Subscription{
		bus:      b,
		deviceID: deviceID,
		wildcard: wildcard,
		c:        make(chan Event),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.pump()
	return s
}

// Subscribe returns a subscription for one device id.
func (b *Bus) Subscribe(deviceID string) *Subscription {
	s := b.newSubscription(deviceID, false)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	set, ok := b.subs[deviceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[deviceID] = set
	}
	set[s] = struct{}{}
	return s
}

// SubscribeAll returns a subscription receiving events of every device.
func (b *Bus) SubscribeAll() *Subscription {
	s := b.newSubscription("", true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	b.all[s] = struct{}{}
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.wildcard {
		delete(b.all, s)
		return
	}
	if set, ok := b.subs[s.deviceID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.deviceID)
		}
	}
}

// Publish stamps ev with an id, a timestamp and the next per-device sequence
// number, then queues it for every current subscriber.
func (b *Bus) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	b.seq[ev.DeviceID]++
	ev.Sequence = b.seq[ev.DeviceID]

	for s := range b.subs[ev.DeviceID] {
		s.enqueue(ev)
	}
	for s := range b.all {
		s.enqueue(ev)
	}
	return ev
}

// CloseDevice ends every subscription of one device and forgets its sequence.
func (b *Bus) CloseDevice(deviceID string) {
	b.mu.Lock()
	set := b.subs[deviceID]
	delete(b.subs, deviceID)
	delete(b.seq, deviceID)
	b.mu.Unlock()

	for s := range set {
		s.Close()
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	for _, set := range b.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	for s := range b.all {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
