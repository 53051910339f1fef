package device

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()

	out := make([]Event, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok)
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBusPreservesPerDeviceOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a1 := bus.Subscribe("a")
	a2 := bus.Subscribe("a")
	all := bus.SubscribeAll()

	const n = 200
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				bus.Publish(Event{DeviceID: id, Type: EventDataReceived, Data: i})
			}
		}(id)
	}
	wg.Wait()

	for _, sub := range []*Subscription{a1, a2} {
		events := collect(t, sub, n)
		for i, ev := range events {
			assert.Equal(t, "a", ev.DeviceID)
			assert.Equal(t, i, ev.Data)
			assert.Equal(t, uint64(i+1), ev.Sequence)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		}
	}

	last := map[string]int{"a": -1, "b": -1}
	for _, ev := range collect(t, all, 2*n) {
		i := ev.Data.(int)
		assert.Equal(t, last[ev.DeviceID]+1, i, "device %s out of order", ev.DeviceID)
		last[ev.DeviceID] = i
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe("a")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{DeviceID: "a", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
	assert.Len(t, collect(t, slow, 1000), 1000)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("a")
	bus.Publish(Event{DeviceID: "a"})
	sub.Close()
	sub.Close()

	// Events published after Close are not delivered; the channel ends.
	bus.Publish(Event{DeviceID: "a"})
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("channel not closed")
		}
	}
}

func TestBusCloseDevice(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	defer b.Close()

	bus.Publish(Event{DeviceID: "a"})
	bus.CloseDevice("a")

	ev := bus.Publish(Event{DeviceID: "a"})
	assert.Equal(t, uint64(1), ev.Sequence, "sequence restarts after CloseDevice")

	bus.Publish(Event{DeviceID: "b", Type: EventConnected})
	assert.Equal(t, EventConnected, collect(t, b, 1)[0].Type)

	for range a.C() {
	}
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()

	subs := make([]*Subscription, 0, 3)
	for i := 0; i < 2; i++ {
		subs = append(subs, bus.Subscribe(fmt.Sprintf("d%d", i)))
	}
	subs = append(subs, bus.SubscribeAll())
	bus.Close()

	for _, sub := range subs {
		for range sub.C() {
		}
	}

	late := bus.Subscribe("d0")
	_, ok := <-late.C()
	assert.False(t, ok)
}
