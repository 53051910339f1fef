// Package storage persists bus events to files, SQL databases and NATS.
package storage

import (
	"context"
	"sync"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/logger"
)

// Sink is a storage backend for device events.
type Sink interface {
	// Store persists one event
	Store(ctx context.Context, ev device.Event) error
	// Close releases the backend
	Close() error
}

// Manager fans events out to every sink.
type Manager struct {
	sinks []Sink
	types map[device.EventType]bool
	mutex sync.RWMutex
}

// NewManager creates a storage manager. When types is non-empty only events
// of those types are stored.
func NewManager(sinks []Sink, types ...device.EventType) *Manager {
	m := &Manager{sinks: sinks}
	if len(types) > 0 {
		m.types = make(map[device.EventType]bool, len(types))
		for _, t := range types {
			m.types[t] = true
		}
	}
	return m
}

// Accepts reports whether events of type t are stored.
func (m *Manager) Accepts(t device.EventType) bool {
	return m.types == nil || m.types[t]
}

// Store writes ev to every sink. A failing sink is logged and does not stop
// the others.
func (m *Manager) Store(ctx context.Context, ev device.Event) {
	if !m.Accepts(ev.Type) {
		return
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, sink := range m.sinks {
		if err := sink.Store(ctx, ev); err != nil {
			logger.Error("failed to store %s event of device %s: %v", ev.Type, ev.DeviceID, err)
		}
	}
}

// Run stores every event delivered on sub until ctx ends or the subscription
// is closed.
func (m *Manager) Run(ctx context.Context, sub *device.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			m.Store(ctx, ev)
		}
	}
}

// Close closes every sink.
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
		}
	}
}

// AddSink adds a storage backend.
func (m *Manager) AddSink(sink Sink) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.sinks = append(m.sinks, sink)
}

// Len returns the number of sinks.
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sinks)
}
