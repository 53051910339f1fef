package device

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// entry is the registry record of one device. Status transitions happen with
// mu held; readers use the atomic snapshot and never block.
type entry struct {
	id string

	mu        sync.Mutex
	status    Status
	cfg       Config
	adapter   Adapter
	announced bool // a connected event has been emitted and not yet matched
	lastError string
	connected time.Time
	cancel    context.CancelFunc
	reset     *time.Timer
	slot      chan struct{}

	// session is bumped, with mu held, whenever a connection attempt starts
	// or ends; work carrying an older value is stale.
	session atomic.Uint64
	// emit orders pushed data against session bumps and status changes. It
	// is a leaf lock and may be taken without mu.
	emit         sync.Mutex
	snapshot     atomic.Pointer[State]
	lastActivity atomic.Int64
	commandsSent atomic.Uint64
	replies      atomic.Uint64
	dataReceived atomic.Uint64
	errors       atomic.Uint64
}

func newEntry(id string) *entry {
	e := &entry{id: id, status: StatusOffline}
	e.publishLocked()
	return e
}

// setStatusLocked transitions the entry and refreshes its snapshot.
func (e *entry) setStatusLocked(status Status, lastError string) {
	e.emit.Lock()
	defer e.emit.Unlock()
	e.status = status
	if lastError != "" {
		e.lastError = lastError
	}
	if status == StatusOnline {
		e.connected = time.Now()
		e.lastError = ""
	}
	e.publishLocked()
}

// nextSessionLocked starts a new session and returns its number.
func (e *entry) nextSessionLocked() uint64 {
	e.emit.Lock()
	defer e.emit.Unlock()
	return e.session.Add(1)
}

func (e *entry) publishLocked() {
	st := State{
		DeviceID:    e.id,
		Type:        e.cfg.Type,
		Status:      e.status,
		LastError:   e.lastError,
		ConnectedAt: e.connected,
	}
	e.snapshot.Store(&st)
}

func (e *entry) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

func (e *entry) state() State {
	st := *e.snapshot.Load()
	if ns := e.lastActivity.Load(); ns > 0 {
		st.LastActivityAt = time.Unix(0, ns)
	}
	st.Stats = Stats{
		CommandsSent:    e.commandsSent.Load(),
		RepliesReceived: e.replies.Load(),
		DataReceived:    e.dataReceived.Load(),
		Errors:          e.errors.Load(),
	}
	return st
}

func (e *entry) stopResetLocked() {
	if e.reset != nil {
		e.reset.Stop()
		e.reset = nil
	}
}

// Registry owns the per-device connection state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) getOrCreate(id string) *entry {
	if e := r.get(id); e != nil {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := newEntry(id)
	r.entries[id] = e
	return e
}

func (r *Registry) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// State returns the current state of id. Unknown ids are OFFLINE.
func (r *Registry) State(id string) State {
	e := r.get(id)
	if e == nil {
		return State{DeviceID: id, Status: StatusOffline}
	}
	return e.state()
}

// List returns the state of every known device ordered by id.
func (r *Registry) List() []State {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
