package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Manager is the facade collaborators use to drive devices. It routes every
// call to the adapter registered for the device's connection type and owns the
// registry, correlator and bus of one framework instance.
type Manager struct {
	opts       options
	log        zerolog.Logger
	registry   *Registry
	correlator *Correlator
	bus        *Bus
	adapters   map[ConnectionType]Adapter
	closed     atomic.Bool
}

// NewManager initializes the adapters and indexes them by connection type.
func NewManager(adapters []Adapter, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		opts:       o,
		log:        o.log,
		registry:   NewRegistry(),
		correlator: NewCorrelator(o.log),
		bus:        NewBus(),
		adapters:   make(map[ConnectionType]Adapter),
	}

	env := &adapterEnv{m: m}
	for _, a := range adapters {
		if err := a.Initialize(env); err != nil {
			return nil, fmt.Errorf("failed to initialize adapter: %w", err)
		}
		for _, t := range a.Types() {
			if _, dup := m.adapters[t]; dup {
				return nil, fmt.Errorf("duplicate adapter for connection type %q", t)
			}
			m.adapters[t] = a
		}
	}
	return m, nil
}

// Connect performs the transport handshake of deviceID.
//
// A device already ONLINE is left alone. A handshake that fails or outlives
// the connection timeout leaves the device in ERROR with exactly one error
// event; ERROR decays to OFFLINE after the configured reset delay.
func (m *Manager) Connect(ctx context.Context, deviceID string, cfg Config) error {
	const op = "connect"

	if m.closed.Load() {
		return newError(KindDisconnected, op, deviceID, "manager closed", nil)
	}
	if strings.TrimSpace(deviceID) == "" {
		return newError(KindValidation, op, deviceID, "device id is required", nil)
	}
	ct, err := ParseConnectionType(string(cfg.Type))
	if err != nil {
		return newError(KindValidation, op, deviceID, err.Error(), nil)
	}
	cfg.Type = ct
	adapter, ok := m.adapters[ct]
	if !ok {
		return newError(KindValidation, op, deviceID, fmt.Sprintf("no adapter registered for %q", ct), nil)
	}

	e := m.registry.getOrCreate(deviceID)
	e.mu.Lock()
	switch e.status {
	case StatusConnecting:
		e.mu.Unlock()
		return newError(KindAlreadyConnecting, op, deviceID, "", nil)
	case StatusOnline:
		e.mu.Unlock()
		return nil
	case StatusMaintenance:
		e.mu.Unlock()
		return newError(KindValidation, op, deviceID, "device is in maintenance", nil)
	}

	if cfg.ParseRule != "" && m.opts.parser != nil {
		if err := m.opts.parser.SetRule(deviceID, cfg.ParseRule); err != nil {
			e.mu.Unlock()
			return newError(KindValidation, op, deviceID, "invalid parse rule", err)
		}
	}

	if e.status == StatusError {
		// Close out the failed session before starting a new one.
		m.teardownLocked(ctx, e, StatusOffline)
	}
	e.stopResetLocked()
	session := e.nextSessionLocked()
	e.cfg = cfg
	e.adapter = adapter
	e.slot = nil
	if !adapter.Pipelined() {
		e.slot = make(chan struct{}, 1)
	}
	hctx, cancel := context.WithTimeout(ctx, m.budget(cfg, 0))
	e.cancel = cancel
	prev := e.status
	m.transitionLocked(e, StatusConnecting, "")
	e.mu.Unlock()

	defer cancel()

	done := make(chan error, 1)
	go func() { done <- adapter.Connect(hctx, deviceID, cfg) }()

	var herr error
	timedOut := false
	select {
	case herr = <-done:
	case <-hctx.Done():
		select {
		case herr = <-done:
		default:
			herr = hctx.Err()
			timedOut = true
		}
	}
	if timedOut {
		go m.cleanupLateHandshake(e, adapter, session, done)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Load() != session {
		// Superseded by a disconnect, maintenance or removal.
		if herr == nil && e.status != StatusOnline && e.status != StatusConnecting {
			m.disconnectAdapterLocked(context.Background(), e, adapter)
		}
		return newError(KindDisconnected, op, deviceID, "connection attempt was canceled", nil)
	}
	e.cancel = nil

	if herr != nil {
		cerr := classify(herr, KindConnectionTimeout, op, deviceID)
		if cerr.Kind == KindValidation {
			// Nothing was attempted on the wire.
			m.transitionLocked(e, prev, "")
			return cerr
		}
		e.errors.Add(1)
		m.transitionLocked(e, StatusError, cerr.Error())
		m.scheduleResetLocked(e)
		m.publish(Event{DeviceID: deviceID, Type: EventError, Error: cerr.Error()})
		m.log.Warn().Str("device", deviceID).Str("type", string(ct)).Err(cerr).Msg("connection failed")
		return cerr
	}

	e.announced = true
	e.touch()
	m.transitionLocked(e, StatusOnline, "")
	m.publish(Event{DeviceID: deviceID, Type: EventConnected, Data: e.state()})
	m.log.Info().Str("device", deviceID).Str("type", string(ct)).Msg("device connected")
	return nil
}

// cleanupLateHandshake tears down a transport whose handshake completed after
// the caller had already been told it timed out.
func (m *Manager) cleanupLateHandshake(e *entry, adapter Adapter, session uint64, done <-chan error) {
	if err := <-done; err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Load() == session || (e.status != StatusOnline && e.status != StatusConnecting) {
		m.log.Debug().Str("device", e.id).Msg("closing transport of a timed out handshake")
		m.disconnectAdapterLocked(context.Background(), e, adapter)
	}
}

// Disconnect closes the transport of deviceID. It is idempotent: an OFFLINE or
// unknown device is left untouched and no event is emitted.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	e := m.registry.get(deviceID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusConnecting, StatusOnline, StatusError:
		m.teardownLocked(ctx, e, StatusOffline)
		m.log.Info().Str("device", deviceID).Msg("device disconnected")
	}
	return nil
}

// SendCommand dispatches cmd to deviceID and waits for its correlated
// outcome. timeout overrides the device's budget when positive.
//
// The returned command carries the terminal status. A command_result event
// is published for every command that passed validation.
func (m *Manager) SendCommand(ctx context.Context, deviceID string, cmd Command, timeout time.Duration) (Command, error) {
	const op = "sendCommand"

	cmd.DeviceID = deviceID
	cmd.Status = CommandPending
	switch {
	case strings.TrimSpace(deviceID) == "":
		return m.rejectCommand(cmd, newError(KindValidation, op, deviceID, "device id is required", nil))
	case strings.TrimSpace(cmd.ID) == "":
		return m.rejectCommand(cmd, newError(KindValidation, op, deviceID, "command id is required", nil))
	case strings.TrimSpace(cmd.Command) == "":
		return m.rejectCommand(cmd, newError(KindValidation, op, deviceID, "command is required", nil))
	}

	e := m.registry.get(deviceID)
	if e == nil {
		return m.rejectCommand(cmd, newError(KindNotConnected, op, deviceID, "unknown device", nil))
	}

	e.mu.Lock()
	if e.status != StatusOnline {
		status := e.status
		e.mu.Unlock()
		return m.rejectCommand(cmd, newError(KindNotConnected, op, deviceID, "device is "+string(status), nil))
	}
	adapter, cfg, slot := e.adapter, e.cfg, e.slot
	ticket, err := m.correlator.Register(deviceID, cmd.ID)
	e.mu.Unlock()
	if err != nil {
		return m.rejectCommand(cmd, classify(err, KindCommandTimeout, op, deviceID))
	}

	budget := m.budget(cfg, timeout)
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	start := time.Now()

	if acquire(cctx, slot) {
		defer release(slot)

		cmd.Status = CommandSent
		e.commandsSent.Add(1)
		e.touch()
		// the adapter may outlive the budget, so it gets its own copy
		sent := cmd
		reply, err := bounded(cctx, budget, func(ctx context.Context) (*Reply, error) {
			return adapter.SendCommand(ctx, deviceID, sent)
		})
		switch {
		case err != nil:
			m.correlator.Complete(ticket, nil, classify(err, KindCommandTimeout, op, deviceID))
		case reply != nil:
			m.correlator.Complete(ticket, reply.Result, nil)
		}
	}

	result, err := m.correlator.Await(cctx, ticket)
	elapsed := time.Since(start)
	if err != nil {
		cerr := classify(err, KindCommandTimeout, op, deviceID)
		cmd.Status = CommandFailed
		cmd.Error = cerr.Error()
		e.errors.Add(1)
		err = cerr
	} else {
		cmd.Status = CommandExecuted
		cmd.Result = result
		e.replies.Add(1)
		e.touch()
	}

	m.publish(Event{
		DeviceID: deviceID,
		Type:     EventCommandResult,
		Data:     outcomeOf(cmd),
		Error:    cmd.Error,
	})
	m.opts.recorder.CommandCompleted(deviceID, cmd.Command, cmd.Status, elapsed)
	return cmd, err
}

func (m *Manager) rejectCommand(cmd Command, err *Error) (Command, error) {
	cmd.Status = CommandFailed
	cmd.Error = err.Error()
	m.opts.recorder.CommandCompleted(cmd.DeviceID, cmd.Command, cmd.Status, 0)
	return cmd, err
}

func outcomeOf(cmd Command) CommandOutcome {
	return CommandOutcome{
		CommandID: cmd.ID,
		Command:   cmd.Command,
		Status:    cmd.Status,
		Result:    cmd.Result,
		Error:     cmd.Error,
	}
}

// ReadData pulls one payload from deviceID, applies its parse rule and
// publishes it as a data_received event.
func (m *Manager) ReadData(ctx context.Context, deviceID string) (Reading, error) {
	const op = "readData"

	e := m.registry.get(deviceID)
	if e == nil {
		return Reading{}, newError(KindNotConnected, op, deviceID, "unknown device", nil)
	}

	e.mu.Lock()
	if e.status != StatusOnline {
		status := e.status
		e.mu.Unlock()
		return Reading{}, newError(KindNotConnected, op, deviceID, "device is "+string(status), nil)
	}
	adapter, cfg := e.adapter, e.cfg
	session := e.session.Load()
	e.mu.Unlock()

	payload, err := bounded(ctx, m.budget(cfg, 0), func(ctx context.Context) (Payload, error) {
		return adapter.ReadData(ctx, deviceID)
	})
	if err != nil {
		e.errors.Add(1)
		return Reading{}, classify(err, KindCommandTimeout, op, deviceID)
	}

	reading, ok := m.deliver(e, session, payload)
	if !ok {
		return reading, newError(KindDisconnected, op, deviceID, "device disconnected during read", nil)
	}
	return reading, nil
}

// deliver turns payload into a Reading and publishes it, unless session has
// ended in the meantime.
func (m *Manager) deliver(e *entry, session uint64, payload Payload) (Reading, bool) {
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	reading := Reading{
		DeviceID:    e.id,
		Raw:         string(payload.Raw),
		ContentType: payload.ContentType,
		Timestamp:   ts,
	}
	if m.opts.parser != nil {
		parsed, ok, err := m.opts.parser.Parse(e.id, reading.Raw)
		switch {
		case err != nil:
			reading.ParseError = err.Error()
		case ok:
			reading.Parsed = parsed
		}
	}

	// checked and published under emit so it cannot follow the session's
	// disconnected event
	e.emit.Lock()
	defer e.emit.Unlock()
	if e.session.Load() != session || e.snapshot.Load().Status != StatusOnline {
		m.log.Debug().Str("device", e.id).Msg("dropping data from an ended session")
		return reading, false
	}
	e.dataReceived.Add(1)
	e.touch()
	m.opts.recorder.DataReceived(e.id, len(payload.Raw))
	m.publish(Event{DeviceID: e.id, Type: EventDataReceived, Data: reading, Timestamp: ts})
	return reading, true
}

// ConnectionState never blocks. Unknown ids report OFFLINE.
func (m *Manager) ConnectionState(deviceID string) State {
	return m.registry.State(deviceID)
}

// Devices lists the state of every known device.
func (m *Manager) Devices() []State {
	return m.registry.List()
}

// Subscribe returns a subscription to the events of one device.
func (m *Manager) Subscribe(deviceID string) *Subscription {
	return m.bus.Subscribe(deviceID)
}

// SubscribeAll returns a subscription to the events of every device.
func (m *Manager) SubscribeAll() *Subscription {
	return m.bus.SubscribeAll()
}

// SetMaintenance forces deviceID into MAINTENANCE, tearing down any transport
// and failing its in-flight commands. Unknown devices are created.
func (m *Manager) SetMaintenance(ctx context.Context, deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return newError(KindValidation, "setMaintenance", deviceID, "device id is required", nil)
	}
	e := m.registry.getOrCreate(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusMaintenance:
	case StatusOffline:
		e.nextSessionLocked()
		m.transitionLocked(e, StatusMaintenance, "")
	default:
		m.teardownLocked(ctx, e, StatusMaintenance)
	}
	m.log.Info().Str("device", deviceID).Msg("device entered maintenance")
	return nil
}

// ExitMaintenance returns a device in MAINTENANCE to OFFLINE. Devices in any
// other state are left alone.
func (m *Manager) ExitMaintenance(deviceID string) error {
	e := m.registry.get(deviceID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusMaintenance {
		m.transitionLocked(e, StatusOffline, "")
		m.log.Info().Str("device", deviceID).Msg("device left maintenance")
	}
	return nil
}

// Remove disconnects deviceID and forgets it: its state, subscriptions and
// parse rule are discarded.
func (m *Manager) Remove(ctx context.Context, deviceID string) error {
	e := m.registry.get(deviceID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	switch e.status {
	case StatusConnecting, StatusOnline, StatusError:
		m.teardownLocked(ctx, e, StatusOffline)
	default:
		e.nextSessionLocked()
	}
	e.mu.Unlock()

	m.registry.delete(deviceID)
	m.bus.CloseDevice(deviceID)
	if m.opts.parser != nil {
		m.opts.parser.RemoveRule(deviceID)
	}
	return nil
}

// Close disconnects every device and ends all subscriptions.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, st := range m.registry.List() {
		if err := m.Disconnect(ctx, st.DeviceID); err != nil {
			m.log.Warn().Str("device", st.DeviceID).Err(err).Msg("disconnect on close failed")
		}
	}
	m.bus.Close()
	return nil
}

// teardownLocked ends the current session of e and moves it to status.
func (m *Manager) teardownLocked(ctx context.Context, e *entry, status Status) {
	e.nextSessionLocked()
	e.stopResetLocked()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	m.transitionLocked(e, status, "")

	cause := newError(KindDisconnected, "sendCommand", e.id, "device disconnected", nil)
	if n := m.correlator.FailAll(e.id, cause); n > 0 {
		m.log.Debug().Str("device", e.id).Int("commands", n).Msg("failed in-flight commands")
	}

	if e.adapter != nil {
		m.disconnectAdapterLocked(ctx, e, e.adapter)
	}
	if e.announced {
		e.announced = false
		m.publish(Event{DeviceID: e.id, Type: EventDisconnected})
	}
}

func (m *Manager) disconnectAdapterLocked(ctx context.Context, e *entry, adapter Adapter) {
	_, err := bounded(ctx, m.budget(e.cfg, 0), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, adapter.Disconnect(ctx, e.id)
	})
	if err != nil {
		m.log.Warn().Str("device", e.id).Err(err).Msg("transport disconnect failed")
	}
}

// scheduleResetLocked arms the ERROR to OFFLINE decay for the current session.
func (m *Manager) scheduleResetLocked(e *entry) {
	session := e.session.Load()
	e.stopResetLocked()
	e.reset = time.AfterFunc(m.opts.errorReset, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.session.Load() != session || e.status != StatusError {
			return
		}
		e.reset = nil
		m.teardownLocked(context.Background(), e, StatusOffline)
	})
}

// failLocked moves an ONLINE device to ERROR after transport loss.
func (m *Manager) failLocked(e *entry, err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	cerr := classify(err, KindTransport, "transport", e.id)

	e.nextSessionLocked()
	e.errors.Add(1)
	m.transitionLocked(e, StatusError, cerr.Error())
	m.publish(Event{DeviceID: e.id, Type: EventError, Error: cerr.Error()})
	if n := m.correlator.FailAll(e.id, cerr); n > 0 {
		m.log.Debug().Str("device", e.id).Int("commands", n).Msg("failed in-flight commands")
	}
	m.scheduleResetLocked(e)
	m.log.Warn().Str("device", e.id).Err(cerr).Msg("transport lost")
}

func (m *Manager) transitionLocked(e *entry, status Status, lastError string) {
	e.setStatusLocked(status, lastError)
	m.opts.recorder.ConnectionStatus(e.id, e.cfg.Type, status)
}

func (m *Manager) publish(ev Event) Event {
	ev = m.bus.Publish(ev)
	m.opts.recorder.EventPublished(ev.Type)
	return ev
}

// budget picks the first positive of override, the device timeout and the
// manager default.
func (m *Manager) budget(cfg Config, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if cfg.TimeoutMs > 0 {
		return cfg.Timeout()
	}
	return m.opts.defaultTimeout
}

// acquire takes the one-in-flight slot of a non-pipelined device. A nil slot
// is always free.
func acquire(ctx context.Context, slot chan struct{}) bool {
	if slot == nil {
		return ctx.Err() == nil
	}
	select {
	case slot <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func release(slot chan struct{}) {
	if slot != nil {
		<-slot
	}
}

// bounded runs fn and returns once it finishes or the budget ends, even if fn
// ignores its context.
func bounded[T any](parent context.Context, budget time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.v, r.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

// adapterEnv is the Env handed to adapters.
type adapterEnv struct {
	m *Manager
}

func (env *adapterEnv) EmitData(deviceID string, payload Payload) {
	e := env.m.registry.get(deviceID)
	if e == nil {
		return
	}
	// mu is not taken here: adapters call EmitData from goroutines their
	// Disconnect may wait on
	session := e.session.Load()
	if e.snapshot.Load().Status != StatusOnline {
		env.m.log.Debug().Str("device", deviceID).Msg("dropping data from a device that is not online")
		return
	}
	env.m.deliver(e, session, payload)
}

func (env *adapterEnv) ResolveCommand(deviceID, commandID string, result interface{}, err error) bool {
	var cause error
	if err != nil {
		cause = classify(err, KindTransport, "sendCommand", deviceID)
	}
	return env.m.correlator.Resolve(deviceID, commandID, result, cause)
}

// ReportFailure is asynchronous: adapters typically call it from reader
// goroutines that their own Disconnect may be waiting on.
func (env *adapterEnv) ReportFailure(deviceID string, err error) {
	e := env.m.registry.get(deviceID)
	if e == nil {
		return
	}
	session := e.session.Load()
	if e.snapshot.Load().Status != StatusOnline {
		return
	}
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.session.Load() != session || e.status != StatusOnline {
			return
		}
		env.m.failLocked(e, err)
	}()
}
