package device

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type outcome struct {
	result interface{}
	err    error
}

type pendingCommand struct {
	// done has capacity one; only the goroutine that removed the entry from
	// the map sends on it.
	done chan outcome
}

// Correlator matches asynchronous replies to in-flight commands. Resolution
// is exactly once: whoever removes an entry from the map (a reply, a
// timeout, or a disconnect) delivers its outcome.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]map[string]*pendingCommand
	log     zerolog.Logger
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(log zerolog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[string]map[string]*pendingCommand),
		log:     log,
	}
}

// Ticket identifies one registered command.
type Ticket struct {
	DeviceID  string
	CommandID string
	p         *pendingCommand
}

// Register reserves commandID for deviceID. A duplicate in-flight id is a
// validation error.
func (c *Correlator) Register(deviceID, commandID string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID, ok := c.pending[deviceID]
	if !ok {
		byID = make(map[string]*pendingCommand)
		c.pending[deviceID] = byID
	}
	if _, exists := byID[commandID]; exists {
		return nil, ValidationError("command id %q is already in flight", commandID)
	}
	p := &pendingCommand{done: make(chan outcome, 1)}
	byID[commandID] = p
	return &Ticket{DeviceID: deviceID, CommandID: commandID, p: p}, nil
}

// take removes the entry for commandID. When want is non-nil only that exact
// entry is removed.
func (c *Correlator) take(deviceID, commandID string, want *pendingCommand) *pendingCommand {
	byID, ok := c.pending[deviceID]
	if !ok {
		return nil
	}
	p, ok := byID[commandID]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(byID, commandID)
	if len(byID) == 0 {
		delete(c.pending, deviceID)
	}
	return p
}

// Resolve completes a pending command. Unknown ids, which includes replies
// arriving after eviction, are logged and discarded.
func (c *Correlator) Resolve(deviceID, commandID string, result interface{}, err error) bool {
	c.mu.Lock()
	p := c.take(deviceID, commandID, nil)
	c.mu.Unlock()

	if p == nil {
		c.log.Debug().Str("device", deviceID).Str("command_id", commandID).Msg("discarding unmatched reply")
		return false
	}
	p.done <- outcome{result: result, err: err}
	return true
}

// Complete resolves exactly the command behind t.
func (c *Correlator) Complete(t *Ticket, result interface{}, err error) bool {
	c.mu.Lock()
	p := c.take(t.DeviceID, t.CommandID, t.p)
	c.mu.Unlock()

	if p == nil {
		return false
	}
	p.done <- outcome{result: result, err: err}
	return true
}

// Await blocks until the command resolves or ctx ends. On ctx expiry the
// entry is evicted and the command fails with CommandTimeout, unless a reply
// won the race.
func (c *Correlator) Await(ctx context.Context, t *Ticket) (interface{}, error) {
	p := t.p

	select {
	case o := <-p.done:
		return o.result, o.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	evicted := c.take(t.DeviceID, t.CommandID, p)
	c.mu.Unlock()

	if evicted == nil {
		// Resolved concurrently; the outcome is already buffered.
		o := <-p.done
		return o.result, o.err
	}

	kind := KindCommandTimeout
	msg := "no reply within budget"
	if ctx.Err() == context.Canceled {
		kind = KindDisconnected
		msg = "caller canceled"
	}
	return nil, &Error{Kind: kind, Op: "sendCommand", DeviceID: t.DeviceID, Message: msg, Err: ctx.Err()}
}

// FailAll resolves every in-flight command of deviceID with err and returns
// how many were pending.
func (c *Correlator) FailAll(deviceID string, err error) int {
	c.mu.Lock()
	byID := c.pending[deviceID]
	delete(c.pending, deviceID)
	c.mu.Unlock()

	for _, p := range byID {
		p.done <- outcome{err: err}
	}
	return len(byID)
}

// InFlight returns the number of pending commands of deviceID.
func (c *Correlator) InFlight(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[deviceID])
}
