package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// transport exchanges one request PDU for one response PDU.
type transport interface {
	Exchange(ctx context.Context, pdu []byte) ([]byte, error)
	Close() error
}

var errClosed = errors.New("transport is closed")

type tcpResult struct {
	pdu []byte
	err error
}

// tcpTransport pipelines requests over one connection and matches responses
// by transaction id.
type tcpTransport struct {
	conn   net.Conn
	unitID byte
	onLost func(error)

	txID    atomic.Uint32
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint16]chan tcpResult
	err     error
	done    chan struct{}
	closing atomic.Bool
}

func newTCPTransport(conn net.Conn, unitID byte, onLost func(error)) *tcpTransport {
	t := &tcpTransport{
		conn:    conn,
		unitID:  unitID,
		onLost:  onLost,
		pending: make(map[uint16]chan tcpResult),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *tcpTransport) readLoop() {
	for {
		txID, _, pdu, err := readTCP(t.conn)
		if err != nil {
			t.fail(err)
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[txID]
		delete(t.pending, txID)
		t.mu.Unlock()
		if ok {
			ch <- tcpResult{pdu: pdu}
		}
	}
}

func (t *tcpTransport) fail(err error) {
	byClose := t.closing.Load()
	if byClose {
		err = errClosed
	}

	t.mu.Lock()
	t.err = err
	pending := t.pending
	t.pending = make(map[uint16]chan tcpResult)
	t.mu.Unlock()
	close(t.done)

	for _, ch := range pending {
		ch <- tcpResult{err: err}
	}
	if !byClose && t.onLost != nil {
		t.onLost(err)
	}
}

// Exchange implements transport
func (t *tcpTransport) Exchange(ctx context.Context, pdu []byte) ([]byte, error) {
	id := uint16(t.txID.Add(1))
	frame, err := packTCP(id, t.unitID, pdu)
	if err != nil {
		return nil, err
	}

	ch := make(chan tcpResult, 1)
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return nil, t.err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}

	t.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err = t.conn.Write(frame)
	t.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	select {
	case r := <-ch:
		return r.pdu, r.err
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Close implements transport
func (t *tcpTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	<-t.done
	return err
}

// rtuTransport runs one exchange at a time on a shared serial line.
type rtuTransport struct {
	port    io.ReadWriteCloser
	slaveID byte
	onLost  func(error)

	sem    chan struct{}
	closed atomic.Bool
}

func newRTUTransport(port io.ReadWriteCloser, slaveID byte, onLost func(error)) *rtuTransport {
	return &rtuTransport{
		port:    port,
		slaveID: slaveID,
		onLost:  onLost,
		sem:     make(chan struct{}, 1),
	}
}

// Exchange implements transport
func (t *rtuTransport) Exchange(ctx context.Context, pdu []byte) ([]byte, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()

	if t.closed.Load() {
		return nil, errClosed
	}

	frame, err := packRTU(t.slaveID, pdu)
	if err != nil {
		return nil, err
	}
	if _, err := t.port.Write(frame); err != nil {
		if !t.closed.Load() && t.onLost != nil {
			t.onLost(err)
		}
		return nil, fmt.Errorf("write failed: %w", err)
	}

	head := make([]byte, 3)
	if err := t.readFull(ctx, head); err != nil {
		return nil, err
	}
	n, err := rtuRemaining(head[1], head[2])
	if err != nil {
		return nil, err
	}
	response := make([]byte, 3+n)
	copy(response, head)
	if err := t.readFull(ctx, response[3:]); err != nil {
		return nil, err
	}

	slave, body, err := unpackRTU(response)
	if err != nil {
		return nil, err
	}
	if slave != t.slaveID {
		return nil, fmt.Errorf("response from slave %d, expected %d", slave, t.slaveID)
	}
	return body, nil
}

// readFull fills buf. Port reads return early on their own timeout, so the
// loop keeps going until ctx ends.
func (t *rtuTransport) readFull(ctx context.Context, buf []byte) error {
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.port.Read(buf[off:])
		off += n
		switch {
		case err == nil || errors.Is(err, io.EOF):
			if n == 0 {
				time.Sleep(2 * time.Millisecond)
			}
		case t.closed.Load():
			return errClosed
		default:
			return fmt.Errorf("read failed: %w", err)
		}
	}
	return nil
}

// Close implements transport
func (t *rtuTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.port.Close()
}
