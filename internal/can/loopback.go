package can

import (
	"context"
	"sync"
	"time"

	"github.com/Laixer/Glonax/internal/models"
)

// Loopback is an in-memory CAN network for tests and simulation.
// Endpoints opened on the same Loopback exchange frames; a frame is
// delivered to every endpoint except its sender.
type Loopback struct {
	name string

	mu        sync.RWMutex
	closed    bool
	endpoints map[*Endpoint]struct{}
}

// NewLoopback creates an in-memory network named after an interface.
func NewLoopback(name string) *Loopback {
	return &Loopback{name: name, endpoints: make(map[*Endpoint]struct{})}
}

// Open attaches a new endpoint. A zero timeout makes Receive wait
// until a frame arrives, the context ends or the endpoint closes.
// Frames not passing filters are never queued, as with a socket bus.
func (l *Loopback) Open(timeout time.Duration, filters ...Filter) *Endpoint {
	ep := &Endpoint{
		net:     l,
		ch:      make(chan models.CANFrame, 256),
		done:    make(chan struct{}),
		timeout: timeout,
		filters: filters,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		ep.dead = true
		close(ep.done)
		return ep
	}
	l.endpoints[ep] = struct{}{}
	return ep
}

// Close detaches and closes all endpoints, as if the interface vanished.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for ep := range l.endpoints {
		ep.shutdown()
	}
	l.endpoints = nil
	return nil
}

// Endpoint is one node attached to a Loopback. It implements Bus.
type Endpoint struct {
	net     *Loopback
	ch      chan models.CANFrame
	timeout time.Duration
	filters []Filter

	mu   sync.Mutex
	dead bool
	done chan struct{}
}

// Send delivers the frame to every other endpoint. A full receiver
// queue yields ErrBusFull.
func (e *Endpoint) Send(ctx context.Context, frame models.CANFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := marshalFrame(frame); err != nil {
		return err
	}

	e.net.mu.RLock()
	defer e.net.mu.RUnlock()
	if e.net.closed || e.isDead() {
		return ErrBusClosed
	}
	for ep := range e.net.endpoints {
		if ep == e || !accepts(ep.filters, frame.ID) {
			continue
		}
		select {
		case ep.ch <- frame:
		default:
			return ErrBusFull
		}
	}
	return nil
}

// Receive waits for the next frame addressed to this endpoint.
func (e *Endpoint) Receive(ctx context.Context) (models.CANMessage, error) {
	var expired <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case frame := <-e.ch:
		return models.CANMessage{Frame: frame, Timestamp: time.Now().UTC(), Interface: e.net.name}, nil
	case <-e.done:
		return models.CANMessage{}, ErrBusClosed
	case <-expired:
		return models.CANMessage{}, ErrBusTimeout
	case <-ctx.Done():
		return models.CANMessage{}, ctx.Err()
	}
}

// Close detaches the endpoint from the network.
func (e *Endpoint) Close() error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.shutdown()
	if e.net.endpoints != nil {
		delete(e.net.endpoints, e)
	}
	return nil
}

func (e *Endpoint) isDead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.dead = true
	close(e.done)
}
