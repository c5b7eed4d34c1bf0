package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Laixer/Glonax/internal/can"
	"github.com/Laixer/Glonax/internal/clock"
	"github.com/Laixer/Glonax/internal/driver"
	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/state"
)

var (
	ErrDisconnected = errors.New("network disconnected")
	ErrClosed       = errors.New("network closed")
)

const (
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 10 * time.Second
	drainTimeout = 2 * time.Second
)

// State of the bus handle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "closed"
	}
}

// Opener opens the bus of an interface.
type Opener func(ifname string) (can.Bus, error)

// SocketOpener opens SocketCAN interfaces.
func SocketOpener(receiveTimeout time.Duration) Opener {
	return func(ifname string) (can.Bus, error) {
		return can.Open(ifname, can.WithReceiveTimeout(receiveTimeout), can.WithFilter(can.ExtendedData))
	}
}

// Config describes one network.
type Config struct {
	Interface string
	Identity  Identity
	Drivers   []driver.Config
}

type Option func(*Network)

// WithLinkCheck sets the presence check run before every (re)open.
func WithLinkCheck(check func(ifname string) (bool, error)) Option {
	return func(n *Network) { n.linkUp = check }
}

func WithClock(c clock.Clock) Option {
	return func(n *Network) { n.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Network) { n.logger = l }
}

// WithTap hands every received frame to tap before dispatch. The tap
// runs on the receive loop and must not block.
func WithTap(tap func(models.CANMessage)) Option {
	return func(n *Network) { n.tap = tap }
}

// Network owns one CAN interface with its drivers.
type Network struct {
	iface      string
	identity   Identity
	registry   *driver.Registry
	dispatcher *Dispatcher
	store      *state.Store
	open       Opener
	linkUp     func(string) (bool, error)
	tap        func(models.CANMessage)
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.RWMutex
	bus      can.Bus
	state    State
	closing  bool
	inflight sync.WaitGroup
	closed   chan struct{}

	sent atomic.Uint64
}

// New builds the registry of the network and registers the signals of
// its drivers in store. Configuration errors are returned as is and are
// fatal to the daemon.
func New(cfg Config, store *state.Store, open Opener, opts ...Option) (*Network, error) {
	if err := cfg.Identity.Name.Validate(); err != nil {
		return nil, fmt.Errorf("network %s: %w", cfg.Interface, err)
	}
	if cfg.Identity.Address >= j1939.AddressNull {
		return nil, fmt.Errorf("network %s: address 0x%02X cannot be claimed", cfg.Interface, cfg.Identity.Address)
	}

	n := &Network{
		iface:    cfg.Interface,
		identity: cfg.Identity,
		store:    store,
		open:     open,
		clock:    clock.Real(),
		logger:   slog.Default(),
		state:    StateDisconnected,
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("interface", cfg.Interface)

	registry, err := driver.NewRegistry(cfg.Interface, cfg.Identity.Address, cfg.Drivers, n.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, d := range registry.Drivers() {
		for _, signal := range d.Signals() {
			if err := store.Register(signal, d.Owner()); err != nil {
				return nil, fmt.Errorf("network %s: %w", cfg.Interface, err)
			}
		}
	}
	n.registry = registry
	n.dispatcher = NewDispatcher(cfg.Identity, registry, store, n.clock, n.logger)
	return n, nil
}

func (n *Network) Interface() string          { return n.iface }
func (n *Network) Registry() *driver.Registry { return n.registry }
func (n *Network) Dispatcher() *Dispatcher    { return n.dispatcher }
func (n *Network) Drivers() []*driver.Driver  { return n.registry.Drivers() }

func (n *Network) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Run keeps the network connected until ctx ends or Close is called.
// Loss of the interface never ends Run; it reconnects with backoff.
func (n *Network) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if n.isClosing() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		n.setState(StateConnecting)
		bus, err := n.connect()
		if err != nil {
			n.setState(StateDisconnected)
			n.logger.Warn("failed to open bus", "error", err, "retry_in", backoff)
			if !n.sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		if !n.attach(bus) {
			bus.Close()
			return nil
		}
		backoff = minBackoff
		n.logger.Info("bus connected", "address", n.identity.Address)
		if err := n.send(ctx, bus, j1939.AddressClaimed(n.identity.Name, n.identity.Address)); err != nil {
			n.logger.Warn("failed to announce address", "error", err)
		}

		err = n.receive(ctx, bus)
		n.detach(bus)
		if n.isClosing() || ctx.Err() != nil {
			return nil
		}
		n.logger.Warn("bus lost", "error", err, "retry_in", backoff)
		if !n.sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (n *Network) connect() (can.Bus, error) {
	if n.linkUp != nil {
		up, err := n.linkUp(n.iface)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", can.ErrBusUnavailable, err)
		}
		if !up {
			return nil, fmt.Errorf("%w: %s is down", can.ErrBusUnavailable, n.iface)
		}
	}
	return n.open(n.iface)
}

func (n *Network) receive(ctx context.Context, bus can.Bus) error {
	for {
		msg, err := bus.Receive(ctx)
		if err != nil {
			if errors.Is(err, can.ErrBusTimeout) {
				continue
			}
			return err
		}
		if n.tap != nil {
			n.tap(msg)
		}
		for _, reply := range n.dispatcher.Dispatch(msg) {
			if err := n.send(ctx, bus, reply); err != nil {
				n.logger.Warn("failed to send reply", "error", err)
			}
		}
	}
}

func (n *Network) send(ctx context.Context, bus can.Bus, frame models.CANFrame) error {
	if err := bus.Send(ctx, frame); err != nil {
		return err
	}
	n.sent.Add(1)
	return nil
}

// sleep waits for d on the network clock. It returns false when the
// network should stop instead.
func (n *Network) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-n.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-n.closed:
		return false
	}
}

func (n *Network) attach(bus can.Bus) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing {
		return false
	}
	n.bus = bus
	n.state = StateConnected
	return true
}

// detach drops the handle after a receive error and makes every driver
// of the network report stale data.
func (n *Network) detach(bus can.Bus) {
	n.mu.Lock()
	if n.bus == bus {
		n.bus = nil
	}
	if !n.closing {
		n.state = StateDisconnected
	}
	n.mu.Unlock()

	bus.Close()

	now := n.clock.Now()
	for _, d := range n.registry.Drivers() {
		d.MarkUnknown(now)
		n.store.MarkStale(d.Owner())
	}
}

func (n *Network) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closing {
		n.state = s
	}
}

func (n *Network) isClosing() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closing
}

// Send transmits frames in order. It fails when the bus is not
// connected or the network is shutting down.
func (n *Network) Send(ctx context.Context, frames []models.CANFrame) error {
	n.mu.RLock()
	if n.closing {
		n.mu.RUnlock()
		return ErrClosed
	}
	bus := n.bus
	if bus == nil || n.state != StateConnected {
		n.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrDisconnected, n.iface)
	}
	n.inflight.Add(1)
	n.mu.RUnlock()
	defer n.inflight.Done()

	for _, f := range frames {
		if err := n.send(ctx, bus, f); err != nil {
			return fmt.Errorf("failed to send on %s: %w", n.iface, err)
		}
	}
	return nil
}

// CheckLiveness times out drivers that stopped reporting and flags their
// signals stale. Disconnected networks are skipped; their drivers are
// already unknown.
func (n *Network) CheckLiveness(now time.Time) []*driver.Driver {
	if n.State() != StateConnected {
		return nil
	}
	var timedOut []*driver.Driver
	for _, d := range n.registry.Drivers() {
		if d.CheckLiveness(now) {
			n.store.MarkStale(d.Owner())
			n.logger.Warn("driver timed out", "driver", d.Name(), "key", d.Key())
			timedOut = append(timedOut, d)
		}
	}
	return timedOut
}

// Close stops accepting sends, waits for in-flight sends and closes the
// bus handle.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	n.closing = true
	n.state = StateClosed
	close(n.closed)
	n.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		n.logger.Warn("timed out draining sends")
	}

	n.mu.Lock()
	bus := n.bus
	n.bus = nil
	n.mu.Unlock()
	if bus != nil {
		return bus.Close()
	}
	return nil
}

// Status reports the network for snapshots.
func (n *Network) Status() models.NetworkStatus {
	c := n.dispatcher.Counters()
	return models.NetworkStatus{
		Interface:  n.iface,
		State:      n.State().String(),
		Address:    n.identity.Address,
		Received:   c.Received,
		Dispatched: c.Dispatched,
		Unmapped:   c.Unmapped,
		Malformed:  c.Malformed,
		Sent:       n.sent.Load(),
	}
}
