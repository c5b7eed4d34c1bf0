// Package network runs the J1939 networks: one receive loop per CAN
// interface feeding its drivers, plus reconnection and outbound sends.
package network

import (
	"log/slog"
	"sync/atomic"

	"github.com/Laixer/Glonax/internal/clock"
	"github.com/Laixer/Glonax/internal/driver"
	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/state"
)

// Identity is this node on one network.
type Identity struct {
	Name    j1939.Name
	Address uint8
}

// Counters are the dispatch statistics of one network.
type Counters struct {
	Received   uint64
	Dispatched uint64
	Unmapped   uint64
	Malformed  uint64
	Ignored    uint64
}

// Dispatcher routes received frames to the drivers of one network.
// Dispatch is called from the receive loop only, so frames reach the
// drivers in arrival order.
type Dispatcher struct {
	identity Identity
	registry *driver.Registry
	store    *state.Store
	clock    clock.Clock
	logger   *slog.Logger

	received   atomic.Uint64
	dispatched atomic.Uint64
	unmapped   atomic.Uint64
	malformed  atomic.Uint64
	ignored    atomic.Uint64
}

func NewDispatcher(identity Identity, registry *driver.Registry, store *state.Store, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		identity: identity,
		registry: registry,
		store:    store,
		clock:    clk,
		logger:   logger,
	}
}

// Dispatch handles one received frame. It returns the frames this node
// must send in response, if any.
func (d *Dispatcher) Dispatch(msg models.CANMessage) []models.CANFrame {
	d.received.Add(1)

	id, ok := j1939.FromFrame(msg.Frame)
	if !ok {
		d.ignored.Add(1)
		return nil
	}
	// This node never hears its own frames; one carrying our address was
	// sent by somebody else.
	if id.SourceAddress() == d.identity.Address {
		if id.PGN() == j1939.PGNAddressClaimed {
			d.logger.Warn("address claimed by another node", "address", d.identity.Address)
		}
		d.ignored.Add(1)
		return nil
	}
	if id.PGN().IsNetworkManagement() {
		return d.networkManagement(id, msg.Frame)
	}

	drv, ok := d.registry.Lookup(id)
	if !ok {
		d.unmapped.Add(1)
		return nil
	}

	now := d.clock.Now()
	readings, err := drv.Decode(msg.Frame, now)
	if err != nil {
		d.malformed.Add(1)
		d.logger.Debug("dropping frame", "id", id, "driver", drv.Name(), "error", err)
		return nil
	}
	for _, r := range readings {
		if err := d.store.Write(r.Signal, drv.Owner(), r.Value, now); err != nil {
			d.logger.Error("failed to write signal", "signal", r.Signal, "error", err)
		}
	}
	d.dispatched.Add(1)
	return nil
}

func (d *Dispatcher) networkManagement(id j1939.ID, frame models.CANFrame) []models.CANFrame {
	da := id.DestinationAddress()
	if id.PGN() != j1939.PGNRequest || (da != d.identity.Address && da != j1939.AddressGlobal) {
		d.ignored.Add(1)
		return nil
	}

	pgn, ok := j1939.RequestedPGN(frame.Payload())
	if !ok {
		d.malformed.Add(1)
		return nil
	}
	if pgn != j1939.PGNAddressClaimed {
		d.ignored.Add(1)
		return nil
	}
	d.dispatched.Add(1)
	return []models.CANFrame{j1939.AddressClaimed(d.identity.Name, d.identity.Address)}
}

// Counters returns a copy of the dispatch statistics.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		Received:   d.received.Load(),
		Dispatched: d.dispatched.Load(),
		Unmapped:   d.unmapped.Load(),
		Malformed:  d.malformed.Load(),
		Ignored:    d.ignored.Load(),
	}
}
