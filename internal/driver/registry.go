package driver

import (
	"fmt"
	"time"

	"github.com/Laixer/Glonax/internal/j1939"
)

type addressPair struct {
	destination uint8
	source      uint8
}

// Registry maps the address fields of received frames to the drivers of
// one bus. It is immutable once built; only driver liveness changes.
type Registry struct {
	bus     string
	drivers []*Driver

	explicit       map[addressPair]*Driver
	explicitByDest map[uint8]*Driver
	byDest         map[uint8]*Driver
}

// NewRegistry builds the registry of bus. local is the address this node
// claimed on the bus; it is used for frames to drivers configured without
// an explicit source. Any invalid or duplicate entry fails the whole bus.
func NewRegistry(bus string, local uint8, configs []Config, now time.Time) (*Registry, error) {
	r := &Registry{
		bus:            bus,
		explicit:       make(map[addressPair]*Driver),
		explicitByDest: make(map[uint8]*Driver),
		byDest:         make(map[uint8]*Driver),
	}
	seen := make(map[Key]string, len(configs))
	names := make(map[string]struct{}, len(configs))

	for i, cfg := range configs {
		d, err := newDriver(bus, local, cfg, now)
		if err != nil {
			return nil, fmt.Errorf("bus %s: driver %d: %w", bus, i, err)
		}
		if prev, ok := seen[d.key]; ok {
			return nil, fmt.Errorf("bus %s: %w: %s used by %s and %s", bus, ErrDuplicateKey, d.key, prev, d.name)
		}
		if _, ok := names[d.name]; ok {
			return nil, fmt.Errorf("bus %s: %w: duplicate driver name %s", bus, ErrInvalidConfig, d.name)
		}
		seen[d.key] = d.name
		names[d.name] = struct{}{}

		if d.key.HasSource {
			r.explicit[addressPair{d.key.Destination, d.key.Source}] = d
			if _, ok := r.explicitByDest[d.key.Destination]; !ok {
				r.explicitByDest[d.key.Destination] = d
			}
		} else {
			r.byDest[d.key.Destination] = d
		}
		r.drivers = append(r.drivers, d)
	}
	return r, nil
}

func (r *Registry) Bus() string { return r.bus }

// Drivers returns the drivers in configuration order.
func (r *Registry) Drivers() []*Driver { return r.drivers }

// Lookup finds the driver a frame belongs to. Only frames sent by a
// device reach its driver; frames addressed to it, including the
// commands of other controllers, are never decoded as device state.
// Drivers with an explicit source address take precedence:
//
//  1. explicit driver whose device answers its source (SA = dest, DA = src)
//  2. explicit driver whose device broadcasts (SA = dest, DA global)
//  3. destination only driver whose device sent the frame (SA = dest)
func (r *Registry) Lookup(id j1939.ID) (*Driver, bool) {
	sa := id.SourceAddress()

	if id.IsPDU1() {
		if d, ok := r.explicit[addressPair{sa, id.PS()}]; ok {
			return d, true
		}
	}
	if id.DestinationAddress() == j1939.AddressGlobal {
		if d, ok := r.explicitByDest[sa]; ok {
			return d, true
		}
	}
	if d, ok := r.byDest[sa]; ok {
		return d, true
	}
	return nil, false
}
