// Package driver implements the J1939 field devices bound to a network.
//
// The set of device kinds is closed: each kind is a variant of the
// unexported device interface, and a Driver wraps one variant with its
// address key, liveness tracking and signal naming.
package driver

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrNotLive            = errors.New("driver not live")
	ErrOutOfRange         = errors.New("value out of range")
	ErrUnknownKind        = errors.New("unknown device kind")
	ErrDuplicateKey       = errors.New("duplicate device address key")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrInvalidConfig      = errors.New("invalid driver configuration")
	ErrForeignFrame       = errors.New("frame not sent by device")
)

// Kind is the device kind of a driver.
type Kind string

const (
	KindEncoder      Kind = "encoder"
	KindInclinometer Kind = "inclinometer"
	KindEngine       Kind = "engine"
	KindHydraulic    Kind = "hydraulic"
	KindVCU          Kind = "vcu"
)

var kindAliases = map[string]Kind{
	"encoder":                KindEncoder,
	"kuebler_encoder":        KindEncoder,
	"inclinometer":           KindInclinometer,
	"kuebler_inclinometer":   KindInclinometer,
	"engine":                 KindEngine,
	"volvo_d7e":              KindEngine,
	"hydraulic":              KindHydraulic,
	"hydraulic_control_unit": KindHydraulic,
	"vcu":                    KindVCU,
	"vehicle_control_unit":   KindVCU,
}

// ParseKind resolves a configured device kind, accepting the vendor
// specific aliases.
func ParseKind(s string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Liveness is derived from the recency of decoded frames.
type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessActive
	LivenessTimedOut
)

func (l Liveness) String() string {
	switch l {
	case LivenessActive:
		return "active"
	case LivenessTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Config describes one configured device.
type Config struct {
	Kind        Kind
	Name        string
	Destination uint8
	Source      *uint8
	Timeout     time.Duration

	// Engine only.
	IdleRPM float64
	MaxRPM  float64
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if _, ok := kindAliases[string(c.Kind)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if c.Destination >= j1939.AddressNull {
		return fmt.Errorf("%w: %s: destination 0x%02X is not a device address", ErrInvalidConfig, c.Name, c.Destination)
	}
	if c.Source != nil && *c.Source >= j1939.AddressNull {
		return fmt.Errorf("%w: %s: source 0x%02X is not a device address", ErrInvalidConfig, c.Name, *c.Source)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: %s: timeout must be positive", ErrInvalidConfig, c.Name)
	}
	if c.Kind == KindEngine {
		if c.IdleRPM <= 0 || c.MaxRPM < c.IdleRPM {
			return fmt.Errorf("%w: %s: rpm bounds [%g, %g]", ErrInvalidConfig, c.Name, c.IdleRPM, c.MaxRPM)
		}
	}
	return nil
}

// Key identifies a device on one bus.
type Key struct {
	Bus         string
	Destination uint8
	Source      uint8
	HasSource   bool
}

func (k Key) String() string {
	if k.HasSource {
		return fmt.Sprintf("%s/0x%02X:0x%02X", k.Bus, k.Destination, k.Source)
	}
	return fmt.Sprintf("%s/0x%02X", k.Bus, k.Destination)
}

// Reading is one decoded signal value.
type Reading struct {
	Signal string
	Value  float64
}

// device is implemented by the device kinds of this package only.
type device interface {
	// signals and targets are suffixes appended to the driver name.
	signals() []string
	targets() []string
	decode(id j1939.ID, data []byte) ([]Reading, error)
	encode(a addressing, target string, value float64) ([]models.CANFrame, error)
	// requiresLive reports whether commands need an acknowledging device.
	requiresLive() bool
}

// addressing carries the addresses used for frames this node originates.
type addressing struct {
	destination uint8
	source      uint8
}

// Driver is one bound device.
type Driver struct {
	key     Key
	kind    Kind
	name    string
	timeout time.Duration
	addr    addressing
	dev     device

	mu        sync.Mutex
	liveness  Liveness
	lastFrame time.Time
}

func newDriver(bus string, local uint8, cfg Config, now time.Time) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	kind := kindAliases[string(cfg.Kind)]

	d := &Driver{
		key:       Key{Bus: bus, Destination: cfg.Destination},
		kind:      kind,
		name:      cfg.Name,
		timeout:   cfg.Timeout,
		addr:      addressing{destination: cfg.Destination, source: local},
		lastFrame: now,
	}
	if cfg.Source != nil {
		d.key.Source = *cfg.Source
		d.key.HasSource = true
		d.addr.source = *cfg.Source
	}

	switch kind {
	case KindEncoder:
		d.dev = encoder{}
	case KindInclinometer:
		d.dev = inclinometer{}
	case KindEngine:
		d.dev = engine{idle: cfg.IdleRPM, max: cfg.MaxRPM}
	case KindHydraulic:
		d.dev = hydraulic{}
	case KindVCU:
		d.dev = vcu{}
	}
	return d, nil
}

func (d *Driver) Key() Key     { return d.key }
func (d *Driver) Kind() Kind   { return d.kind }
func (d *Driver) Name() string { return d.name }

// Owner is the writer identity of this driver in the state store.
func (d *Driver) Owner() string { return d.key.String() }

// Signals returns the full names of the signals this driver writes.
func (d *Driver) Signals() []string { return d.qualify(d.dev.signals()) }

// Targets returns the full names of the commands this driver accepts.
func (d *Driver) Targets() []string { return d.qualify(d.dev.targets()) }

func (d *Driver) qualify(suffixes []string) []string {
	names := make([]string, len(suffixes))
	for i, s := range suffixes {
		names[i] = d.name + "." + s
	}
	return names
}

// Decode parses a frame from or about the device. A successful decode
// refreshes liveness.
func (d *Driver) Decode(frame models.CANFrame, now time.Time) ([]Reading, error) {
	id, ok := j1939.FromFrame(frame)
	if !ok {
		return nil, fmt.Errorf("%w: not an extended data frame", ErrMalformedFrame)
	}
	if id.SourceAddress() != d.addr.destination {
		return nil, fmt.Errorf("%s: %w: source 0x%02X", d.name, ErrForeignFrame, id.SourceAddress())
	}
	readings, err := d.dev.decode(id, frame.Payload())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	for i := range readings {
		readings[i].Signal = d.name + "." + readings[i].Signal
	}

	d.mu.Lock()
	d.liveness = LivenessActive
	d.lastFrame = now
	d.mu.Unlock()
	return readings, nil
}

// Encode translates a command into the frames to send, in order.
func (d *Driver) Encode(cmd models.Command) ([]models.CANFrame, error) {
	target, ok := strings.CutPrefix(cmd.Target, d.name+".")
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a target of %s", ErrUnsupportedCommand, cmd.Target, d.name)
	}
	if d.dev.requiresLive() && d.Liveness() != LivenessActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotLive, d.name, d.Liveness())
	}
	frames, err := d.dev.encode(d.addr, target, cmd.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Target, err)
	}
	return frames, nil
}

// Ready reports whether the driver currently accepts commands.
func (d *Driver) Ready() bool {
	return !d.dev.requiresLive() || d.Liveness() == LivenessActive
}

func (d *Driver) Liveness() Liveness {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveness
}

// CheckLiveness times the driver out when no frame was decoded within
// its timeout. It reports whether this call made the transition.
func (d *Driver) CheckLiveness(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.liveness == LivenessTimedOut {
		return false
	}
	if now.Sub(d.lastFrame) > d.timeout {
		d.liveness = LivenessTimedOut
		return true
	}
	return false
}

// MarkUnknown resets liveness after the bus was lost. The timeout starts
// over from now.
func (d *Driver) MarkUnknown(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveness = LivenessUnknown
	d.lastFrame = now
}

func (d *Driver) Status() models.DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.DriverStatus{
		Key:       d.key.String(),
		Kind:      string(d.kind),
		Name:      d.name,
		Liveness:  d.liveness.String(),
		LastFrame: d.lastFrame,
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedFrame}, args...)...)
}
