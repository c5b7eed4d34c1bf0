// Package host runs the periodic machine tick: liveness supervision,
// snapshot publication and autonomous command execution.
package host

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/clock"
	"github.com/Laixer/Glonax/internal/control"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/network"
	"github.com/Laixer/Glonax/internal/state"
)

// DefaultInterval is the default tick interval.
const DefaultInterval = 200 * time.Millisecond

// Publisher receives every snapshot. Publish must not block the loop.
type Publisher interface {
	Publish(models.Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(models.Snapshot)

func (f PublisherFunc) Publish(s models.Snapshot) { f(s) }

type Config struct {
	Interval   time.Duration
	Mode       authority.Mode
	Networks   []*network.Network
	Store      *state.Store
	Controller *control.Controller
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Loop is the host loop.
type Loop struct {
	interval   time.Duration
	mode       authority.Mode
	networks   []*network.Network
	store      *state.Store
	controller *control.Controller
	clock      clock.Clock
	logger     *slog.Logger
	publishers []Publisher

	ticks    atomic.Uint64
	overruns atomic.Uint64
}

func New(cfg Config, publishers ...Publisher) *Loop {
	l := &Loop{
		interval:   cfg.Interval,
		mode:       cfg.Mode,
		networks:   cfg.Networks,
		store:      cfg.Store,
		controller: cfg.Controller,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		publishers: publishers,
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Run ticks until ctx ends. Tick n is due at start + n*interval; a late
// tick is logged and the following ones run back to back until the
// schedule is met again.
func (l *Loop) Run(ctx context.Context) error {
	start := l.clock.Now()
	l.logger.Info("host loop started", "interval", l.interval, "mode", l.mode)

	for n := int64(1); ; n++ {
		l.Tick(ctx)

		next := start.Add(time.Duration(n) * l.interval)
		wait := next.Sub(l.clock.Now())
		if wait < 0 {
			l.overruns.Add(1)
			l.logger.Warn("tick overran", "tick", n-1, "late", -wait)
		}
		select {
		case <-l.clock.After(wait):
		case <-ctx.Done():
			l.logger.Info("host loop stopped", "ticks", l.ticks.Load(), "overruns", l.overruns.Load())
			return nil
		}
	}
}

// Tick runs one iteration.
func (l *Loop) Tick(ctx context.Context) {
	l.ticks.Add(1)
	now := l.clock.Now()

	for _, n := range l.networks {
		n.CheckLiveness(now)
	}

	snap := l.snapshot(now)
	for _, p := range l.publishers {
		p.Publish(snap)
	}

	if l.mode == authority.ModeAutonomous && l.controller != nil {
		l.controller.ExecuteNext(ctx)
	}
}

// Snapshot assembles the current machine state.
func (l *Loop) Snapshot() models.Snapshot {
	return l.snapshot(l.clock.Now())
}

func (l *Loop) snapshot(now time.Time) models.Snapshot {
	snap := models.Snapshot{
		Timestamp: now.UTC(),
		Mode:      string(l.mode),
		Signals:   l.store.Snapshot(),
	}
	for _, n := range l.networks {
		snap.Networks = append(snap.Networks, n.Status())
		for _, d := range n.Drivers() {
			snap.Drivers = append(snap.Drivers, d.Status())
		}
	}
	return snap
}

// Stats returns the number of ticks and overruns so far.
func (l *Loop) Stats() (ticks, overruns uint64) {
	return l.ticks.Load(), l.overruns.Load()
}
