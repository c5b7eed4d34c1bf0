// Package control carries commands from their source through the
// operating mode gate to the driver and onto the bus.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/driver"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/network"
)

var ErrShuttingDown = errors.New("shutting down")

// Link sends frames on the bus of a driver.
type Link interface {
	Send(ctx context.Context, frames []models.CANFrame) error
}

type route struct {
	driver *driver.Driver
	link   Link
}

// Targets maps command targets to their driver and bus.
type Targets struct {
	routes map[string]route
	drvs   []*driver.Driver
}

func NewTargets(networks ...*network.Network) *Targets {
	t := &Targets{routes: make(map[string]route)}
	for _, n := range networks {
		for _, d := range n.Drivers() {
			t.add(d, n)
		}
	}
	return t
}

func (t *Targets) add(d *driver.Driver, link Link) {
	for _, target := range d.Targets() {
		t.routes[target] = route{driver: d, link: link}
	}
	t.drvs = append(t.drvs, d)
}

// Resolve implements authority.TargetResolver.
func (t *Targets) Resolve(target string) (authority.Target, bool) {
	r, ok := t.routes[target]
	if !ok {
		return nil, false
	}
	return r.driver, true
}

// OfKind returns the drivers of kind in configuration order.
func (t *Targets) OfKind(kind driver.Kind) []*driver.Driver {
	var out []*driver.Driver
	for _, d := range t.drvs {
		if d.Kind() == kind {
			out = append(out, d)
		}
	}
	return out
}

// Controller executes commands.
type Controller struct {
	gate    *authority.Gate
	targets *Targets
	queue   *Queue
	now     func() time.Time
	logger  *slog.Logger

	stopping atomic.Bool
}

func New(gate *authority.Gate, targets *Targets, queue *Queue, logger *slog.Logger) *Controller {
	return &Controller{
		gate:    gate,
		targets: targets,
		queue:   queue,
		now:     time.Now,
		logger:  logger,
	}
}

func (c *Controller) Mode() authority.Mode { return c.gate.Mode() }

func (c *Controller) Targets() *Targets { return c.targets }

// Execute authorizes cmd and, when allowed, sends its frames. A denied
// command returns the decision together with a *authority.DeniedError.
func (c *Controller) Execute(ctx context.Context, cmd models.Command) (authority.Decision, error) {
	if c.stopping.Load() {
		return authority.Decision{}, ErrShuttingDown
	}
	cmd = c.stamp(cmd)

	decision := c.gate.Authorize(cmd)
	if !decision.Allowed {
		c.logger.Info("command denied", "id", cmd.ID, "command", cmd, "reason", decision.Reason)
		return decision, &authority.DeniedError{Reason: decision.Reason, Target: cmd.Target}
	}

	r := c.targets.routes[cmd.Target]
	frames, err := r.driver.Encode(cmd)
	if err != nil {
		c.logger.Info("command rejected by driver", "id", cmd.ID, "command", cmd, "error", err)
		return decision, err
	}
	if err := r.link.Send(ctx, frames); err != nil {
		c.logger.Warn("failed to send command", "id", cmd.ID, "command", cmd, "error", err)
		return decision, fmt.Errorf("failed to send %s: %w", cmd.Target, err)
	}
	c.logger.Debug("command sent", "id", cmd.ID, "command", cmd, "frames", len(frames))
	return decision, nil
}

// Submit routes a command the way its source requires. In autonomous
// mode the planner's commands wait for the host loop; everything else
// executes at once.
func (c *Controller) Submit(ctx context.Context, cmd models.Command) (authority.Decision, error) {
	if c.gate.Mode() != authority.ModeAutonomous || cmd.Source != models.SourceAutonomous || c.queue == nil {
		return c.Execute(ctx, cmd)
	}
	if c.stopping.Load() {
		return authority.Decision{}, ErrShuttingDown
	}
	p, err := c.queue.Submit(c.stamp(cmd))
	if err != nil {
		return authority.Decision{}, err
	}
	r, err := p.Wait(ctx)
	if err != nil {
		return authority.Decision{}, err
	}
	return r.Decision, r.Err
}

// ExecuteNext runs the oldest queued autonomous command, if any.
func (c *Controller) ExecuteNext(ctx context.Context) bool {
	if c.queue == nil {
		return false
	}
	p, ok := c.queue.Next()
	if !ok {
		return false
	}
	d, err := c.Execute(ctx, p.Command)
	p.resolve(Result{Decision: d, Err: err})
	return true
}

// Shutdown refuses every further command and fails queued ones.
func (c *Controller) Shutdown() {
	if c.stopping.Swap(true) {
		return
	}
	if c.queue != nil {
		if n := c.queue.Drain(ErrShuttingDown); n > 0 {
			c.logger.Info("dropped queued commands", "count", n)
		}
	}
}

func (c *Controller) stamp(cmd models.Command) models.Command {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Issued.IsZero() {
		cmd.Issued = c.now().UTC()
	}
	return cmd
}
