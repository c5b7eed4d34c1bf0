// Package authority decides which command sources may drive actuators.
package authority

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Laixer/Glonax/internal/models"
)

// Mode is the process wide operating mode. It is fixed at startup.
type Mode string

const (
	ModeNormal        Mode = "normal"
	ModePilotRestrict Mode = "pilot-restrict"
	ModeAutonomous    Mode = "autonomous"
)

var ErrUnknownMode = errors.New("unknown operating mode")

// ParseMode accepts the configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNormal, ModePilotRestrict, ModeAutonomous:
		return m, nil
	case "pilot_restrict", "pilotrestrict":
		return ModePilotRestrict, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Reason explains a denied command.
type Reason string

const (
	ReasonModeForbids         Reason = "mode_forbids"
	ReasonUnknownSource       Reason = "unknown_source"
	ReasonTargetDriverNotLive Reason = "target_driver_not_live"
	ReasonUnknownTarget       Reason = "unknown_target"
)

// Decision is the outcome of an authorization.
type Decision struct {
	Allowed bool   `json:"allowed" cbor:"allowed"`
	Reason  Reason `json:"reason,omitempty" cbor:"reason,omitempty"`
}

var allow = Decision{Allowed: true}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Err returns nil for an allowed command and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + string(d.Reason) + ")"
}

// DeniedError reports a command rejected by the gate.
type DeniedError struct {
	Reason Reason
	Target string
}

func (e *DeniedError) Error() string {
	if e.Target == "" {
		return "command denied: " + string(e.Reason)
	}
	return fmt.Sprintf("command for %s denied: %s", e.Target, e.Reason)
}

// Authorize is the mode policy: it depends on source and mode only.
func Authorize(source models.Source, mode Mode) Decision {
	if !source.Known() {
		return deny(ReasonUnknownSource)
	}
	switch mode {
	case ModeNormal:
		return allow
	case ModePilotRestrict:
		if source == models.SourcePilot {
			return allow
		}
	case ModeAutonomous:
		if source == models.SourceAutonomous {
			return allow
		}
	}
	return deny(ReasonModeForbids)
}

// Target is the liveness view of the driver a command is aimed at.
type Target interface {
	Ready() bool
}

// TargetResolver finds the driver accepting a command target.
type TargetResolver interface {
	Resolve(target string) (Target, bool)
}

// Gate applies the mode policy followed by the target check.
type Gate struct {
	mode    Mode
	targets TargetResolver
}

func NewGate(mode Mode, targets TargetResolver) *Gate {
	return &Gate{mode: mode, targets: targets}
}

func (g *Gate) Mode() Mode { return g.mode }

// Authorize decides on cmd. The target is only consulted once the
// source is allowed by the mode.
func (g *Gate) Authorize(cmd models.Command) Decision {
	if d := Authorize(cmd.Source, g.mode); !d.Allowed {
		return d
	}
	t, ok := g.targets.Resolve(cmd.Target)
	if !ok {
		return deny(ReasonUnknownTarget)
	}
	if !t.Ready() {
		return deny(ReasonTargetDriverNotLive)
	}
	return allow
}
