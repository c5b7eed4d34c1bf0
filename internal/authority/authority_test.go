package authority

import (
	"errors"
	"testing"

	"github.com/Laixer/Glonax/internal/models"
)

type fakeTarget bool

func (f fakeTarget) Ready() bool { return bool(f) }

type fakeResolver map[string]fakeTarget

func (f fakeResolver) Resolve(target string) (Target, bool) {
	t, ok := f[target]
	return t, ok
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"normal":         ModeNormal,
		"Pilot-Restrict": ModePilotRestrict,
		"pilot_restrict": ModePilotRestrict,
		" autonomous ":   ModeAutonomous,
	}
	for in, want := range cases {
		if got, err := ParseMode(in); err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("manual"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("ParseMode(manual) error = %v", err)
	}
}

func TestAuthorize_Policy(t *testing.T) {
	sources := []models.Source{models.SourcePilot, models.SourceRemote, models.SourceAutonomous, "joystick", ""}
	allowed := map[Mode]map[models.Source]bool{
		ModeNormal:        {models.SourcePilot: true, models.SourceRemote: true, models.SourceAutonomous: true},
		ModePilotRestrict: {models.SourcePilot: true},
		ModeAutonomous:    {models.SourceAutonomous: true},
	}

	for mode, ok := range allowed {
		for _, src := range sources {
			d := Authorize(src, mode)
			// Same inputs, same answer.
			if again := Authorize(src, mode); again != d {
				t.Fatalf("Authorize(%s, %s) not deterministic: %v then %v", src, mode, d, again)
			}
			switch {
			case !src.Known():
				if d.Allowed || d.Reason != ReasonUnknownSource {
					t.Fatalf("Authorize(%q, %s) = %v, want deny(unknown_source)", src, mode, d)
				}
			case ok[src]:
				if !d.Allowed || d.Err() != nil {
					t.Fatalf("Authorize(%s, %s) = %v, want allow", src, mode, d)
				}
			default:
				if d.Allowed || d.Reason != ReasonModeForbids {
					t.Fatalf("Authorize(%s, %s) = %v, want deny(mode_forbids)", src, mode, d)
				}
			}
		}
	}
}

func TestGate_TargetCheck(t *testing.T) {
	resolver := fakeResolver{"hcu.actuator.0": false, "engine.rpm": true}
	cases := []struct {
		name string
		mode Mode
		cmd  models.Command
		want Decision
	}{
		{"allowed", ModeNormal, models.Command{Source: models.SourceRemote, Target: "engine.rpm"}, Decision{Allowed: true}},
		{"not live", ModeNormal, models.Command{Source: models.SourceRemote, Target: "hcu.actuator.0"}, Decision{Reason: ReasonTargetDriverNotLive}},
		{"unknown target", ModeNormal, models.Command{Source: models.SourcePilot, Target: "bucket.tilt"}, Decision{Reason: ReasonUnknownTarget}},
		// The mode is decided first, even for a dead target.
		{"remote under pilot restrict", ModePilotRestrict, models.Command{Source: models.SourceRemote, Target: "hcu.actuator.0"}, Decision{Reason: ReasonModeForbids}},
		{"pilot under autonomous", ModeAutonomous, models.Command{Source: models.SourcePilot, Target: "engine.rpm"}, Decision{Reason: ReasonModeForbids}},
	}
	for _, tc := range cases {
		g := NewGate(tc.mode, resolver)
		if got := g.Authorize(tc.cmd); got != tc.want {
			t.Fatalf("%s: Authorize() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDecision_Err(t *testing.T) {
	err := Decision{Reason: ReasonModeForbids}.Err()
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != ReasonModeForbids {
		t.Fatalf("Err() = %v, want *DeniedError(mode_forbids)", err)
	}
	if err.Error() != "command denied: mode_forbids" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
