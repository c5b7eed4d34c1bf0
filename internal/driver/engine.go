package driver

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

// Engine torque control modes (EEC1 byte 0, low nibble).
const (
	TorqueModeNoRequest   = 0
	TorqueModeAccelerator = 1
	TorqueModeCruise      = 2
	TorqueModePTOGovernor = 3
)

// TSC1 override control modes.
const (
	overrideSpeedControl      = 0b01
	overrideSpeedTorqueLimit  = 0b11
	tsc1Priority              = 3
	rpmResolution             = 0.125
	ebc1EngineShutdownRequest = 0x10
)

// engine is an engine ECU controlled over TSC1.
type engine struct {
	idle float64
	max  float64
}

func (engine) signals() []string {
	return []string{"rpm", "driver_demand", "actual_torque", "torque_mode", "starter_mode"}
}

func (engine) targets() []string { return []string{"rpm", "start", "stop"} }

func (engine) requiresLive() bool { return true }

func (engine) decode(id j1939.ID, data []byte) ([]Reading, error) {
	if id.PGN() != j1939.PGNElectronicEngineController1 {
		return nil, malformed("engine: unexpected pgn %d", id.PGN())
	}
	if len(data) != 8 {
		return nil, malformed("engine: length %d", len(data))
	}

	readings := make([]Reading, 0, 5)
	if data[0] != j1939.NotAvailable {
		readings = append(readings, Reading{Signal: "torque_mode", Value: float64(data[0] & 0x0F)})
	}
	if data[1] != j1939.NotAvailable {
		readings = append(readings, Reading{Signal: "driver_demand", Value: float64(int(data[1]) - 125)})
	}
	if data[2] != j1939.NotAvailable {
		readings = append(readings, Reading{Signal: "actual_torque", Value: float64(int(data[2]) - 125)})
	}
	if rpm := binary.LittleEndian.Uint16(data[3:5]); rpm != math.MaxUint16 {
		readings = append(readings, Reading{Signal: "rpm", Value: float64(rpm) * rpmResolution})
	}
	if data[6] != j1939.NotAvailable {
		readings = append(readings, Reading{Signal: "starter_mode", Value: float64(data[6] & 0x0F)})
	}
	return readings, nil
}

func (e engine) encode(a addressing, target string, value float64) ([]models.CANFrame, error) {
	switch target {
	case "rpm":
		if math.IsNaN(value) || value < e.idle || value > e.max {
			return nil, fmt.Errorf("%w: rpm %g outside [%g, %g]", ErrOutOfRange, value, e.idle, e.max)
		}
		return []models.CANFrame{tsc1(a, overrideSpeedControl, value)}, nil
	case "start":
		return []models.CANFrame{tsc1(a, overrideSpeedTorqueLimit, e.idle)}, nil
	case "stop":
		data := []byte{j1939.NotAvailable, j1939.NotAvailable, j1939.NotAvailable, ebc1EngineShutdownRequest}
		return []models.CANFrame{j1939.NewID(tsc1Priority, j1939.PGNElectronicBrakeController1, a.destination, a.source).Frame(data)}, nil
	}
	return nil, fmt.Errorf("%w: engine %s", ErrUnsupportedCommand, target)
}

func tsc1(a addressing, mode byte, rpm float64) models.CANFrame {
	raw := uint16(math.Round(rpm / rpmResolution))
	data := []byte{0xFC | mode, byte(raw), byte(raw >> 8)}
	return j1939.NewID(tsc1Priority, j1939.PGNTorqueSpeedControl1, a.destination, a.source).Frame(data)
}
