package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

// Vecraft controller states (status byte 0).
const (
	VecraftStateNominal       = 0x14
	VecraftStateIdent         = 0x16
	VecraftStateFaultyGeneric = 0xFA
	VecraftStateFaultyBus     = 0xFB
)

const (
	actuatorsPerBank = 4
	actuatorCount    = 8
	actuatorNone     = 0xFFFF
	configPriority   = 6
	motionPriority   = 3
	rebootMagic      = 0x69
	motionLocked     = 0x00
	motionUnlocked   = 0x01
)

var vecraftStatusSignals = []string{"state", "motion_locked", "uptime"}

// decodeVecraftStatus reads the status broadcast shared by all Vecraft units.
func decodeVecraftStatus(data []byte) ([]Reading, error) {
	if len(data) != 8 {
		return nil, malformed("vecraft status: length %d", len(data))
	}
	readings := []Reading{
		{Signal: "state", Value: float64(data[0])},
		{Signal: "motion_locked", Value: boolValue(data[2] == 1)},
	}
	if uptime := binary.LittleEndian.Uint32(data[4:8]); uptime != math.MaxUint32 {
		readings = append(readings, Reading{Signal: "uptime", Value: float64(uptime)})
	}
	return readings, nil
}

// vecraftConfig builds the "ZC" unit configuration message. Fields left
// at NotAvailable are not changed by the unit.
type vecraftConfig struct {
	ident  *bool
	reboot bool
}

func (c vecraftConfig) frame(a addressing) models.CANFrame {
	data := []byte{'Z', 'C', j1939.NotAvailable, j1939.NotAvailable}
	if c.ident != nil {
		data[2] = byte(boolValue(*c.ident))
	}
	if c.reboot {
		data[3] = rebootMagic
	}
	return j1939.NewID(configPriority, j1939.PGNProprietarilyConfigurable1, a.destination, a.source).Frame(data)
}

// motionConfig builds the "ZC" motion configuration message. On the wire
// 0x00 locks motion and 0x01 unlocks it.
type motionConfig struct {
	lock  *bool
	reset bool
}

func (c motionConfig) frame(a addressing) models.CANFrame {
	data := []byte{'Z', 'C', j1939.NotAvailable, j1939.NotAvailable, j1939.NotAvailable}
	if c.lock != nil {
		data[3] = motionUnlocked
		if *c.lock {
			data[3] = motionLocked
		}
	}
	if c.reset {
		data[4] = 0x01
	}
	return j1939.NewID(motionPriority, j1939.PGNProprietarilyConfigurable3, a.destination, a.source).Frame(data)
}

// decodeMotionConfig reads the motion configuration echoed by the unit.
func decodeMotionConfig(data []byte) ([]Reading, error) {
	if len(data) < 5 || data[0] != 'Z' || data[1] != 'C' || data[2] != j1939.NotAvailable {
		return nil, malformed("motion config: bad header % X", data)
	}
	switch data[3] {
	case motionLocked:
		return []Reading{{Signal: "motion_locked", Value: 1}}, nil
	case motionUnlocked:
		return []Reading{{Signal: "motion_locked", Value: 0}}, nil
	}
	return nil, nil
}

// hydraulic is the hydraulic control unit driving up to eight actuators.
type hydraulic struct{}

func (hydraulic) signals() []string {
	s := append([]string(nil), vecraftStatusSignals...)
	for i := 0; i < actuatorCount; i++ {
		s = append(s, "actuator."+strconv.Itoa(i))
	}
	return s
}

func (hydraulic) targets() []string {
	t := []string{"stop_all", "motion_lock", "motion_reset"}
	for i := 0; i < actuatorCount; i++ {
		t = append(t, "actuator."+strconv.Itoa(i))
	}
	return t
}

func (hydraulic) requiresLive() bool { return true }

func (hydraulic) decode(id j1939.ID, data []byte) ([]Reading, error) {
	switch id.PGN() {
	case j1939.PGNVecraftStatus:
		return decodeVecraftStatus(data)
	case j1939.PGNActuatorBankLow:
		return decodeActuatorBank(0, data)
	case j1939.PGNActuatorBankHigh:
		return decodeActuatorBank(actuatorsPerBank, data)
	case j1939.PGNProprietarilyConfigurable3:
		return decodeMotionConfig(data)
	}
	return nil, malformed("hydraulic: unexpected pgn %d", id.PGN())
}

func decodeActuatorBank(first int, data []byte) ([]Reading, error) {
	if len(data) != 8 {
		return nil, malformed("actuator bank: length %d", len(data))
	}
	var readings []Reading
	for i := 0; i < actuatorsPerBank; i++ {
		raw := binary.LittleEndian.Uint16(data[i*2:])
		if raw == actuatorNone {
			continue
		}
		readings = append(readings, Reading{
			Signal: "actuator." + strconv.Itoa(first+i),
			Value:  float64(int16(raw)),
		})
	}
	return readings, nil
}

func (hydraulic) encode(a addressing, target string, value float64) ([]models.CANFrame, error) {
	switch target {
	case "stop_all":
		zero := [actuatorsPerBank]int16{}
		return []models.CANFrame{
			actuatorBank(a, j1939.PGNActuatorBankLow, zero, actuatorsPerBank),
			actuatorBank(a, j1939.PGNActuatorBankHigh, zero, actuatorsPerBank),
		}, nil
	case "motion_lock":
		lock := value != 0
		return []models.CANFrame{motionConfig{lock: &lock}.frame(a)}, nil
	case "motion_reset":
		return []models.CANFrame{motionConfig{reset: true}.frame(a)}, nil
	}

	idx, ok := strings.CutPrefix(target, "actuator.")
	if !ok {
		return nil, fmt.Errorf("%w: hydraulic %s", ErrUnsupportedCommand, target)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 || n >= actuatorCount {
		return nil, fmt.Errorf("%w: hydraulic %s", ErrUnsupportedCommand, target)
	}
	if math.IsNaN(value) || value < math.MinInt16 || value > math.MaxInt16 {
		return nil, fmt.Errorf("%w: actuator %d value %g", ErrOutOfRange, n, value)
	}
	v := int16(math.Round(value))
	// -1 collides with the "no value" marker.
	if v == -1 {
		v = 0
	}

	var bank [actuatorsPerBank]int16
	bank[n%actuatorsPerBank] = v
	pgn := j1939.PGNActuatorBankLow
	if n >= actuatorsPerBank {
		pgn = j1939.PGNActuatorBankHigh
	}
	return []models.CANFrame{actuatorBank(a, pgn, bank, n%actuatorsPerBank)}, nil
}

// actuatorBank encodes one bank. Only slot set is transmitted, unless set
// equals actuatorsPerBank in which case all slots are.
func actuatorBank(a addressing, pgn j1939.PGN, values [actuatorsPerBank]int16, set int) models.CANFrame {
	data := make([]byte, 8)
	for i := 0; i < actuatorsPerBank; i++ {
		raw := uint16(actuatorNone)
		if set == actuatorsPerBank || i == set {
			raw = uint16(values[i])
		}
		binary.LittleEndian.PutUint16(data[i*2:], raw)
	}
	return j1939.NewID(motionPriority, pgn, a.destination, a.source).Frame(data)
}

// vcu is the vehicle control unit.
type vcu struct{}

func (vcu) signals() []string { return append([]string(nil), vecraftStatusSignals...) }

func (vcu) targets() []string { return []string{"ident", "reboot"} }

// The unit must be reachable by reboot when it stopped reporting.
func (vcu) requiresLive() bool { return false }

func (vcu) decode(id j1939.ID, data []byte) ([]Reading, error) {
	if id.PGN() != j1939.PGNVecraftStatus {
		return nil, malformed("vcu: unexpected pgn %d", id.PGN())
	}
	return decodeVecraftStatus(data)
}

func (vcu) encode(a addressing, target string, value float64) ([]models.CANFrame, error) {
	switch target {
	case "ident":
		on := value != 0
		return []models.CANFrame{vecraftConfig{ident: &on}.frame(a)}, nil
	case "reboot":
		return []models.CANFrame{vecraftConfig{reboot: true}.frame(a)}, nil
	}
	return nil, fmt.Errorf("%w: vcu %s", ErrUnsupportedCommand, target)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
