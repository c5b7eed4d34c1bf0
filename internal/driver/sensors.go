package driver

import (
	"encoding/binary"
	"math"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

// Encoder error states reported in the process data.
const (
	EncoderStateOK            = 0x0000
	EncoderStateGeneralError  = 0xEE00
	EncoderStateInvalidMUR    = 0xEE01
	EncoderStateInvalidTMR    = 0xEE02
	EncoderStateInvalidPreset = 0xEE03
)

const radToDeg = 180 / math.Pi

// encoder is an absolute rotary encoder broadcasting process data.
type encoder struct{}

func (encoder) signals() []string {
	return []string{"encoder.angle", "encoder.speed", "encoder.state"}
}

func (encoder) targets() []string { return nil }

func (encoder) requiresLive() bool { return false }

func (encoder) decode(id j1939.ID, data []byte) ([]Reading, error) {
	if id.PGN() != j1939.PGNEncoderProcessData {
		return nil, malformed("encoder: unexpected pgn %d", id.PGN())
	}
	if len(data) != 8 {
		return nil, malformed("encoder: length %d", len(data))
	}

	state := binary.LittleEndian.Uint16(data[6:8])
	readings := make([]Reading, 0, 3)
	if position := binary.LittleEndian.Uint32(data[0:4]); position != math.MaxUint32 {
		readings = append(readings, Reading{Signal: "encoder.angle", Value: float64(position) / 1000 * radToDeg})
	}
	if speed := binary.LittleEndian.Uint16(data[4:6]); speed != math.MaxUint16 {
		readings = append(readings, Reading{Signal: "encoder.speed", Value: float64(speed) / 1000 * radToDeg})
	}
	if state != math.MaxUint16 {
		readings = append(readings, Reading{Signal: "encoder.state", Value: float64(state)})
	}
	return readings, nil
}

func (encoder) encode(addressing, string, float64) ([]models.CANFrame, error) {
	return nil, ErrUnsupportedCommand
}

// inclinometer reports slope in two axes and its temperature.
type inclinometer struct{}

func (inclinometer) signals() []string {
	return []string{"inclination", "inclination.lateral", "temperature"}
}

func (inclinometer) targets() []string { return nil }

func (inclinometer) requiresLive() bool { return false }

func (inclinometer) decode(id j1939.ID, data []byte) ([]Reading, error) {
	if id.PGN() != j1939.PGNInclinometerProcessData {
		return nil, malformed("inclinometer: unexpected pgn %d", id.PGN())
	}
	if len(data) < 6 {
		return nil, malformed("inclinometer: length %d", len(data))
	}

	fields := []struct {
		signal string
		offset int
		scale  float64
	}{
		{"inclination", 0, 0.01},
		{"inclination.lateral", 2, 0.01},
		{"temperature", 4, 1},
	}
	readings := make([]Reading, 0, len(fields))
	for _, f := range fields {
		raw := binary.LittleEndian.Uint16(data[f.offset:])
		if raw == math.MaxUint16 {
			continue
		}
		readings = append(readings, Reading{Signal: f.signal, Value: float64(int16(raw)) * f.scale})
	}
	return readings, nil
}

func (inclinometer) encode(addressing, string, float64) ([]models.CANFrame, error) {
	return nil, ErrUnsupportedCommand
}
