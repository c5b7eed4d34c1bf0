package driver

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

const localAddress = 0x27

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func addr(a uint8) *uint8 { return &a }

func frame(pgn j1939.PGN, da, sa uint8, data ...byte) models.CANFrame {
	return j1939.NewID(6, pgn, da, sa).Frame(data)
}

func encoderFrame(sa uint8, degrees float64, state uint16) models.CANFrame {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], uint32(degrees/radToDeg*1000))
	binary.LittleEndian.PutUint16(data[4:], 0)
	binary.LittleEndian.PutUint16(data[6:], state)
	return frame(j1939.PGNEncoderProcessData, j1939.AddressGlobal, sa, data...)
}

func newRegistry(t *testing.T, configs ...Config) *Registry {
	t.Helper()
	r, err := NewRegistry("vcan0", localAddress, configs, t0)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func readingsMap(readings []Reading) map[string]float64 {
	m := make(map[string]float64, len(readings))
	for _, r := range readings {
		m[r.Signal] = r.Value
	}
	return m
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"encoder":                KindEncoder,
		"kuebler_encoder":        KindEncoder,
		"Kuebler_Inclinometer":   KindInclinometer,
		"volvo_d7e":              KindEngine,
		"hydraulic_control_unit": KindHydraulic,
		" vehicle_control_unit ": KindVCU,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("gnss"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("ParseKind(gnss) error = %v, want ErrUnknownKind", err)
	}
}

func TestNewRegistry_DuplicateKey(t *testing.T) {
	configs := []Config{
		{Kind: KindEncoder, Name: "boom", Destination: 0x6A, Timeout: time.Second},
		{Kind: KindEncoder, Name: "arm", Destination: 0x6A, Timeout: time.Second},
	}
	for i := 0; i < 3; i++ {
		if _, err := NewRegistry("vcan0", localAddress, configs, t0); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("attempt %d: NewRegistry() error = %v, want ErrDuplicateKey", i, err)
		}
	}

	// Same destination with an explicit source is a different key.
	configs[1].Source = addr(0x22)
	if _, err := NewRegistry("vcan0", localAddress, configs, t0); err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
}

func TestNewRegistry_InvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"unknown kind", Config{Kind: "gnss", Name: "gps", Destination: 0x10, Timeout: time.Second}, ErrUnknownKind},
		{"missing name", Config{Kind: KindEncoder, Destination: 0x10, Timeout: time.Second}, ErrInvalidConfig},
		{"zero timeout", Config{Kind: KindEncoder, Name: "arm", Destination: 0x10}, ErrInvalidConfig},
		{"global destination", Config{Kind: KindEncoder, Name: "arm", Destination: 0xFF, Timeout: time.Second}, ErrInvalidConfig},
		{"null source", Config{Kind: KindEncoder, Name: "arm", Destination: 0x10, Source: addr(0xFE), Timeout: time.Second}, ErrInvalidConfig},
		{"idle above max", Config{Kind: KindEngine, Name: "engine", Destination: 0x00, Timeout: time.Second, IdleRPM: 2200, MaxRPM: 2100}, ErrInvalidConfig},
		{"missing rpm bounds", Config{Kind: KindEngine, Name: "engine", Destination: 0x00, Timeout: time.Second}, ErrInvalidConfig},
	}
	for _, tc := range cases {
		if _, err := NewRegistry("vcan0", localAddress, []Config{tc.cfg}, t0); !errors.Is(err, tc.want) {
			t.Fatalf("%s: error = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := newRegistry(t,
		Config{Kind: KindEncoder, Name: "arm", Destination: 0x6A, Timeout: time.Second},
		Config{Kind: KindHydraulic, Name: "hcu", Destination: 0x4A, Source: addr(0x22), Timeout: time.Second},
		Config{Kind: KindVCU, Name: "fallback", Destination: 0x4A, Timeout: time.Second},
	)

	cases := []struct {
		name string
		id   j1939.ID
		want string
	}{
		{"explicit command stream", j1939.NewID(6, j1939.PGNActuatorBankLow, 0x4A, 0x22), ""},
		{"explicit device reply", j1939.NewID(6, j1939.PGNProprietaryA, 0x22, 0x4A), "hcu"},
		{"explicit device broadcast", j1939.NewID(6, j1939.PGNVecraftStatus, 0xFF, 0x4A), "hcu"},
		{"destination only by source", j1939.NewID(6, j1939.PGNProprietaryA, 0x10, 0x4A), "fallback"},
		{"frame addressed to device", j1939.NewID(6, j1939.PGNProprietaryA, 0x4A, 0x10), ""},
		{"other controller commanding device", j1939.NewID(3, j1939.PGNActuatorBankLow, 0x4A, 0x20), ""},
		{"sensor broadcast", j1939.NewID(6, j1939.PGNEncoderProcessData, 0xFF, 0x6A), "arm"},
		{"unmapped pdu1", j1939.NewID(6, j1939.PGNProprietaryA, 0x33, 0x10), ""},
		{"unmapped pdu2", j1939.NewID(6, j1939.PGNVecraftStatus, 0xFF, 0x77), ""},
	}
	for _, tc := range cases {
		d, ok := r.Lookup(tc.id)
		switch {
		case tc.want == "" && ok:
			t.Fatalf("%s: Lookup(%s) = %s, want no match", tc.name, tc.id, d.Name())
		case tc.want != "" && (!ok || d.Name() != tc.want):
			t.Fatalf("%s: Lookup(%s) = %v, %v; want %s", tc.name, tc.id, d, ok, tc.want)
		}
	}

	if got := r.Drivers(); len(got) != 3 || got[0].Name() != "arm" || got[2].Name() != "fallback" {
		t.Fatalf("Drivers() not in configuration order")
	}
}

func TestEncoder_AngleAndTimeout(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindEncoder, Name: "arm", Destination: 0x6A, Timeout: 1000 * time.Millisecond})
	f := encoderFrame(0x6A, 45.0, EncoderStateOK)
	id, _ := j1939.FromFrame(f)
	d, ok := r.Lookup(id)
	if !ok {
		t.Fatalf("encoder frame not mapped")
	}
	if d.Liveness() != LivenessUnknown {
		t.Fatalf("initial liveness = %s", d.Liveness())
	}

	readings, err := d.Decode(f, t0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got := readingsMap(readings)
	if angle := got["arm.encoder.angle"]; math.Abs(angle-45.0) > 0.06 {
		t.Fatalf("arm.encoder.angle = %f, want 45 within resolution", angle)
	}
	if got["arm.encoder.state"] != EncoderStateOK {
		t.Fatalf("arm.encoder.state = %f", got["arm.encoder.state"])
	}
	if d.Liveness() != LivenessActive {
		t.Fatalf("liveness after decode = %s", d.Liveness())
	}

	if d.CheckLiveness(t0.Add(1000 * time.Millisecond)) {
		t.Fatalf("timed out at exactly the timeout")
	}
	if !d.CheckLiveness(t0.Add(1001 * time.Millisecond)) {
		t.Fatalf("no timeout after 1001ms")
	}
	if d.Liveness() != LivenessTimedOut {
		t.Fatalf("liveness = %s, want timed_out", d.Liveness())
	}
	if d.CheckLiveness(t0.Add(2 * time.Second)) {
		t.Fatalf("timeout reported twice")
	}

	if _, err := d.Decode(f, t0.Add(3*time.Second)); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if d.Liveness() != LivenessActive {
		t.Fatalf("liveness after recovery = %s", d.Liveness())
	}
}

func TestEncoder_Frames(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindEncoder, Name: "boom", Destination: 0x6B, Timeout: time.Second})
	d := r.Drivers()[0]

	readings, err := d.Decode(encoderFrame(0x6B, 10, EncoderStateInvalidMUR), t0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := readingsMap(readings)["boom.encoder.state"]; got != EncoderStateInvalidMUR {
		t.Fatalf("state = %#x", uint16(got))
	}

	na := frame(j1939.PGNEncoderProcessData, 0xFF, 0x6B, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00)
	readings, err = d.Decode(na, t0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := readingsMap(readings)["boom.encoder.angle"]; ok || len(readings) != 1 {
		t.Fatalf("not available fields decoded: %+v", readings)
	}

	bad := []models.CANFrame{
		frame(j1939.PGNVecraftStatus, 0xFF, 0x6B),
		{ID: encoderFrame(0x6B, 0, 0).ID, DLC: 4},
		{ID: 0x123, DLC: 8},
	}
	for i, f := range bad {
		if _, err := d.Decode(f, t0); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("frame %d: Decode() error = %v, want ErrMalformedFrame", i, err)
		}
	}

	if _, err := d.Encode(models.Command{Target: "boom.encoder.angle", Value: 1}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("Encode() on sensor error = %v", err)
	}
}

func TestInclinometer_Decode(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindInclinometer, Name: "chassis", Destination: 0x7A, Timeout: time.Second})
	d := r.Drivers()[0]

	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], uint16(0xFF06))
	binary.LittleEndian.PutUint16(data[2:], 120)
	binary.LittleEndian.PutUint16(data[4:], 0xFFFF)
	readings, err := d.Decode(frame(j1939.PGNInclinometerProcessData, 0xFF, 0x7A, data...), t0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got := readingsMap(readings)
	if math.Abs(got["chassis.inclination"]+2.5) > 1e-9 || math.Abs(got["chassis.inclination.lateral"]-1.2) > 1e-9 {
		t.Fatalf("unexpected readings: %+v", got)
	}
	if _, ok := got["chassis.temperature"]; ok {
		t.Fatalf("not available temperature decoded")
	}
}

func TestEngine_DecodeEEC1(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindEngine, Name: "engine", Destination: 0x00, Timeout: time.Second, IdleRPM: 800, MaxRPM: 2100})
	d := r.Drivers()[0]

	cases := []struct {
		data []byte
		want map[string]float64
	}{
		{
			data: []byte{0xF0, 0xEA, 0x7D, 0x00, 0x00, 0x00, 0xF0, 0xFF},
			want: map[string]float64{"engine.torque_mode": TorqueModeNoRequest, "engine.driver_demand": 109, "engine.actual_torque": 0, "engine.rpm": 0, "engine.starter_mode": 0},
		},
		{
			data: []byte{0xF3, 0x91, 0x91, 0xAA, 0x18, 0x00, 0xF3, 0xFF},
			want: map[string]float64{"engine.torque_mode": TorqueModePTOGovernor, "engine.driver_demand": 20, "engine.actual_torque": 20, "engine.rpm": 789.25, "engine.starter_mode": 3},
		},
	}
	for i, tc := range cases {
		readings, err := d.Decode(frame(j1939.PGNElectronicEngineController1, 0xFF, 0x00, tc.data...), t0)
		if err != nil {
			t.Fatalf("case %d: Decode() error = %v", i, err)
		}
		got := readingsMap(readings)
		if len(got) != len(tc.want) {
			t.Fatalf("case %d: got %d readings, want %d", i, len(got), len(tc.want))
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Fatalf("case %d: %s = %g, want %g", i, k, got[k], v)
			}
		}
	}

	short := models.CANFrame{ID: frame(j1939.PGNElectronicEngineController1, 0xFF, 0x00).ID, DLC: 7}
	if _, err := d.Decode(short, t0); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Decode(short) error = %v", err)
	}
}

func TestEngine_Encode(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindEngine, Name: "engine", Destination: 0x00, Timeout: time.Second, IdleRPM: 800, MaxRPM: 2100})
	d := r.Drivers()[0]

	if _, err := d.Encode(models.Command{Target: "engine.rpm", Value: 1500}); !errors.Is(err, ErrNotLive) {
		t.Fatalf("Encode() before first frame error = %v, want ErrNotLive", err)
	}
	if d.Ready() {
		t.Fatalf("engine ready without frames")
	}
	if _, err := d.Decode(frame(j1939.PGNElectronicEngineController1, 0xFF, 0x00, 0xF0, 0xEA, 0x7D, 0, 0, 0, 0xF0, 0xFF), t0); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	for _, rpm := range []float64{2500, 799, math.NaN()} {
		frames, err := d.Encode(models.Command{Target: "engine.rpm", Value: rpm})
		if !errors.Is(err, ErrOutOfRange) || frames != nil {
			t.Fatalf("Encode(rpm=%g) = %v, %v; want ErrOutOfRange and no frames", rpm, frames, err)
		}
	}

	cases := []struct {
		target string
		value  float64
		pgn    j1939.PGN
		data   [8]byte
	}{
		{"engine.rpm", 1500, j1939.PGNTorqueSpeedControl1, [8]byte{0xFD, 0xE0, 0x2E, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"engine.start", 1, j1939.PGNTorqueSpeedControl1, [8]byte{0xFF, 0x00, 0x19, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"engine.stop", 1, j1939.PGNElectronicBrakeController1, [8]byte{0xFF, 0xFF, 0xFF, 0x10, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tc := range cases {
		frames, err := d.Encode(models.Command{Target: tc.target, Value: tc.value})
		if err != nil || len(frames) != 1 {
			t.Fatalf("Encode(%s) = %v, %v", tc.target, frames, err)
		}
		id, ok := j1939.FromFrame(frames[0])
		if !ok || id.PGN() != tc.pgn || id.Priority() != 3 || id.SourceAddress() != localAddress {
			t.Fatalf("Encode(%s) id = %s", tc.target, id)
		}
		if frames[0].Data != tc.data {
			t.Fatalf("Encode(%s) data = % X, want % X", tc.target, frames[0].Data, tc.data)
		}
	}

	d.CheckLiveness(t0.Add(2 * time.Second))
	if _, err := d.Encode(models.Command{Target: "engine.rpm", Value: 1500}); !errors.Is(err, ErrNotLive) {
		t.Fatalf("Encode() on timed out engine error = %v", err)
	}
}

func TestHydraulic_RoundTrip(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindHydraulic, Name: "hcu", Destination: 0x4A, Source: addr(0x22), Timeout: time.Second})
	d := r.Drivers()[0]

	status := frame(j1939.PGNVecraftStatus, 0xFF, 0x4A, VecraftStateNominal, 0xFF, 0x01, 0xFF, 0x10, 0x00, 0x00, 0x00)
	readings, err := d.Decode(status, t0)
	if err != nil {
		t.Fatalf("Decode(status) error = %v", err)
	}
	got := readingsMap(readings)
	if got["hcu.state"] != VecraftStateNominal || got["hcu.motion_locked"] != 1 || got["hcu.uptime"] != 16 {
		t.Fatalf("status readings = %+v", got)
	}

	cases := []struct {
		actuator string
		value    float64
		want     float64
	}{
		{"hcu.actuator.2", 1200, 1200},
		{"hcu.actuator.5", -300, -300},
		{"hcu.actuator.7", -1, 0},
		{"hcu.actuator.0", 32767, 32767},
	}
	for _, tc := range cases {
		frames, err := d.Encode(models.Command{Target: tc.actuator, Value: tc.value})
		if err != nil || len(frames) != 1 {
			t.Fatalf("Encode(%s) = %v, %v", tc.actuator, frames, err)
		}
		id, _ := j1939.FromFrame(frames[0])
		if id.SourceAddress() != 0x22 || id.DestinationAddress() != 0x4A || id.Priority() != 3 {
			t.Fatalf("Encode(%s) id = %s", tc.actuator, id)
		}
		if back, ok := r.Lookup(id); ok {
			t.Fatalf("command frame routed to %s", back.Name())
		}
		readings, err := d.dev.decode(id, frames[0].Payload())
		if err != nil {
			t.Fatalf("decode(%s) error = %v", tc.actuator, err)
		}
		if len(readings) != 1 || "hcu."+readings[0].Signal != tc.actuator || readings[0].Value != tc.want {
			t.Fatalf("round trip of %s = %+v, want %g", tc.actuator, readings, tc.want)
		}
	}

	frames, err := d.Encode(models.Command{Target: "hcu.stop_all"})
	if err != nil || len(frames) != 2 {
		t.Fatalf("Encode(stop_all) = %v, %v", frames, err)
	}
	for i, pgn := range []j1939.PGN{j1939.PGNActuatorBankLow, j1939.PGNActuatorBankHigh} {
		id, _ := j1939.FromFrame(frames[i])
		if id.PGN() != pgn || id.Priority() != 3 {
			t.Fatalf("stop_all frame %d id = %s, want pgn %d", i, id, pgn)
		}
		if frames[i].Data != [8]byte{} {
			t.Fatalf("stop_all frame %d data = % X", i, frames[i].Data)
		}
	}

	motion := []struct {
		target string
		value  float64
		data   [8]byte
	}{
		{"hcu.motion_lock", 1, [8]byte{'Z', 'C', 0xFF, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"hcu.motion_lock", 0, [8]byte{'Z', 'C', 0xFF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"hcu.motion_reset", 1, [8]byte{'Z', 'C', 0xFF, 0xFF, 0x01, 0xFF, 0xFF, 0xFF}},
	}
	for _, tc := range motion {
		frames, err := d.Encode(models.Command{Target: tc.target, Value: tc.value})
		if err != nil || len(frames) != 1 {
			t.Fatalf("Encode(%s) = %v, %v", tc.target, frames, err)
		}
		id, _ := j1939.FromFrame(frames[0])
		if id.PGN() != j1939.PGNProprietarilyConfigurable3 || id.Priority() != 3 || id.DestinationAddress() != 0x4A || id.SourceAddress() != 0x22 {
			t.Fatalf("Encode(%s) id = %s", tc.target, id)
		}
		if frames[0].Data != tc.data {
			t.Fatalf("Encode(%s=%g) data = % X, want % X", tc.target, tc.value, frames[0].Data, tc.data)
		}
	}

	echo := frame(j1939.PGNProprietarilyConfigurable3, 0x22, 0x4A, 'Z', 'C', 0xFF, 0x01, 0xFF)
	readings, err = d.Decode(echo, t0)
	if err != nil {
		t.Fatalf("Decode(motion echo) error = %v", err)
	}
	if got := readingsMap(readings); len(got) != 1 || got["hcu.motion_locked"] != 0 {
		t.Fatalf("motion echo readings = %+v", got)
	}

	if _, err := d.Encode(models.Command{Target: "hcu.actuator.1", Value: 40000}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Encode(40000) error = %v", err)
	}
	if _, err := d.Encode(models.Command{Target: "hcu.actuator.8", Value: 1}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("Encode(actuator.8) error = %v", err)
	}
}

func TestVCU_CommandsWithoutLiveness(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindVCU, Name: "vcu", Destination: 0x12, Timeout: time.Second})
	d := r.Drivers()[0]
	d.CheckLiveness(t0.Add(time.Minute))
	if d.Liveness() != LivenessTimedOut || !d.Ready() {
		t.Fatalf("vcu liveness = %s, ready = %v", d.Liveness(), d.Ready())
	}

	frames, err := d.Encode(models.Command{Target: "vcu.reboot", Value: 1})
	if err != nil || len(frames) != 1 {
		t.Fatalf("Encode(reboot) = %v, %v", frames, err)
	}
	if frames[0].Data != [8]byte{'Z', 'C', 0xFF, 0x69, 0xFF, 0xFF, 0xFF, 0xFF} {
		t.Fatalf("reboot data = % X", frames[0].Data)
	}
	id, _ := j1939.FromFrame(frames[0])
	if id.PGN() != j1939.PGNProprietarilyConfigurable1 || id.Priority() != 6 || id.DestinationAddress() != 0x12 || id.SourceAddress() != localAddress {
		t.Fatalf("reboot id = %s", id)
	}

	frames, _ = d.Encode(models.Command{Target: "vcu.ident", Value: 1})
	if frames[0].Data != [8]byte{'Z', 'C', 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} {
		t.Fatalf("ident data = % X", frames[0].Data)
	}
	if _, err := d.Encode(models.Command{Target: "engine.rpm", Value: 900}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("Encode(foreign target) error = %v", err)
	}
}

func TestDriver_IgnoresFramesToDevice(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindHydraulic, Name: "hcu", Destination: 0x4A, Timeout: time.Second})
	d := r.Drivers()[0]

	// Another controller on the bus commanding the unit.
	cmd := j1939.NewID(3, j1939.PGNActuatorBankLow, 0x4A, 0x20).Frame([]byte{0x10, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	id, _ := j1939.FromFrame(cmd)
	if got, ok := r.Lookup(id); ok {
		t.Fatalf("Lookup(%s) = %s, want no match", id, got.Name())
	}
	if _, err := d.Decode(cmd, t0); !errors.Is(err, ErrForeignFrame) {
		t.Fatalf("Decode() error = %v, want ErrForeignFrame", err)
	}
	if d.Liveness() != LivenessUnknown {
		t.Fatalf("liveness = %s, want unknown", d.Liveness())
	}
	if _, err := d.Encode(models.Command{Target: "hcu.actuator.0", Value: 100}); !errors.Is(err, ErrNotLive) {
		t.Fatalf("Encode() error = %v, want ErrNotLive", err)
	}
}

func TestDriver_MarkUnknown(t *testing.T) {
	r := newRegistry(t, Config{Kind: KindEncoder, Name: "arm", Destination: 0x6A, Timeout: time.Second})
	d := r.Drivers()[0]
	d.Decode(encoderFrame(0x6A, 1, 0), t0)

	d.MarkUnknown(t0.Add(500 * time.Millisecond))
	st := d.Status()
	if st.Liveness != "unknown" || st.Key != "vcan0/0x6A" || st.Kind != "encoder" {
		t.Fatalf("Status() = %+v", st)
	}
	if d.CheckLiveness(t0.Add(1400 * time.Millisecond)) {
		t.Fatalf("timeout did not restart from MarkUnknown")
	}
	if !d.CheckLiveness(t0.Add(1600 * time.Millisecond)) {
		t.Fatalf("unknown driver did not time out")
	}
}
