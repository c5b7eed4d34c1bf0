package j1939

import (
	"encoding/binary"

	"github.com/Laixer/Glonax/internal/models"
)

// PGN is a parameter group number.
type PGN uint32

const (
	PGNTorqueSpeedControl1         PGN = 0
	PGNActuatorBankLow             PGN = 40960
	PGNActuatorBankHigh            PGN = 41216
	PGNProprietarilyConfigurable3  PGN = 45312
	PGNProprietarilyConfigurable2  PGN = 45568
	PGNProprietarilyConfigurable1  PGN = 45824
	PGNRequest                     PGN = 59904
	PGNAddressClaimed              PGN = 60928
	PGNProprietaryA                PGN = 61184
	PGNElectronicBrakeController1  PGN = 61441
	PGNElectronicEngineController1 PGN = 61444
	PGNVecraftStatus               PGN = 65288
	PGNEncoderProcessData          PGN = 65450
	PGNInclinometerProcessData     PGN = 65451
)

// IsNetworkManagement reports whether the PGN is handled by the network
// layer rather than by device drivers.
func (p PGN) IsNetworkManagement() bool {
	return p == PGNRequest || p == PGNAddressClaimed
}

// AddressClaimed builds the address claimed message for this node.
func AddressClaimed(name Name, sa uint8) models.CANFrame {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], name.Uint64())
	return NewID(6, PGNAddressClaimed, AddressGlobal, sa).Frame(data[:])
}

// Request builds a request for pgn sent to da.
func Request(pgn PGN, da, sa uint8) models.CANFrame {
	f := NewID(6, PGNRequest, da, sa).Frame(nil)
	f.DLC = 3
	f.Data[0] = byte(pgn)
	f.Data[1] = byte(pgn >> 8)
	f.Data[2] = byte(pgn >> 16)
	return f
}

// RequestedPGN decodes the payload of a request message.
func RequestedPGN(data []byte) (PGN, bool) {
	if len(data) < 3 {
		return 0, false
	}
	return PGN(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16), true
}
