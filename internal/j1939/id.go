// Package j1939 implements the SAE J1939 identifier, NAME and network
// management encodings used on the machine networks.
package j1939

import (
	"fmt"

	"github.com/Laixer/Glonax/internal/models"
)

const (
	// effFlag marks a 29-bit identifier in the SocketCAN frame ID.
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
	idMask  = 0x1FFFFFFF
)

// Well known addresses.
const (
	AddressGlobal uint8 = 0xFF
	AddressNull   uint8 = 0xFE
)

// NotAvailable is the J1939 filler for absent data bytes.
const NotAvailable = 0xFF

// ID is a 29-bit J1939 identifier.
type ID uint32

// NewID builds an identifier. For PDU1 parameter groups the destination
// address is placed in the PS field; for PDU2 it is ignored.
func NewID(priority uint8, pgn PGN, da, sa uint8) ID {
	p := uint32(pgn) & 0x3FFFF
	if (p>>8)&0xFF < 240 {
		p = p&0x3FF00 | uint32(da)
	}
	return ID(uint32(priority&0x7)<<26 | p<<8 | uint32(sa))
}

// FromFrame extracts the identifier of an extended data frame.
func FromFrame(f models.CANFrame) (ID, bool) {
	if f.ID&effFlag == 0 || f.ID&(rtrFlag|errFlag) != 0 {
		return 0, false
	}
	return ID(f.ID & idMask), true
}

func (id ID) Priority() uint8 { return uint8(id>>26) & 0x7 }

// PF is the PDU format field.
func (id ID) PF() uint8 { return uint8(id >> 16) }

// PS is the PDU specific field: destination address or group extension.
func (id ID) PS() uint8 { return uint8(id >> 8) }

func (id ID) SourceAddress() uint8 { return uint8(id) }

// IsPDU1 reports whether the identifier carries a destination address.
func (id ID) IsPDU1() bool { return id.PF() < 240 }

// DestinationAddress returns the PS field for PDU1 frames and the global
// address for broadcast (PDU2) frames.
func (id ID) DestinationAddress() uint8 {
	if id.IsPDU1() {
		return id.PS()
	}
	return AddressGlobal
}

// PGN returns the parameter group number, without the destination address.
func (id ID) PGN() PGN {
	p := uint32(id>>8) & 0x3FFFF
	if id.IsPDU1() {
		p &= 0x3FF00
	}
	return PGN(p)
}

// Frame builds an extended CAN frame. Payloads shorter than eight bytes
// are padded with NotAvailable.
func (id ID) Frame(data []byte) models.CANFrame {
	f := models.CANFrame{ID: uint32(id)&idMask | effFlag, DLC: 8}
	for i := range f.Data {
		f.Data[i] = NotAvailable
	}
	copy(f.Data[:], data)
	return f
}

func (id ID) String() string {
	return fmt.Sprintf("prio=%d pgn=%d sa=0x%02X da=0x%02X", id.Priority(), id.PGN(), id.SourceAddress(), id.DestinationAddress())
}
