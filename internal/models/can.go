package models

import (
	"fmt"
	"strings"
	"time"
)

// CANFrame represents a CAN 2.0 frame. ID carries the SocketCAN flag bits.
type CANFrame struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

// Payload returns the data bytes covered by DLC.
func (f CANFrame) Payload() []byte {
	n := int(f.DLC)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (f CANFrame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%08X [%d]", f.ID&0x1FFFFFFF, f.DLC)
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " %02X", b)
	}
	return sb.String()
}

// CANMessage includes the CAN frame and timestamp
type CANMessage struct {
	Frame     CANFrame
	Timestamp time.Time
	Interface string
}
