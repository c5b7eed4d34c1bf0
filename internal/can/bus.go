// Package can binds the daemon to CAN network interfaces.
package can

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Laixer/Glonax/internal/models"
)

var (
	// ErrBusUnavailable is returned when the interface cannot be opened.
	ErrBusUnavailable = errors.New("bus unavailable")
	// ErrBusTimeout is returned when no frame arrived within the receive timeout.
	ErrBusTimeout = errors.New("bus receive timeout")
	// ErrBusClosed is returned once the handle is closed or the interface is gone.
	ErrBusClosed = errors.New("bus closed")
	// ErrBusFull is returned when the driver transmit queue is full.
	ErrBusFull = errors.New("bus transmit queue full")
)

// Bus is a frame level handle on one CAN network.
type Bus interface {
	// Receive blocks until a frame arrives, the receive timeout expires
	// (ErrBusTimeout) or the bus is closed (ErrBusClosed).
	Receive(ctx context.Context) (models.CANMessage, error)

	// Send transmits one frame, best effort.
	Send(ctx context.Context, frame models.CANFrame) error

	Close() error
}

const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
)

// Filter is a receive filter as in struct can_filter. A frame passes
// when its ID and the filter ID agree on every bit of Mask.
type Filter struct {
	ID   uint32
	Mask uint32
}

// ExtendedData passes extended data frames only, the frames J1939 uses.
var ExtendedData = Filter{ID: effFlag, Mask: effFlag | rtrFlag}

func (f Filter) Match(id uint32) bool { return id&f.Mask == f.ID&f.Mask }

// accepts reports whether any filter passes id. No filters pass all.
func accepts(filters []Filter, id uint32) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match(id) {
			return true
		}
	}
	return false
}

// marshalFilters encodes filters as an array of struct can_filter.
func marshalFilters(filters []Filter) []byte {
	buf := make([]byte, len(filters)*8)
	for i, f := range filters {
		binary.LittleEndian.PutUint32(buf[i*8:], f.ID)
		binary.LittleEndian.PutUint32(buf[i*8+4:], f.Mask)
	}
	return buf
}

// frameSize is the size of struct can_frame.
const frameSize = 16

// marshalFrame encodes a frame in the struct can_frame layout.
func marshalFrame(f models.CANFrame) ([]byte, error) {
	if f.DLC > 8 {
		return nil, fmt.Errorf("invalid DLC %d", f.DLC)
	}
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = f.DLC
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// unmarshalFrame decodes a struct can_frame.
func unmarshalFrame(buf []byte) (models.CANFrame, error) {
	if len(buf) < frameSize {
		return models.CANFrame{}, fmt.Errorf("incomplete CAN frame received: %d bytes", len(buf))
	}
	frame := models.CANFrame{
		ID:  binary.LittleEndian.Uint32(buf[0:4]),
		DLC: buf[4],
	}
	if frame.DLC > 8 {
		frame.DLC = 8
	}
	copy(frame.Data[:], buf[8:16])
	return frame, nil
}
