package can

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/Laixer/Glonax/internal/models"
	"golang.org/x/sys/unix"
)

const (
	CAN_RAW        = 1
	SOL_CAN_RAW    = 101
	CAN_RAW_FILTER = 1
)

// DefaultReceiveTimeout bounds a single Receive call on a socket bus.
const DefaultReceiveTimeout = 250 * time.Millisecond

// Option configures a SocketBus.
type Option func(*SocketBus)

// WithReceiveTimeout sets the socket receive timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(b *SocketBus) { b.timeout = d }
}

// WithFilter installs kernel side receive filters when the socket opens.
func WithFilter(filters ...Filter) Option {
	return func(b *SocketBus) { b.filters = append(b.filters, filters...) }
}

// SocketBus is a raw SocketCAN binding to one network interface.
type SocketBus struct {
	ifname  string
	timeout time.Duration
	filters []Filter

	// mu guards socket against reuse after Close while a read or write
	// is in progress.
	mu     sync.RWMutex
	socket int
	closed bool
}

// Open binds a raw CAN socket to the interface.
func Open(ifname string, opts ...Option) (*SocketBus, error) {
	b := &SocketBus{ifname: ifname, timeout: DefaultReceiveTimeout, socket: -1}
	for _, opt := range opts {
		opt(b)
	}

	socket, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CAN socket: %v", ErrBusUnavailable, err)
	}

	ifreq, err := unix.NewIfreq(ifname)
	if err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("%w: failed to create ifreq: %v", ErrBusUnavailable, err)
	}

	if err := unix.IoctlIfreq(socket, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("%w: failed to get interface index of %s: %v", ErrBusUnavailable, ifname, err)
	}

	if err := unix.Bind(socket, &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("%w: failed to bind socket: %v", ErrBusUnavailable, err)
	}

	tv := unix.NsecToTimeval(b.timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(socket, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("%w: failed to set receive timeout: %v", ErrBusUnavailable, err)
	}

	if len(b.filters) > 0 {
		if err := setFilter(socket, b.filters); err != nil {
			unix.Close(socket)
			return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
	}

	b.socket = socket
	return b, nil
}

// Interface returns the bound interface name.
func (b *SocketBus) Interface() string { return b.ifname }

// Receive reads the next frame from the socket.
func (b *SocketBus) Receive(ctx context.Context) (models.CANMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.CANMessage{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return models.CANMessage{}, ErrBusClosed
	}

	buf := make([]byte, frameSize)
	n, err := unix.Read(b.socket, buf)
	if err != nil {
		return models.CANMessage{}, classify(err, false)
	}

	frame, err := unmarshalFrame(buf[:n])
	if err != nil {
		return models.CANMessage{}, err
	}

	return models.CANMessage{
		Frame:     frame,
		Timestamp: time.Now().UTC(),
		Interface: b.ifname,
	}, nil
}

// Send writes one frame to the socket without blocking on a full queue.
func (b *SocketBus) Send(ctx context.Context, frame models.CANFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := marshalFrame(frame)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	if _, err := unix.SendmsgN(b.socket, buf, nil, nil, unix.MSG_DONTWAIT); err != nil {
		return classify(err, true)
	}
	return nil
}

// Close closes the CAN socket. It waits for an in-progress Receive,
// which returns within the receive timeout.
func (b *SocketBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.socket)
}

func setFilter(socket int, filters []Filter) error {
	buf := marshalFilters(filters)
	_, _, errno := syscall.Syscall6(
		syscall.SYS_SETSOCKOPT,
		uintptr(socket),
		uintptr(SOL_CAN_RAW),
		uintptr(CAN_RAW_FILTER),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("failed to set filter: %v", errno)
	}
	return nil
}

// classify maps socket errors onto the bus error taxonomy. EAGAIN is a
// receive timeout on read and a full queue on a non-blocking write.
func classify(err error, write bool) error {
	switch {
	case errors.Is(err, unix.ENOBUFS), write && errors.Is(err, unix.EAGAIN):
		return ErrBusFull
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return ErrBusTimeout
	case errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.ENXIO), errors.Is(err, unix.EBADF):
		return fmt.Errorf("%w: %v", ErrBusClosed, err)
	}
	return fmt.Errorf("bus I/O error: %w", err)
}
