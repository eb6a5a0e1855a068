//go:build linux

package robstride

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// canFrameSize is the fixed size of a classic socketcan frame: 4-byte id,
// length byte, 3 bytes padding, 8 data bytes.
const canFrameSize = 16

// CANTransport exchanges frames over a raw SocketCAN interface.
type CANTransport struct {
	fd    int
	iface string

	mu     sync.Mutex
	closed bool
}

// OpenCAN binds a raw CAN socket to the named interface (e.g. "can0").
func OpenCAN(iface string) (*CANTransport, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, &ConfigError{Reason: "CAN interface " + iface, Err: err}
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, &ConfigError{Reason: "CAN socket", Err: err}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, &ConfigError{Reason: "bind " + iface, Err: err}
	}
	return &CANTransport{fd: fd, iface: iface}, nil
}

func (t *CANTransport) Kind() string     { return "socketcan" }
func (t *CANTransport) Endpoint() string { return t.iface }

func (t *CANTransport) Send(id uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(data) > 8 {
		return fmt.Errorf("CAN payload %d bytes exceeds 8", len(data))
	}
	frame := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(frame[0:4], id&unix.CAN_EFF_MASK|unix.CAN_EFF_FLAG)
	frame[4] = byte(len(data))
	copy(frame[8:], data)
	if _, err := unix.Write(t.fd, frame); err != nil {
		return fmt.Errorf("CAN write: %w", err)
	}
	return nil
}

func (t *CANTransport) Recv(timeout time.Duration) (uint32, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, nil, ErrClosed
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(t.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, nil, fmt.Errorf("CAN read: %w", err)
	}

	frame := make([]byte, canFrameSize)
	n, err := unix.Read(t.fd, frame)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil, fmt.Errorf("CAN read: %w", ErrTimeout)
		}
		return 0, nil, fmt.Errorf("CAN read: %w", err)
	}
	if n < canFrameSize {
		return 0, nil, &DecodeError{Reason: DecodeShortFrame, Detail: fmt.Sprintf("%d byte CAN frame", n)}
	}

	rawID := binary.LittleEndian.Uint32(frame[0:4])
	id := rawID & unix.CAN_EFF_MASK
	if rawID&unix.CAN_EFF_FLAG == 0 {
		id = rawID & unix.CAN_SFF_MASK
	}
	dataLen := int(frame[4])
	if dataLen > 8 {
		dataLen = 8
	}
	data := make([]byte, dataLen)
	copy(data, frame[8:8+dataLen])
	return id, data, nil
}

// Clear drains pending frames with zero-timeout reads.
func (t *CANTransport) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	tv := unix.NsecToTimeval(1)
	if err := unix.SetsockoptTimeval(t.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}
	buf := make([]byte, canFrameSize)
	for {
		if _, err := unix.Read(t.fd, buf); err != nil {
			return nil
		}
	}
}

func (t *CANTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.fd)
}
