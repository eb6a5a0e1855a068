package robstride

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport moves raw frames across the physical bus. Implementations deal
// only in 29-bit extended CAN ids and payload bytes; framing above that is
// the codec's business. A Transport is owned by exactly one goroutine at a
// time; the engine never shares one across loops.
type Transport interface {
	// Send transmits one frame.
	Send(id uint32, data []byte) error
	// Recv blocks for at most timeout waiting for one frame. It returns
	// an error wrapping ErrTimeout when the bound elapses.
	Recv(timeout time.Duration) (id uint32, data []byte, err error)
	// Clear drains any pending input.
	Clear() error
	Close() error

	// Kind and Endpoint describe the transport for logs.
	Kind() string
	Endpoint() string
}

// SerialBaudRate is the fixed rate of the CH341 USB-serial CAN adapter.
const SerialBaudRate = 921600

// Serial tunnel framing: "AT" + 4-byte big-endian address + length byte +
// payload + CRLF. The address is the 29-bit CAN id shifted left three bits
// with bit 2 set.
const (
	serialHeaderLen  = 7 // "AT" + addr + len
	serialTrailerLen = 2 // "\r\n"
)

func wrapSerialFrame(id uint32, data []byte) []byte {
	pkt := make([]byte, 0, serialHeaderLen+len(data)+serialTrailerLen)
	pkt = append(pkt, 'A', 'T')
	pkt = binary.BigEndian.AppendUint32(pkt, id<<3|0x4)
	pkt = append(pkt, byte(len(data)))
	pkt = append(pkt, data...)
	return append(pkt, '\r', '\n')
}

// parseSerialFrame extracts the first complete frame starting at buf[0].
// It returns the consumed length, or ok=false when more bytes are needed.
func parseSerialFrame(buf []byte) (id uint32, data []byte, n int, ok bool, err error) {
	if len(buf) < serialHeaderLen+serialTrailerLen {
		return 0, nil, 0, false, nil
	}
	if buf[0] != 'A' || buf[1] != 'T' {
		return 0, nil, 0, false, &DecodeError{Reason: DecodeBadFraming, Detail: "missing AT prefix"}
	}
	dataLen := int(buf[6])
	if dataLen > 8 {
		return 0, nil, 0, false, &DecodeError{
			Reason: DecodeBadFraming,
			Detail: fmt.Sprintf("payload length %d", dataLen),
		}
	}
	total := serialHeaderLen + dataLen + serialTrailerLen
	if len(buf) < total {
		return 0, nil, 0, false, nil
	}
	if buf[total-2] != '\r' || buf[total-1] != '\n' {
		return 0, nil, 0, false, &DecodeError{Reason: DecodeBadFraming, Detail: "missing CRLF"}
	}
	raw := binary.BigEndian.Uint32(buf[2:6])
	data = make([]byte, dataLen)
	copy(data, buf[serialHeaderLen:serialHeaderLen+dataLen])
	return raw >> 3 & 0x1fffffff, data, total, true, nil
}

// SerialTransport tunnels CAN frames over a CH341 USB-serial adapter.
type SerialTransport struct {
	port     serial.Port
	portName string

	mu     sync.Mutex
	rxbuf  []byte
	closed bool
}

// OpenSerial opens the adapter at the fixed 921600 baud the firmware
// expects.
func OpenSerial(portName string) (*SerialTransport, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: SerialBaudRate})
	if err != nil {
		return nil, &ConfigError{Reason: "open serial port " + portName, Err: err}
	}
	return &SerialTransport{port: port, portName: portName}, nil
}

func (t *SerialTransport) Kind() string     { return "serial" }
func (t *SerialTransport) Endpoint() string { return t.portName }

func (t *SerialTransport) Send(id uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := t.port.Write(wrapSerialFrame(id, data)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Recv reads until one complete frame is parsed or the timeout elapses.
// Garbage before the next "AT" marker is discarded so a corrupted frame
// desynchronizes at most one read.
func (t *SerialTransport) Recv(timeout time.Duration) (uint32, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		t.resync()
		if id, data, n, ok, err := parseSerialFrame(t.rxbuf); err != nil {
			// Skip the bad header and rescan.
			t.rxbuf = t.rxbuf[2:]
			continue
		} else if ok {
			t.rxbuf = t.rxbuf[n:]
			return id, data, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, fmt.Errorf("serial read: %w", ErrTimeout)
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return 0, nil, fmt.Errorf("serial read: %w", err)
		}
		chunk := make([]byte, 64)
		n, err := t.port.Read(chunk)
		if err != nil {
			return 0, nil, fmt.Errorf("serial read: %w", err)
		}
		if n == 0 {
			// go.bug.st/serial reports an elapsed read timeout as a
			// zero-length read.
			return 0, nil, fmt.Errorf("serial read: %w", ErrTimeout)
		}
		t.rxbuf = append(t.rxbuf, chunk[:n]...)
	}
}

// resync drops buffered bytes up to the next "AT" marker.
func (t *SerialTransport) resync() {
	if i := strings.Index(string(t.rxbuf), "AT"); i > 0 {
		t.rxbuf = t.rxbuf[i:]
	} else if i < 0 && len(t.rxbuf) > 1 {
		t.rxbuf = t.rxbuf[len(t.rxbuf)-1:]
	}
}

func (t *SerialTransport) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rxbuf = nil
	if t.closed {
		return ErrClosed
	}
	return t.port.ResetInputBuffer()
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}

// Dial opens a transport for a bus endpoint identifier: "can:IFACE" for a
// SocketCAN interface (linux only), anything else for a serial port path.
func Dial(endpoint string) (Transport, error) {
	if iface, ok := strings.CutPrefix(endpoint, "can:"); ok {
		return OpenCAN(iface)
	}
	return OpenSerial(endpoint)
}
