package robstride

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// SimTransport emulates a bus full of Robstride motors at the wire level:
// every frame is encoded and decoded exactly as on hardware. Simulated
// motors track commanded positions with a first-order response so control
// loops observably converge. Useful for tests and for running the demo
// commands without hardware.
type SimTransport struct {
	codec *Codec

	mu     sync.Mutex
	motors map[uint8]*simMotor
	queue  []simFrame
	sent   []Frame
	closed bool
}

type simFrame struct {
	id   uint32
	data []byte
}

type simMotor struct {
	position float64
	velocity float64
	torque   float64
	mode     MotorMode
	runMode  RunMode
	faults   FaultBits
	silent   bool
	watchdog uint16
}

// simTrackGain is the fraction of remaining position error a simulated
// motor closes per control frame when commanded with a positive kp.
const simTrackGain = 0.5

// NewSimTransport builds a simulated bus hosting the given motors.
func NewSimTransport(motors map[uint8]MotorType) (*SimTransport, error) {
	codec, err := NewCodec(motors)
	if err != nil {
		return nil, err
	}
	sim := &SimTransport{
		codec:  codec,
		motors: make(map[uint8]*simMotor, len(motors)),
	}
	for id := range motors {
		sim.motors[id] = &simMotor{runMode: RunModeUnset}
	}
	return sim, nil
}

func (s *SimTransport) Kind() string     { return "sim" }
func (s *SimTransport) Endpoint() string { return "sim" }

// SetFaults injects a fault bitmask into a simulated motor's telemetry.
func (s *SimTransport) SetFaults(id uint8, faults FaultBits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.motors[id]; ok {
		m.faults = faults
	}
}

// SetSilent makes a simulated motor stop answering, as an unplugged or
// dead actuator would.
func (s *SimTransport) SetSilent(id uint8, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.motors[id]; ok {
		m.silent = silent
	}
}

// Position returns a simulated motor's current position.
func (s *SimTransport) Position(id uint8) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.motors[id]; ok {
		return m.position
	}
	return 0
}

// Inject queues an unsolicited frame, as a motor spontaneously reporting
// would produce.
func (s *SimTransport) Inject(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(f)
}

// SentFrames returns every frame the engine has transmitted, oldest first.
func (s *SimTransport) SentFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

// CountSent counts transmitted frames addressed to one motor with the
// given communication mode.
func (s *SimTransport) CountSent(id uint8, mode CommMode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.sent {
		if f.MotorID == id && f.Mode == mode {
			n++
		}
	}
	return n
}

func (s *SimTransport) Send(id uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	f := frameFromCAN(id, data)
	s.sent = append(s.sent, f)

	m, ok := s.motors[f.MotorID]
	if !ok || m.silent {
		return nil
	}

	switch f.Mode {
	case CommMotorCtrl:
		if _, p, err := s.codec.DecodeControl(f); err == nil {
			if p.Kp > 0 {
				m.position += (p.Position - m.position) * simTrackGain
			}
			m.velocity = p.Velocity
			m.torque = p.Torque
		}
		s.replyFeedback(f.MotorID, m)

	case CommMotorStart:
		if m.faults == 0 {
			m.mode = ModeMotor
		}
		s.replyFeedback(f.MotorID, m)

	case CommMotorReset:
		m.mode = ModeReset
		m.faults = 0
		s.replyFeedback(f.MotorID, m)

	case CommMotorZero:
		m.position = 0
		s.replyFeedback(f.MotorID, m)

	case CommSdoRead:
		reply := Frame{IDData: uint16(f.MotorID), Mode: CommSdoRead, Data: make([]byte, 8)}
		reply.Data[4] = byte(m.runMode)
		s.enqueue(reply)

	case CommSdoWrite:
		if len(f.Data) >= 5 {
			m.runMode = RunMode(f.Data[4])
		}
		s.replyFeedback(f.MotorID, m)

	case CommParamRead:
		s.replyParamRead(f, m)

	case CommParamWrite:
		if len(f.Data) >= 8 {
			m.watchdog = uint16(binary.LittleEndian.Uint32(f.Data[4:8]))
		}
		s.replyFeedback(f.MotorID, m)
	}
	return nil
}

func (s *SimTransport) replyFeedback(id uint8, m *simMotor) {
	fb := MotorFeedback{
		MotorID:  id,
		Position: m.position,
		Velocity: m.velocity,
		Torque:   m.torque,
		Mode:     m.mode,
		Faults:   m.faults,
	}
	frame, err := s.codec.EncodeFeedback(fb)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *SimTransport) replyParamRead(f Frame, m *simMotor) {
	if len(f.Data) < 2 {
		return
	}
	index := binary.LittleEndian.Uint16(f.Data[0:2])
	switch index {
	case ParamName, ParamBarcode, ParamBuildDate:
		text := fmt.Sprintf("sim%04x%d", index, f.MotorID)
		for i := 0; i < len(text); i += 4 {
			reply := Frame{IDData: uint16(f.MotorID), Mode: CommParamRead, Data: make([]byte, 8)}
			copy(reply.Data[4:8], text[i:min(i+4, len(text))])
			s.enqueue(reply)
		}
	default:
		// Parameter-table scalar, e.g. the CAN watchdog.
		reply := Frame{IDData: uint16(f.MotorID), Mode: CommParamRead, Data: make([]byte, 8)}
		binary.LittleEndian.PutUint16(reply.Data[4:6], m.watchdog)
		s.enqueue(reply)
	}
}

func (s *SimTransport) enqueue(f Frame) {
	s.queue = append(s.queue, simFrame{id: f.CANID(), data: f.Data})
}

func (s *SimTransport) Recv(timeout time.Duration) (uint32, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, nil, ErrClosed
		}
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f.id, f.data, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil, fmt.Errorf("sim read: %w", ErrTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (s *SimTransport) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	return nil
}

func (s *SimTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
