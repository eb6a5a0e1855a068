package robstride

import "fmt"

// SessionState is the engine-side operating state of one actuator.
type SessionState int

const (
	StateDisabled SessionState = iota
	StateIdle
	StateRunning
	StateFault
)

func (s SessionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFault:
		return "fault"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// session tracks one configured actuator across ticks: its static config,
// the last decoded feedback, freshness since the last tick, and the
// state machine gating setpoint transmission. Sessions are owned by the
// supervisor loop; clients see them only as SessionInfo snapshots.
type session struct {
	id    uint8
	name  string
	typ   MotorType
	model MotorModel

	state       SessionState
	feedback    MotorFeedback
	hasFeedback bool
	fresh       bool
	timeouts    int // consecutive missed replies
}

func newSession(id uint8, name string, typ MotorType, model MotorModel) *session {
	return &session{id: id, name: name, typ: typ, model: model, state: StateDisabled}
}

// observeFeedback folds one telemetry frame into the session. A nonzero
// fault bitmask forces Fault from any state; otherwise the firmware's
// reported mode decides between Idle and Running.
func (s *session) observeFeedback(fb MotorFeedback) {
	s.feedback = fb
	s.hasFeedback = true
	s.fresh = true
	s.timeouts = 0

	if fb.Faults != 0 {
		s.state = StateFault
		return
	}
	if s.state == StateFault {
		// Fault latches until an explicit reset even if the bitmask
		// clears transiently.
		return
	}
	switch fb.Mode {
	case ModeMotor, ModeBrake:
		s.state = StateRunning
	case ModeReset, ModeCali:
		if s.state != StateDisabled {
			s.state = StateIdle
		}
	}
}

// observeTimeout marks the session stale after a missed reply.
func (s *session) observeTimeout() {
	s.fresh = false
	s.timeouts++
}

// applyReset records an explicit reset command: faults clear and the motor
// drops back to Disabled.
func (s *session) applyReset() {
	s.state = StateDisabled
	s.feedback.Faults = 0
}

// applyStart records an explicit start command. A faulted motor must be
// reset first; start does not clear the latch.
func (s *session) applyStart() {
	if s.state == StateDisabled || s.state == StateIdle {
		s.state = StateRunning
	}
}

// acceptsSetpoints reports whether control frames may be sent. Faulted
// motors are commanded nothing until reset, but keep being polled.
func (s *session) acceptsSetpoints() bool {
	return s.state != StateFault
}

// SessionInfo is the client-visible snapshot of one actuator session.
type SessionInfo struct {
	MotorID  uint8
	Name     string
	Type     MotorType
	State    SessionState
	Feedback MotorFeedback
	// Fresh is true when the feedback was refreshed on the most recently
	// completed tick.
	Fresh bool
	// Timeouts counts consecutive missed replies.
	Timeouts int
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		MotorID:  s.id,
		Name:     s.name,
		Type:     s.typ,
		State:    s.state,
		Feedback: s.feedback,
		Fresh:    s.fresh,
		Timeouts: s.timeouts,
	}
}
