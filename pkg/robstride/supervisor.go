package robstride

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MotorDef names one managed actuator: its model family and a
// human-readable name for logs and UIs.
type MotorDef struct {
	Type MotorType
	Name string
}

// SupervisorConfig configures a Supervisor. Endpoint and Motors are
// required; everything else has a usable default.
type SupervisorConfig struct {
	// Endpoint is the bus identifier: a serial port path, or "can:IFACE"
	// for SocketCAN.
	Endpoint string

	// Motors maps bus ids to the actuators the supervisor manages. The
	// set is fixed for the supervisor's lifetime.
	Motors map[uint8]MotorDef

	// UpdateRate is the control loop frequency in Hz. Default 50.
	UpdateRate float64

	// ReplyTimeout bounds each per-motor bus exchange.
	ReplyTimeout time.Duration

	// CANTimeoutMs is programmed into each motor's CAN watchdog during
	// pre-flight. Zero skips the write.
	CANTimeoutMs float64

	// Transport overrides the endpoint with an already-open transport.
	// Used by tests and simulators.
	Transport Transport
}

// DefaultUpdateRate is the control loop frequency when none is configured.
const DefaultUpdateRate = 50.0

// Supervisor runs the fixed-period control loop. One dedicated goroutine
// owns the transport and performs all bus I/O; any number of client
// goroutines may call the setters and getters concurrently. Clients only
// ever touch the guarded target table and the published snapshot, so no
// public call blocks on the bus.
type Supervisor struct {
	driver    *Driver
	transport Transport

	mu         sync.RWMutex
	targets    map[uint8]MotorControlParams
	snapshot   map[uint8]MotorFeedback
	sessions   map[uint8]*session
	zeroQueue  map[uint8]struct{}
	paused     bool
	restartReq bool
	period     time.Duration
	total      uint64
	failed     map[uint8]uint64
	actualRate float64
	lastErr    error
	stopped    bool

	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	logs      chan string
}

// NewSupervisor opens the bus, builds the per-motor sessions, and starts
// the control loop. Construction fails with a ConfigError on a bad
// endpoint, an empty motor set, or an unknown motor type; no partially
// started supervisor is ever returned.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if len(cfg.Motors) == 0 {
		return nil, &ConfigError{Reason: "no motors configured"}
	}

	types := make(map[uint8]MotorType, len(cfg.Motors))
	for id, def := range cfg.Motors {
		types[id] = def.Type
	}

	transport := cfg.Transport
	if transport == nil {
		var err error
		transport, err = Dial(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
	}

	driver, err := NewDriver(transport, types, cfg.ReplyTimeout)
	if err != nil {
		transport.Close()
		return nil, err
	}

	rate := cfg.UpdateRate
	if rate <= 0 {
		rate = DefaultUpdateRate
	}

	s := &Supervisor{
		driver:    driver,
		transport: transport,
		targets:   make(map[uint8]MotorControlParams, len(cfg.Motors)),
		snapshot:  make(map[uint8]MotorFeedback),
		sessions:  make(map[uint8]*session, len(cfg.Motors)),
		zeroQueue: make(map[uint8]struct{}),
		period:    time.Duration(float64(time.Second) / rate),
		failed:    make(map[uint8]uint64, len(cfg.Motors)),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		logs:      make(chan string, 32),
	}

	for id, def := range cfg.Motors {
		model, _ := ModelFor(def.Type)
		name := def.Name
		if name == "" {
			name = fmt.Sprintf("motor_%d", id)
		}
		s.targets[id] = MotorControlParams{}
		s.sessions[id] = newSession(id, name, def.Type, model)
		s.failed[id] = 0
		// Single-encoder motors lose their reference at power-up and
		// are queued for zeroing before the first real setpoint.
		if model.ZeroOnInit {
			s.zeroQueue[id] = struct{}{}
		}
	}

	go s.run(cfg.CANTimeoutMs)
	return s, nil
}

// Logs returns a channel of timestamped loop messages. Messages are dropped
// when the channel is full, so slow readers never stall the loop.
func (s *Supervisor) Logs() <-chan string { return s.logs }

func (s *Supervisor) logf(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	select {
	case s.logs <- msg:
	default:
	}
}

// run is the control loop. It alone touches the driver and transport.
func (s *Supervisor) run(canTimeoutMs float64) {
	defer close(s.done)
	defer s.closeTransport()

	if err := s.preflight(canTimeoutMs); err != nil {
		s.fail(fmt.Errorf("pre-flight: %w", err))
		return
	}
	s.logf("pre-flight complete, loop running on %s %s",
		s.transport.Kind(), s.transport.Endpoint())

	lastTick := time.Now()
	next := time.Now()
	for {
		select {
		case <-s.stopCh:
			s.shutdown()
			return
		default:
		}

		tickStart := time.Now()
		if err := s.tick(); err != nil {
			s.fail(err)
			return
		}

		// Actual rate as an exponentially weighted moving average.
		elapsed := tickStart.Sub(lastTick)
		lastTick = tickStart
		if elapsed > 0 {
			rate := 1.0 / elapsed.Seconds()
			s.mu.Lock()
			s.actualRate = s.actualRate*0.9 + rate*0.1
			s.mu.Unlock()
		}

		// Drift-corrected sleep: the deadline advances by the period
		// from the previous deadline, not from whenever the work
		// finished, so phase error does not accumulate.
		s.mu.RLock()
		period := s.period
		s.mu.RUnlock()
		next = next.Add(period)
		wait := time.Until(next)
		if wait <= 0 {
			// The tick overran; resynchronize instead of sprinting
			// to catch up.
			next = time.Now()
			continue
		}
		select {
		case <-s.stopCh:
			s.shutdown()
			return
		case <-time.After(wait):
		}
	}
}

// preflight brings every motor to a known state: reset, start, program the
// CAN watchdog, select MIT mode.
func (s *Supervisor) preflight(canTimeoutMs float64) error {
	fbs, err := s.driver.Reset()
	if err != nil {
		return err
	}
	s.applySessions(fbs, nil, func(sess *session) { sess.applyReset() })

	fbs, err = s.driver.Start()
	if err != nil {
		return err
	}
	s.applySessions(fbs, nil, func(sess *session) { sess.applyStart() })

	if canTimeoutMs > 0 {
		if err := s.driver.SetCANTimeout(canTimeoutMs); err != nil {
			return err
		}
	}
	if _, err := s.driver.SetRunMode(RunModeMit); err != nil {
		return err
	}
	return nil
}

// applySessions folds one batch of feedback into the session table. apply,
// when non-nil, runs on every session in ids (or every session when ids is
// nil) before the feedback is observed.
func (s *Supervisor) applySessions(fbs map[uint8]MotorFeedback, ids []uint8, apply func(*session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apply != nil {
		if ids == nil {
			for _, sess := range s.sessions {
				apply(sess)
			}
		} else {
			for _, id := range ids {
				apply(s.sessions[id])
			}
		}
	}
	for id, fb := range fbs {
		if sess, ok := s.sessions[id]; ok {
			sess.observeFeedback(fb)
		}
	}
}

// tick is one loop iteration: apply pending requests, send setpoints, poll
// telemetry, publish the snapshot. Only transport loss is returned as an
// error; everything else is contained per motor.
func (s *Supervisor) tick() error {
	s.mu.Lock()
	paused := s.paused
	restart := s.restartReq
	s.restartReq = false
	targets := make(map[uint8]MotorControlParams, len(s.targets))
	sendable := make([]uint8, 0, len(s.targets))
	polled := make([]uint8, 0, 2)
	for id, p := range s.targets {
		if s.sessions[id].acceptsSetpoints() {
			targets[id] = p
			sendable = append(sendable, id)
		} else {
			polled = append(polled, id)
		}
	}
	zero := make([]uint8, 0, len(s.zeroQueue))
	if !paused {
		for id := range s.zeroQueue {
			zero = append(zero, id)
		}
		s.zeroQueue = make(map[uint8]struct{})
	}
	s.mu.Unlock()

	if restart {
		s.logf("restart requested: resetting and starting all motors")
		fbs, err := s.driver.Reset()
		if err != nil {
			return err
		}
		s.applySessions(fbs, nil, func(sess *session) { sess.applyReset() })
		fbs, err = s.driver.Start()
		if err != nil {
			return err
		}
		s.applySessions(fbs, nil, func(sess *session) { sess.applyStart() })
	}

	if paused {
		// While paused the firmware holds the last commanded state; we
		// keep telemetry flowing without sending any setpoints.
		// Rewriting the run mode is a firmware no-op that still
		// elicits a telemetry reply.
		fbs, err := s.driver.SetRunMode(RunModeMit)
		if err != nil {
			return err
		}
		var missed []uint8
		for _, id := range s.driver.MotorIDs() {
			if _, ok := fbs[id]; !ok {
				missed = append(missed, id)
			}
		}
		s.mu.Lock()
		for id, fb := range fbs {
			if sess, ok := s.sessions[id]; ok {
				sess.observeFeedback(fb)
			}
		}
		for _, id := range missed {
			s.sessions[id].observeTimeout()
			s.failed[id]++
		}
		s.mu.Unlock()
		s.publish(fbs, missed)
		return nil
	}

	if len(zero) > 0 {
		s.zeroMotors(zero)
	}

	var tickFB map[uint8]MotorFeedback
	var missed []uint8
	sent := false
	if len(targets) > 0 {
		fbs, err := s.driver.SendControls(targets)
		if err != nil {
			var rangeErr *RangeError
			if errors.As(err, &rangeErr) {
				// A target slipped past setter validation; drop the
				// tick's send but keep the loop alive. No frames went
				// out, so nothing is counted as missed or failed.
				s.logf("dropped control batch: %v", err)
			} else {
				return err
			}
		} else {
			sent = true
		}
		tickFB = fbs
		if sent {
			for _, id := range sendable {
				if _, ok := fbs[id]; !ok {
					missed = append(missed, id)
				}
			}
		}
	}

	// Faulted motors get no setpoints but stay polled so fault recovery
	// and telemetry remain visible. A silent poll counts as a miss the
	// same way a silent control reply does.
	if len(polled) > 0 {
		fbs, err := s.driver.SetRunMode(RunModeMit, polled...)
		if err != nil {
			return err
		}
		for _, id := range polled {
			if _, ok := fbs[id]; !ok {
				missed = append(missed, id)
			}
		}
		if tickFB == nil {
			tickFB = fbs
		} else {
			for id, fb := range fbs {
				tickFB[id] = fb
			}
		}
	}

	s.mu.Lock()
	for id, fb := range tickFB {
		if sess, ok := s.sessions[id]; ok {
			sess.observeFeedback(fb)
		}
	}
	for _, id := range missed {
		s.sessions[id].observeTimeout()
		s.failed[id]++
	}
	if sent {
		s.total++
	}
	s.mu.Unlock()

	s.publish(tickFB, missed)
	return nil
}

// publish replaces the client-visible snapshot with this tick's view. The
// whole map is swapped under the lock so readers never observe a mix of
// two ticks for the same motor.
func (s *Supervisor) publish(fbs map[uint8]MotorFeedback, missed []uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[uint8]MotorFeedback, len(s.snapshot)+len(fbs))
	for id, fb := range s.snapshot {
		next[id] = fb
	}
	for id, fb := range fbs {
		next[id] = fb
	}
	s.snapshot = next
	for _, id := range missed {
		s.logf("motor %d (%s): no reply this tick", id, s.sessions[id].name)
	}
}

// zeroMotors performs the queued zero requests: command zero torque first
// so the motor does not jump to a stale target once re-zeroed, then run the
// reset-zero-start sequence.
func (s *Supervisor) zeroMotors(ids []uint8) {
	torques := make(map[uint8]float64, len(ids))
	for _, id := range ids {
		torques[id] = 0
	}
	if _, err := s.driver.SendTorques(torques); err != nil {
		s.logf("zeroing: torque preamble failed: %v", err)
	}
	fbs, err := s.driver.SetZero(ids...)
	if err != nil {
		s.logf("zeroing motors %v failed: %v", ids, err)
		return
	}
	s.applySessions(fbs, ids, func(sess *session) {
		sess.applyReset()
		sess.applyStart()
	})
	s.logf("zeroed motors %v", ids)
}

// shutdown leaves the motors limp and the bus released: zero torque to all
// commandable motors, then reset everything.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.stopped = true
	torques := make(map[uint8]float64)
	for id, sess := range s.sessions {
		if sess.acceptsSetpoints() {
			torques[id] = 0
		}
	}
	s.mu.Unlock()

	if len(torques) > 0 {
		if _, err := s.driver.SendTorques(torques); err != nil {
			s.logf("shutdown: zero torque failed: %v", err)
		}
	}
	if _, err := s.driver.Reset(); err != nil {
		s.logf("shutdown: reset failed: %v", err)
	}
	s.logf("loop stopped")
}

// fail records an unrecoverable loop failure (lost transport), marks every
// session stale, and leaves the supervisor in the terminal stopped state.
// The error is surfaced on LastError and via the sessions' freshness.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.stopped = true
	for _, sess := range s.sessions {
		sess.fresh = false
	}
	s.mu.Unlock()
	s.logf("loop failed: %v", err)
}

func (s *Supervisor) closeTransport() {
	s.closeOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			s.logf("transport close: %v", err)
		}
	})
}

// Stop signals the loop to exit after its current tick, waits for it to
// release the transport, and returns. Calling Stop again is a no-op.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Running reports whether the control loop is still alive.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stopped
}

// LastError returns the error that terminated the loop, if any.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Supervisor) mutateTarget(id uint8, mutate func(*MotorControlParams)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		// A dead loop would silently ignore the new target; surface it.
		if s.lastErr != nil {
			return fmt.Errorf("%w: %v", ErrStopped, s.lastErr)
		}
		return ErrStopped
	}
	p, ok := s.targets[id]
	if !ok {
		return &UnknownMotorError{MotorID: id}
	}
	mutate(&p)
	if err := p.Validate(s.sessions[id].model); err != nil {
		return err
	}
	s.targets[id] = p
	return nil
}

func (s *Supervisor) readTarget(id uint8) (MotorControlParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.targets[id]
	if !ok {
		return MotorControlParams{}, &UnknownMotorError{MotorID: id}
	}
	return p, nil
}

// SetParams atomically replaces a motor's whole target entry. The entry is
// validated against the motor's model; out-of-range values are rejected,
// never clamped.
func (s *Supervisor) SetParams(id uint8, p MotorControlParams) error {
	return s.mutateTarget(id, func(t *MotorControlParams) { *t = p })
}

// SetPosition updates the position field of a motor's target.
func (s *Supervisor) SetPosition(id uint8, position float64) error {
	return s.mutateTarget(id, func(t *MotorControlParams) { t.Position = position })
}

// SetVelocity updates the velocity field of a motor's target.
func (s *Supervisor) SetVelocity(id uint8, velocity float64) error {
	return s.mutateTarget(id, func(t *MotorControlParams) { t.Velocity = velocity })
}

// SetKp updates the position gain of a motor's target.
func (s *Supervisor) SetKp(id uint8, kp float64) error {
	return s.mutateTarget(id, func(t *MotorControlParams) { t.Kp = kp })
}

// SetKd updates the damping gain of a motor's target.
func (s *Supervisor) SetKd(id uint8, kd float64) error {
	return s.mutateTarget(id, func(t *MotorControlParams) { t.Kd = kd })
}

// SetTorque updates the feed-forward torque of a motor's target.
func (s *Supervisor) SetTorque(id uint8, torque float64) error {
	return s.mutateTarget(id, func(t *MotorControlParams) { t.Torque = torque })
}

// GetPosition returns the position field of a motor's target.
func (s *Supervisor) GetPosition(id uint8) (float64, error) {
	p, err := s.readTarget(id)
	return p.Position, err
}

// GetVelocity returns the velocity field of a motor's target.
func (s *Supervisor) GetVelocity(id uint8) (float64, error) {
	p, err := s.readTarget(id)
	return p.Velocity, err
}

// GetKp returns the position gain of a motor's target.
func (s *Supervisor) GetKp(id uint8) (float64, error) {
	p, err := s.readTarget(id)
	return p.Kp, err
}

// GetKd returns the damping gain of a motor's target.
func (s *Supervisor) GetKd(id uint8) (float64, error) {
	p, err := s.readTarget(id)
	return p.Kd, err
}

// GetTorque returns the feed-forward torque of a motor's target.
func (s *Supervisor) GetTorque(id uint8) (float64, error) {
	p, err := s.readTarget(id)
	return p.Torque, err
}

// GetParams returns a motor's whole target entry.
func (s *Supervisor) GetParams(id uint8) (MotorControlParams, error) {
	return s.readTarget(id)
}

// AddMotorToZero queues a one-shot zero request consumed by the next tick.
// The motor's target is cleared first so it does not lunge toward a stale
// setpoint the moment its reference moves.
func (s *Supervisor) AddMotorToZero(id uint8) error {
	if err := s.SetParams(id, MotorControlParams{}); err != nil {
		return err
	}
	s.mu.Lock()
	s.zeroQueue[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

// TogglePause flips the paused flag and returns the new value. A paused
// loop keeps polling telemetry but sends no setpoint commands; the firmware
// holds the last commanded state. Unpausing resumes target transmission on
// the very next tick.
func (s *Supervisor) TogglePause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = !s.paused
	return s.paused
}

// Paused reports whether setpoint transmission is suspended.
func (s *Supervisor) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Reset requests a reset-and-start cycle of all motors on the next tick,
// clearing fault latches.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.restartReq = true
	s.mu.Unlock()
}

// SetSleepDuration reconfigures the tick period for subsequent iterations.
func (s *Supervisor) SetSleepDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.period = d
	s.mu.Unlock()
}

// SetUpdateRate reconfigures the tick period as a frequency in Hz.
func (s *Supervisor) SetUpdateRate(hz float64) {
	if hz > 0 {
		s.SetSleepDuration(time.Duration(float64(time.Second) / hz))
	}
}

// ActualUpdateRate returns the measured loop frequency as an exponentially
// weighted moving average.
func (s *Supervisor) ActualUpdateRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualRate
}

// GetLatestFeedback returns the snapshot published by the most recently
// completed tick: every entry is from the same tick or an earlier completed
// one, never from a tick in progress.
func (s *Supervisor) GetLatestFeedback() map[uint8]MotorFeedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint8]MotorFeedback, len(s.snapshot))
	for id, fb := range s.snapshot {
		out[id] = fb
	}
	return out
}

// GetLatestFeedbackFor returns the snapshot entry for one motor. It fails
// with UnknownMotorError for unconfigured ids and ErrNoFeedback before the
// motor's first reply.
func (s *Supervisor) GetLatestFeedbackFor(id uint8) (MotorFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[id]; !ok {
		return MotorFeedback{}, &UnknownMotorError{MotorID: id}
	}
	fb, ok := s.snapshot[id]
	if !ok {
		return MotorFeedback{}, ErrNoFeedback
	}
	return fb, nil
}

// Sessions returns a snapshot of every motor session, including state,
// freshness and consecutive-timeout counts.
func (s *Supervisor) Sessions() map[uint8]SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint8]SessionInfo, len(s.sessions))
	for id, sess := range s.sessions {
		out[id] = sess.info()
	}
	return out
}

// TotalCommands returns the number of completed control batches.
func (s *Supervisor) TotalCommands() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// FailedCommands returns the number of ticks on which the given motor
// missed its reply.
func (s *Supervisor) FailedCommands(id uint8) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.failed[id]
	if !ok {
		return 0, &UnknownMotorError{MotorID: id}
	}
	return n, nil
}

// ResetCommandCounters zeroes the command counters.
func (s *Supervisor) ResetCommandCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	for id := range s.failed {
		s.failed[id] = 0
	}
}
