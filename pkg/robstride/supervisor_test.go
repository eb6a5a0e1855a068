package robstride

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func testSupervisor(t *testing.T, motors map[uint8]MotorDef) (*Supervisor, *SimTransport) {
	t.Helper()
	types := make(map[uint8]MotorType, len(motors))
	for id, def := range motors {
		types[id] = def.Type
	}
	sim, err := NewSimTransport(types)
	if err != nil {
		t.Fatalf("NewSimTransport: %v", err)
	}
	sup, err := NewSupervisor(SupervisorConfig{
		Motors:       motors,
		UpdateRate:   500,
		ReplyTimeout: 2 * time.Millisecond,
		Transport:    sim,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(sup.Stop)
	return sup, sim
}

func legMotors() map[uint8]MotorDef {
	return map[uint8]MotorDef{
		1: {Type: TypeRS04, Name: "leg_left"},
		2: {Type: TypeRS04, Name: "leg_right"},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSupervisorConvergence(t *testing.T) {
	sup, _ := testSupervisor(t, legMotors())

	for id, want := range map[uint8]float64{1: 0.5, 2: -0.3} {
		if err := sup.SetKp(id, 30); err != nil {
			t.Fatalf("SetKp(%d): %v", id, err)
		}
		if err := sup.SetPosition(id, want); err != nil {
			t.Fatalf("SetPosition(%d): %v", id, err)
		}
	}

	waitFor(t, func() bool {
		a, errA := sup.GetLatestFeedbackFor(1)
		b, errB := sup.GetLatestFeedbackFor(2)
		return errA == nil && errB == nil &&
			math.Abs(a.Position-0.5) < 0.01 && math.Abs(b.Position+0.3) < 0.01
	}, "both motors to converge")

	sessions := sup.Sessions()
	for id, want := range map[uint8]string{1: "leg_left", 2: "leg_right"} {
		info := sessions[id]
		if info.Name != want {
			t.Errorf("motor %d: name = %q, want %q", id, info.Name, want)
		}
		if info.State != StateRunning {
			t.Errorf("motor %d: state = %v, want running", id, info.State)
		}
		if !info.Fresh {
			t.Errorf("motor %d: not fresh", id)
		}
	}
	if sup.TotalCommands() == 0 {
		t.Error("no command batches counted")
	}
	if rate := sup.ActualUpdateRate(); rate <= 0 {
		t.Errorf("actual rate = %g, want > 0", rate)
	}
}

func TestSupervisorRejectsOutOfRange(t *testing.T) {
	sup, _ := testSupervisor(t, legMotors())

	if err := sup.SetPosition(1, 0.25); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	var rangeErr *RangeError
	if err := sup.SetPosition(1, 99); !errors.As(err, &rangeErr) {
		t.Fatalf("SetPosition(99): err = %v, want RangeError", err)
	}
	if err := sup.SetParams(1, MotorControlParams{Kd: -1}); !errors.As(err, &rangeErr) {
		t.Fatalf("SetParams(kd -1): err = %v, want RangeError", err)
	}

	// The rejected values left the target untouched.
	if pos, _ := sup.GetPosition(1); pos != 0.25 {
		t.Errorf("target position = %g, want 0.25", pos)
	}
}

func TestSupervisorRejectedBatchNotCountedAsFailed(t *testing.T) {
	sup, _ := testSupervisor(t, legMotors())

	waitFor(t, func() bool { return sup.TotalCommands() > 0 }, "first batch")

	// Force a target the setters would refuse. A batch rejected before
	// any frame goes out is a client bug, not a bus failure, so the
	// per-motor failure counters must stay untouched.
	sup.mu.Lock()
	sup.targets[1] = MotorControlParams{Position: 99}
	sup.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	if !sup.Running() {
		t.Fatal("supervisor stopped on rejected batch")
	}
	if n, _ := sup.FailedCommands(1); n != 0 {
		t.Errorf("FailedCommands(1) = %d, want 0", n)
	}
	if n, _ := sup.FailedCommands(2); n != 0 {
		t.Errorf("FailedCommands(2) = %d, want 0", n)
	}

	// Valid targets resume normal batches and the sent counter advances.
	sup.mu.Lock()
	sup.targets[1] = MotorControlParams{}
	sup.mu.Unlock()
	total := sup.TotalCommands()
	waitFor(t, func() bool { return sup.TotalCommands() > total }, "batches to resume")
}

func TestSupervisorUnknownMotor(t *testing.T) {
	sup, _ := testSupervisor(t, legMotors())

	var unknown *UnknownMotorError
	if err := sup.SetTorque(9, 1); !errors.As(err, &unknown) {
		t.Errorf("SetTorque(9): err = %v, want UnknownMotorError", err)
	}
	if _, err := sup.GetParams(9); !errors.As(err, &unknown) {
		t.Errorf("GetParams(9): err = %v, want UnknownMotorError", err)
	}
	if _, err := sup.GetLatestFeedbackFor(9); !errors.As(err, &unknown) {
		t.Errorf("GetLatestFeedbackFor(9): err = %v, want UnknownMotorError", err)
	}
	if _, err := sup.FailedCommands(9); !errors.As(err, &unknown) {
		t.Errorf("FailedCommands(9): err = %v, want UnknownMotorError", err)
	}
}

func TestSupervisorTimeoutIsolation(t *testing.T) {
	sup, sim := testSupervisor(t, legMotors())

	waitFor(t, func() bool {
		_, err := sup.GetLatestFeedbackFor(2)
		return err == nil
	}, "first feedback from motor 2")

	sim.SetSilent(2, true)
	if err := sup.SetKp(1, 30); err != nil {
		t.Fatal(err)
	}
	if err := sup.SetPosition(1, 1.5); err != nil {
		t.Fatal(err)
	}

	// Motor 1 keeps converging while motor 2 goes stale.
	waitFor(t, func() bool {
		fb, err := sup.GetLatestFeedbackFor(1)
		return err == nil && math.Abs(fb.Position-1.5) < 0.01
	}, "motor 1 to converge with motor 2 silent")
	waitFor(t, func() bool {
		info := sup.Sessions()[2]
		return !info.Fresh && info.Timeouts >= 2
	}, "motor 2 to go stale")

	if n, _ := sup.FailedCommands(2); n == 0 {
		t.Error("no failed commands counted for silent motor")
	}
	if n, _ := sup.FailedCommands(1); n != 0 {
		t.Errorf("responsive motor counted %d failures", n)
	}

	// The stale snapshot entry survives rather than vanishing.
	if _, err := sup.GetLatestFeedbackFor(2); err != nil {
		t.Errorf("stale motor lost its snapshot entry: %v", err)
	}

	sim.SetSilent(2, false)
	waitFor(t, func() bool { return sup.Sessions()[2].Fresh }, "motor 2 to recover")
	if info := sup.Sessions()[2]; info.Timeouts != 0 {
		t.Errorf("timeouts after recovery = %d, want 0", info.Timeouts)
	}

	sup.ResetCommandCounters()
	if n, _ := sup.FailedCommands(2); n != 0 {
		t.Errorf("failed count after reset = %d, want 0", n)
	}
}

func TestSupervisorPause(t *testing.T) {
	sup, sim := testSupervisor(t, legMotors())

	waitFor(t, func() bool { return sim.CountSent(1, CommMotorCtrl) > 2 }, "control traffic")

	if !sup.TogglePause() {
		t.Fatal("TogglePause returned false")
	}
	if !sup.Paused() {
		t.Fatal("Paused() = false after toggle")
	}

	// Drain the tick in flight, then verify setpoint traffic stops while
	// telemetry polling continues.
	time.Sleep(20 * time.Millisecond)
	ctrlBefore := sim.CountSent(1, CommMotorCtrl)
	sdoBefore := sim.CountSent(1, CommSdoWrite)

	waitFor(t, func() bool { return sim.CountSent(1, CommSdoWrite) > sdoBefore+2 }, "paused telemetry polls")
	if got := sim.CountSent(1, CommMotorCtrl); got != ctrlBefore {
		t.Errorf("control frames while paused: %d -> %d", ctrlBefore, got)
	}

	// Targets remain mutable while paused and resume on unpause.
	if err := sup.SetTorque(1, 0.5); err != nil {
		t.Fatalf("SetTorque while paused: %v", err)
	}
	if sup.TogglePause() {
		t.Fatal("TogglePause returned true on unpause")
	}
	waitFor(t, func() bool { return sim.CountSent(1, CommMotorCtrl) > ctrlBefore }, "control traffic to resume")
}

func TestSupervisorFaultGating(t *testing.T) {
	sup, sim := testSupervisor(t, legMotors())

	waitFor(t, func() bool { return sim.CountSent(1, CommMotorCtrl) > 0 }, "control traffic")

	sim.SetFaults(1, FaultOvertemp|FaultUndervoltage)
	waitFor(t, func() bool { return sup.Sessions()[1].State == StateFault }, "fault to latch")

	time.Sleep(20 * time.Millisecond)
	ctrlBefore := sim.CountSent(1, CommMotorCtrl)
	sdoBefore := sim.CountSent(1, CommSdoWrite)

	// No setpoints reach the faulted motor, but it stays polled and its
	// healthy peer stays commanded.
	waitFor(t, func() bool { return sim.CountSent(1, CommSdoWrite) > sdoBefore+2 }, "fault polling")
	if got := sim.CountSent(1, CommMotorCtrl); got != ctrlBefore {
		t.Errorf("control frames sent to faulted motor: %d -> %d", ctrlBefore, got)
	}
	healthyBefore := sim.CountSent(2, CommMotorCtrl)
	waitFor(t, func() bool { return sim.CountSent(2, CommMotorCtrl) > healthyBefore }, "healthy motor traffic")

	if fb, err := sup.GetLatestFeedbackFor(1); err != nil || fb.Faults == 0 {
		t.Errorf("snapshot hides the fault: fb=%+v err=%v", fb, err)
	}

	// Reset clears the latch and reinstates the motor.
	sup.Reset()
	waitFor(t, func() bool { return sup.Sessions()[1].State == StateRunning }, "fault recovery")
	waitFor(t, func() bool { return sim.CountSent(1, CommMotorCtrl) > ctrlBefore }, "setpoints to resume")
}

func TestSupervisorSilentWhileFaulted(t *testing.T) {
	sup, sim := testSupervisor(t, legMotors())

	waitFor(t, func() bool { return sim.CountSent(1, CommMotorCtrl) > 0 }, "control traffic")
	sim.SetFaults(1, FaultOvertemp)
	waitFor(t, func() bool { return sup.Sessions()[1].State == StateFault }, "fault to latch")

	// A faulted motor that then stops answering must go stale like any
	// other silent motor, even though it only receives polls.
	sim.SetSilent(1, true)
	waitFor(t, func() bool {
		info := sup.Sessions()[1]
		return !info.Fresh && info.Timeouts >= 2
	}, "silent faulted motor to go stale")

	if info := sup.Sessions()[1]; info.State != StateFault {
		t.Errorf("state = %v, want fault", info.State)
	}
	if n, _ := sup.FailedCommands(1); n == 0 {
		t.Error("no failed commands counted for silent faulted motor")
	}
	if info := sup.Sessions()[2]; !info.Fresh {
		t.Error("healthy motor went stale")
	}
}

func TestSupervisorSilentWhilePaused(t *testing.T) {
	sup, sim := testSupervisor(t, legMotors())

	waitFor(t, func() bool {
		_, err := sup.GetLatestFeedbackFor(2)
		return err == nil
	}, "first feedback from motor 2")

	sup.TogglePause()
	sim.SetSilent(2, true)

	// The paused telemetry polls feed the same staleness accounting as
	// the regular control exchanges.
	waitFor(t, func() bool {
		info := sup.Sessions()[2]
		return !info.Fresh && info.Timeouts >= 2
	}, "silent motor to go stale while paused")

	if n, _ := sup.FailedCommands(2); n == 0 {
		t.Error("no failed commands counted while paused")
	}
	if info := sup.Sessions()[1]; !info.Fresh {
		t.Error("responsive motor went stale while paused")
	}
}

func TestSupervisorZeroOnInit(t *testing.T) {
	sup, sim := testSupervisor(t, map[uint8]MotorDef{
		1: {Type: TypeRS01, Name: "hip"},
	})

	waitFor(t, func() bool { return sim.CountSent(1, CommMotorZero) == 1 }, "power-up zeroing")
	waitFor(t, func() bool { return sup.Sessions()[1].State == StateRunning }, "motor running after zeroing")
}

func TestSupervisorAddMotorToZero(t *testing.T) {
	sup, sim := testSupervisor(t, legMotors())

	if err := sup.SetParams(1, MotorControlParams{Position: 2, Kp: 30}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sim.Position(1) > 1.9 }, "motor to reach target")

	if err := sup.AddMotorToZero(1); err != nil {
		t.Fatalf("AddMotorToZero: %v", err)
	}
	waitFor(t, func() bool { return sim.CountSent(1, CommMotorZero) == 1 }, "zero command")

	// The target was cleared, so the motor holds the new reference
	// instead of lunging back to the stale setpoint.
	if p, _ := sup.GetParams(1); p != (MotorControlParams{}) {
		t.Errorf("target after zeroing = %+v, want cleared", p)
	}
	time.Sleep(20 * time.Millisecond)
	if pos := sim.Position(1); math.Abs(pos) > 0.01 {
		t.Errorf("position after zeroing = %g, want ~0", pos)
	}
}

func TestSupervisorConcurrentMutation(t *testing.T) {
	sup, _ := testSupervisor(t, legMotors())

	var wg sync.WaitGroup
	stop := time.Now().Add(100 * time.Millisecond)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed float64) {
			defer wg.Done()
			for i := 0; time.Now().Before(stop); i++ {
				id := uint8(1 + i%2)
				sup.SetPosition(id, seed+float64(i%10)/10)
				sup.GetLatestFeedback()
				sup.Sessions()
			}
		}(float64(w) / 10)
	}
	wg.Wait()

	// Every snapshot entry stays within the model's range regardless of
	// interleaving.
	model, _ := ModelFor(TypeRS04)
	for id, fb := range sup.GetLatestFeedback() {
		if fb.Position < model.PosMin || fb.Position > model.PosMax {
			t.Errorf("motor %d: snapshot position %g outside model range", id, fb.Position)
		}
	}
}

func TestSupervisorStop(t *testing.T) {
	types := map[uint8]MotorType{1: TypeRS04}
	sim, err := NewSimTransport(types)
	if err != nil {
		t.Fatal(err)
	}
	sup, err := NewSupervisor(SupervisorConfig{
		Motors:       map[uint8]MotorDef{1: {Type: TypeRS04}},
		UpdateRate:   500,
		ReplyTimeout: 2 * time.Millisecond,
		Transport:    sim,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sim.CountSent(1, CommMotorCtrl) > 0 }, "control traffic")

	sup.Stop()
	sup.Stop() // second call returns immediately

	if sup.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := sup.SetPosition(1, 0.1); !errors.Is(err, ErrStopped) {
		t.Errorf("SetPosition after Stop: err = %v, want ErrStopped", err)
	}

	// Shutdown leaves the motor limp: the final frames are a zero-torque
	// command followed by a reset, and the transport is released.
	frames := sim.SentFrames()
	last := frames[len(frames)-1]
	if last.Mode != CommMotorReset {
		t.Errorf("last frame mode = %v, want reset", last.Mode)
	}
	if err := sim.Send(0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("transport still open after Stop: err = %v", err)
	}
}

func TestNewSupervisorInvalidConfig(t *testing.T) {
	var cfgErr *ConfigError
	_, err := NewSupervisor(SupervisorConfig{Endpoint: "sim"})
	if !errors.As(err, &cfgErr) {
		t.Errorf("no motors: err = %v, want ConfigError", err)
	}
}
