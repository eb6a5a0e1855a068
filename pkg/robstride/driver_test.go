package robstride

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testDriver(t *testing.T) (*Driver, *SimTransport) {
	t.Helper()
	motors := map[uint8]MotorType{1: TypeRS01, 2: TypeRS01}
	sim, err := NewSimTransport(motors)
	if err != nil {
		t.Fatalf("NewSimTransport: %v", err)
	}
	driver, err := NewDriver(sim, motors, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return driver, sim
}

func TestDriverStartAndModes(t *testing.T) {
	driver, _ := testDriver(t)

	fbs, err := driver.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(fbs) != 2 {
		t.Fatalf("Start replies = %d, want 2", len(fbs))
	}
	for id, fb := range fbs {
		if fb.Mode != ModeMotor {
			t.Errorf("motor %d: mode = %v, want Motor", id, fb.Mode)
		}
	}

	if _, err := driver.SetRunMode(RunModeMit); err != nil {
		t.Fatalf("SetRunMode: %v", err)
	}
	modes, err := driver.GetModes()
	if err != nil {
		t.Fatalf("GetModes: %v", err)
	}
	for id, mode := range modes {
		if mode != RunModeMit {
			t.Errorf("motor %d: run mode = %v, want Mit", id, mode)
		}
	}
}

func TestDriverSendControls(t *testing.T) {
	driver, sim := testDriver(t)
	if _, err := driver.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	params := map[uint8]MotorControlParams{
		1: {Position: 1.0, Kp: 20, Kd: 1},
	}
	for i := 0; i < 12; i++ {
		if _, err := driver.SendControls(params); err != nil {
			t.Fatalf("SendControls: %v", err)
		}
	}
	if pos := sim.Position(1); math.Abs(pos-1.0) > 0.01 {
		t.Errorf("position after 12 control frames = %g, want ~1.0", pos)
	}
	if pos := sim.Position(2); pos != 0 {
		t.Errorf("uncommanded motor moved to %g", pos)
	}

	fb, ok, err := driver.LatestFeedbackFor(1)
	if err != nil || !ok {
		t.Fatalf("LatestFeedbackFor(1): ok=%v err=%v", ok, err)
	}
	if math.Abs(fb.Position-1.0) > 0.01 {
		t.Errorf("cached position = %g, want ~1.0", fb.Position)
	}
}

func TestDriverRejectsBeforeSending(t *testing.T) {
	driver, sim := testDriver(t)

	params := map[uint8]MotorControlParams{
		1: {Position: 0.5},
		2: {Position: 99},
	}
	_, err := driver.SendControls(params)
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("err = %v, want RangeError", err)
	}
	if n := len(sim.SentFrames()); n != 0 {
		t.Errorf("%d frames reached the bus despite rejection", n)
	}
}

func TestDriverTimeoutIsolation(t *testing.T) {
	driver, sim := testDriver(t)
	sim.SetSilent(2, true)

	fbs, err := driver.SendTorques(map[uint8]float64{1: 0.5, 2: 0.5})
	if err != nil {
		t.Fatalf("SendTorques: %v", err)
	}
	if _, ok := fbs[1]; !ok {
		t.Error("responsive motor missing from result")
	}
	if _, ok := fbs[2]; ok {
		t.Error("silent motor present in result")
	}

	if _, ok, _ := driver.LatestFeedbackFor(2); ok {
		t.Error("silent motor has cached feedback")
	}
}

func TestDriverSetZero(t *testing.T) {
	driver, sim := testDriver(t)
	if _, err := driver.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 8; i++ {
		if _, err := driver.SendControls(map[uint8]MotorControlParams{1: {Position: 2, Kp: 20}}); err != nil {
			t.Fatalf("SendControls: %v", err)
		}
	}

	fbs, err := driver.SetZero(1)
	if err != nil {
		t.Fatalf("SetZero: %v", err)
	}
	if fb, ok := fbs[1]; !ok || fb.Mode != ModeMotor {
		t.Errorf("after SetZero: fb=%+v ok=%v, want running motor", fbs[1], ok)
	}
	if pos := sim.Position(1); pos != 0 {
		t.Errorf("position after zero = %g, want 0", pos)
	}

	// Reset, zero, start, in that order.
	var seq []CommMode
	for _, f := range sim.SentFrames() {
		if f.MotorID == 1 && f.Mode != CommMotorCtrl {
			seq = append(seq, f.Mode)
		}
	}
	want := []CommMode{CommMotorStart, CommMotorReset, CommMotorZero, CommMotorStart}
	if len(seq) != len(want) {
		t.Fatalf("lifecycle sequence = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("lifecycle sequence = %v, want %v", seq, want)
		}
	}
}

func TestDriverResetClearsFaults(t *testing.T) {
	driver, sim := testDriver(t)
	sim.SetFaults(1, FaultOvertemp)

	fbs, err := driver.Start(1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fbs[1].Faults != FaultOvertemp {
		t.Fatalf("faults = %v, want overtemp", fbs[1].Faults)
	}
	if fbs[1].Mode == ModeMotor {
		t.Error("faulted motor enabled anyway")
	}

	fbs, err = driver.Reset(1)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if fbs[1].Faults != 0 {
		t.Errorf("faults after reset = %v, want none", fbs[1].Faults)
	}
}

func TestDriverUnknownMotor(t *testing.T) {
	driver, _ := testDriver(t)

	_, err := driver.Start(7)
	var unknown *UnknownMotorError
	if !errors.As(err, &unknown) {
		t.Errorf("Start(7): err = %v, want UnknownMotorError", err)
	}
	_, _, err = driver.LatestFeedbackFor(7)
	if !errors.As(err, &unknown) {
		t.Errorf("LatestFeedbackFor(7): err = %v, want UnknownMotorError", err)
	}
}

func TestDriverCANTimeout(t *testing.T) {
	driver, _ := testDriver(t)

	if err := driver.SetCANTimeout(250); err != nil {
		t.Fatalf("SetCANTimeout: %v", err)
	}
	timeouts, err := driver.ReadCANTimeouts()
	if err != nil {
		t.Fatalf("ReadCANTimeouts: %v", err)
	}
	for id, ms := range timeouts {
		if ms != 250 {
			t.Errorf("motor %d: watchdog = %g ms, want 250", id, ms)
		}
	}
}

func TestDriverReadNames(t *testing.T) {
	driver, _ := testDriver(t)

	names, err := driver.ReadNames()
	if err != nil {
		t.Fatalf("ReadNames: %v", err)
	}
	if names[1] != "sim00001" {
		t.Errorf("name = %q, want sim00001", names[1])
	}
	if names[2] != "sim00002" {
		t.Errorf("name = %q, want sim00002", names[2])
	}
}

func TestDriverReadNamesSkipsTelemetry(t *testing.T) {
	driver, sim := testDriver(t)

	// A telemetry frame for the same motor sitting on the bus must not
	// be consumed as name bytes.
	stray, err := driver.Codec().EncodeFeedback(MotorFeedback{MotorID: 1, Mode: ModeMotor})
	if err != nil {
		t.Fatalf("EncodeFeedback: %v", err)
	}
	sim.Inject(stray)

	names, err := driver.ReadNames()
	if err != nil {
		t.Fatalf("ReadNames: %v", err)
	}
	if names[1] != "sim00001" {
		t.Errorf("name = %q, want sim00001", names[1])
	}
	if names[2] != "sim00002" {
		t.Errorf("name = %q, want sim00002", names[2])
	}
}
