// Package robstride drives Robstride brand actuators over a shared CAN or
// USB-serial bus: a bit-exact frame codec, a stateless command driver, and a
// supervisor that runs a fixed-period control loop while client goroutines
// update targets and read feedback concurrently.
package robstride

import (
	"fmt"
	"strings"
)

// MotorMode is the coarse operating mode reported by the firmware in every
// telemetry frame.
type MotorMode uint8

const (
	ModeReset MotorMode = iota
	ModeCali
	ModeMotor
	ModeBrake
)

func (m MotorMode) String() string {
	switch m {
	case ModeReset:
		return "Reset"
	case ModeCali:
		return "Cali"
	case ModeMotor:
		return "Motor"
	case ModeBrake:
		return "Brake"
	}
	return fmt.Sprintf("MotorMode(%d)", uint8(m))
}

// RunMode selects the firmware control scheme, written via the run-mode
// parameter register. The engine drives motors in MIT mode.
type RunMode int8

const (
	RunModeUnset       RunMode = -1
	RunModeMit         RunMode = 0
	RunModePosition    RunMode = 1
	RunModeSpeed       RunMode = 2
	RunModeCurrent     RunMode = 3
	RunModeToZero      RunMode = 4
	RunModeCspPosition RunMode = 5
)

func (m RunMode) String() string {
	switch m {
	case RunModeUnset:
		return "Unset"
	case RunModeMit:
		return "Mit"
	case RunModePosition:
		return "Position"
	case RunModeSpeed:
		return "Speed"
	case RunModeCurrent:
		return "Current"
	case RunModeToZero:
		return "ToZero"
	case RunModeCspPosition:
		return "CspPosition"
	}
	return fmt.Sprintf("RunMode(%d)", int8(m))
}

// FaultBits is the 6-bit fault bitmask carried in the telemetry frame header.
type FaultBits uint16

const (
	FaultUndervoltage FaultBits = 1 << 0
	FaultOvercurrent  FaultBits = 1 << 1
	FaultOvertemp     FaultBits = 1 << 2
	FaultEncoder      FaultBits = 1 << 3
	FaultHallEncoder  FaultBits = 1 << 4
	FaultUncalibrated FaultBits = 1 << 5
)

func (f FaultBits) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, b := range []struct {
		bit  FaultBits
		name string
	}{
		{FaultUndervoltage, "undervoltage"},
		{FaultOvercurrent, "overcurrent"},
		{FaultOvertemp, "overtemp"},
		{FaultEncoder, "encoder"},
		{FaultHallEncoder, "hall"},
		{FaultUncalibrated, "uncalibrated"},
	} {
		if f&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	return strings.Join(names, "|")
}

// MotorControlParams is one actuator's desired operating point for a single
// MIT-mode control frame.
type MotorControlParams struct {
	Position float64 // rad
	Velocity float64 // rad/s
	Kp       float64 // position gain
	Kd       float64 // damping gain
	Torque   float64 // feed-forward, N·m
}

// Validate checks every field against the model's documented range.
// Out-of-range setpoints are rejected rather than clamped: a silently
// clamped command changes the behavior the caller asked for.
func (p MotorControlParams) Validate(model MotorModel) error {
	checks := []struct {
		field    string
		value    float64
		min, max float64
	}{
		{"position", p.Position, model.PosMin, model.PosMax},
		{"velocity", p.Velocity, model.VelMin, model.VelMax},
		{"kp", p.Kp, model.KpMin, model.KpMax},
		{"kd", p.Kd, model.KdMin, model.KdMax},
		{"torque", p.Torque, model.TorMin, model.TorMax},
	}
	for _, c := range checks {
		if c.value < c.min || c.value > c.max {
			return &RangeError{Field: c.field, Value: c.value, Min: c.min, Max: c.max}
		}
	}
	return nil
}

func (p MotorControlParams) String() string {
	return fmt.Sprintf("pos=%.3f vel=%.3f kp=%.1f kd=%.2f tor=%.3f",
		p.Position, p.Velocity, p.Kp, p.Kd, p.Torque)
}

// MotorFeedback is one decoded telemetry frame in engineering units.
type MotorFeedback struct {
	MotorID  uint8
	Position float64 // rad
	Velocity float64 // rad/s
	Torque   float64 // N·m
	Mode     MotorMode
	Faults   FaultBits
}

func (f MotorFeedback) String() string {
	return fmt.Sprintf("motor %d: pos=%.3f vel=%.3f tor=%.3f mode=%s faults=%s",
		f.MotorID, f.Position, f.Velocity, f.Torque, f.Mode, f.Faults)
}
