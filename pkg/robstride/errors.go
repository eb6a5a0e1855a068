package robstride

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports that no reply arrived within the bound.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrClosed reports an operation on a closed transport or stopped
	// supervisor.
	ErrClosed = errors.New("closed")

	// ErrStopped reports a supervisor call after the control loop exited.
	ErrStopped = errors.New("supervisor stopped")

	// ErrNoFeedback reports that a motor has not replied yet.
	ErrNoFeedback = errors.New("no feedback received yet")
)

// ConfigError reports an invalid engine configuration: a bad bus endpoint,
// an empty or duplicated motor set, or an unknown motor type.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return "config: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// UnknownMotorError reports a reference to a motor id that is not in the
// configured set.
type UnknownMotorError struct {
	MotorID uint8
}

func (e *UnknownMotorError) Error() string {
	return fmt.Sprintf("motor %d is not configured", e.MotorID)
}

// RangeError reports a setpoint outside the model's documented range.
type RangeError struct {
	Field    string
	Value    float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %g out of range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

// Decode failure reasons.
type DecodeReason int

const (
	DecodeShortFrame DecodeReason = iota
	DecodeBadFraming
	DecodeUnexpectedMode
	DecodeUnknownMotor
)

func (r DecodeReason) String() string {
	switch r {
	case DecodeShortFrame:
		return "short frame"
	case DecodeBadFraming:
		return "bad framing"
	case DecodeUnexpectedMode:
		return "unexpected communication mode"
	case DecodeUnknownMotor:
		return "unknown motor id"
	}
	return fmt.Sprintf("DecodeReason(%d)", int(r))
}

// DecodeError reports a malformed or unexpected bus frame. Decoding never
// panics; every malformed input maps to one of the DecodeReason values.
type DecodeError struct {
	Reason  DecodeReason
	MotorID uint8
	Detail  string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("decode: %s: %s", e.Reason, e.Detail)
	}
	return "decode: " + e.Reason.String()
}

// IsTimeout reports whether err is a reply timeout, which the driver treats
// as a per-motor stale marker rather than a batch failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
