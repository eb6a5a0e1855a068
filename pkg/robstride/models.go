package robstride

import "fmt"

// MotorType identifies a Robstride actuator family. The wire protocol is
// shared across types; only the quantization ranges and a few firmware
// parameter addresses differ.
type MotorType int

const (
	TypeRS00 MotorType = iota
	TypeRS01
	TypeRS02
	TypeRS03
	TypeRS04
)

// MotorTypeFromString parses the two-digit model suffix ("01", "02", ...)
// printed on the actuator label.
func MotorTypeFromString(s string) (MotorType, error) {
	switch s {
	case "00":
		return TypeRS00, nil
	case "01":
		return TypeRS01, nil
	case "02":
		return TypeRS02, nil
	case "03":
		return TypeRS03, nil
	case "04":
		return TypeRS04, nil
	}
	return 0, fmt.Errorf("unknown motor type %q", s)
}

func (t MotorType) String() string {
	switch t {
	case TypeRS00:
		return "RobStride00"
	case TypeRS01:
		return "RobStride01"
	case TypeRS02:
		return "RobStride02"
	case TypeRS03:
		return "RobStride03"
	case TypeRS04:
		return "RobStride04"
	}
	return fmt.Sprintf("MotorType(%d)", int(t))
}

// MotorModel holds the vendor-documented operating ranges for one actuator
// family. Setpoints and telemetry are quantized to 16-bit integers over
// these ranges, so they must match the firmware exactly.
type MotorModel struct {
	PosMin, PosMax float64 // rad
	VelMin, VelMax float64 // rad/s
	KpMin, KpMax   float64
	KdMin, KdMax   float64
	TorMin, TorMax float64 // N·m

	// ZeroOnInit marks single-encoder motors that lose their position
	// reference on power-up and must be zeroed before use.
	ZeroOnInit bool

	// TimeoutParam is the firmware parameter index holding the CAN
	// watchdog timeout for this family.
	TimeoutParam uint16
}

var motorModels = map[MotorType]MotorModel{
	TypeRS00: {
		PosMin: -12.5, PosMax: 12.5,
		VelMin: -33, VelMax: 33,
		KpMin: 0, KpMax: 500,
		KdMin: 0, KdMax: 5,
		TorMin: -14, TorMax: 14,
		TimeoutParam: 0x200b,
	},
	TypeRS01: {
		PosMin: -12.5, PosMax: 12.5,
		VelMin: -44, VelMax: 44,
		KpMin: 0, KpMax: 500,
		KdMin: 0, KdMax: 5,
		TorMin: -12, TorMax: 12,
		ZeroOnInit:   true, // single encoder
		TimeoutParam: 0x200c,
	},
	TypeRS02: {
		PosMin: -12.5, PosMax: 12.5,
		VelMin: -44, VelMax: 44,
		KpMin: 0, KpMax: 500,
		KdMin: 0, KdMax: 5,
		TorMin: -12, TorMax: 12,
		TimeoutParam: 0x200b,
	},
	TypeRS03: {
		PosMin: -12.5, PosMax: 12.5,
		VelMin: -20, VelMax: 20,
		KpMin: 0, KpMax: 5000,
		KdMin: 0, KdMax: 100,
		TorMin: -60, TorMax: 60,
		TimeoutParam: 0x200b,
	},
	TypeRS04: {
		PosMin: -12.5, PosMax: 12.5,
		VelMin: -15, VelMax: 15,
		KpMin: 0, KpMax: 5000,
		KdMin: 0, KdMax: 100,
		TorMin: -120, TorMax: 120,
		TimeoutParam: 0x200b,
	},
}

// ModelFor returns the operating ranges for a motor type.
func ModelFor(t MotorType) (MotorModel, bool) {
	m, ok := motorModels[t]
	return m, ok
}
