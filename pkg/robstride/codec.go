package robstride

import (
	"encoding/binary"
	"fmt"
)

// quantize maps a float into a 16-bit integer with an affine transform over
// [min, max]. dequantize is its exact inverse, so a round trip loses at most
// one quantization step.
func quantize(x, min, max float64) uint16 {
	span := max - min
	v := (x - min) * 65535 / span
	if v < 0 {
		v = 0
	} else if v > 65535 {
		v = 65535
	}
	return uint16(v)
}

func dequantize(v uint16, min, max float64) float64 {
	span := max - min
	return float64(v)*span/65535 + min
}

// Codec translates engineering-unit commands and telemetry to and from bus
// frames for a fixed set of configured motors. It is stateless and safe for
// concurrent use.
type Codec struct {
	models map[uint8]MotorModel
}

// NewCodec builds a codec for the given motor set. It fails if the set is
// empty or names an unknown motor type.
func NewCodec(motors map[uint8]MotorType) (*Codec, error) {
	if len(motors) == 0 {
		return nil, &ConfigError{Reason: "no motors configured"}
	}
	models := make(map[uint8]MotorModel, len(motors))
	for id, typ := range motors {
		model, ok := ModelFor(typ)
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("motor %d: unknown type %v", id, typ)}
		}
		models[id] = model
	}
	return &Codec{models: models}, nil
}

// Model returns the operating ranges for a configured motor.
func (c *Codec) Model(id uint8) (MotorModel, error) {
	model, ok := c.models[id]
	if !ok {
		return MotorModel{}, &UnknownMotorError{MotorID: id}
	}
	return model, nil
}

// MotorIDs returns the configured motor ids in unspecified order.
func (c *Codec) MotorIDs() []uint8 {
	ids := make([]uint8, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	return ids
}

// EncodeControl builds a MIT-mode control frame. The quantized torque rides
// in the id's data field; position, velocity, kp and kd fill the payload as
// big-endian 16-bit integers. Setpoints outside the model range are
// rejected, never clamped.
func (c *Codec) EncodeControl(id uint8, p MotorControlParams) (Frame, error) {
	model, ok := c.models[id]
	if !ok {
		return Frame{}, &UnknownMotorError{MotorID: id}
	}
	if err := p.Validate(model); err != nil {
		return Frame{}, fmt.Errorf("motor %d: %w", id, err)
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:2], quantize(p.Position, model.PosMin, model.PosMax))
	binary.BigEndian.PutUint16(data[2:4], quantize(p.Velocity, model.VelMin, model.VelMax))
	binary.BigEndian.PutUint16(data[4:6], quantize(p.Kp, model.KpMin, model.KpMax))
	binary.BigEndian.PutUint16(data[6:8], quantize(p.Kd, model.KdMin, model.KdMax))

	return Frame{
		MotorID: id,
		IDData:  quantize(p.Torque, model.TorMin, model.TorMax),
		Mode:    CommMotorCtrl,
		Data:    data,
	}, nil
}

// DecodeControl inverts EncodeControl. The firmware side of the exchange
// needs this, which in practice means simulators and tests.
func (c *Codec) DecodeControl(f Frame) (uint8, MotorControlParams, error) {
	if f.Mode != CommMotorCtrl {
		return 0, MotorControlParams{}, &DecodeError{
			Reason:  DecodeUnexpectedMode,
			MotorID: f.MotorID,
			Detail:  fmt.Sprintf("mode %d", f.Mode),
		}
	}
	model, ok := c.models[f.MotorID]
	if !ok {
		return 0, MotorControlParams{}, &DecodeError{Reason: DecodeUnknownMotor, MotorID: f.MotorID}
	}
	if len(f.Data) < 8 {
		return 0, MotorControlParams{}, &DecodeError{
			Reason:  DecodeShortFrame,
			MotorID: f.MotorID,
			Detail:  fmt.Sprintf("%d payload bytes", len(f.Data)),
		}
	}
	return f.MotorID, MotorControlParams{
		Position: dequantize(binary.BigEndian.Uint16(f.Data[0:2]), model.PosMin, model.PosMax),
		Velocity: dequantize(binary.BigEndian.Uint16(f.Data[2:4]), model.VelMin, model.VelMax),
		Kp:       dequantize(binary.BigEndian.Uint16(f.Data[4:6]), model.KpMin, model.KpMax),
		Kd:       dequantize(binary.BigEndian.Uint16(f.Data[6:8]), model.KdMin, model.KdMax),
		Torque:   dequantize(f.IDData, model.TorMin, model.TorMax),
	}, nil
}

// EncodeStart builds the frame that enables a motor. The firmware answers
// any lifecycle command with a telemetry frame, so this doubles as a poll.
func (c *Codec) EncodeStart(id uint8) Frame {
	return c.lifecycleFrame(id, CommMotorStart)
}

// EncodeReset builds the frame that disables a motor and clears its faults.
func (c *Codec) EncodeReset(id uint8) Frame {
	return c.lifecycleFrame(id, CommMotorReset)
}

// EncodeZero builds the frame that rewrites a motor's position reference to
// its current mechanical position.
func (c *Codec) EncodeZero(id uint8) Frame {
	f := c.lifecycleFrame(id, CommMotorZero)
	f.Data[0] = 1
	return f
}

func (c *Codec) lifecycleFrame(id uint8, mode CommMode) Frame {
	return Frame{
		MotorID: id,
		IDData:  uint16(IDDebugUI),
		Mode:    mode,
		Data:    make([]byte, 8),
	}
}

// Firmware parameter indices reachable over SDO / parameter reads.
const (
	paramRunMode   uint16 = 0x7005
	ParamName      uint16 = 0x0000
	ParamBarcode   uint16 = 0x0001
	ParamBuildDate uint16 = 0x1001
)

// EncodeReadRunMode builds an SDO read of the run-mode register.
func (c *Codec) EncodeReadRunMode(id uint8) Frame {
	f := c.lifecycleFrame(id, CommSdoRead)
	binary.LittleEndian.PutUint16(f.Data[0:2], paramRunMode)
	return f
}

// EncodeWriteRunMode builds an SDO write of the run-mode register. The
// firmware replies with a telemetry frame.
func (c *Codec) EncodeWriteRunMode(id uint8, mode RunMode) Frame {
	f := c.lifecycleFrame(id, CommSdoWrite)
	binary.LittleEndian.PutUint16(f.Data[0:2], paramRunMode)
	f.Data[4] = byte(mode)
	return f
}

// EncodeParamRead builds a parameter-table read for the given index.
func (c *Codec) EncodeParamRead(id uint8, index uint16) Frame {
	f := c.lifecycleFrame(id, CommParamRead)
	binary.LittleEndian.PutUint16(f.Data[0:2], index)
	return f
}

// EncodeParamWriteU32 builds a parameter-table write of a 32-bit value.
func (c *Codec) EncodeParamWriteU32(id uint8, index uint16, value uint32) Frame {
	f := c.lifecycleFrame(id, CommParamWrite)
	binary.LittleEndian.PutUint16(f.Data[0:2], index)
	f.Data[2] = 0x04
	binary.LittleEndian.PutUint32(f.Data[4:8], value)
	return f
}

// DecodeRunMode extracts the run mode from an SDO read reply.
func (c *Codec) DecodeRunMode(f Frame) (RunMode, error) {
	if len(f.Data) < 5 {
		return RunModeUnset, &DecodeError{Reason: DecodeShortFrame, MotorID: f.statusMotorID()}
	}
	return RunMode(f.Data[4]), nil
}

// DecodeFeedback decodes a telemetry frame into engineering units. The
// replying motor's id, fault bits and mode live in the frame header; the
// payload carries quantized position, velocity and torque.
func (c *Codec) DecodeFeedback(f Frame) (MotorFeedback, error) {
	id := f.statusMotorID()
	if f.Mode != CommMotorFeedback {
		return MotorFeedback{}, &DecodeError{
			Reason:  DecodeUnexpectedMode,
			MotorID: id,
			Detail:  fmt.Sprintf("mode %d", f.Mode),
		}
	}
	model, ok := c.models[id]
	if !ok {
		return MotorFeedback{}, &DecodeError{Reason: DecodeUnknownMotor, MotorID: id}
	}
	if len(f.Data) < 6 {
		return MotorFeedback{}, &DecodeError{
			Reason:  DecodeShortFrame,
			MotorID: id,
			Detail:  fmt.Sprintf("%d payload bytes", len(f.Data)),
		}
	}

	return MotorFeedback{
		MotorID:  id,
		Position: dequantize(binary.BigEndian.Uint16(f.Data[0:2]), model.PosMin, model.PosMax),
		Velocity: dequantize(binary.BigEndian.Uint16(f.Data[2:4]), model.VelMin, model.VelMax),
		Torque:   dequantize(binary.BigEndian.Uint16(f.Data[4:6]), model.TorMin, model.TorMax),
		Mode:     f.statusMode(),
		Faults:   f.statusFaults(),
	}, nil
}

// EncodeFeedback builds a telemetry frame from engineering units. The
// firmware never consumes these; they exist so simulated buses and tests
// can speak the exact wire format.
func (c *Codec) EncodeFeedback(fb MotorFeedback) (Frame, error) {
	model, ok := c.models[fb.MotorID]
	if !ok {
		return Frame{}, &UnknownMotorError{MotorID: fb.MotorID}
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:2], quantize(fb.Position, model.PosMin, model.PosMax))
	binary.BigEndian.PutUint16(data[2:4], quantize(fb.Velocity, model.VelMin, model.VelMax))
	binary.BigEndian.PutUint16(data[4:6], quantize(fb.Torque, model.TorMin, model.TorMax))

	status := uint16(fb.MotorID) | uint16(fb.Faults&0x3f)<<8 | uint16(fb.Mode&0x3)<<14
	return Frame{
		MotorID: IDMaster,
		IDData:  status,
		Mode:    CommMotorFeedback,
		Data:    data,
	}, nil
}
