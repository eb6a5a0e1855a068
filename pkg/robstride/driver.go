package robstride

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultReplyTimeout bounds every bus exchange. A silent motor costs one
// timeout, never a hang.
const DefaultReplyTimeout = 20 * time.Millisecond

// Driver executes logical commands against one or more motors and
// correlates the replies. It owns no scheduling; the supervisor decides
// when commands go out. The driver keeps the most recent decoded feedback
// per motor as a cache readable without bus I/O.
//
// Driver methods that address several motors send one frame per motor and
// await each reply individually: the serial CAN adapters in use do not
// deliver multi-target batches in a reliable order.
type Driver struct {
	transport Transport
	codec     *Codec
	timeout   time.Duration

	mu     sync.Mutex
	latest map[uint8]MotorFeedback
}

// NewDriver builds a driver for the configured motor set on an open
// transport.
func NewDriver(transport Transport, motors map[uint8]MotorType, replyTimeout time.Duration) (*Driver, error) {
	codec, err := NewCodec(motors)
	if err != nil {
		return nil, err
	}
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	return &Driver{
		transport: transport,
		codec:     codec,
		timeout:   replyTimeout,
		latest:    make(map[uint8]MotorFeedback),
	}, nil
}

// Codec exposes the driver's frame codec.
func (d *Driver) Codec() *Codec { return d.codec }

// MotorIDs returns the configured motor ids sorted ascending.
func (d *Driver) MotorIDs() []uint8 {
	ids := d.codec.MotorIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// resolveIDs expands an empty id list to all configured motors and rejects
// unknown ids.
func (d *Driver) resolveIDs(ids []uint8) ([]uint8, error) {
	if len(ids) == 0 {
		return d.MotorIDs(), nil
	}
	for _, id := range ids {
		if _, err := d.codec.Model(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// exchange sends one frame and waits up to the reply timeout for the
// addressed motor's answer. Telemetry from other configured motors arriving
// in between still refreshes the cache. The returned error wraps ErrTimeout
// when the motor stays silent; any other error means the transport itself
// failed.
func (d *Driver) exchange(f Frame, wantID uint8) (Frame, error) {
	if err := d.transport.Send(f.CANID(), f.Data); err != nil {
		return Frame{}, err
	}

	deadline := time.Now().Add(d.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, fmt.Errorf("motor %d: %w", wantID, ErrTimeout)
		}
		id, data, err := d.transport.Recv(remaining)
		if err != nil {
			if IsTimeout(err) {
				return Frame{}, fmt.Errorf("motor %d: %w", wantID, ErrTimeout)
			}
			return Frame{}, err
		}

		reply := frameFromCAN(id, data)
		if reply.Mode == CommMotorFeedback {
			if fb, err := d.codec.DecodeFeedback(reply); err == nil {
				d.storeFeedback(fb)
			}
		}
		if reply.statusMotorID() == wantID {
			return reply, nil
		}
		// A stray reply for another motor; keep waiting for ours.
	}
}

func (d *Driver) storeFeedback(fb MotorFeedback) {
	d.mu.Lock()
	d.latest[fb.MotorID] = fb
	d.mu.Unlock()
}

// feedbackExchange runs one command frame per motor and collects decoded
// telemetry replies. Motors that time out are simply absent from the result;
// a transport failure aborts with the partial result.
func (d *Driver) feedbackExchange(frames map[uint8]Frame) (map[uint8]MotorFeedback, error) {
	out := make(map[uint8]MotorFeedback, len(frames))
	ids := make([]uint8, 0, len(frames))
	for id := range frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		reply, err := d.exchange(frames[id], id)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return out, err
		}
		fb, err := d.codec.DecodeFeedback(reply)
		if err != nil {
			// Malformed reply; treated like a miss for this motor.
			continue
		}
		out[id] = fb
	}
	return out, nil
}

// GetModes reads the run-mode register of the given motors (all configured
// motors when none are named). Motors that time out are absent from the
// result.
func (d *Driver) GetModes(ids ...uint8) (map[uint8]RunMode, error) {
	ids, err := d.resolveIDs(ids)
	if err != nil {
		return nil, err
	}
	modes := make(map[uint8]RunMode, len(ids))
	for _, id := range ids {
		reply, err := d.exchange(d.codec.EncodeReadRunMode(id), id)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return modes, err
		}
		mode, err := d.codec.DecodeRunMode(reply)
		if err != nil {
			continue
		}
		modes[id] = mode
	}
	return modes, nil
}

// SetRunMode writes the run-mode register of the given motors. The firmware
// answers the write with a telemetry frame, so this also serves as a
// telemetry poll that leaves setpoints untouched.
func (d *Driver) SetRunMode(mode RunMode, ids ...uint8) (map[uint8]MotorFeedback, error) {
	ids, err := d.resolveIDs(ids)
	if err != nil {
		return nil, err
	}
	frames := make(map[uint8]Frame, len(ids))
	for _, id := range ids {
		frames[id] = d.codec.EncodeWriteRunMode(id, mode)
	}
	return d.feedbackExchange(frames)
}

// Start enables the given motors (all configured when none are named).
func (d *Driver) Start(ids ...uint8) (map[uint8]MotorFeedback, error) {
	ids, err := d.resolveIDs(ids)
	if err != nil {
		return nil, err
	}
	frames := make(map[uint8]Frame, len(ids))
	for _, id := range ids {
		frames[id] = d.codec.EncodeStart(id)
	}
	return d.feedbackExchange(frames)
}

// Reset disables the given motors and clears their fault latches.
func (d *Driver) Reset(ids ...uint8) (map[uint8]MotorFeedback, error) {
	ids, err := d.resolveIDs(ids)
	if err != nil {
		return nil, err
	}
	frames := make(map[uint8]Frame, len(ids))
	for _, id := range ids {
		frames[id] = d.codec.EncodeReset(id)
	}
	return d.feedbackExchange(frames)
}

// SetZero rewrites the position reference of the given motors to their
// current mechanical position. The firmware only honors the zero command
// from the reset state, so each motor is reset, zeroed, then started again.
func (d *Driver) SetZero(ids ...uint8) (map[uint8]MotorFeedback, error) {
	ids, err := d.resolveIDs(ids)
	if err != nil {
		return nil, err
	}
	if _, err := d.Reset(ids...); err != nil {
		return nil, err
	}
	frames := make(map[uint8]Frame, len(ids))
	for _, id := range ids {
		frames[id] = d.codec.EncodeZero(id)
	}
	if _, err := d.feedbackExchange(frames); err != nil {
		return nil, err
	}
	return d.Start(ids...)
}

// SendControls issues one MIT-mode control frame per motor in the map.
// Every setpoint is validated before any frame is sent, so an out-of-range
// value rejects the batch without touching the bus. Motors absent from the
// map are not commanded. Motors that time out are absent from the result.
func (d *Driver) SendControls(params map[uint8]MotorControlParams) (map[uint8]MotorFeedback, error) {
	if len(params) == 0 {
		return nil, &ConfigError{Reason: "no control parameters provided"}
	}
	frames := make(map[uint8]Frame, len(params))
	for id, p := range params {
		f, err := d.codec.EncodeControl(id, p)
		if err != nil {
			return nil, err
		}
		frames[id] = f
	}
	return d.feedbackExchange(frames)
}

// SendTorques issues pure feed-forward torque commands (zero gains) to the
// motors in the map.
func (d *Driver) SendTorques(torques map[uint8]float64) (map[uint8]MotorFeedback, error) {
	params := make(map[uint8]MotorControlParams, len(torques))
	for id, tor := range torques {
		params[id] = MotorControlParams{Torque: tor}
	}
	return d.SendControls(params)
}

// readParamString reads a multi-frame ASCII parameter such as the motor
// name or barcode.
func (d *Driver) readParamString(id uint8, index uint16, nframes int) (string, error) {
	f := d.codec.EncodeParamRead(id, index)
	if err := d.transport.Send(f.CANID(), f.Data); err != nil {
		return "", err
	}

	var chars []byte
	deadline := time.Now().Add(d.timeout)
	for got := 0; got < nframes; {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		rid, data, err := d.transport.Recv(remaining)
		if err != nil {
			if IsTimeout(err) {
				break
			}
			return "", err
		}
		reply := frameFromCAN(rid, data)
		if reply.Mode != CommParamRead || reply.statusMotorID() != id || len(reply.Data) < 8 {
			continue
		}
		for _, b := range reply.Data[4:8] {
			if b != 0 {
				chars = append(chars, b)
			}
		}
		got++
	}
	if len(chars) == 0 {
		return "", fmt.Errorf("motor %d: %w", id, ErrTimeout)
	}
	return string(chars), nil
}

// ReadNames reads the factory name string of every configured motor.
func (d *Driver) ReadNames() (map[uint8]string, error) {
	return d.readStrings(ParamName, 4)
}

// ReadBarcodes reads the factory barcode of every configured motor.
func (d *Driver) ReadBarcodes() (map[uint8]string, error) {
	return d.readStrings(ParamBarcode, 4)
}

// ReadBuildDates reads the firmware build date of every configured motor.
func (d *Driver) ReadBuildDates() (map[uint8]string, error) {
	return d.readStrings(ParamBuildDate, 3)
}

func (d *Driver) readStrings(index uint16, nframes int) (map[uint8]string, error) {
	out := make(map[uint8]string)
	for _, id := range d.MotorIDs() {
		s, err := d.readParamString(id, index, nframes)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return out, err
		}
		out[id] = s
	}
	return out, nil
}

// readParamUint16 reads a 16-bit parameter-table value.
func (d *Driver) readParamUint16(id uint8, index uint16) (uint16, error) {
	reply, err := d.exchange(d.codec.EncodeParamRead(id, index), id)
	if err != nil {
		return 0, err
	}
	if len(reply.Data) < 6 {
		return 0, &DecodeError{Reason: DecodeShortFrame, MotorID: id}
	}
	return uint16(reply.Data[4]) | uint16(reply.Data[5])<<8, nil
}

// canTimeoutScale converts between the firmware's CAN-watchdog register
// value and milliseconds.
const canTimeoutScale = 20.0

// ReadCANTimeouts reads the CAN watchdog timeout of every configured motor,
// in milliseconds.
func (d *Driver) ReadCANTimeouts() (map[uint8]float64, error) {
	out := make(map[uint8]float64)
	for _, id := range d.MotorIDs() {
		model, _ := d.codec.Model(id)
		raw, err := d.readParamUint16(id, model.TimeoutParam)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return out, err
		}
		out[id] = float64(raw) / canTimeoutScale
	}
	return out, nil
}

// SetCANTimeout programs the CAN watchdog of every configured motor to the
// given duration in milliseconds. Motors already holding the value are
// skipped to spare flash writes.
func (d *Driver) SetCANTimeout(ms float64) error {
	target := uint32(math.Round(ms * canTimeoutScale))
	if target > 100000 {
		target = 100000
	}
	for _, id := range d.MotorIDs() {
		model, _ := d.codec.Model(id)
		current, err := d.readParamUint16(id, model.TimeoutParam)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return err
		}
		if uint32(current) == target {
			continue
		}
		f := d.codec.EncodeParamWriteU32(id, model.TimeoutParam, target)
		if _, err := d.exchange(f, id); err != nil && !IsTimeout(err) {
			return err
		}
	}
	return nil
}

// LatestFeedback returns a copy of the cached feedback for every motor that
// has replied at least once. No bus I/O happens.
func (d *Driver) LatestFeedback() map[uint8]MotorFeedback {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint8]MotorFeedback, len(d.latest))
	for id, fb := range d.latest {
		out[id] = fb
	}
	return out
}

// LatestFeedbackFor returns the cached feedback for one motor. It fails
// with UnknownMotorError for ids outside the configured set, and reports
// ok false while no reply has been seen yet.
func (d *Driver) LatestFeedbackFor(id uint8) (MotorFeedback, bool, error) {
	if _, err := d.codec.Model(id); err != nil {
		return MotorFeedback{}, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fb, ok := d.latest[id]
	return fb, ok, nil
}
