package robstride

// CommMode is the communication type carried in bits 24-28 of the extended
// CAN id. Only a subset is used by this engine; the rest are listed for
// decoding completeness.
type CommMode uint8

const (
	CommAnnounce      CommMode = 0
	CommMotorCtrl     CommMode = 1
	CommMotorFeedback CommMode = 2
	CommMotorStart    CommMode = 3
	CommMotorReset    CommMode = 4
	CommMotorCali     CommMode = 5
	CommMotorZero     CommMode = 6
	CommMotorID       CommMode = 7
	CommParamWrite    CommMode = 8
	CommParamRead     CommMode = 9
	CommParamUpdate   CommMode = 10
	CommSdoRead       CommMode = 17
	CommSdoWrite      CommMode = 18
	CommFaultWarn     CommMode = 21
)

// Host-side CAN ids used in the data field of outgoing frames.
const (
	IDMaster    uint8 = 0x00
	IDBroadcast uint8 = 0xFE
	IDDebugUI   uint8 = 0xFD
)

// Frame is one addressed unit of bus communication. The 29-bit extended CAN
// id packs, low to high: the target motor id (8 bits), a 16-bit data field
// whose meaning depends on the communication mode, and the mode itself
// (5 bits).
type Frame struct {
	MotorID uint8
	IDData  uint16
	Mode    CommMode
	Data    []byte
}

// CANID packs the frame header into the 29-bit extended CAN id.
func (f Frame) CANID() uint32 {
	return uint32(f.MotorID) | uint32(f.IDData)<<8 | uint32(f.Mode&0x1f)<<24
}

// frameFromCAN splits a received 29-bit extended CAN id and payload back
// into a Frame.
func frameFromCAN(id uint32, data []byte) Frame {
	return Frame{
		MotorID: uint8(id & 0xff),
		IDData:  uint16(id >> 8 & 0xffff),
		Mode:    CommMode(id >> 24 & 0x1f),
		Data:    data,
	}
}

// Feedback frames reuse the 16-bit data field of the id as a status word:
// the replying motor id in the low byte, six fault bits above it, and the
// operating mode in the top two bits.
func (f Frame) statusMotorID() uint8 { return uint8(f.IDData & 0x00ff) }
func (f Frame) statusFaults() FaultBits {
	return FaultBits(f.IDData & 0x3f00 >> 8)
}
func (f Frame) statusMode() MotorMode { return MotorMode(f.IDData & 0xc000 >> 14) }
