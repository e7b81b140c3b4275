package canbus

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// size of struct can_frame
const CAN_FRAME_SIZE = 16

func (msg *CANMsg) toByteArray() (raw []byte, err error) {
	if err = msg.Validate(); err != nil {
		return nil, err
	}

	raw = make([]byte, CAN_FRAME_SIZE)

	oid := msg.ID
	if msg.Extended {
		oid |= unix.CAN_EFF_FLAG
	}
	binary.LittleEndian.PutUint32(raw[0:4], oid)

	raw[4] = byte(len(msg.Data))
	copy(raw[8:], msg.Data)

	return
}

// msgFromByteArray decodes a struct can_frame. Remote and error frames are not
// routed and report ok == false.
func msgFromByteArray(raw []byte) (msg CANMsg, ok bool) {
	oid := binary.LittleEndian.Uint32(raw[0:4])
	if oid&(unix.CAN_RTR_FLAG|unix.CAN_ERR_FLAG) != 0 {
		return msg, false
	}

	if oid&unix.CAN_EFF_FLAG != 0 {
		msg.ID = oid & unix.CAN_EFF_MASK
		msg.Extended = true
	} else {
		msg.ID = oid & unix.CAN_SFF_MASK
	}

	dlc := int(raw[4])
	if dlc > CAN_MAX_DLEN {
		return msg, false
	}
	msg.Data = make([]byte, dlc)
	copy(msg.Data, raw[8:8+dlc])

	return msg, true
}
