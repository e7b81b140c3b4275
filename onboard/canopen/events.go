package canopen

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/CodedInternet/servobus/onboard/canbus"
)

var ERR_SHORT_FRAME = errors.New("frame too short")

// Heartbeat is a node state broadcast on 0x700+node.
type Heartbeat struct {
	Node  uint8
	State NMTState
	At    time.Time
}

// Emergency is an EMCY frame on 0x080+node.
type Emergency struct {
	Node     uint8
	Code     uint16
	Register uint8
	Bits     uint8
	Info     uint32
	At       time.Time
}

func parseHeartbeat(msg canbus.CANMsg, at time.Time) (hb Heartbeat, err error) {
	if len(msg.Data) < 1 {
		return hb, ERR_SHORT_FRAME
	}
	hb.Node = uint8(msg.ID - FC_HB)
	hb.State = NMTState(msg.Data[0] & 0x7F)
	hb.At = at
	return
}

func parseEmergency(msg canbus.CANMsg, at time.Time) (em Emergency, err error) {
	if len(msg.Data) < 8 {
		return em, ERR_SHORT_FRAME
	}
	em.Node = uint8(msg.ID - FC_EMCY)
	em.Code = binary.LittleEndian.Uint16(msg.Data[0:2])
	em.Register = msg.Data[2]
	em.Bits = msg.Data[3]
	em.Info = binary.LittleEndian.Uint32(msg.Data[4:8])
	em.At = at
	return
}

// HeartbeatFrame builds the frame a node sends to announce its state.
func HeartbeatFrame(node uint8, state NMTState) canbus.CANMsg {
	return canbus.CANMsg{ID: COBID(FC_HB, node), Data: []byte{byte(state)}}
}

// EmergencyFrame builds an EMCY frame for node.
func EmergencyFrame(node uint8, code uint16, register uint8, bits uint8, info uint32) canbus.CANMsg {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:2], code)
	data[2] = register
	data[3] = bits
	binary.LittleEndian.PutUint32(data[4:8], info)
	return canbus.CANMsg{ID: COBID(FC_EMCY, node), Data: data}
}
