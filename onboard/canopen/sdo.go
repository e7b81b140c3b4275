package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/CodedInternet/servobus/onboard/canbus"
)

// Client command specifiers (bits 7..5 of the first data byte).
const (
	CCS_DOWNLOAD_SEGMENT  = 0
	CCS_DOWNLOAD_INITIATE = 1
	CCS_UPLOAD_INITIATE   = 2
	CCS_UPLOAD_SEGMENT    = 3
	CS_ABORT              = 4
)

// Server command specifiers.
const (
	SCS_UPLOAD_SEGMENT    = 0
	SCS_DOWNLOAD_SEGMENT  = 1
	SCS_UPLOAD_INITIATE   = 2
	SCS_DOWNLOAD_INITIATE = 3
)

const (
	SDO_SEGMENT_SIZE   = 7
	SDO_EXPEDITED_SIZE = 4
)

// SDO abort codes used by the servo firmware.
const (
	SDO_AB_NONE           uint32 = 0x00000000
	SDO_AB_TOGGLE         uint32 = 0x05030000
	SDO_AB_TIMEOUT        uint32 = 0x05040000
	SDO_AB_CMD            uint32 = 0x05040001
	SDO_AB_UNSUPPORTED    uint32 = 0x06010000
	SDO_AB_WRITEONLY      uint32 = 0x06010001
	SDO_AB_READONLY       uint32 = 0x06010002
	SDO_AB_NOT_EXIST      uint32 = 0x06020000
	SDO_AB_PRAM_INCOMPAT  uint32 = 0x06040043
	SDO_AB_HW             uint32 = 0x06060000
	SDO_AB_TYPE_MISMATCH  uint32 = 0x06070010
	SDO_AB_SUB_UNKNOWN    uint32 = 0x06090011
	SDO_AB_INVALID_VALUE  uint32 = 0x06090030
	SDO_AB_NO_RESOURCE    uint32 = 0x060A0023
	SDO_AB_GENERAL        uint32 = 0x08000000
	SDO_AB_DATA_TRANSFER  uint32 = 0x08000020
	SDO_AB_DATA_LOCAL     uint32 = 0x08000021
	SDO_AB_DATA_DEV_STATE uint32 = 0x08000022
	SDO_AB_NO_DATA        uint32 = 0x08000024
)

var sdoAbortText = map[uint32]string{
	SDO_AB_TOGGLE:         "toggle bit not alternated",
	SDO_AB_TIMEOUT:        "SDO protocol timed out",
	SDO_AB_CMD:            "command specifier not valid or unknown",
	SDO_AB_UNSUPPORTED:    "unsupported access to an object",
	SDO_AB_WRITEONLY:      "attempt to read a write only object",
	SDO_AB_READONLY:       "attempt to write a read only object",
	SDO_AB_NOT_EXIST:      "object does not exist in the object dictionary",
	SDO_AB_PRAM_INCOMPAT:  "general parameter incompatibility",
	SDO_AB_HW:             "access failed due to a hardware error",
	SDO_AB_TYPE_MISMATCH:  "data type does not match, length of service parameter does not match",
	SDO_AB_SUB_UNKNOWN:    "sub-index does not exist",
	SDO_AB_INVALID_VALUE:  "invalid value for parameter",
	SDO_AB_NO_RESOURCE:    "resource not available",
	SDO_AB_GENERAL:        "general error",
	SDO_AB_DATA_TRANSFER:  "data cannot be transferred or stored to the application",
	SDO_AB_DATA_LOCAL:     "data cannot be transferred because of local control",
	SDO_AB_DATA_DEV_STATE: "data cannot be transferred because of the present device state",
	SDO_AB_NO_DATA:        "no data available",
}

// SDOAbort is an abort transfer received from (or sent to) a server.
type SDOAbort struct {
	Node     uint8
	Index    uint16
	Subindex uint8
	Code     uint32
}

func (e SDOAbort) Error() string {
	if msg, ok := sdoAbortText[e.Code]; ok {
		return fmt.Sprintf("sdo abort 0x%08X from node %d at %04X:%02X: %s", e.Code, e.Node, e.Index, e.Subindex, msg)
	}
	return fmt.Sprintf("sdo abort 0x%08X from node %d at %04X:%02X", e.Code, e.Node, e.Index, e.Subindex)
}

func sdoFrame(fc uint32, node uint8, cmd byte, index uint16, sub uint8, payload []byte) canbus.CANMsg {
	data := make([]byte, 8)
	data[0] = cmd
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = sub
	copy(data[4:], payload)
	return canbus.CANMsg{ID: COBID(fc, node), Data: data}
}

func segmentFrame(fc uint32, node uint8, cmd byte, payload []byte) canbus.CANMsg {
	data := make([]byte, 8)
	data[0] = cmd
	copy(data[1:], payload)
	return canbus.CANMsg{ID: COBID(fc, node), Data: data}
}

func abortFrame(fc uint32, node uint8, index uint16, sub uint8, code uint32) canbus.CANMsg {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], code)
	return sdoFrame(fc, node, CS_ABORT<<5, index, sub, payload[:])
}

func commandSpecifier(msg canbus.CANMsg) byte {
	return msg.Data[0] >> 5
}

func multiplexer(msg canbus.CANMsg) (uint16, uint8) {
	return binary.LittleEndian.Uint16(msg.Data[1:3]), msg.Data[3]
}

func parseAbort(node uint8, msg canbus.CANMsg) (SDOAbort, bool) {
	if len(msg.Data) != 8 || commandSpecifier(msg) != CS_ABORT {
		return SDOAbort{}, false
	}
	index, sub := multiplexer(msg)
	return SDOAbort{
		Node:     node,
		Index:    index,
		Subindex: sub,
		Code:     binary.LittleEndian.Uint32(msg.Data[4:8]),
	}, true
}

// expedited initiate: ccs<<5 | n<<2 | e<<1 | s
func expeditedCmd(cs byte, size int) byte {
	return cs<<5 | byte(SDO_EXPEDITED_SIZE-size)<<2 | 0x02 | 0x01
}

// segment: toggle<<4 | n<<1 | c
func segmentCmd(cs byte, toggle byte, size int, last bool) byte {
	cmd := cs<<5 | (toggle&1)<<4
	if last {
		cmd |= byte(SDO_SEGMENT_SIZE-size)<<1 | 0x01
	}
	return cmd
}

func segmentPayload(msg canbus.CANMsg) (payload []byte, last bool) {
	cmd := msg.Data[0]
	end := 8
	if cmd&0x01 != 0 {
		last = true
		end = 8 - int((cmd>>1)&0x07)
	}
	return msg.Data[1:end], last
}

func toggleBit(msg canbus.CANMsg) byte {
	return (msg.Data[0] >> 4) & 0x01
}
