package canopen

import "fmt"

// Function code bases of the predefined connection set.
const (
	FC_NMT     = 0x000
	FC_EMCY    = 0x080
	FC_TIME    = 0x100
	FC_SDO_TX  = 0x580 // server -> client
	FC_SDO_RX  = 0x600 // client -> server
	FC_HB      = 0x700
	NODE_MIN   = 1
	NODE_MAX   = 127
	NODE_ALL   = 0 // NMT broadcast
	NODE_RANGE = 0x7F
)

// NMTCommand is the command specifier of an NMT frame.
type NMTCommand uint8

const (
	NMT_START                NMTCommand = 0x01
	NMT_STOP                 NMTCommand = 0x02
	NMT_ENTER_PREOPERATIONAL NMTCommand = 0x80
	NMT_RESET_NODE           NMTCommand = 0x81
	NMT_RESET_COMMUNICATION  NMTCommand = 0x82
)

func (c NMTCommand) String() string {
	switch c {
	case NMT_START:
		return "start"
	case NMT_STOP:
		return "stop"
	case NMT_ENTER_PREOPERATIONAL:
		return "enter pre-operational"
	case NMT_RESET_NODE:
		return "reset node"
	case NMT_RESET_COMMUNICATION:
		return "reset communication"
	}
	return fmt.Sprintf("nmt(0x%02X)", uint8(c))
}

// NMTState is the node state reported in a heartbeat.
type NMTState uint8

const (
	NMT_STATE_BOOTUP         NMTState = 0x00
	NMT_STATE_BOOTLOADER     NMTState = 0x02
	NMT_STATE_STOPPED        NMTState = 0x04
	NMT_STATE_OPERATIONAL    NMTState = 0x05
	NMT_STATE_PREOPERATIONAL NMTState = 0x7F
)

// COBID composes the identifier for a node specific function code.
func COBID(fc uint32, node uint8) uint32 {
	return fc + uint32(node&NODE_RANGE)
}

// ValidNode reports whether node is a usable device address.
func ValidNode(node uint8) bool {
	return node >= NODE_MIN && node <= NODE_MAX
}
