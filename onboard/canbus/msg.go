package canbus

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CAN_SFF_MASK = 0x000007FF
	CAN_EFF_MASK = 0x1FFFFFFF
	CAN_MAX_DLEN = 8
)

// errors
var (
	ERR_DATA_TOO_LONG = errors.New("data length exceeds 8 bytes")
	ERR_ID_RANGE      = errors.New("identifier does not fit the frame format")
	ERR_CLOSED        = errors.New("bus is closed")
)

type CANMsg struct {
	ID       uint32 // 11 bit identifier, 29 bit when Extended is set
	Extended bool
	Data     []byte // raw data up to eight bytes. DLC is taken from len(Data).
}

// Validate checks the identifier fits the frame format and the payload fits a classic frame.
func (msg CANMsg) Validate() error {
	if len(msg.Data) > CAN_MAX_DLEN {
		return ERR_DATA_TOO_LONG
	}
	if msg.Extended {
		if msg.ID&^CAN_EFF_MASK != 0 {
			return ERR_ID_RANGE
		}
	} else if msg.ID&^CAN_SFF_MASK != 0 {
		return ERR_ID_RANGE
	}
	return nil
}

// String renders the frame in candump notation, e.g. 581#4B00200100000000.
func (msg CANMsg) String() string {
	var b strings.Builder
	if msg.Extended {
		fmt.Fprintf(&b, "%08X#", msg.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", msg.ID)
	}
	for _, d := range msg.Data {
		fmt.Fprintf(&b, "%02X", d)
	}
	return b.String()
}
