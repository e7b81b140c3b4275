package servo

// EMCY error codes reported by the servo firmware.
const (
	EMCY_NO_ERROR         uint16 = 0x0000
	EMCY_INVALID_POINT    uint16 = 0x50B0
	EMCY_FOLLOWING_ERROR  uint16 = 0x8611
	EMCY_HEARTBEAT        uint16 = 0x8130
	EMCY_BUSY             uint16 = 0xFFA0
	EMCY_BIT_MOTION_ERROR uint8  = 0x21
	EMCY_BIT_MOTION_INVAL uint8  = 0x27
)

var emcyCodes = map[uint16]string{
	0x0000: "Error Reset or No Error",
	0x1000: "Generic Error",
	0x2000: "Current",
	0x2100: "Current, device input side",
	0x2200: "Current inside the device",
	0x2300: "Current, device output side",
	0x3000: "Voltage",
	0x3100: "Mains Voltage",
	0x3200: "Voltage inside the device",
	0x3300: "Output Voltage",
	0x4000: "Temperature",
	0x4100: "Ambient Temperature",
	0x4200: "Device Temperature",
	0x5000: "Device Hardware",
	0x6000: "Device Software",
	0x6100: "Internal Software",
	0x6200: "User Software",
	0x6300: "Data Set",
	0x7000: "Additional Modules",
	0x8000: "Monitoring",
	0x8100: "Communication",
	0x8110: "CAN Overrun (Objects lost)",
	0x8120: "CAN Passive Mode",
	0x8130: "Life Guard Error or Heartbeat Error",
	0x8140: "recovered from bus off",
	0x8150: "CAN-ID collision",
	0x8200: "Protocol Error",
	0x8210: "PDO not processed due to length error",
	0x8220: "PDO length exceeded",
	0x8230: "DAM MPDO not processed, destination object not available",
	0x8240: "Unexpected SYNC data length",
	0x8250: "RPDO timeout",
	0x9000: "External Error",
	0xF000: "Additional Functions",
	0xFF00: "Device specific",

	0x2310: "DS401: Current at outputs too high (overload)",
	0x2320: "DS401: Short circuit at outputs",
	0x2330: "DS401: Load dump at outputs",
	0x3110: "DS401: Input voltage too high",
	0x3120: "DS401: Input voltage too low",
	0x3210: "DS401: Internal voltage too high",
	0x3220: "DS401: Internal voltage too low",
	0x3310: "DS401: Output voltage too high",
	0x3320: "DS401: Output voltage too low",
	0x4210: "High temperature of the PCB",
	0x4290: "High temperature of the motor",
	0x50A0: "System error",
	0x50B0: "System error: invalid motion point",
	0x5210: "Control: Current measurement offset",
	0x5430: "EEPROM fault",
	0x5530: "EEPROM checksum error",
	0x6320: "Configuration error",
	0x7305: "Encoder counting error",
	0x8400: "Velocity controller following error",
	0x8610: "Position controller limits",
	0x8611: "Position controller following error",
	0x8612: "Position controller static following error",
	0xFF10: "Unauthorized access",
	0xFF80: "Power Stage Controller Error",
	0xFFA0: "Busy",
	0xFFA2: "Procedure error",
	0xFFA3: "Over force",
	0xFFA4: "Over power",
}

var emcyBits = map[uint8]string{
	0x00: "Error Reset or No Error",
	0x01: "CAN bus warning limit reached",
	0x02: "Wrong data length of the received CAN message",
	0x03: "Previous received CAN message wasn't processed yet",
	0x04: "Wrong data length of received PDO",
	0x05: "Previous received PDO wasn't processed yet",
	0x06: "CAN Rx passive",
	0x07: "CAN Tx passive",
	0x08: "Wrong NMT command received",
	0x12: "CAN transmit bus is off",
	0x13: "CAN module receive buffer has overflowed",
	0x14: "CAN transmit buffer has overflowed",
	0x15: "TPDO is outside SYNC window",
	0x18: "SYNC message timeout",
	0x19: "Unexpected SYNC data length",
	0x1A: "Error with PDO mapping",
	0x1C: "Heartbeat consumer detected remote node reset",
	0x20: "Emergency buffer is full, Emergency message wasn't sent",
	0x21: "Motion Error",
	0x22: "Microcontroller has just started",
	0x23: "Access is only available to service engineer",
	0x24: "Temperature Motor is too high",
	0x25: "Temperature PCB is too high",
	0x26: "Hardware error (driver error)",
	0x27: "Invalid motion command received",
	0x28: "Wrong parameters to CO_EM_reportError() function",
	0x29: "Timer task has overflowed",
	0x2A: "Unable to allocate memory for objects",
	0x2B: "Generic error, test usage",
	0x2C: "Software error",
	0x2D: "Object dictionary does not match the software",
	0x2E: "Error in calculation of device parameters",
	0x2F: "Error with access to non volatile device memory",
	0x30: "Constraint was applied to the settings",
	0x31: "CRC check of the setings failed",
	0x32: "NTC Error",
	0x33: "Current sensor 0 error",
	0x34: "Current sensor 1 error",
	0x35: "Current sensor 2 error",
	0x36: "Driver error",
	0x37: "Voltage sensor error",
	0x38: "Motor Encoder disconnected",
	0x39: "Gear Encoder disconnected",
	0x3A: "Motor Encoder CRC_ERR/EPR_ERR in STATUS1 & STUP in STATUS0",
	0x3B: "Gear Encoder CRC_ERR/EPR_ERR in STATUS1 & STUP in STATUS0",
	0x3C: "Motor Encoder FRQ_ABZ/FRQ_CNV in STATUS1 & AN_MAX/AN_MIN/AM_MAX/AM_MIN in STATUS0",
	0x3D: "Gear Encoder FRQ_ABZ/FRQ_CNV in STATUS1 & AN_MAX/AN_MIN/AM_MAX/AM_MIN in STATUS0",
	0x3E: "Motor Encoder NON_CTR bit in STATUS1",
	0x3F: "Gear Encoder NON_CTR bit in STATUS1",
	0x40: "Under Voltage",
	0x41: "Over Voltage",
	0x42: "Over Current",
	0x43: "Over Power",
	0x44: "Over Force",
	0x45: "Heartbeat consumer timeout",
}

// DescribeCode gives the generic category of an EMCY error code.
func DescribeCode(code uint16) string {
	if s, ok := emcyCodes[code]; ok {
		return s
	}
	return "N/A"
}

// DescribeBit gives the detailed cause carried in an EMCY error bit field.
func DescribeBit(bit uint8) string {
	if s, ok := emcyBits[bit]; ok {
		return s
	}
	return "N/A"
}

// DescribeState gives a readable name for a device state.
func DescribeState(state State) string {
	switch state {
	case StateInitializing:
		return "Device is initializing"
	case StateBoot:
		return "Bootloader mode"
	case StatePreOperational:
		return "Device is in pre-operational mode"
	case StateOperational:
		return "Device is in operational mode"
	case StateStopped:
		return "Device is in stopped mode"
	case StateDisappeared:
		return "Device disappeared"
	}
	return "N/A"
}
