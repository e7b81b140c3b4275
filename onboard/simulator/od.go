package simulator

import (
	"encoding/binary"
	"math"

	"github.com/CodedInternet/servobus/onboard/canopen"
)

func f32(v float32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, math.Float32bits(v))
	return data
}

func u32(v uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return data
}

func readF32(data []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data))
}

func (s *Servo) enabled() (out []uint8) {
	for p := uint8(1); p < PARAM_COUNT; p++ {
		if s.cacheMask[p/8]&(1<<(p%8)) != 0 {
			out = append(out, p)
		}
	}
	return
}

// ReadObject serves SDO uploads.
func (s *Servo) ReadObject(index uint16, sub uint8) ([]byte, uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()

	switch index {
	case 0x1009:
		return []byte(s.cfg.HardwareVersion), canopen.SDO_AB_NONE
	case 0x100A:
		return []byte(s.cfg.SoftwareVersion), canopen.SDO_AB_NONE
	case 0x2000:
		return append([]byte(nil), s.errBits[:]...), canopen.SDO_AB_NONE
	case 0x2013:
		if sub == 0 || sub >= PARAM_COUNT {
			return nil, canopen.SDO_AB_SUB_UNKNOWN
		}
		return f32(s.param(sub)), canopen.SDO_AB_NONE
	case 0x2014:
		var out []byte
		for _, p := range s.enabled() {
			out = append(out, f32(s.param(p))...)
			if sub == 2 {
				out = append(out, u32(s.timestamp())...)
			}
		}
		if sub != 1 && sub != 2 {
			return nil, canopen.SDO_AB_SUB_UNKNOWN
		}
		if len(out) == 0 {
			return nil, canopen.SDO_AB_NO_DATA
		}
		return out, canopen.SDO_AB_NONE
	case 0x2015:
		return append([]byte(nil), s.cacheMask[:]...), canopen.SDO_AB_NONE
	case 0x2100:
		return []byte{s.odID}, canopen.SDO_AB_NONE
	case 0x2202:
		switch sub {
		case 2:
			return u32(uint32(len(s.queue))), canopen.SDO_AB_NONE
		case 3:
			return u32(uint32(QUEUE_CAPACITY - len(s.queue))), canopen.SDO_AB_NONE
		}
		return nil, canopen.SDO_AB_SUB_UNKNOWN
	case 0x2203:
		if sub != 2 {
			return nil, canopen.SDO_AB_WRITEONLY
		}
		return s.calculate()
	case 0x2207:
		if sub != 2 {
			return nil, canopen.SDO_AB_SUB_UNKNOWN
		}
		return f32(s.maxVelocity), canopen.SDO_AB_NONE
	}
	return nil, canopen.SDO_AB_NOT_EXIST
}

// WriteObject serves SDO downloads.
func (s *Servo) WriteObject(index uint16, sub uint8, data []byte) uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()

	switch index {
	case 0x1010:
		if len(data) != 4 {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		if binary.LittleEndian.Uint32(data) != STORE_SIGNATURE {
			return canopen.SDO_AB_DATA_TRANSFER
		}
		s.nvm++
		s.nvmID = s.odID
		return canopen.SDO_AB_NONE
	case 0x2010:
		return s.stop(sub, data)
	case 0x2012:
		return s.setpoint(sub, data)
	case 0x2015:
		if len(data) != len(s.cacheMask) {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		copy(s.cacheMask[:], data)
		return canopen.SDO_AB_NONE
	case 0x2100:
		if len(data) != 1 {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		if !canopen.ValidNode(data[0]) {
			return canopen.SDO_AB_INVALID_VALUE
		}
		s.odID = data[0]
		return canopen.SDO_AB_NONE
	case 0x2200:
		return s.enqueue(sub, data)
	case 0x2202:
		if sub != 1 {
			return canopen.SDO_AB_READONLY
		}
		if len(data) != 4 {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		n := int(binary.LittleEndian.Uint32(data))
		if n == 0 || n >= len(s.queue) {
			s.queue = nil
			s.running = false
			s.velocity = 0
		} else {
			s.queue = s.queue[:len(s.queue)-n]
		}
		return canopen.SDO_AB_NONE
	case 0x2203:
		if sub != 1 {
			return canopen.SDO_AB_READONLY
		}
		if len(data) != 32 {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		s.calc = append([]byte(nil), data...)
		return canopen.SDO_AB_NONE
	case 0x2300:
		if sub != 3 || len(data) != 4 {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		v := readF32(data)
		if !(v > 0) {
			return canopen.SDO_AB_INVALID_VALUE
		}
		s.maxVelocity = v
		return canopen.SDO_AB_NONE
	case 0x2208:
		if len(data) != 4 {
			return canopen.SDO_AB_TYPE_MISMATCH
		}
		switch sub {
		case 1:
		case 2:
			s.nvm++
		default:
			return canopen.SDO_AB_SUB_UNKNOWN
		}
		s.position = readF32(data)
		return canopen.SDO_AB_NONE
	}
	return canopen.SDO_AB_NOT_EXIST
}

func (s *Servo) enqueue(sub uint8, data []byte) uint32 {
	var size int
	switch sub {
	case 2:
		size = 12
	case 3:
		size = 16
	default:
		return canopen.SDO_AB_SUB_UNKNOWN
	}
	if len(data) != size {
		return canopen.SDO_AB_TYPE_MISMATCH
	}

	p := point{
		position: readF32(data[0:]),
		velocity: readF32(data[4:]),
		duration: binary.LittleEndian.Uint32(data[size-4:]),
	}
	if p.duration > MAX_POINT_DURATION || math.Abs(float64(p.velocity)) > float64(s.maxVelocity) {
		return canopen.SDO_AB_PRAM_INCOMPAT
	}
	if len(s.queue) >= QUEUE_CAPACITY {
		return canopen.SDO_AB_NO_RESOURCE
	}
	s.queue = append(s.queue, p)
	return canopen.SDO_AB_NONE
}

// calculate answers a time calculation from the last boundary written.
func (s *Servo) calculate() ([]byte, uint32) {
	if s.calc == nil {
		return nil, canopen.SDO_AB_NO_DATA
	}
	startPos, endPos := readF32(s.calc[0:]), readF32(s.calc[16:])
	startT, endT := binary.LittleEndian.Uint32(s.calc[12:]), binary.LittleEndian.Uint32(s.calc[28:])
	distance := math.Abs(float64(endPos - startPos))

	if startT == 0 && endT == 0 {
		return u32(uint32(math.Ceil(distance / float64(s.maxVelocity) * 1000))), canopen.SDO_AB_NONE
	}
	if endT <= startT || distance/(float64(endT-startT)/1000) > float64(s.maxVelocity) {
		return nil, canopen.SDO_AB_GENERAL
	}
	return u32(endT - startT), canopen.SDO_AB_NONE
}

func (s *Servo) stop(sub uint8, data []byte) uint32 {
	if len(data) != 1 {
		return canopen.SDO_AB_TYPE_MISMATCH
	}
	switch sub {
	case 1:
		s.control.Mode = MODE_RELEASED
	case 2:
		s.control.Mode = MODE_FROZEN
		s.position = s.currentPosition()
	case 3:
		s.control.Brake = data[0] != 0
		return canopen.SDO_AB_NONE
	default:
		return canopen.SDO_AB_SUB_UNKNOWN
	}
	s.running = false
	s.velocity = 0
	return canopen.SDO_AB_NONE
}

// setpoint applies a direct command. Positions are reached at once.
func (s *Servo) setpoint(sub uint8, data []byte) uint32 {
	sizes := map[uint8]int{1: 4, 3: 4, 4: 4, 5: 8, 6: 12, 7: 4}
	size, ok := sizes[sub]
	if !ok {
		return canopen.SDO_AB_SUB_UNKNOWN
	}
	if len(data) != size {
		return canopen.SDO_AB_TYPE_MISMATCH
	}

	values := make([]float32, size/4)
	for i := range values {
		values[i] = readF32(data[4*i:])
	}

	c := Control{Brake: s.control.Brake}
	switch sub {
	case 1:
		c.Mode, c.Current = MODE_CURRENT, values[0]
	case 3:
		c.Mode, c.Velocity = MODE_VELOCITY, values[0]
	case 4:
		c.Mode, c.Position = MODE_POSITION, values[0]
	case 5:
		c.Mode, c.Velocity, c.Current = MODE_VELOCITY, values[0], values[1]
	case 6:
		c.Mode, c.Position, c.Velocity, c.Current = MODE_POSITION, values[0], values[1], values[2]
	case 7:
		if values[0] < 0 || values[0] > 100 {
			return canopen.SDO_AB_INVALID_VALUE
		}
		c.Mode, c.Duty = MODE_DUTY, values[0]
	}
	if math.Abs(float64(c.Velocity)) > float64(s.maxVelocity) || c.Current < 0 {
		return canopen.SDO_AB_INVALID_VALUE
	}

	s.control = c
	s.running = false
	switch c.Mode {
	case MODE_POSITION:
		s.position = c.Position
		s.velocity = 0
	case MODE_VELOCITY:
		s.velocity = c.Velocity
	default:
		s.velocity = 0
	}
	return canopen.SDO_AB_NONE
}
