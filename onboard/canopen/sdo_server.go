package canopen

import (
	"encoding/binary"
	"sync"

	"github.com/CodedInternet/servobus/onboard/canbus"
)

// ObjectDictionary is the storage behind an SDOServer. Both calls return an
// SDO abort code, SDO_AB_NONE on success.
type ObjectDictionary interface {
	ReadObject(index uint16, sub uint8) (data []byte, abort uint32)
	WriteObject(index uint16, sub uint8, data []byte) (abort uint32)
}

// SDOServer answers SDO requests for a single node from an ObjectDictionary.
type SDOServer struct {
	od   ObjectDictionary
	send func(msg canbus.CANMsg) error
	lock sync.Mutex

	// active segmented transfer
	uploading   bool
	downloading bool
	index       uint16
	sub         uint8
	toggle      byte
	buf         []byte
	size        int
}

func NewSDOServer(od ObjectDictionary, send func(msg canbus.CANMsg) error) *SDOServer {
	return &SDOServer{od: od, send: send}
}

// Handle processes one request frame sent to node.
func (s *SDOServer) Handle(node uint8, req canbus.CANMsg) error {
	if len(req.Data) != 8 {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	switch commandSpecifier(req) {
	case CCS_UPLOAD_INITIATE:
		s.reset()
		return s.uploadInitiate(node, req)
	case CCS_UPLOAD_SEGMENT:
		return s.uploadSegment(node, req)
	case CCS_DOWNLOAD_INITIATE:
		s.reset()
		return s.downloadInitiate(node, req)
	case CCS_DOWNLOAD_SEGMENT:
		return s.downloadSegment(node, req)
	case CS_ABORT:
		s.reset()
		return nil
	}

	index, sub := multiplexer(req)
	return s.abort(node, index, sub, SDO_AB_CMD)
}

func (s *SDOServer) reset() {
	s.uploading = false
	s.downloading = false
	s.toggle = 0
	s.buf = nil
	s.size = 0
}

func (s *SDOServer) abort(node uint8, index uint16, sub uint8, code uint32) error {
	s.reset()
	return s.send(abortFrame(FC_SDO_TX, node, index, sub, code))
}

func (s *SDOServer) uploadInitiate(node uint8, req canbus.CANMsg) error {
	index, sub := multiplexer(req)
	data, code := s.od.ReadObject(index, sub)
	if code != SDO_AB_NONE {
		return s.abort(node, index, sub, code)
	}
	if len(data) == 0 {
		return s.abort(node, index, sub, SDO_AB_NO_DATA)
	}

	if len(data) <= SDO_EXPEDITED_SIZE {
		return s.send(sdoFrame(FC_SDO_TX, node, expeditedCmd(SCS_UPLOAD_INITIATE, len(data)), index, sub, data))
	}

	s.uploading = true
	s.index, s.sub = index, sub
	s.buf = data

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	return s.send(sdoFrame(FC_SDO_TX, node, SCS_UPLOAD_INITIATE<<5|0x01, index, sub, size[:]))
}

func (s *SDOServer) uploadSegment(node uint8, req canbus.CANMsg) error {
	if !s.uploading {
		return s.abort(node, 0, 0, SDO_AB_CMD)
	}
	if toggleBit(req) != s.toggle {
		return s.abort(node, s.index, s.sub, SDO_AB_TOGGLE)
	}

	chunk := s.buf
	last := len(chunk) <= SDO_SEGMENT_SIZE
	if !last {
		chunk = chunk[:SDO_SEGMENT_SIZE]
	}
	s.buf = s.buf[len(chunk):]

	err := s.send(segmentFrame(FC_SDO_TX, node, segmentCmd(SCS_UPLOAD_SEGMENT, s.toggle, len(chunk), last), chunk))
	s.toggle ^= 1
	if last {
		s.reset()
	}
	return err
}

func (s *SDOServer) downloadInitiate(node uint8, req canbus.CANMsg) error {
	index, sub := multiplexer(req)
	cmd := req.Data[0]

	if cmd&0x02 != 0 {
		size := SDO_EXPEDITED_SIZE
		if cmd&0x01 != 0 {
			size -= int((cmd >> 2) & 0x03)
		}
		if code := s.od.WriteObject(index, sub, append([]byte(nil), req.Data[4:4+size]...)); code != SDO_AB_NONE {
			return s.abort(node, index, sub, code)
		}
		return s.send(sdoFrame(FC_SDO_TX, node, SCS_DOWNLOAD_INITIATE<<5, index, sub, nil))
	}

	s.downloading = true
	s.index, s.sub = index, sub
	s.size = -1
	if cmd&0x01 != 0 {
		s.size = int(binary.LittleEndian.Uint32(req.Data[4:8]))
	}
	return s.send(sdoFrame(FC_SDO_TX, node, SCS_DOWNLOAD_INITIATE<<5, index, sub, nil))
}

func (s *SDOServer) downloadSegment(node uint8, req canbus.CANMsg) error {
	if !s.downloading {
		return s.abort(node, 0, 0, SDO_AB_CMD)
	}
	if toggleBit(req) != s.toggle {
		return s.abort(node, s.index, s.sub, SDO_AB_TOGGLE)
	}

	payload, last := segmentPayload(req)
	s.buf = append(s.buf, payload...)
	toggle := s.toggle
	s.toggle ^= 1

	if !last {
		return s.send(segmentFrame(FC_SDO_TX, node, SCS_DOWNLOAD_SEGMENT<<5|toggle<<4, nil))
	}

	index, sub, data := s.index, s.sub, s.buf
	if s.size >= 0 && len(data) != s.size {
		return s.abort(node, index, sub, SDO_AB_TYPE_MISMATCH)
	}
	s.reset()

	if code := s.od.WriteObject(index, sub, data); code != SDO_AB_NONE {
		return s.abort(node, index, sub, code)
	}
	return s.send(segmentFrame(FC_SDO_TX, node, SCS_DOWNLOAD_SEGMENT<<5|toggle<<4, nil))
}
