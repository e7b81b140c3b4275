package servo

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// EmcyEntry is one fault reported by a device.
type EmcyEntry struct {
	Source   uint8     `json:"source" cbor:"source"`
	Code     uint16    `json:"code" cbor:"code"`
	Register uint8     `json:"register" cbor:"register"`
	Bits     uint8     `json:"bits" cbor:"bits"`
	Info     uint32    `json:"info" cbor:"info"`
	At       time.Time `json:"at" cbor:"at"`
}

// Description combines the code and bit descriptions.
func (e EmcyEntry) Description() string {
	return DescribeCode(e.Code) + ": " + DescribeBit(e.Bits)
}

var emcyEncMode cbor.EncMode

func init() {
	var err error
	emcyEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic("servo: invalid cbor options: " + err.Error())
	}
}

// ErrorLog is a bounded FIFO of EMCY entries shared by a bus. When full the
// oldest entry is dropped.
type ErrorLog struct {
	lock    sync.Mutex
	entries []EmcyEntry
	head    int
	count   int
	dropped uint64
}

func NewErrorLog(depth int) *ErrorLog {
	if depth <= 0 {
		depth = DEFAULT_EMCY_DEPTH
	}
	return &ErrorLog{entries: make([]EmcyEntry, depth)}
}

func (l *ErrorLog) push(e EmcyEntry) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.count == len(l.entries) {
		l.head = (l.head + 1) % len(l.entries)
		l.count--
		l.dropped++
	}
	l.entries[(l.head+l.count)%len(l.entries)] = e
	l.count++
}

// Size is the number of unread entries.
func (l *ErrorLog) Size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.count
}

// Pop removes and returns the oldest entry.
func (l *ErrorLog) Pop() (e EmcyEntry, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.count == 0 {
		return e, serr.ErrEmpty
	}
	e = l.entries[l.head]
	l.entries[l.head] = EmcyEntry{}
	l.head = (l.head + 1) % len(l.entries)
	l.count--
	return e, nil
}

func (l *ErrorLog) Clear() {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i := range l.entries {
		l.entries[i] = EmcyEntry{}
	}
	l.head = 0
	l.count = 0
}

// Dropped counts entries lost to overflow since the log was created.
func (l *ErrorLog) Dropped() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.dropped
}

// Snapshot copies the unread entries, oldest first, without consuming them.
func (l *ErrorLog) Snapshot() []EmcyEntry {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]EmcyEntry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.entries[(l.head+i)%len(l.entries)]
	}
	return out
}

// Export writes the unread entries to w as a CBOR array.
func (l *ErrorLog) Export(w io.Writer) error {
	return emcyEncMode.NewEncoder(w).Encode(l.Snapshot())
}

// DecodeErrorLog reads entries written by Export.
func DecodeErrorLog(r io.Reader) (entries []EmcyEntry, err error) {
	err = cbor.NewDecoder(r).Decode(&entries)
	return
}
