package canbus

import (
	"sync"
)

// MsgFilter selects the frames a listener is interested in.
type MsgFilter func(msg CANMsg) bool

// CANBusInterface is a single attachment to a physical or simulated CAN bus.
type CANBusInterface interface {
	SendMsg(msg CANMsg) error
	// AddListener routes every received frame accepted by match to rx.
	// Delivery never blocks the reader: frames are dropped when rx is full.
	// The returned func detaches the listener.
	AddListener(match MsgFilter, rx chan CANMsg) (remove func())
	Close() error
}

// MatchID accepts frames with exactly this identifier.
func MatchID(id uint32) MsgFilter {
	return func(msg CANMsg) bool {
		return msg.ID == id
	}
}

// MatchRange accepts standard frames with an identifier in [lo, hi].
func MatchRange(lo, hi uint32) MsgFilter {
	return func(msg CANMsg) bool {
		return !msg.Extended && msg.ID >= lo && msg.ID <= hi
	}
}

type listener struct {
	match MsgFilter
	rx    chan CANMsg
}

// listeners is the routing table shared by every bus implementation.
type listeners struct {
	lock    sync.RWMutex
	next    int
	entries map[int]listener
	dropped uint64
}

func (l *listeners) add(match MsgFilter, rx chan CANMsg) func() {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.entries == nil {
		l.entries = make(map[int]listener)
	}
	if match == nil {
		match = func(CANMsg) bool { return true }
	}

	id := l.next
	l.next++
	l.entries[id] = listener{match: match, rx: rx}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.lock.Lock()
			delete(l.entries, id)
			l.lock.Unlock()
		})
	}
}

func (l *listeners) route(msg CANMsg) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for _, e := range l.entries {
		if !e.match(msg) {
			continue
		}
		// copy so listeners never share a backing array with the reader
		out := msg
		out.Data = append([]byte(nil), msg.Data...)
		select {
		case e.rx <- out:
		default:
			l.dropped++
		}
	}
}

func (l *listeners) clear() {
	l.lock.Lock()
	l.entries = nil
	l.lock.Unlock()
}
