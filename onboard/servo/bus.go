package servo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// MAX_START_DELAY is the largest delay a TIME frame can carry.
const MAX_START_DELAY = 1<<24 - 1

// Event is a heartbeat state change or a fault seen on a bus.
type Event struct {
	Bus     string     `json:"bus"`
	Kind    string     `json:"kind"`
	Address uint8      `json:"address"`
	State   State      `json:"state"`
	Emcy    *EmcyEntry `json:"emcy,omitempty"`
	At      time.Time  `json:"at"`
}

const (
	EVENT_STATE = "state"
	EVENT_EMCY  = "emcy"
)

// Bus is one CAN network and the servos attached to it.
type Bus struct {
	name      string
	transport Transport
	opts      Options
	log       *slog.Logger
	errors    *ErrorLog

	lock     sync.Mutex
	closed   bool
	devices  map[uint8]*Device
	monitors map[uint8]*monitor
	waiters  map[*waiter]struct{}
	watchers map[int]chan Event
	nextW    int

	done    chan struct{}
	stopped chan struct{}
}

func newBus(name string, transport Transport, opts Options) *Bus {
	b := &Bus{
		name:      name,
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With("bus", name),
		errors:    NewErrorLog(opts.EmcyDepth),
		devices:   make(map[uint8]*Device),
		monitors:  make(map[uint8]*monitor),
		waiters:   make(map[*waiter]struct{}),
		watchers:  make(map[int]chan Event),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go b.listen()
	return b
}

func (b *Bus) Name() string {
	return b.name
}

// ErrorLog holds the faults reported by every device on the bus.
func (b *Bus) ErrorLog() *ErrorLog {
	return b.errors
}

// Device returns the handle for addr, creating it if needed. It does not
// talk to the device; use InitDevice to wait for it to appear.
func (b *Bus) Device(addr int) (*Device, error) {
	if addr < 1 || addr > 127 {
		return nil, serr.AddressError{Address: addr}
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return nil, serr.NewStatusError(serr.StatusBadInstance, "device", fmt.Errorf("bus %s is closed", b.name))
	}

	d, ok := b.devices[uint8(addr)]
	if !ok {
		d = newDevice(b, uint8(addr))
		b.devices[uint8(addr)] = d
	}
	return d, nil
}

// InitDevice returns the device at addr once it has sent a heartbeat.
func (b *Bus) InitDevice(ctx context.Context, addr int) (*Device, error) {
	d, err := b.Device(addr)
	if err != nil {
		return nil, err
	}

	if d.GetState() != StateDisappeared {
		return d, nil
	}

	w := b.expect(uint8(addr), func(State) bool { return true })
	defer w.cancel()
	if _, err = w.wait(ctx, b.opts.DiscoveryTimeout); err != nil {
		return nil, serr.NewStatusError(serr.StatusTimeout, "init device", fmt.Errorf("device %d on %s: %w", addr, b.name, err))
	}
	return d, nil
}

// Devices lists the known device handles ordered by address.
func (b *Bus) Devices() []*Device {
	b.lock.Lock()
	defer b.lock.Unlock()

	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Discover lists every address that has sent a heartbeat recently.
func (b *Bus) Discover() []uint8 {
	b.lock.Lock()
	defer b.lock.Unlock()

	now := time.Now()
	var found []uint8
	for addr, m := range b.monitors {
		if m.current(now, b.opts.HeartbeatTimeout) != StateDisappeared {
			found = append(found, addr)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found
}

// StartMotion makes every device begin its queue after delay milliseconds.
// It returns as soon as the frame is sent.
func (b *Bus) StartMotion(delay uint32) error {
	if err := b.invalid(); err != nil {
		return err
	}
	if delay > MAX_START_DELAY {
		return serr.NewStatusError(serr.StatusWrongArgument, "start motion", fmt.Errorf("delay %d ms above %d", delay, MAX_START_DELAY))
	}
	if err := b.transport.SendTimestamp(delay); err != nil {
		return sdoStatus("start motion", err, nil)
	}
	b.log.Info("motion started", "delay_ms", delay)
	return nil
}

func (b *Bus) NetSetOperational() error {
	return b.broadcast("net set operational", canopen.NMT_START)
}

func (b *Bus) NetSetPreOperational() error {
	return b.broadcast("net set pre-operational", canopen.NMT_ENTER_PREOPERATIONAL)
}

func (b *Bus) NetSetStopped() error {
	return b.broadcast("net set stopped", canopen.NMT_STOP)
}

func (b *Bus) NetReset() error {
	return b.broadcast("net reset", canopen.NMT_RESET_COMMUNICATION)
}

func (b *Bus) NetReboot() error {
	err := b.broadcast("net reboot", canopen.NMT_RESET_NODE)
	if err == nil {
		now := time.Now()
		b.lock.Lock()
		for _, m := range b.monitors {
			m.reset(now)
		}
		devices := make([]*Device, 0, len(b.devices))
		for _, d := range b.devices {
			devices = append(devices, d)
		}
		b.lock.Unlock()

		for _, d := range devices {
			d.motion.dropped()
		}
	}
	return err
}

func (b *Bus) broadcast(op string, cmd canopen.NMTCommand) error {
	if err := b.invalid(); err != nil {
		return err
	}
	if err := b.transport.SendNMT(cmd, canopen.NODE_ALL); err != nil {
		return sdoStatus(op, err, nil)
	}
	return nil
}

// Watch streams state changes and faults. Slow watchers miss events rather
// than holding up the bus.
func (b *Bus) Watch(buffer int) (events <-chan Event, cancel func()) {
	ch := make(chan Event, buffer)

	b.lock.Lock()
	id := b.nextW
	b.nextW++
	if b.closed {
		close(ch)
	} else {
		b.watchers[id] = ch
	}
	b.lock.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.lock.Lock()
			if _, ok := b.watchers[id]; ok {
				delete(b.watchers, id)
				close(ch)
			}
			b.lock.Unlock()
		})
	}
}

// Close stops the listener, closes the transport and invalidates every
// device handle.
func (b *Bus) Close() error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.watchers {
		close(ch)
		delete(b.watchers, id)
	}
	b.lock.Unlock()

	err := b.transport.Close()
	<-b.stopped
	b.log.Info("bus closed")
	return err
}

func (b *Bus) invalid() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return serr.NewStatusError(serr.StatusBadInstance, "bus", fmt.Errorf("bus %s is closed", b.name))
	}
	return nil
}

func (b *Bus) monitor(addr uint8) *monitor {
	b.lock.Lock()
	defer b.lock.Unlock()

	m, ok := b.monitors[addr]
	if !ok {
		m = &monitor{}
		b.monitors[addr] = m
	}
	return m
}

// expect registers interest in the next heartbeat from addr accepted by
// match. Register before sending the command that triggers it.
func (b *Bus) expect(addr uint8, match func(State) bool) *waiter {
	w := &waiter{
		addr:   addr,
		match:  match,
		result: make(chan State, 1),
	}

	b.lock.Lock()
	b.waiters[w] = struct{}{}
	b.lock.Unlock()

	w.cancel = func() {
		b.lock.Lock()
		delete(b.waiters, w)
		b.lock.Unlock()
	}
	return w
}

func (b *Bus) listen() {
	defer close(b.stopped)

	heartbeats := b.transport.Heartbeats()
	emergencies := b.transport.Emergencies()

	for {
		select {
		case hb, ok := <-heartbeats:
			if !ok {
				heartbeats = nil
				continue
			}
			b.onHeartbeat(hb)

		case em, ok := <-emergencies:
			if !ok {
				emergencies = nil
				continue
			}
			b.onEmergency(em)

		case <-b.done:
			return
		}
	}
}

func (b *Bus) onHeartbeat(hb canopen.Heartbeat) {
	state := State(hb.State)
	changed := b.monitor(hb.Node).observe(state, hb.At)

	b.lock.Lock()
	d := b.devices[hb.Node]
	for w := range b.waiters {
		if w.addr != hb.Node || !w.match(state) {
			continue
		}
		select {
		case w.result <- state:
		default:
		}
	}
	b.lock.Unlock()

	if d != nil && changed && state == StateStopped {
		d.motion.invalidate()
	}

	if changed {
		b.log.Debug("device state", "device", hb.Node, "state", state)
		b.emit(Event{Bus: b.name, Kind: EVENT_STATE, Address: hb.Node, State: state, At: hb.At})
	}
}

func (b *Bus) onEmergency(em canopen.Emergency) {
	entry := EmcyEntry{
		Source:   em.Node,
		Code:     em.Code,
		Register: em.Register,
		Bits:     em.Bits,
		Info:     em.Info,
		At:       em.At,
	}
	b.errors.push(entry)
	b.log.Warn("device fault", "device", em.Node, "code", fmt.Sprintf("0x%04X", em.Code), "description", entry.Description())
	b.emit(Event{Bus: b.name, Kind: EVENT_EMCY, Address: em.Node, Emcy: &entry, At: em.At})
}

func (b *Bus) emit(e Event) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, ch := range b.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}
