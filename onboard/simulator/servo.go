// Package simulator models servos on a CAN bus, closely enough to exercise
// the host stack without hardware.
package simulator

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CodedInternet/servobus/onboard/canbus"
	"github.com/CodedInternet/servobus/onboard/canopen"
)

const (
	DEFAULT_HEARTBEAT_INTERVAL = 50 * time.Millisecond
	DEFAULT_MAX_VELOCITY       = 180
	QUEUE_CAPACITY             = 100
	MAX_POINT_DURATION         = math.MaxUint32 / 10
	PARAM_COUNT                = 58

	PARAM_POSITION = 1
	PARAM_VELOCITY = 2

	EMCY_FOLLOWING_ERROR = 0x8611
	EMCY_BIT_MOTION      = 0x21

	STORE_SIGNATURE = 0x73617665
)

type Config struct {
	ID                uint8
	HeartbeatInterval time.Duration
	Clock             Clock
	HardwareVersion   string
	SoftwareVersion   string
	MaxVelocity       float32
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DEFAULT_HEARTBEAT_INTERVAL
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.HardwareVersion == "" {
		c.HardwareVersion = "0042.RD50.3"
	}
	if c.SoftwareVersion == "" {
		c.SoftwareVersion = "2.1.7 sim"
	}
	if c.MaxVelocity <= 0 {
		c.MaxVelocity = DEFAULT_MAX_VELOCITY
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

const (
	MODE_IDLE     = ""
	MODE_CURRENT  = "current"
	MODE_VELOCITY = "velocity"
	MODE_POSITION = "position"
	MODE_DUTY     = "duty"
	MODE_RELEASED = "released"
	MODE_FROZEN   = "frozen"
)

// Control is the last direct setpoint a servo received. Limits are zero when
// the command carried none.
type Control struct {
	Mode     string
	Position float32
	Velocity float32
	Current  float32
	Duty     float32
	Brake    bool
}

type point struct {
	position float32
	velocity float32
	duration uint32
}

// Servo is one simulated device with its own endpoint on a bus.
type Servo struct {
	cfg   Config
	bus   canbus.CANBusInterface
	sdo   *canopen.SDOServer
	log   *slog.Logger
	clock Clock

	// address the node currently answers to, read from bus filters
	id atomic.Uint32

	lock    sync.Mutex
	outbox  []canbus.CANMsg
	state   canopen.NMTState
	odID    uint8 // written but not yet active
	nvmID   uint8 // restored on reset node
	silent  bool
	deaf    bool // ignores NMT commands
	booted  time.Time
	nvm     int
	errBits [8]byte

	queue     []point
	running   bool
	segStart  time.Time
	position  float32
	velocity  float32
	completed int
	failAt    int

	control     Control
	maxVelocity float32
	values      [PARAM_COUNT]float32
	cacheMask   [10]byte
	calc        []byte

	rx     chan canbus.CANMsg
	remove func()
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServo attaches a servo to bus and boots it into pre-operational.
func NewServo(bus canbus.CANBusInterface, cfg Config) *Servo {
	cfg = cfg.withDefaults()
	s := &Servo{
		cfg:         cfg,
		bus:         bus,
		log:         cfg.Logger.With("sim", cfg.ID),
		clock:       cfg.Clock,
		odID:        cfg.ID,
		nvmID:       cfg.ID,
		maxVelocity: cfg.MaxVelocity,
		rx:          make(chan canbus.CANMsg, 256),
		done:        make(chan struct{}),
	}
	s.id.Store(uint32(cfg.ID))
	s.sdo = canopen.NewSDOServer(s, bus.SendMsg)
	s.remove = bus.AddListener(s.accepts, s.rx)

	s.lock.Lock()
	s.boot()
	s.lock.Unlock()
	s.flush()

	s.wg.Add(2)
	go s.receive()
	go s.beat()
	return s
}

func (s *Servo) accepts(msg canbus.CANMsg) bool {
	switch msg.ID {
	case canopen.FC_NMT, canopen.FC_TIME:
		return true
	}
	return msg.ID == canopen.COBID(canopen.FC_SDO_RX, uint8(s.id.Load()))
}

func (s *Servo) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.remove()
	s.wg.Wait()
	s.bus.Close()
}

func (s *Servo) receive() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.rx:
			s.handle(msg)
			s.flush()
		}
	}
}

func (s *Servo) beat() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.lock.Lock()
			s.advance()
			s.heartbeat()
			s.lock.Unlock()
			s.flush()
		}
	}
}

// flush sends queued frames. Never called with the lock held, the loopback
// bus delivers synchronously into other servos' filters.
func (s *Servo) flush() {
	s.lock.Lock()
	out := s.outbox
	s.outbox = nil
	s.lock.Unlock()

	for _, msg := range out {
		if err := s.bus.SendMsg(msg); err != nil {
			s.log.Debug("send failed", "msg", msg, "error", err)
		}
	}
}

func (s *Servo) heartbeat() {
	if s.silent {
		return
	}
	s.outbox = append(s.outbox, canopen.HeartbeatFrame(uint8(s.id.Load()), s.state))
}

func (s *Servo) setState(state canopen.NMTState) {
	if s.state == state {
		return
	}
	s.state = state
	if state == canopen.NMT_STATE_STOPPED {
		s.running = false
	}
	s.heartbeat()
}

func (s *Servo) boot() {
	s.booted = s.clock.Now()
	s.state = canopen.NMT_STATE_BOOTUP
	s.heartbeat()
	s.setState(canopen.NMT_STATE_PREOPERATIONAL)
}

func (s *Servo) handle(msg canbus.CANMsg) {
	switch msg.ID {
	case canopen.FC_NMT:
		if len(msg.Data) >= 2 {
			s.nmt(canopen.NMTCommand(msg.Data[0]), msg.Data[1])
		}
	case canopen.FC_TIME:
		if len(msg.Data) >= 4 {
			s.start(binary.LittleEndian.Uint32(msg.Data))
		}
	default:
		s.lock.Lock()
		stopped := s.state == canopen.NMT_STATE_STOPPED
		s.lock.Unlock()
		if stopped {
			return
		}
		if err := s.sdo.Handle(uint8(s.id.Load()), msg); err != nil {
			s.log.Debug("sdo response failed", "error", err)
		}
	}
}

func (s *Servo) nmt(cmd canopen.NMTCommand, node uint8) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if node != canopen.NODE_ALL && node != uint8(s.id.Load()) {
		return
	}
	if s.deaf {
		return
	}
	s.advance()

	switch cmd {
	case canopen.NMT_START:
		s.setState(canopen.NMT_STATE_OPERATIONAL)
	case canopen.NMT_STOP:
		s.setState(canopen.NMT_STATE_STOPPED)
	case canopen.NMT_ENTER_PREOPERATIONAL:
		s.setState(canopen.NMT_STATE_PREOPERATIONAL)
	case canopen.NMT_RESET_COMMUNICATION:
		s.id.Store(uint32(s.odID))
		s.boot()
	case canopen.NMT_RESET_NODE:
		s.odID = s.nvmID
		s.id.Store(uint32(s.nvmID))
		s.queue = nil
		s.running = false
		s.velocity = 0
		s.cacheMask = [10]byte{}
		s.errBits = [8]byte{}
		s.calc = nil
		s.control = Control{}
		s.boot()
	}
}

func (s *Servo) start(delay uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.advance()
	if s.state != canopen.NMT_STATE_OPERATIONAL || s.running || len(s.queue) == 0 {
		return
	}
	s.running = true
	s.segStart = s.clock.Now().Add(time.Duration(delay) * time.Millisecond)
}

// advance plays the queue up to the current time.
func (s *Servo) advance() {
	now := s.clock.Now()
	for s.running && len(s.queue) > 0 {
		head := s.queue[0]
		end := s.segStart.Add(time.Duration(head.duration) * time.Millisecond)
		if now.Before(end) {
			return
		}
		s.completed++
		if s.failAt > 0 && s.completed == s.failAt {
			s.failAt = 0
			s.fail()
			return
		}
		s.position = head.position
		s.velocity = head.velocity
		s.segStart = end
		s.queue = s.queue[1:]
	}
	if s.running {
		s.running = false
		s.velocity = 0
	}
}

// fail stops this servo and every other one on the bus, as a device missing
// its point does.
func (s *Servo) fail() {
	id := uint8(s.id.Load())
	s.errBits[EMCY_BIT_MOTION/8] |= 1 << (EMCY_BIT_MOTION % 8)
	s.outbox = append(s.outbox, canopen.EmergencyFrame(id, EMCY_FOLLOWING_ERROR, 0x01, EMCY_BIT_MOTION, uint32(s.completed)))
	s.setState(canopen.NMT_STATE_STOPPED)
	s.outbox = append(s.outbox, canbus.CANMsg{
		ID:   canopen.FC_NMT,
		Data: []byte{byte(canopen.NMT_STOP), canopen.NODE_ALL},
	})
	s.log.Warn("simulated following error", "point", s.completed)
}

func (s *Servo) currentPosition() float32 {
	now := s.clock.Now()
	if !s.running || len(s.queue) == 0 || !now.After(s.segStart) {
		return s.position
	}
	head := s.queue[0]
	if head.duration == 0 {
		return head.position
	}
	f := float32(now.Sub(s.segStart).Milliseconds()) / float32(head.duration)
	if f > 1 {
		f = 1
	}
	return s.position + (head.position-s.position)*f
}

func (s *Servo) param(p uint8) float32 {
	switch p {
	case PARAM_POSITION:
		return s.currentPosition()
	case PARAM_VELOCITY:
		return s.velocity
	}
	return s.values[p]
}

func (s *Servo) timestamp() uint32 {
	return uint32(s.clock.Now().Sub(s.booted).Milliseconds())
}

// ID is the address the servo currently answers to.
func (s *Servo) ID() uint8 {
	return uint8(s.id.Load())
}

func (s *Servo) State() canopen.NMTState {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()
	return s.state
}

func (s *Servo) Position() float32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()
	return s.currentPosition()
}

func (s *Servo) QueueLen() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()
	return len(s.queue)
}

func (s *Servo) Control() Control {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.control
}

// NVMWrites counts stores to non-volatile memory.
func (s *Servo) NVMWrites() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.nvm
}

func (s *Servo) SetParam(p uint8, v float32) {
	if p >= PARAM_COUNT {
		return
	}
	s.lock.Lock()
	s.values[p] = v
	s.lock.Unlock()
}

// FailAfter makes the servo miss its nth point from now on.
func (s *Servo) FailAfter(n int) {
	s.lock.Lock()
	s.failAt = s.completed + n
	s.lock.Unlock()
}

// SetSilent stops or resumes heartbeats, as if the node lost power.
func (s *Servo) SetSilent(silent bool) {
	s.lock.Lock()
	s.silent = silent
	s.lock.Unlock()
}

// SetDeaf makes the servo ignore NMT commands.
func (s *Servo) SetDeaf(deaf bool) {
	s.lock.Lock()
	s.deaf = deaf
	s.lock.Unlock()
}

// Tick plays the queue and sends anything due without waiting for the next
// heartbeat.
func (s *Servo) Tick() {
	s.lock.Lock()
	s.advance()
	s.lock.Unlock()
	s.flush()
}
