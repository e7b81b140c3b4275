package simulator

import (
	"sort"
	"sync"

	"github.com/CodedInternet/servobus/onboard/canbus"
)

// Network is a loopback bus populated with servos.
type Network struct {
	bus *canbus.LoopbackBus

	lock   sync.Mutex
	servos []*Servo
}

// NewNetwork boots one servo per id, sharing the rest of cfg.
func NewNetwork(cfg Config, ids ...uint8) *Network {
	n := &Network{bus: canbus.NewLoopbackBus()}
	for _, id := range ids {
		n.Add(id, cfg)
	}
	return n
}

func (n *Network) Add(id uint8, cfg Config) *Servo {
	cfg.ID = id
	s := NewServo(n.bus.Open(), cfg)

	n.lock.Lock()
	n.servos = append(n.servos, s)
	n.lock.Unlock()
	return s
}

// Endpoint attaches a host to the network.
func (n *Network) Endpoint() canbus.CANBusInterface {
	return n.bus.Open()
}

// Servo finds a servo by the address it currently answers to.
func (n *Network) Servo(id uint8) *Servo {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, s := range n.servos {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (n *Network) Servos() []*Servo {
	n.lock.Lock()
	out := append([]*Servo(nil), n.servos...)
	n.lock.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Tick advances every servo.
func (n *Network) Tick() {
	for _, s := range n.Servos() {
		s.Tick()
	}
}

func (n *Network) Close() error {
	for _, s := range n.Servos() {
		s.Close()
	}
	return n.bus.Close()
}
