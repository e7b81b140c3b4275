package canbus

import (
	"sync"
)

// LoopbackBus is an in-memory CAN bus. Every frame sent by one endpoint is
// delivered to the listeners of all other endpoints, in send order.
type LoopbackBus struct {
	lock      sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open attaches a new endpoint to the bus.
func (b *LoopbackBus) Open() CANBusInterface {
	ep := &loopEndpoint{bus: b}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		ep.dead = true
		return ep
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// Close detaches every endpoint.
func (b *LoopbackBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.kill()
	}
	b.endpoints = nil
	return nil
}

type loopEndpoint struct {
	bus       *LoopbackBus
	lock      sync.Mutex
	dead      bool
	listeners listeners
}

func (e *loopEndpoint) SendMsg(msg CANMsg) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	e.lock.Lock()
	dead := e.dead
	e.lock.Unlock()
	if dead {
		return ERR_CLOSED
	}

	// holding the read lock while routing keeps delivery ordered per sender
	e.bus.lock.RLock()
	defer e.bus.lock.RUnlock()
	if e.bus.closed {
		return ERR_CLOSED
	}
	for ep := range e.bus.endpoints {
		if ep != e {
			ep.listeners.route(msg)
		}
	}
	return nil
}

func (e *loopEndpoint) AddListener(match MsgFilter, rx chan CANMsg) func() {
	return e.listeners.add(match, rx)
}

func (e *loopEndpoint) Close() error {
	e.bus.lock.Lock()
	delete(e.bus.endpoints, e)
	e.bus.lock.Unlock()
	e.kill()
	return nil
}

func (e *loopEndpoint) kill() {
	e.lock.Lock()
	e.dead = true
	e.lock.Unlock()
	e.listeners.clear()
}
