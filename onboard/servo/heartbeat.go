package servo

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ERR_NO_HEARTBEAT = errors.New("no matching heartbeat received")

// monitor tracks the heartbeats of one address on a bus.
type monitor struct {
	lock     sync.Mutex
	state    State
	seen     bool
	heard    bool // a heartbeat arrived since the last forget
	last     time.Time
	interval time.Time // start of the current stats interval
	min, max time.Duration
}

func (m *monitor) observe(state State, at time.Time) (changed bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.interval.IsZero() {
		interval := at.Sub(m.interval)
		if m.min == 0 || interval < m.min {
			m.min = interval
		}
		if interval > m.max {
			m.max = interval
		}
	}

	changed = !m.seen || m.state != state
	m.state = state
	m.seen = true
	m.heard = true
	m.last = at
	m.interval = at
	return
}

func (m *monitor) current(now time.Time, timeout time.Duration) State {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.seen || now.Sub(m.last) > timeout {
		return StateDisappeared
	}
	return m.state
}

// reset forgets the last state after the device was told to reboot.
func (m *monitor) reset(now time.Time) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.state = StateInitializing
	m.seen = true
	m.last = now
}

func (m *monitor) everHeard() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.heard
}

func (m *monitor) forget() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.seen = false
	m.heard = false
	m.last = time.Time{}
}

func (m *monitor) stats() HeartbeatStats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return HeartbeatStats{Min: m.min, Max: m.max}
}

func (m *monitor) clearStats() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.min, m.max = 0, 0
	m.interval = time.Time{}
}

// waiter is notified of heartbeats from one address until it matches.
type waiter struct {
	addr   uint8
	match  func(State) bool
	result chan State
	cancel func()
}

func (w *waiter) wait(ctx context.Context, timeout time.Duration) (State, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.result:
		return s, nil
	case <-timer.C:
		return StateDisappeared, ERR_NO_HEARTBEAT
	case <-ctx.Done():
		return StateDisappeared, ctx.Err()
	}
}
