package servo

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns every open Bus, keyed by interface name.
type Registry struct {
	dial Dialer
	opts Options

	lock  sync.Mutex
	buses map[string]*Bus
}

func NewRegistry(dial Dialer, opts Options) *Registry {
	return &Registry{
		dial:  dial,
		opts:  opts.withDefaults(),
		buses: make(map[string]*Bus),
	}
}

// Bus returns the open bus for name, dialing it on first use.
func (r *Registry) Bus(name string) (bus *Bus, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	bus, ok := r.buses[name]
	if ok {
		return
	}

	transport, err := r.dial(name)
	if err != nil {
		return nil, fmt.Errorf("unable to open bus %s: %w", name, err)
	}

	bus = newBus(name, transport, r.opts)
	r.buses[name] = bus
	r.opts.Logger.Info("bus opened", "bus", name)
	return
}

// Buses lists the names of every open bus.
func (r *Registry) Buses() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	names := make([]string, 0, len(r.buses))
	for name := range r.buses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns an already open bus without dialing.
func (r *Registry) Lookup(name string) (*Bus, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	bus, ok := r.buses[name]
	return bus, ok
}

// Close closes one bus and invalidates its devices.
func (r *Registry) Close(name string) error {
	r.lock.Lock()
	bus, ok := r.buses[name]
	delete(r.buses, name)
	r.lock.Unlock()

	if !ok {
		return nil
	}
	return bus.Close()
}

func (r *Registry) CloseAll() (err error) {
	for _, name := range r.Buses() {
		if cerr := r.Close(name); cerr != nil && err == nil {
			err = cerr
		}
	}
	return
}
