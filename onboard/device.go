package onboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/CodedInternet/servobus/onboard/canbus"
	"github.com/CodedInternet/servobus/onboard/canopen"
	"github.com/CodedInternet/servobus/onboard/servo"
	"github.com/CodedInternet/servobus/onboard/simulator"
)

var (
	ErrUnknownBus = errors.New("unknown bus")
)

// Controller brings up the buses and devices named in a config.
type Controller struct {
	config    *ServobusConfig
	registry  *servo.Registry
	log       *slog.Logger
	simulated bool
	// log every frame at debug level
	Trace bool

	lock     sync.Mutex
	networks map[string]*simulator.Network
}

// NewController prepares every configured bus. With simulated set, every bus
// runs on simulated servos regardless of its driver.
func NewController(config *ServobusConfig, opts servo.Options, simulated bool) (c *Controller, err error) {
	if err = config.Validate(); err != nil {
		return
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if config.HeartbeatTimeout > 0 {
		opts.HeartbeatTimeout = config.HeartbeatTimeout
	}
	if config.EmcyDepth > 0 {
		opts.EmcyDepth = config.EmcyDepth
	}

	c = &Controller{
		config:    config,
		log:       opts.Logger,
		simulated: simulated,
		networks:  make(map[string]*simulator.Network),
	}
	c.registry = servo.NewRegistry(c.dial, opts)
	return
}

func (c *Controller) dial(name string) (servo.Transport, error) {
	conf, ok := c.config.Buses[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBus, name)
	}

	var link canbus.CANBusInterface
	if c.simulated || conf.Driver == DRIVER_SIM {
		link = c.simulate(name, conf).Endpoint()
	} else {
		socket, err := canbus.NewSocketCAN(conf.InterfaceName(name))
		if err != nil {
			return nil, err
		}
		link = socket
	}

	if c.Trace {
		link = canbus.NewLoggedBus(link, c.log.With("bus", name), slog.LevelDebug)
	}
	return canopen.NewClient(link, c.log.With("bus", name)), nil
}

func (c *Controller) simulate(name string, conf BusConfig) *simulator.Network {
	cfg := simulator.Config{Logger: c.log.With("bus", name)}
	if conf.Sim != nil {
		cfg.HeartbeatInterval = conf.Sim.HeartbeatInterval
		cfg.MaxVelocity = conf.Sim.MaxVelocity
		cfg.SoftwareVersion = conf.Sim.SoftwareVersion
	}

	ids := make([]uint8, len(conf.Devices))
	for i, addr := range conf.Devices {
		ids[i] = uint8(addr)
	}

	net := simulator.NewNetwork(cfg, ids...)
	c.lock.Lock()
	c.networks[name] = net
	c.lock.Unlock()
	c.log.Info("simulating bus", "bus", name, "devices", conf.Devices)
	return net
}

// Start opens every bus and initialises its devices: each must send a
// heartbeat, pass the firmware constraint and accept its cache profile.
// Devices that fail are reported but do not stop the others.
func (c *Controller) Start(ctx context.Context) error {
	var errs []error
	for _, name := range c.BusNames() {
		bus, err := c.registry.Bus(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		conf := c.config.Buses[name]
		for _, addr := range conf.Devices {
			if err := c.bringUp(ctx, bus, addr, conf.Cache[addr]); err != nil {
				c.log.Error("device unavailable", "bus", name, "device", addr, "error", err)
				errs = append(errs, fmt.Errorf("%s device %d: %w", name, addr, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) bringUp(ctx context.Context, bus *servo.Bus, addr int, cache ParamList) error {
	d, err := bus.InitDevice(ctx, addr)
	if err != nil {
		return err
	}

	if c.config.Firmware != "" {
		version, err := d.CheckFirmware(ctx, c.config.Firmware)
		if err != nil {
			return err
		}
		c.log.Info("device ready", "bus", bus.Name(), "device", addr, "version", version)
	}

	for _, p := range cache {
		if err := d.Cache().Configure(ctx, p, true); err != nil {
			return err
		}
	}
	return nil
}

// BusNames lists the configured buses.
func (c *Controller) BusNames() []string {
	names := make([]string, 0, len(c.config.Buses))
	for name := range c.config.Buses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bus returns a configured bus, opening it if needed.
func (c *Controller) Bus(name string) (*servo.Bus, error) {
	if _, ok := c.config.Buses[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBus, name)
	}
	return c.registry.Bus(name)
}

func (c *Controller) Limits() servo.Limits {
	return c.config.Limits
}

// Network returns the simulated servos behind a bus, nil for real hardware.
func (c *Controller) Network(name string) *simulator.Network {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.networks[name]
}

func (c *Controller) Close() error {
	err := c.registry.CloseAll()

	c.lock.Lock()
	defer c.lock.Unlock()
	for name, net := range c.networks {
		net.Close()
		delete(c.networks, name)
	}
	return err
}
