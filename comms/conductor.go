package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CodedInternet/servobus/onboard"
	serr "github.com/CodedInternet/servobus/onboard/errors"
	"github.com/CodedInternet/servobus/onboard/servo"
)

const (
	CMD_OPERATIONAL     = "op"
	CMD_PRE_OPERATIONAL = "preop"
	CMD_STOP            = "stop"
	CMD_RESET           = "reset"
	CMD_REBOOT          = "reboot"
	CMD_START           = "start"
	CMD_CLEAR           = "clear"

	// direct control, device only
	CMD_POSITION = "position"
	CMD_VELOCITY = "velocity"
	CMD_CURRENT  = "current"
	CMD_DUTY     = "duty"
	CMD_FREEZE   = "freeze"
	CMD_RELEASE  = "release"
	CMD_BRAKE    = "brake"
)

// Cmd is a request from a live client. Address 0 addresses every device on
// the bus. Limits are the optional velocity and current limits of position
// and velocity commands.
type Cmd struct {
	Cmd     string    `json:"cmd"`
	Bus     string    `json:"bus"`
	Address int       `json:"address,omitempty"`
	Value   float64   `json:"value,omitempty"`
	Limits  []float64 `json:"limits,omitempty"`
}

// Reply reports the outcome of a Cmd.
type Reply struct {
	Kind   string `json:"kind"`
	Cmd    string `json:"cmd"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ConductorInterface interface {
	ProcessCommand(ctx context.Context, cmd Cmd) error
	Buses() []*servo.Bus
}

// Conductor runs client commands against the buses of a Controller.
type Conductor struct {
	Controller *onboard.Controller
	log        *slog.Logger
}

func NewConductor(controller *onboard.Controller, logger *slog.Logger) *Conductor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conductor{Controller: controller, log: logger}
}

// Buses opens every configured bus, skipping the ones that fail.
func (c *Conductor) Buses() []*servo.Bus {
	var out []*servo.Bus
	for _, name := range c.Controller.BusNames() {
		bus, err := c.Controller.Bus(name)
		if err != nil {
			c.log.Warn("bus unavailable", "bus", name, "error", err)
			continue
		}
		out = append(out, bus)
	}
	return out
}

func (c *Conductor) ProcessCommand(ctx context.Context, cmd Cmd) error {
	bus, err := c.Controller.Bus(cmd.Bus)
	if err != nil {
		return err
	}

	var d *servo.Device
	if cmd.Address != 0 {
		if d, err = bus.Device(cmd.Address); err != nil {
			return err
		}
	}

	c.log.Debug("command", "cmd", cmd.Cmd, "bus", cmd.Bus, "device", cmd.Address)
	switch cmd.Cmd {
	case CMD_OPERATIONAL:
		if d == nil {
			return bus.NetSetOperational()
		}
		return d.SetOperational(ctx)

	case CMD_PRE_OPERATIONAL:
		if d == nil {
			return bus.NetSetPreOperational()
		}
		return d.SetPreOperational(ctx)

	case CMD_STOP:
		if d == nil {
			return bus.NetSetStopped()
		}
		return d.SetStopped(ctx)

	case CMD_RESET:
		if d == nil {
			return bus.NetReset()
		}
		return d.Reset(ctx)

	case CMD_REBOOT:
		if d == nil {
			return bus.NetReboot()
		}
		return d.Reboot(ctx)

	case CMD_START:
		if cmd.Value < 0 || cmd.Value > servo.MAX_START_DELAY {
			return serr.NewStatusError(serr.StatusWrongArgument, "start motion", fmt.Errorf("delay %v ms out of range", cmd.Value))
		}
		return bus.StartMotion(uint32(cmd.Value))

	case CMD_CLEAR:
		if d == nil {
			var errs []error
			for _, d := range bus.Devices() {
				if err := d.Queue().ClearAll(ctx); err != nil {
					errs = append(errs, fmt.Errorf("device %d: %w", d.Address(), err))
				}
			}
			return errors.Join(errs...)
		}
		return d.Queue().ClearAll(ctx)

	case CMD_POSITION, CMD_VELOCITY, CMD_CURRENT, CMD_DUTY, CMD_FREEZE, CMD_RELEASE, CMD_BRAKE:
		if d == nil {
			return serr.NewStatusError(serr.StatusWrongArgument, cmd.Cmd, fmt.Errorf("a device address is required"))
		}
		return control(ctx, d, cmd)

	default:
		return serr.NewStatusError(serr.StatusWrongArgument, "command", fmt.Errorf("unknown command '%s'", cmd.Cmd))
	}
}

func control(ctx context.Context, d *servo.Device, cmd Cmd) error {
	v := float32(cmd.Value)
	limits := make([]float32, len(cmd.Limits))
	for i, l := range cmd.Limits {
		limits[i] = float32(l)
	}
	tooMany := func(max int) error {
		return serr.NewStatusError(serr.StatusWrongArgument, cmd.Cmd, fmt.Errorf("at most %d limits, got %d", max, len(limits)))
	}

	switch cmd.Cmd {
	case CMD_POSITION:
		switch len(limits) {
		case 0:
			return d.SetPosition(ctx, v)
		case 2:
			return d.SetPositionWithLimits(ctx, v, limits[0], limits[1])
		}
		return serr.NewStatusError(serr.StatusWrongArgument, cmd.Cmd, fmt.Errorf("position takes a velocity and a current limit, got %d limits", len(limits)))
	case CMD_VELOCITY:
		switch len(limits) {
		case 0:
			return d.SetVelocity(ctx, v)
		case 1:
			return d.SetVelocityWithLimits(ctx, v, limits[0])
		}
		return tooMany(1)
	}

	if len(limits) > 0 {
		return tooMany(0)
	}
	switch cmd.Cmd {
	case CMD_CURRENT:
		return d.SetCurrent(ctx, v)
	case CMD_DUTY:
		return d.SetDuty(ctx, v)
	case CMD_FREEZE:
		return d.Freeze(ctx)
	case CMD_RELEASE:
		return d.Release(ctx)
	default:
		return d.BrakeEngage(ctx, cmd.Value != 0)
	}
}
