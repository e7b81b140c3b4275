package servo

import (
	"context"
	"fmt"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// State is the life-cycle state of a device as reported by its heartbeat.
type State int8

const (
	StateInitializing   State = State(canopen.NMT_STATE_BOOTUP)
	StateBoot           State = State(canopen.NMT_STATE_BOOTLOADER)
	StateStopped        State = State(canopen.NMT_STATE_STOPPED)
	StateOperational    State = State(canopen.NMT_STATE_OPERATIONAL)
	StatePreOperational State = State(canopen.NMT_STATE_PREOPERATIONAL)
	StateDisappeared    State = -1
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateBoot:
		return "boot"
	case StateStopped:
		return "stopped"
	case StateOperational:
		return "operational"
	case StatePreOperational:
		return "pre-operational"
	case StateDisappeared:
		return "disappeared"
	}
	return fmt.Sprintf("state(%d)", int8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, known := range []State{StateInitializing, StateBoot, StateStopped, StateOperational, StatePreOperational, StateDisappeared} {
		if known.String() == string(text) {
			*s = known
			return nil
		}
	}
	return fmt.Errorf("unknown state '%s'", text)
}

// canTransition lists the edges a caller may request. Reset and Reboot are
// handled separately.
func canTransition(from, to State) bool {
	switch to {
	case StateStopped:
		return true
	case StateOperational:
		return from == StatePreOperational || from == StateOperational
	case StatePreOperational:
		return from == StateOperational || from == StatePreOperational || from == StateInitializing
	}
	return false
}

// GetState returns the state from the most recent heartbeat. A device that
// has been silent for longer than the heartbeat timeout has disappeared.
func (d *Device) GetState() State {
	if d.invalid() != nil {
		return StateDisappeared
	}
	return d.bus.monitor(d.Address()).current(time.Now(), d.bus.opts.HeartbeatTimeout)
}

func (d *Device) SetOperational(ctx context.Context) error {
	return d.transition(ctx, "set operational", StateOperational, canopen.NMT_START)
}

func (d *Device) SetPreOperational(ctx context.Context) error {
	return d.transition(ctx, "set pre-operational", StatePreOperational, canopen.NMT_ENTER_PREOPERATIONAL)
}

func (d *Device) SetStopped(ctx context.Context) error {
	return d.transition(ctx, "set stopped", StateStopped, canopen.NMT_STOP)
}

func (d *Device) transition(ctx context.Context, op string, target State, cmd canopen.NMTCommand) error {
	if err := d.invalid(); err != nil {
		return err
	}

	current := d.GetState()
	switch {
	case current == StateStopped && target != StateStopped:
		return serr.NewStatusError(serr.StatusStopped, op, nil)
	case current == StateDisappeared && target != StateStopped:
		return serr.NewStatusError(serr.StatusTimeout, op, fmt.Errorf("no heartbeat from device %d", d.Address()))
	case !canTransition(current, target):
		return serr.NewStatusError(serr.StatusWrongArgument, op, fmt.Errorf("%s -> %s is not allowed", current, target))
	}

	return d.command(ctx, op, cmd, target)
}

// Reset restarts the communication layer of a device, the only way out of
// Stopped. It completes once the device reports pre-operational.
func (d *Device) Reset(ctx context.Context) error {
	if err := d.invalid(); err != nil {
		return err
	}
	return d.command(ctx, "reset", canopen.NMT_RESET_COMMUNICATION, StatePreOperational)
}

// Reboot restarts the whole device. It does not wait for the device to come
// back; the state reads Initializing until the next heartbeat. The device
// drops its motion queue, so the queue reads empty afterwards.
func (d *Device) Reboot(ctx context.Context) error {
	if err := d.invalid(); err != nil {
		return err
	}

	addr := d.Address()
	if err := d.bus.transport.SendNMT(canopen.NMT_RESET_NODE, addr); err != nil {
		return sdoStatus("reboot", err, nil)
	}
	d.bus.monitor(addr).reset(time.Now())
	d.motion.dropped()
	return nil
}

// Sends cmd and waits for a heartbeat in the target state. On timeout the
// recorded state is left as it was.
func (d *Device) command(ctx context.Context, op string, cmd canopen.NMTCommand, target State) error {
	addr := d.Address()

	w := d.bus.expect(addr, func(s State) bool { return s == target })
	defer w.cancel()

	if err := d.bus.transport.SendNMT(cmd, addr); err != nil {
		return sdoStatus(op, err, nil)
	}

	if _, err := w.wait(ctx, d.bus.opts.StateTimeout); err != nil {
		return serr.NewStatusError(serr.StatusTimeout, op, err)
	}

	d.bus.log.Debug("device state changed", "bus", d.bus.name, "device", addr, "state", target)
	return nil
}

// HeartbeatStats are the shortest and longest heartbeat intervals seen since
// the last clear.
type HeartbeatStats struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

func (d *Device) HeartbeatStats() HeartbeatStats {
	return d.bus.monitor(d.Address()).stats()
}

func (d *Device) ClearHeartbeatStats() {
	d.bus.monitor(d.Address()).clearStats()
}
