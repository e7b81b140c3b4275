package servo

import (
	"context"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// Direct control bypasses the motion queue: each call replaces whatever the
// servo is doing with a single setpoint.
const (
	OD_STOP     = 0x2010
	OD_SETPOINT = 0x2012

	SUB_STOP_RELEASE = 1
	SUB_STOP_FREEZE  = 2
	SUB_STOP_BRAKE   = 3

	SUB_SETPOINT_CURRENT          = 1
	SUB_SETPOINT_VELOCITY         = 3
	SUB_SETPOINT_POSITION         = 4
	SUB_SETPOINT_VELOCITY_LIMITED = 5
	SUB_SETPOINT_POSITION_LIMITED = 6
	SUB_SETPOINT_DUTY             = 7
)

var controlAborts = map[uint32]error{
	canopen.SDO_AB_INVALID_VALUE: serr.StatusWrongArgument,
}

func (d *Device) control(ctx context.Context, op string, index uint16, sub uint8, data []byte) error {
	if err := d.invalid(); err != nil {
		return err
	}
	switch d.GetState() {
	case StateStopped, StateBoot:
		return serr.NewStatusError(serr.StatusStopped, op, nil)
	}
	return d.write(ctx, op, index, sub, data, 1, 100*time.Millisecond, controlAborts)
}

func floats(values ...float32) []byte {
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = append(data, encodeFloat(v)...)
	}
	return data
}

// Release de-energizes the servo. It keeps turning for as long as external
// forces act on it.
func (d *Device) Release(ctx context.Context) error {
	return d.control(ctx, "release", OD_STOP, SUB_STOP_RELEASE, []byte{0})
}

// Freeze stops the servo and holds its current position.
func (d *Device) Freeze(ctx context.Context) error {
	return d.control(ctx, "freeze", OD_STOP, SUB_STOP_FREEZE, []byte{0})
}

// BrakeEngage applies or lifts the built-in brake. Servos without a brake
// refuse it.
func (d *Device) BrakeEngage(ctx context.Context, engage bool) error {
	var v byte
	if engage {
		v = 1
	}
	return d.control(ctx, "brake", OD_STOP, SUB_STOP_BRAKE, []byte{v})
}

// SetCurrent sets the stator phase current in amperes.
func (d *Device) SetCurrent(ctx context.Context, current float32) error {
	return d.control(ctx, "set current", OD_SETPOINT, SUB_SETPOINT_CURRENT, floats(current))
}

// SetVelocity turns the flange at velocity degrees per second with the
// maximum current.
func (d *Device) SetVelocity(ctx context.Context, velocity float32) error {
	return d.control(ctx, "set velocity", OD_SETPOINT, SUB_SETPOINT_VELOCITY, floats(velocity))
}

func (d *Device) SetVelocityWithLimits(ctx context.Context, velocity, current float32) error {
	return d.control(ctx, "set velocity with limits", OD_SETPOINT, SUB_SETPOINT_VELOCITY_LIMITED, floats(velocity, current))
}

// SetPosition moves to a multi-turn position in degrees with the maximum
// velocity and current.
func (d *Device) SetPosition(ctx context.Context, position float32) error {
	return d.control(ctx, "set position", OD_SETPOINT, SUB_SETPOINT_POSITION, floats(position))
}

func (d *Device) SetPositionWithLimits(ctx context.Context, position, velocity, current float32) error {
	return d.control(ctx, "set position with limits", OD_SETPOINT, SUB_SETPOINT_POSITION_LIMITED, floats(position, velocity, current))
}

// SetDuty limits the supply voltage to duty percent of the input.
func (d *Device) SetDuty(ctx context.Context, duty float32) error {
	return d.control(ctx, "set duty", OD_SETPOINT, SUB_SETPOINT_DUTY, floats(duty))
}
