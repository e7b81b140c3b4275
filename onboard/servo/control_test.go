package servo

import (
	"context"
	"errors"
	"testing"

	serr "github.com/CodedInternet/servobus/onboard/errors"
	"github.com/CodedInternet/servobus/onboard/simulator"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDirectControl(t *testing.T) {
	Convey("Given an operational servo", t, func() {
		bus, net := testBus(simulator.Config{}, testOptions, 1)
		ctx := context.Background()

		Reset(func() {
			bus.Close()
			net.Close()
		})

		d, err := bus.InitDevice(ctx, 1)
		So(err, ShouldBeNil)
		So(d.SetOperational(ctx), ShouldBeNil)
		sim := net.Servo(1)

		Convey("Positions are reached directly", func() {
			So(d.SetPosition(ctx, 90), ShouldBeNil)
			So(sim.Control().Mode, ShouldEqual, simulator.MODE_POSITION)
			So(sim.Position(), ShouldEqual, 90)

			v, err := d.Cache().ReadDirect(ctx, PARAM_POSITION)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 90)

			So(d.SetPositionWithLimits(ctx, -30, 20, 1.5), ShouldBeNil)
			So(sim.Control(), ShouldResemble, simulator.Control{
				Mode: simulator.MODE_POSITION, Position: -30, Velocity: 20, Current: 1.5,
			})
		})

		Convey("Velocity, current and duty are set", func() {
			So(d.SetVelocity(ctx, 30), ShouldBeNil)
			v, err := d.Cache().ReadDirect(ctx, PARAM_VELOCITY)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 30)

			So(d.SetVelocityWithLimits(ctx, -10, 0.5), ShouldBeNil)
			So(sim.Control().Velocity, ShouldEqual, -10)
			So(sim.Control().Current, ShouldEqual, 0.5)

			So(d.SetCurrent(ctx, 2), ShouldBeNil)
			So(sim.Control().Mode, ShouldEqual, simulator.MODE_CURRENT)

			So(d.SetDuty(ctx, 40), ShouldBeNil)
			So(sim.Control().Duty, ShouldEqual, 40)
		})

		Convey("Values the servo cannot follow are wrong arguments", func() {
			So(errors.Is(d.SetVelocity(ctx, 10000), serr.StatusWrongArgument), ShouldBeTrue)
			So(errors.Is(d.SetDuty(ctx, 120), serr.StatusWrongArgument), ShouldBeTrue)
		})

		Convey("Freeze and release stop the servo", func() {
			So(d.SetVelocity(ctx, 30), ShouldBeNil)
			So(d.Freeze(ctx), ShouldBeNil)
			So(sim.Control().Mode, ShouldEqual, simulator.MODE_FROZEN)

			v, err := d.Cache().ReadDirect(ctx, PARAM_VELOCITY)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 0)

			So(d.Release(ctx), ShouldBeNil)
			So(sim.Control().Mode, ShouldEqual, simulator.MODE_RELEASED)
		})

		Convey("The brake is engaged and lifted", func() {
			So(d.BrakeEngage(ctx, true), ShouldBeNil)
			So(sim.Control().Brake, ShouldBeTrue)
			So(d.SetPosition(ctx, 5), ShouldBeNil)
			So(sim.Control().Brake, ShouldBeTrue)

			So(d.BrakeEngage(ctx, false), ShouldBeNil)
			So(sim.Control().Brake, ShouldBeFalse)
		})

		Convey("A stopped servo refuses every setpoint", func() {
			So(d.SetStopped(ctx), ShouldBeNil)

			So(errors.Is(d.SetPosition(ctx, 10), serr.StatusStopped), ShouldBeTrue)
			So(errors.Is(d.Freeze(ctx), serr.StatusStopped), ShouldBeTrue)
			So(errors.Is(d.BrakeEngage(ctx, true), serr.StatusStopped), ShouldBeTrue)
			So(sim.Control().Mode, ShouldEqual, simulator.MODE_IDLE)
		})
	})
}
