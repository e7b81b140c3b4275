package simulator

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	. "github.com/smartystreets/goconvey/convey"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func pvt(position, velocity float32, duration uint32) []byte {
	data := append(f32(position), f32(velocity)...)
	return append(data, u32(duration)...)
}

// awaitState polls until the servo reports state or the deadline passes.
func awaitState(s *Servo, state canopen.NMTState) canopen.NMTState {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := s.State(); got == state {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.State()
}

func TestServo(t *testing.T) {
	Convey("Given a simulated network with two servos", t, func() {
		clock := NewManualClock()
		net := NewNetwork(Config{Clock: clock, Logger: quiet}, 1, 2)
		host := canopen.NewClient(net.Endpoint(), quiet)
		ctx := context.Background()

		Reset(func() {
			host.Close()
			net.Close()
		})

		a, b := net.Servo(1), net.Servo(2)

		Convey("Both boot into pre-operational", func() {
			So(a.State(), ShouldEqual, canopen.NMT_STATE_PREOPERATIONAL)
			So(b.State(), ShouldEqual, canopen.NMT_STATE_PREOPERATIONAL)
		})

		Convey("Heartbeats reach the host", func() {
			select {
			case hb := <-host.Heartbeats():
				So(hb.Node, ShouldBeIn, []uint8{1, 2})
			case <-time.After(time.Second):
				So("no heartbeat", ShouldBeEmpty)
			}
		})

		Convey("NMT commands change the state of the addressed node only", func() {
			So(host.SendNMT(canopen.NMT_START, 1), ShouldBeNil)
			So(awaitState(a, canopen.NMT_STATE_OPERATIONAL), ShouldEqual, canopen.NMT_STATE_OPERATIONAL)
			So(b.State(), ShouldEqual, canopen.NMT_STATE_PREOPERATIONAL)
		})

		Convey("A stopped servo does not answer SDO requests", func() {
			So(host.SendNMT(canopen.NMT_STOP, 0), ShouldBeNil)
			So(awaitState(a, canopen.NMT_STATE_STOPPED), ShouldEqual, canopen.NMT_STATE_STOPPED)

			_, err := host.ReadSDO(ctx, 1, 0x1009, 0, 0, 20*time.Millisecond)
			So(err, ShouldEqual, canopen.ERR_MAX_RETRIES)
		})

		Convey("Versions are readable", func() {
			hw, err := host.ReadSDO(ctx, 1, 0x1009, 0, 1, 100*time.Millisecond)
			So(err, ShouldBeNil)
			So(string(hw), ShouldEqual, "0042.RD50.3")
		})

		Convey("The queue", func() {
			So(host.SendNMT(canopen.NMT_START, 0), ShouldBeNil)
			awaitState(a, canopen.NMT_STATE_OPERATIONAL)

			for i := 0; i < 3; i++ {
				So(host.WriteSDO(ctx, 1, 0x2200, 2, pvt(float32(10*(i+1)), 0, 100), 1, 100*time.Millisecond), ShouldBeNil)
			}
			So(a.QueueLen(), ShouldEqual, 3)

			Convey("reports size and free space", func() {
				size, err := host.ReadSDO(ctx, 1, 0x2202, 2, 1, 100*time.Millisecond)
				So(err, ShouldBeNil)
				free, err := host.ReadSDO(ctx, 1, 0x2202, 3, 1, 100*time.Millisecond)
				So(err, ShouldBeNil)
				So(binary.LittleEndian.Uint32(size)+binary.LittleEndian.Uint32(free), ShouldEqual, QUEUE_CAPACITY)
			})

			Convey("clears from the tail", func() {
				So(host.WriteSDO(ctx, 1, 0x2202, 1, u32(2), 1, 100*time.Millisecond), ShouldBeNil)
				So(a.QueueLen(), ShouldEqual, 1)
				So(host.WriteSDO(ctx, 1, 0x2202, 1, u32(5), 1, 100*time.Millisecond), ShouldBeNil)
				So(a.QueueLen(), ShouldEqual, 0)
			})

			Convey("plays back after a start with delay", func() {
				So(host.SendTimestamp(50), ShouldBeNil)
				time.Sleep(20 * time.Millisecond)

				clock.Advance(40 * time.Millisecond)
				So(a.QueueLen(), ShouldEqual, 3)

				clock.Advance(120 * time.Millisecond)
				So(a.QueueLen(), ShouldEqual, 2)
				So(a.Position(), ShouldBeBetween, 10, 20)

				clock.Advance(time.Second)
				So(a.QueueLen(), ShouldEqual, 0)
				So(a.Position(), ShouldEqual, 30)
			})

			Convey("a missed point stops every servo on the bus", func() {
				a.FailAfter(2)
				So(host.SendTimestamp(0), ShouldBeNil)
				time.Sleep(20 * time.Millisecond)

				clock.Advance(250 * time.Millisecond)
				a.Tick()

				So(a.State(), ShouldEqual, canopen.NMT_STATE_STOPPED)
				So(awaitState(b, canopen.NMT_STATE_STOPPED), ShouldEqual, canopen.NMT_STATE_STOPPED)
				So(a.QueueLen(), ShouldEqual, 2)

				select {
				case em := <-host.Emergencies():
					So(em.Node, ShouldEqual, 1)
					So(em.Code, ShouldEqual, EMCY_FOLLOWING_ERROR)
					So(em.Bits, ShouldEqual, EMCY_BIT_MOTION)
				case <-time.After(time.Second):
					So("no emergency", ShouldBeEmpty)
				}
			})

			Convey("rejects points beyond the velocity limit", func() {
				err := host.WriteSDO(ctx, 1, 0x2200, 2, pvt(0, 1000, 100), 1, 100*time.Millisecond)
				So(err, ShouldHaveSameTypeAs, canopen.SDOAbort{})
				So(err.(canopen.SDOAbort).Code, ShouldEqual, canopen.SDO_AB_PRAM_INCOMPAT)
			})
		})

		Convey("A new id takes effect on reset communication and survives a reset only once stored", func() {
			So(host.WriteSDO(ctx, 1, 0x2100, 0, []byte{9}, 1, 100*time.Millisecond), ShouldBeNil)
			So(a.ID(), ShouldEqual, 1)

			So(host.SendNMT(canopen.NMT_RESET_COMMUNICATION, 1), ShouldBeNil)
			time.Sleep(20 * time.Millisecond)
			So(a.ID(), ShouldEqual, 9)
			So(net.Servo(9), ShouldEqual, a)

			So(host.SendNMT(canopen.NMT_RESET_NODE, 9), ShouldBeNil)
			time.Sleep(20 * time.Millisecond)
			So(a.ID(), ShouldEqual, 1)

			So(host.WriteSDO(ctx, 1, 0x2100, 0, []byte{9}, 1, 100*time.Millisecond), ShouldBeNil)
			So(host.WriteSDO(ctx, 1, 0x1010, 1, u32(STORE_SIGNATURE), 0, 100*time.Millisecond), ShouldBeNil)
			So(a.NVMWrites(), ShouldEqual, 1)
			So(host.SendNMT(canopen.NMT_RESET_NODE, 1), ShouldBeNil)
			time.Sleep(20 * time.Millisecond)
			So(a.ID(), ShouldEqual, 9)
		})

		Convey("The cache reports enabled parameters in id order", func() {
			a.SetParam(7, 1.5)
			mask := make([]byte, 10)
			mask[0] = 1<<1 | 1<<7
			So(host.WriteSDO(ctx, 1, 0x2015, 1, mask, 1, 100*time.Millisecond), ShouldBeNil)

			data, err := host.ReadSDO(ctx, 1, 0x2014, 1, 1, 100*time.Millisecond)
			So(err, ShouldBeNil)
			So(len(data), ShouldEqual, 8)
			So(readF32(data[4:]), ShouldEqual, 1.5)

			data, err = host.ReadSDO(ctx, 1, 0x2014, 2, 1, 100*time.Millisecond)
			So(err, ShouldBeNil)
			So(len(data), ShouldEqual, 16)
		})

		Convey("Direct setpoints", func() {
			Convey("replace the control mode and check their size", func() {
				So(host.WriteSDO(ctx, 1, 0x2012, 6, append(append(f32(30), f32(20)...), f32(1)...), 1, 100*time.Millisecond), ShouldBeNil)
				So(a.Control(), ShouldResemble, Control{Mode: MODE_POSITION, Position: 30, Velocity: 20, Current: 1})
				So(a.Position(), ShouldEqual, 30)

				err := host.WriteSDO(ctx, 1, 0x2012, 5, f32(20), 1, 100*time.Millisecond)
				So(err.(canopen.SDOAbort).Code, ShouldEqual, canopen.SDO_AB_TYPE_MISMATCH)
			})

			Convey("keep the brake across commands and are cleared by a reboot", func() {
				So(host.WriteSDO(ctx, 1, 0x2010, 3, []byte{1}, 1, 100*time.Millisecond), ShouldBeNil)
				So(host.WriteSDO(ctx, 1, 0x2012, 3, f32(10), 1, 100*time.Millisecond), ShouldBeNil)
				So(a.Control(), ShouldResemble, Control{Mode: MODE_VELOCITY, Velocity: 10, Brake: true})

				So(host.SendNMT(canopen.NMT_RESET_NODE, 1), ShouldBeNil)
				deadline := time.Now().Add(time.Second)
				for a.Control() != (Control{}) && time.Now().Before(deadline) {
					time.Sleep(5 * time.Millisecond)
				}
				So(a.Control(), ShouldResemble, Control{})
			})
		})

		Convey("Time calculation", func() {
			boundary := func(p0 float32, t0 uint32, p1 float32, t1 uint32) []byte {
				data := append(f32(p0), f32(0)...)
				data = append(data, f32(0)...)
				data = append(data, u32(t0)...)
				data = append(data, f32(p1)...)
				data = append(data, f32(0)...)
				data = append(data, f32(0)...)
				return append(data, u32(t1)...)
			}

			Convey("needs a boundary first", func() {
				_, err := host.ReadSDO(ctx, 1, 0x2203, 2, 1, 100*time.Millisecond)
				So(err.(canopen.SDOAbort).Code, ShouldEqual, canopen.SDO_AB_NO_DATA)
			})

			Convey("finds the minimal duration", func() {
				So(host.WriteSDO(ctx, 1, 0x2203, 1, boundary(0, 0, 90, 0), 1, 100*time.Millisecond), ShouldBeNil)
				data, err := host.ReadSDO(ctx, 1, 0x2203, 2, 1, 100*time.Millisecond)
				So(err, ShouldBeNil)
				So(binary.LittleEndian.Uint32(data), ShouldEqual, 500)
			})

			Convey("rejects a timing that is too fast", func() {
				So(host.WriteSDO(ctx, 1, 0x2203, 1, boundary(0, 0, 90, 100), 1, 100*time.Millisecond), ShouldBeNil)
				_, err := host.ReadSDO(ctx, 1, 0x2203, 2, 1, 100*time.Millisecond)
				So(err.(canopen.SDOAbort).Code, ShouldEqual, canopen.SDO_AB_GENERAL)
			})
		})
	})
}

func TestManualClock(t *testing.T) {
	Convey("A manual clock only moves when advanced", t, func() {
		c := NewManualClock()
		start := c.Now()
		time.Sleep(time.Millisecond)
		So(c.Now(), ShouldEqual, start)
		c.Advance(time.Second)
		So(c.Now().Sub(start), ShouldEqual, time.Second)
	})
}
