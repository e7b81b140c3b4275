package canbus

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoopbackBus(t *testing.T) {
	Convey("Frames sent on one endpoint reach the others", t, func() {
		bus := NewLoopbackBus()
		defer bus.Close()

		a := bus.Open()
		b := bus.Open()

		rxA := make(chan CANMsg, 4)
		rxB := make(chan CANMsg, 4)
		a.AddListener(nil, rxA)
		removeB := b.AddListener(MatchID(0x601), rxB)

		So(a.SendMsg(CANMsg{ID: 0x601, Data: []byte{0x40}}), ShouldBeNil)

		select {
		case msg := <-rxB:
			So(msg.ID, ShouldEqual, 0x601)
			So(msg.Data, ShouldResemble, []byte{0x40})
		case <-time.After(time.Second):
			So("frame not delivered", ShouldBeEmpty)
		}

		Convey("the sender does not hear itself", func() {
			So(len(rxA), ShouldEqual, 0)
		})

		Convey("filters drop frames that do not match", func() {
			So(a.SendMsg(CANMsg{ID: 0x602}), ShouldBeNil)
			So(len(rxB), ShouldEqual, 0)
		})

		Convey("removed listeners receive nothing", func() {
			removeB()
			So(a.SendMsg(CANMsg{ID: 0x601}), ShouldBeNil)
			So(len(rxB), ShouldEqual, 0)
		})

		Convey("range filters accept the whole span", func() {
			rx := make(chan CANMsg, 4)
			b.AddListener(MatchRange(0x701, 0x77F), rx)
			a.SendMsg(CANMsg{ID: 0x700})
			a.SendMsg(CANMsg{ID: 0x720, Data: []byte{0x05}})
			a.SendMsg(CANMsg{ID: 0x77F, Data: []byte{0x7F}})
			So(len(rx), ShouldEqual, 2)
		})

		Convey("full listeners drop instead of blocking", func() {
			rx := make(chan CANMsg, 1)
			b.AddListener(MatchID(0x100), rx)
			So(a.SendMsg(CANMsg{ID: 0x100}), ShouldBeNil)
			So(a.SendMsg(CANMsg{ID: 0x100}), ShouldBeNil)
			So(len(rx), ShouldEqual, 1)
		})

		Convey("closed endpoints refuse to send", func() {
			a.Close()
			So(a.SendMsg(CANMsg{ID: 0x601}), ShouldEqual, ERR_CLOSED)
		})

		Convey("invalid frames are rejected before delivery", func() {
			So(a.SendMsg(CANMsg{ID: 0x601, Data: make([]byte, 9)}), ShouldEqual, ERR_DATA_TOO_LONG)
		})
	})

	Convey("Closing the bus closes every endpoint", t, func() {
		bus := NewLoopbackBus()
		a := bus.Open()
		bus.Close()
		So(a.SendMsg(CANMsg{ID: 1}), ShouldEqual, ERR_CLOSED)
		So(bus.Open().SendMsg(CANMsg{ID: 1}), ShouldEqual, ERR_CLOSED)
	})
}

func TestLoggedBus(t *testing.T) {
	Convey("Sent and received frames are logged", t, func() {
		var out bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

		bus := NewLoopbackBus()
		defer bus.Close()
		a := NewLoggedBus(bus.Open(), logger, slog.LevelDebug)
		b := NewLoggedBus(bus.Open(), logger, slog.LevelDebug)

		rx := make(chan CANMsg, 1)
		b.AddListener(nil, rx)
		So(a.SendMsg(CANMsg{ID: 0x181, Data: []byte{0xAA}}), ShouldBeNil)
		<-rx

		So(out.String(), ShouldContainSubstring, "canbus send")
		So(out.String(), ShouldContainSubstring, "canbus receive")
		So(out.String(), ShouldContainSubstring, "181#AA")
	})
}
