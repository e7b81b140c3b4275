package canopen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CodedInternet/servobus/onboard/canbus"
	. "github.com/smartystreets/goconvey/convey"
)

type key struct {
	index uint16
	sub   uint8
}

// testDictionary is an in memory object dictionary with canned aborts.
type testDictionary struct {
	lock    sync.Mutex
	objects map[key][]byte
	aborts  map[key]uint32
}

func (d *testDictionary) ReadObject(index uint16, sub uint8) ([]byte, uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if code, ok := d.aborts[key{index, sub}]; ok {
		return nil, code
	}
	data, ok := d.objects[key{index, sub}]
	if !ok {
		return nil, SDO_AB_NOT_EXIST
	}
	return data, SDO_AB_NONE
}

func (d *testDictionary) WriteObject(index uint16, sub uint8, data []byte) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	if code, ok := d.aborts[key{index, sub}]; ok {
		return code
	}
	d.objects[key{index, sub}] = data
	return SDO_AB_NONE
}

// testNode answers SDO requests on a loopback endpoint.
type testNode struct {
	id       uint8
	od       *testDictionary
	bus      canbus.CANBusInterface
	silent   int32 // requests to ignore before answering
	requests int32
	done     chan struct{}
}

func newTestNode(bus *canbus.LoopbackBus, id uint8) *testNode {
	n := &testNode{
		id:   id,
		od:   &testDictionary{objects: make(map[key][]byte), aborts: make(map[key]uint32)},
		bus:  bus.Open(),
		done: make(chan struct{}),
	}

	rx := make(chan canbus.CANMsg, 16)
	n.bus.AddListener(canbus.MatchID(COBID(FC_SDO_RX, id)), rx)
	server := NewSDOServer(n.od, n.bus.SendMsg)

	go func() {
		for {
			select {
			case msg := <-rx:
				atomic.AddInt32(&n.requests, 1)
				if atomic.LoadInt32(&n.silent) > 0 {
					atomic.AddInt32(&n.silent, -1)
					continue
				}
				server.Handle(id, msg)
			case <-n.done:
				return
			}
		}
	}()
	return n
}

func (n *testNode) stop() {
	close(n.done)
	n.bus.Close()
}

func TestClientSDO(t *testing.T) {
	Convey("Given a client and a node on the same bus", t, func() {
		bus := canbus.NewLoopbackBus()
		defer bus.Close()

		node := newTestNode(bus, 5)
		defer node.stop()

		client := NewClient(bus.Open(), nil)
		defer client.Close()

		ctx := context.Background()

		Convey("expedited writes and reads round trip", func() {
			So(client.WriteSDO(ctx, 5, 0x2202, 1, []byte{3, 0, 0, 0}, 0, 100*time.Millisecond), ShouldBeNil)
			data, err := client.ReadSDO(ctx, 5, 0x2202, 1, 0, 100*time.Millisecond)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{3, 0, 0, 0})
		})

		Convey("short expedited values keep their size", func() {
			So(client.WriteSDO(ctx, 5, 0x2100, 0, []byte{42}, 0, 0), ShouldBeNil)
			data, err := client.ReadSDO(ctx, 5, 0x2100, 0, 0, 0)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{42})
		})

		Convey("payloads longer than four bytes are segmented", func() {
			payload := make([]byte, 32)
			for i := range payload {
				payload[i] = byte(i)
			}
			So(client.WriteSDO(ctx, 5, 0x2203, 1, payload, 0, 0), ShouldBeNil)
			So(node.od.objects[key{0x2203, 1}], ShouldResemble, payload)

			data, err := client.ReadSDO(ctx, 5, 0x2203, 1, 0, 0)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, payload)
		})

		Convey("a segmented upload of an exact multiple of seven bytes", func() {
			node.od.objects[key{0x1009, 0}] = []byte("1.2.3-r")
			data, err := client.ReadSDO(ctx, 5, 0x1009, 0, 0, 0)
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "1.2.3-r")
		})

		Convey("server aborts are returned without retrying", func() {
			node.od.aborts[key{0x2200, 2}] = SDO_AB_PRAM_INCOMPAT
			err := client.WriteSDO(ctx, 5, 0x2200, 2, make([]byte, 12), 3, 0)

			var abort SDOAbort
			So(errors.As(err, &abort), ShouldBeTrue)
			So(abort.Code, ShouldEqual, SDO_AB_PRAM_INCOMPAT)
			So(abort.Node, ShouldEqual, 5)
			So(abort.Index, ShouldEqual, 0x2200)
			// initiate plus two segments, once
			So(atomic.LoadInt32(&node.requests), ShouldEqual, 3)
		})

		Convey("missing objects abort", func() {
			_, err := client.ReadSDO(ctx, 5, 0x4000, 0, 0, 0)
			var abort SDOAbort
			So(errors.As(err, &abort), ShouldBeTrue)
			So(abort.Code, ShouldEqual, SDO_AB_NOT_EXIST)
		})

		Convey("a lost request is retried", func() {
			node.od.objects[key{0x2013, 1}] = []byte{0, 0, 0x80, 0x3F}
			atomic.StoreInt32(&node.silent, 1)

			data, err := client.ReadSDO(ctx, 5, 0x2013, 1, 2, 20*time.Millisecond)
			So(err, ShouldBeNil)
			So(data, ShouldResemble, []byte{0, 0, 0x80, 0x3F})
			So(atomic.LoadInt32(&node.requests), ShouldEqual, 2)
		})

		Convey("retries are bounded", func() {
			atomic.StoreInt32(&node.silent, 10)
			_, err := client.ReadSDO(ctx, 5, 0x2013, 1, 1, 10*time.Millisecond)
			So(err, ShouldEqual, ERR_MAX_RETRIES)
			So(atomic.LoadInt32(&node.requests), ShouldEqual, 2)
		})

		Convey("absent nodes time out", func() {
			_, err := client.ReadSDO(ctx, 9, 0x1000, 0, 0, 10*time.Millisecond)
			So(err, ShouldEqual, ERR_MAX_RETRIES)
		})

		Convey("a cancelled context ends the wait", func() {
			atomic.StoreInt32(&node.silent, 10)
			cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err := client.ReadSDO(cctx, 5, 0x1000, 0, 5, time.Second)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		})

		Convey("invalid arguments are refused locally", func() {
			_, err := client.ReadSDO(ctx, 0, 0x1000, 0, 0, 0)
			So(err, ShouldEqual, ERR_BAD_NODE)
			So(client.WriteSDO(ctx, 5, 0x1000, 0, nil, 0, 0), ShouldEqual, ERR_EMPTY_WRITE)
		})

		Convey("a closed client refuses requests", func() {
			client.Close()
			_, err := client.ReadSDO(ctx, 5, 0x1000, 0, 0, 0)
			So(err, ShouldEqual, ERR_CLOSED)
			So(client.SendNMT(NMT_START, 5), ShouldEqual, ERR_CLOSED)
		})
	})
}

func TestClientBroadcasts(t *testing.T) {
	Convey("Given a client and a raw observer", t, func() {
		bus := canbus.NewLoopbackBus()
		defer bus.Close()

		observer := bus.Open()
		rx := make(chan canbus.CANMsg, 4)
		observer.AddListener(nil, rx)

		client := NewClient(bus.Open(), nil)
		defer client.Close()

		Convey("NMT commands target one node or all of them", func() {
			So(client.SendNMT(NMT_START, 3), ShouldBeNil)
			So((<-rx).Data, ShouldResemble, []byte{0x01, 3})

			So(client.SendNMT(NMT_RESET_COMMUNICATION, NODE_ALL), ShouldBeNil)
			msg := <-rx
			So(msg.ID, ShouldEqual, 0)
			So(msg.Data, ShouldResemble, []byte{0x82, 0})

			So(client.SendNMT(NMT_STOP, 200), ShouldEqual, ERR_BAD_NODE)
		})

		Convey("timestamps are little endian on the TIME id", func() {
			So(client.SendTimestamp(0x00ABCDEF), ShouldBeNil)
			msg := <-rx
			So(msg.ID, ShouldEqual, FC_TIME)
			So(msg.Data, ShouldResemble, []byte{0xEF, 0xCD, 0xAB, 0x00})
		})

		Convey("heartbeats and emergencies are decoded", func() {
			So(observer.SendMsg(HeartbeatFrame(7, NMT_STATE_OPERATIONAL)), ShouldBeNil)
			So(observer.SendMsg(EmergencyFrame(7, 0x8611, 0x01, 0x21, 0xDEADBEEF)), ShouldBeNil)

			select {
			case hb := <-client.Heartbeats():
				So(hb.Node, ShouldEqual, 7)
				So(hb.State, ShouldEqual, NMT_STATE_OPERATIONAL)
			case <-time.After(time.Second):
				So("no heartbeat", ShouldBeEmpty)
			}

			select {
			case em := <-client.Emergencies():
				So(em.Node, ShouldEqual, 7)
				So(em.Code, ShouldEqual, 0x8611)
				So(em.Bits, ShouldEqual, 0x21)
				So(em.Info, ShouldEqual, 0xDEADBEEF)
			case <-time.After(time.Second):
				So("no emergency", ShouldBeEmpty)
			}
		})

		Convey("closing the client closes the event channels", func() {
			client.Close()
			_, ok := <-client.Heartbeats()
			So(ok, ShouldBeFalse)
			_, ok = <-client.Emergencies()
			So(ok, ShouldBeFalse)
		})
	})
}
