package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CodedInternet/servobus/comms"
	serr "github.com/CodedInternet/servobus/onboard/errors"
	"github.com/CodedInternet/servobus/onboard/ledger"
	"github.com/CodedInternet/servobus/onboard/servo"
)

type apiClient struct {
	handler http.Handler
	token   string
}

func (c apiClient) do(method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	if out != nil {
		json.Unmarshal(rr.Body.Bytes(), out)
	}
	return rr
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestAPI(t *testing.T) {
	ctx := context.Background()

	Convey("Given a running bench", t, func() {
		cleanup := testEnv()
		Reset(cleanup)
		So(ENV.Controller.Start(ctx), ShouldBeNil)

		token, err := newJWT("operator@test.case")
		So(err, ShouldBeNil)
		api := apiClient{handler: routes(), token: token}

		Convey("Requests need a token", func() {
			anon := apiClient{handler: api.handler}
			So(anon.do("GET", "/api/buses", nil, nil).Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("Buses list their devices", func() {
			var buses []BusView
			rr := api.do("GET", "/api/buses", nil, &buses)
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(len(buses), ShouldEqual, 1)
			So(buses[0].Name, ShouldEqual, "bench")
			So(buses[0].Devices, ShouldResemble, []uint8{1, 2})
			So(buses[0].Alive, ShouldResemble, []uint8{1, 2})
		})

		Convey("Devices report their state", func() {
			var view DeviceView
			rr := api.do("GET", "/api/buses/bench/devices/1", nil, &view)
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(view.Address, ShouldEqual, uint8(1))
			So(view.State, ShouldEqual, servo.StatePreOperational)
			So(view.Cached, ShouldBeEmpty)
		})

		Convey("Bad addresses map to their status", func() {
			var e ErrResponse
			rr := api.do("GET", "/api/buses/bench/devices/200", nil, &e)
			So(rr.Code, ShouldEqual, http.StatusBadRequest)
			So(e.Device, ShouldEqual, serr.StatusWrongArgument.String())

			So(api.do("GET", "/api/buses/bench/devices/one", nil, nil).Code, ShouldEqual, http.StatusBadRequest)
			So(api.do("GET", "/api/buses/can9/devices/1", nil, nil).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Points are queued in order", func() {
			points := PointsPayload{Points: []servo.MotionPoint{
				servo.PVT(10, 0, 100),
				servo.PVT(20, 0, 100),
				servo.PVAT(30, 0, 5, 100),
			}}
			var accepted PointsResponse
			rr := api.do("POST", "/api/buses/bench/devices/2/points", points, &accepted)
			So(rr.Code, ShouldEqual, http.StatusCreated)
			So(accepted.Accepted, ShouldEqual, 3)

			var queue QueueView
			rr = api.do("GET", "/api/buses/bench/devices/2/queue", nil, &queue)
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(queue, ShouldResemble, QueueView{Size: 3, Free: servo.QUEUE_CAPACITY - 3})
		})

		Convey("Refused points stop the batch", func() {
			points := PointsPayload{Points: []servo.MotionPoint{
				servo.PVT(10, 0, 100),
				servo.PVT(20, 1000, 100),
			}}
			var e ErrResponse
			rr := api.do("POST", "/api/buses/bench/devices/2/points", points, &e)
			So(rr.Code, ShouldEqual, http.StatusBadRequest)
			So(e.Device, ShouldEqual, serr.StatusWrongTrajectory.String())
			So(e.ErrorText, ShouldContainSubstring, "after 1 accepted")

			So(api.do("POST", "/api/buses/bench/devices/2/points", PointsPayload{}, nil).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A failed move is logged and drained", func() {
			So(ENV.Conductor.ProcessCommand(ctx, comms.Cmd{Cmd: comms.CMD_OPERATIONAL, Bus: "bench"}), ShouldBeNil)
			ENV.Controller.Network("bench").Servo(1).FailAfter(1)

			points := PointsPayload{Points: []servo.MotionPoint{servo.PVT(1, 0, 10), servo.PVT(2, 0, 10)}}
			So(api.do("POST", "/api/buses/bench/devices/1/points", points, nil).Code, ShouldEqual, http.StatusCreated)
			So(api.do("POST", "/api/buses/bench/start", StartPayload{Delay: 0}, nil).Code, ShouldEqual, http.StatusAccepted)

			bus, _ := ENV.Controller.Bus("bench")
			So(eventually(func() bool { return bus.ErrorLog().Size() > 0 }), ShouldBeTrue)

			var drained EmcyResponse
			rr := api.do("GET", "/api/buses/bench/emcy", nil, &drained)
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(len(drained.Entries), ShouldEqual, 1)
			So(drained.Entries[0].Source, ShouldEqual, uint8(1))
			So(drained.Entries[0].Description, ShouldNotBeEmpty)

			api.do("GET", "/api/buses/bench/emcy", nil, &drained)
			So(drained.Entries, ShouldBeEmpty)

			Convey("Points are refused while the device is stopped", func() {
				So(eventually(func() bool {
					d, _ := bus.Device(1)
					return d.GetState() == servo.StateStopped
				}), ShouldBeTrue)

				var e ErrResponse
				rr := api.do("POST", "/api/buses/bench/devices/1/points", points, &e)
				So(rr.Code, ShouldEqual, http.StatusConflict)
				So(e.Device, ShouldEqual, serr.StatusStopped.String())
			})
		})

		Convey("Start delays are bounded", func() {
			So(api.do("POST", "/api/buses/bench/start", StartPayload{Delay: servo.MAX_START_DELAY + 1}, nil).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Reassignments show up in the ledger", func() {
			bus, _ := ENV.Controller.Bus("bench")
			So(bus.Reassign(ctx, 2, 9), ShouldBeNil)

			var records []ledger.Reassignment
			rr := api.do("GET", "/api/ledger?bus=bench", nil, &records)
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(len(records), ShouldEqual, 1)
			So(records[0].From, ShouldEqual, uint8(2))
			So(records[0].To, ShouldEqual, uint8(9))
			So(records[0].Outcome, ShouldEqual, ledger.OUTCOME_DONE)

			api.do("GET", "/api/ledger?unresolved=1", nil, &records)
			So(records, ShouldBeEmpty)
		})
	})
}

func TestEventsEndpoint(t *testing.T) {
	Convey("The event stream needs a token and carries replies", t, func() {
		cleanup := testEnv()
		defer cleanup()
		So(ENV.Controller.Start(context.Background()), ShouldBeNil)

		srv := httptest.NewServer(routes())
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldNotBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

		token, _ := newJWT("operator@test.case")
		conn, _, err := websocket.DefaultDialer.Dial(url+"?jwt="+token, nil)
		So(err, ShouldBeNil)
		defer conn.Close()

		So(conn.WriteJSON(comms.Cmd{Cmd: comms.CMD_STOP, Bus: "bench", Address: 1}), ShouldBeNil)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			var msg comms.Reply
			So(conn.ReadJSON(&msg), ShouldBeNil)
			if msg.Kind == comms.KIND_REPLY {
				So(msg.Status, ShouldEqual, "ok")
				break
			}
		}
	})
}
