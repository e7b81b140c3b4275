package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	serr "github.com/CodedInternet/servobus/onboard/errors"
	"github.com/CodedInternet/servobus/onboard/ledger"
	"github.com/CodedInternet/servobus/onboard/servo"
)

const (
	busKey    ctxKey = "bus"
	deviceKey ctxKey = "device"
)

//---
// Payloads
//---

type BusView struct {
	Name    string  `json:"name"`
	Devices []uint8 `json:"devices"`
	Alive   []uint8 `json:"alive"`
	Emcy    int     `json:"emcy"`
	Dropped uint64  `json:"dropped"`
}

type DeviceView struct {
	Bus       string               `json:"bus"`
	Address   uint8                `json:"address"`
	State     servo.State          `json:"state"`
	Heartbeat servo.HeartbeatStats `json:"heartbeat"`
	Cached    []string             `json:"cached"`
}

type QueueView struct {
	Size  int  `json:"size"`
	Free  int  `json:"free"`
	Stale bool `json:"stale"`
}

type PointsPayload struct {
	Points []servo.MotionPoint `json:"points"`
}

func (p *PointsPayload) Bind(r *http.Request) error {
	if len(p.Points) == 0 {
		return errors.New("no points given")
	}
	if len(p.Points) > servo.QUEUE_CAPACITY {
		return fmt.Errorf("at most %d points fit the queue", servo.QUEUE_CAPACITY)
	}
	return nil
}

type PointsResponse struct {
	Accepted int `json:"accepted"`
}

type StartPayload struct {
	Delay uint32 `json:"delay"`
}

func (s *StartPayload) Bind(r *http.Request) error {
	if s.Delay > servo.MAX_START_DELAY {
		return fmt.Errorf("delay above %d ms", servo.MAX_START_DELAY)
	}
	return nil
}

type EmcyView struct {
	servo.EmcyEntry
	Description string `json:"description"`
}

type EmcyResponse struct {
	Entries []EmcyView `json:"entries"`
	Dropped uint64     `json:"dropped"`
}

//---
// Context loaders
//---

// BusCtx loads the bus named in the URL.
func BusCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bus, err := ENV.Controller.Bus(chi.URLParam(r, "bus"))
		if err != nil {
			render.Render(w, r, ErrDevice(err))
			return
		}
		ctx := context.WithValue(r.Context(), busKey, bus)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceCtx loads the device addressed in the URL. It must follow BusCtx.
func DeviceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := strconv.Atoi(chi.URLParam(r, "addr"))
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
		d, err := r.Context().Value(busKey).(*servo.Bus).Device(addr)
		if err != nil {
			render.Render(w, r, ErrDevice(err))
			return
		}
		ctx := context.WithValue(r.Context(), deviceKey, d)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func busFrom(r *http.Request) *servo.Bus {
	return r.Context().Value(busKey).(*servo.Bus)
}

func deviceFrom(r *http.Request) *servo.Device {
	return r.Context().Value(deviceKey).(*servo.Device)
}

//---
// Views
//---

func ListBuses(w http.ResponseWriter, r *http.Request) {
	views := []BusView{}
	for _, name := range ENV.Controller.BusNames() {
		bus, err := ENV.Controller.Bus(name)
		if err != nil {
			render.Render(w, r, ErrDevice(err))
			return
		}

		view := BusView{
			Name:    name,
			Devices: []uint8{},
			Alive:   bus.Discover(),
			Emcy:    bus.ErrorLog().Size(),
			Dropped: bus.ErrorLog().Dropped(),
		}
		for _, d := range bus.Devices() {
			view.Devices = append(view.Devices, d.Address())
		}
		views = append(views, view)
	}
	render.JSON(w, r, views)
}

func GetDevice(w http.ResponseWriter, r *http.Request) {
	d := deviceFrom(r)
	view := DeviceView{
		Bus:       d.Bus().Name(),
		Address:   d.Address(),
		State:     d.GetState(),
		Heartbeat: d.HeartbeatStats(),
		Cached:    []string{},
	}
	for _, p := range d.Cache().Enabled() {
		view.Cached = append(view.Cached, p.String())
	}
	render.JSON(w, r, view)
}

func GetQueue(w http.ResponseWriter, r *http.Request) {
	q := deviceFrom(r).Queue()
	size, err := q.Size(r.Context())
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	free, err := q.FreeSpace(r.Context())
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.JSON(w, r, QueueView{Size: size, Free: free, Stale: q.Stale()})
}

// PushPoints appends points in order and stops at the first one refused.
func PushPoints(w http.ResponseWriter, r *http.Request) {
	data := &PointsPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	q := deviceFrom(r).Queue()
	for i, p := range data.Points {
		if err := q.Enqueue(r.Context(), p); err != nil {
			render.Render(w, r, ErrDevice(fmt.Errorf("point %d refused after %d accepted: %w", i, i, err)))
			return
		}
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, PointsResponse{Accepted: len(data.Points)})
}

func StartMotion(w http.ResponseWriter, r *http.Request) {
	data := &StartPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := busFrom(r).StartMotion(data.Delay); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, data)
}

// DrainEmcy pops every logged fault of the bus.
func DrainEmcy(w http.ResponseWriter, r *http.Request) {
	log := busFrom(r).ErrorLog()
	resp := EmcyResponse{Entries: []EmcyView{}, Dropped: log.Dropped()}
	for {
		e, err := log.Pop()
		if errors.Is(err, serr.ErrEmpty) {
			break
		}
		if err != nil {
			render.Render(w, r, ErrRender(err))
			return
		}
		resp.Entries = append(resp.Entries, EmcyView{EmcyEntry: e, Description: e.Description()})
	}
	render.JSON(w, r, resp)
}

// GetLedger lists address reassignments, filtered by ?bus= and ?unresolved=1.
func GetLedger(w http.ResponseWriter, r *http.Request) {
	var records []ledger.Reassignment
	var err error
	if unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved")); unresolved {
		records, err = ENV.Ledger.Unresolved()
	} else {
		records, err = ENV.Ledger.History(r.URL.Query().Get("bus"))
	}
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	if records == nil {
		records = []ledger.Reassignment{}
	}
	render.JSON(w, r, records)
}
