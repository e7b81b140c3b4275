package main

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/CodedInternet/servobus/comms"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventsHandler streams heartbeat and EMCY events of every bus and accepts
// commands until the client goes away.
func EventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ENV.Log.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := comms.NewClient(conn, ENV.Conductor, ENV.Log).Serve(r.Context()); err != nil {
		ENV.Log.Info("event stream closed", "error", err)
	}
}
