package comms

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CodedInternet/servobus/onboard/servo"
)

const (
	EVENT_BUFFER  = 64
	WRITE_TIMEOUT = time.Second
	KIND_REPLY    = "reply"
)

// Client is one live websocket session. It receives the events of every bus
// and sends commands to the conductor.
type Client struct {
	conn      *websocket.Conn
	conductor ConductorInterface
	log       *slog.Logger
}

func NewClient(conn *websocket.Conn, conductor ConductorInterface, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, conductor: conductor, log: logger.With("remote", conn.RemoteAddr().String())}
}

// Serve blocks until the client disconnects or ctx is done.
func (client *Client) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan interface{}, EVENT_BUFFER)
	var wg sync.WaitGroup

	for _, bus := range client.conductor.Buses() {
		events, stop := bus.Watch(EVENT_BUFFER)
		defer stop()

		wg.Add(1)
		go func(events <-chan servo.Event) {
			defer wg.Done()
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(events)
	}

	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- client.receive(ctx, out)
	}()

	client.log.Info("client connected")
	defer client.log.Info("client disconnected")

	for {
		select {
		case msg := <-out:
			client.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
			if err := client.conn.WriteJSON(msg); err != nil {
				cancel()
				client.conn.Close()
				wg.Wait()
				return err
			}

		case err := <-readErr:
			cancel()
			wg.Wait()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err

		case <-ctx.Done():
			client.conn.Close()
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (client *Client) receive(ctx context.Context, out chan<- interface{}) error {
	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			return err
		}

		reply := Reply{Kind: KIND_REPLY, Status: "ok"}
		var cmd Cmd
		if err := json.Unmarshal(msg, &cmd); err != nil {
			reply.Status = "error"
			reply.Error = "invalid json"
		} else {
			reply.Cmd = cmd.Cmd
			if err := client.conductor.ProcessCommand(ctx, cmd); err != nil {
				reply.Status = "error"
				reply.Error = err.Error()
			}
		}

		select {
		case out <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
